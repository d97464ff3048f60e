// Package gate decides whether a gated stage's output is acceptable, using
// the run's rigidity parameter and the attempts consumed so far.
package gate

import (
	"github.com/pipewright/pipewright/internal/domain/stage"
	"github.com/pipewright/pipewright/internal/domain/workflow"
)

// Band names the rigidity range a run falls in. Bands are inclusive of their
// lower bound and exclusive of the upper, except the strict band which is
// closed at 1.0.
type Band string

const (
	// BandBypass (rigidity <= 0.0): output is never evaluated.
	BandBypass Band = "bypass"
	// BandLenient (0.0 < r < 0.4): advance on any well-formed output,
	// flagged issues included. Budget of one attempt.
	BandLenient Band = "lenient"
	// BandBalanced (0.4 <= r < 0.6): advance when well-formed with no
	// critical issue; one retry, then forced advance.
	BandBalanced Band = "balanced"
	// BandFirm (0.6 <= r < 0.8): same acceptance as balanced with up to two
	// retries before the forced advance.
	BandFirm Band = "firm"
	// BandStrict (0.8 <= r <= 1.0): advance only on an explicit pass signal;
	// retries until the configured cap, then escalates. Never force-advances.
	BandStrict Band = "strict"
)

// BandOf classifies a rigidity value.
func BandOf(rigidity float64) Band {
	switch {
	case rigidity <= 0.0:
		return BandBypass
	case rigidity < 0.4:
		return BandLenient
	case rigidity < 0.6:
		return BandBalanced
	case rigidity < 0.8:
		return BandFirm
	default:
		return BandStrict
	}
}

// Input is one gate evaluation request. Output is nil when the attempt
// produced no parseable structure; that counts as a failed attempt in every
// band above bypass.
type Input struct {
	Stage stage.Stage
	// Output is the structured result of the attempt under evaluation.
	Output *workflow.StageOutput
	// Attempt is the 1-based iteration count including this attempt.
	Attempt int
	Config  *workflow.Config
}

// Evaluate returns advance, retry, or escalate for one stage attempt.
//
// The forced terminal outcome when a band's budget runs out is advance for
// every band below strict, and escalate for strict: low rigidity optimizes
// for flow, high rigidity refuses to silently pass rejected output.
func Evaluate(in Input) workflow.GateDecision {
	band := BandOf(in.Config.Rigidity)
	if band == BandBypass {
		return workflow.GateAdvance
	}

	if accepted(band, in.Output, in.Config.WellFormedPolicy()) {
		return workflow.GateAdvance
	}

	if in.Attempt >= Budget(band, in.Stage, in.Config) {
		if band == BandStrict {
			return workflow.GateEscalate
		}
		return workflow.GateAdvance
	}
	return workflow.GateRetry
}

// accepted applies the band's acceptance test to a single output.
func accepted(band Band, out *workflow.StageOutput, policy workflow.WellFormedPolicy) bool {
	switch band {
	case BandLenient:
		return out.WellFormed(policy)
	case BandBalanced, BandFirm:
		return out.WellFormed(policy) && !out.HasCritical()
	case BandStrict:
		return out.Passed()
	default:
		return true
	}
}

// Budget returns the total attempts the band allows at a stage. The
// configured per-stage cap is an upper bound in every band; the lenient,
// balanced, and firm bands carry their own tighter budgets of 1, 2, and 3.
func Budget(band Band, s stage.Stage, cfg *workflow.Config) int {
	limit := cfg.MaxIterationsFor(s)
	var budget int
	switch band {
	case BandLenient:
		budget = 1
	case BandBalanced:
		budget = 2
	case BandFirm:
		budget = 3
	default:
		return limit
	}
	if limit < budget {
		return limit
	}
	return budget
}

// Evaluated reports whether the band inspects output at all. The orchestrator
// consults this before consuming an iteration so bypassed stages keep a zero
// iteration count.
func Evaluated(rigidity float64) bool {
	return BandOf(rigidity) != BandBypass
}
