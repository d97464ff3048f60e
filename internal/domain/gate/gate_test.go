package gate_test

import (
	"testing"

	"github.com/pipewright/pipewright/internal/domain/gate"
	"github.com/pipewright/pipewright/internal/domain/stage"
	"github.com/pipewright/pipewright/internal/domain/workflow"
)

func wellFormed() *workflow.StageOutput {
	return &workflow.StageOutput{
		Summary:   "reviewed the change set",
		Artifacts: []workflow.Artifact{{Name: "review.md", Kind: "document"}},
	}
}

func withCritical() *workflow.StageOutput {
	out := wellFormed()
	out.Issues = []workflow.Issue{{Severity: workflow.SeverityCritical, Message: "nil deref in handler"}}
	return out
}

func passed() *workflow.StageOutput {
	out := wellFormed()
	out.Verdict = workflow.VerdictPass
	return out
}

func failedVerdict() *workflow.StageOutput {
	out := wellFormed()
	out.Verdict = workflow.VerdictFail
	out.Issues = []workflow.Issue{{Severity: workflow.SeverityWarning, Message: "issues found"}}
	return out
}

func evalWith(t *testing.T, rigidity float64, out *workflow.StageOutput, attempt int) workflow.GateDecision {
	t.Helper()
	cfg := &workflow.Config{Rigidity: rigidity}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return gate.Evaluate(gate.Input{
		Stage:   stage.CodeReview,
		Output:  out,
		Attempt: attempt,
		Config:  cfg,
	})
}

func TestBandOf(t *testing.T) {
	tests := []struct {
		rigidity float64
		want     gate.Band
	}{
		{0.0, gate.BandBypass},
		{-0.5, gate.BandBypass},
		{0.01, gate.BandLenient},
		{0.2, gate.BandLenient},
		{0.39, gate.BandLenient},
		{0.4, gate.BandBalanced},
		{0.59, gate.BandBalanced},
		{0.6, gate.BandFirm},
		{0.79, gate.BandFirm},
		{0.8, gate.BandStrict},
		{1.0, gate.BandStrict},
	}
	for _, tc := range tests {
		if got := gate.BandOf(tc.rigidity); got != tc.want {
			t.Errorf("BandOf(%.2f) = %s, want %s", tc.rigidity, got, tc.want)
		}
	}
}

func TestEvaluate_BypassAlwaysAdvances(t *testing.T) {
	if got := evalWith(t, 0.0, nil, 1); got != workflow.GateAdvance {
		t.Fatalf("bypass with nil output = %s, want advance", got)
	}
	if !gate.Evaluated(0.2) {
		t.Fatal("rigidity 0.2 should be evaluated")
	}
	if gate.Evaluated(0.0) {
		t.Fatal("rigidity 0.0 should not be evaluated")
	}
}

func TestEvaluate_LenientAdvancesDespiteIssues(t *testing.T) {
	// Flagged issues do not matter below 0.4; only structure does.
	if got := evalWith(t, 0.2, withCritical(), 1); got != workflow.GateAdvance {
		t.Fatalf("lenient with critical issue = %s, want advance", got)
	}
}

func TestEvaluate_LenientMalformedForcesAdvance(t *testing.T) {
	// Budget is one attempt; an unparseable first attempt exhausts it and
	// the band's forced outcome is advance.
	if got := evalWith(t, 0.2, nil, 1); got != workflow.GateAdvance {
		t.Fatalf("lenient malformed at attempt 1 = %s, want advance", got)
	}
}

func TestEvaluate_BalancedRetriesOnceThenForces(t *testing.T) {
	if got := evalWith(t, 0.5, withCritical(), 1); got != workflow.GateRetry {
		t.Fatalf("balanced critical at attempt 1 = %s, want retry", got)
	}
	if got := evalWith(t, 0.5, withCritical(), 2); got != workflow.GateAdvance {
		t.Fatalf("balanced critical at attempt 2 = %s, want forced advance", got)
	}
}

func TestEvaluate_BalancedCleanOutputAdvances(t *testing.T) {
	if got := evalWith(t, 0.5, wellFormed(), 1); got != workflow.GateAdvance {
		t.Fatalf("balanced clean output = %s, want advance", got)
	}
}

func TestEvaluate_FirmAllowsTwoRetries(t *testing.T) {
	if got := evalWith(t, 0.7, withCritical(), 1); got != workflow.GateRetry {
		t.Fatalf("firm attempt 1 = %s, want retry", got)
	}
	if got := evalWith(t, 0.7, withCritical(), 2); got != workflow.GateRetry {
		t.Fatalf("firm attempt 2 = %s, want retry", got)
	}
	if got := evalWith(t, 0.7, withCritical(), 3); got != workflow.GateAdvance {
		t.Fatalf("firm attempt 3 = %s, want forced advance", got)
	}
}

func TestEvaluate_StrictRequiresExplicitPass(t *testing.T) {
	// Well-formed output without a pass verdict never advances.
	if got := evalWith(t, 0.9, wellFormed(), 1); got != workflow.GateRetry {
		t.Fatalf("strict without verdict = %s, want retry", got)
	}
	if got := evalWith(t, 0.9, passed(), 1); got != workflow.GateAdvance {
		t.Fatalf("strict with pass verdict = %s, want advance", got)
	}
}

func TestEvaluate_StrictEscalatesAtCap(t *testing.T) {
	for attempt := 1; attempt <= 2; attempt++ {
		if got := evalWith(t, 0.9, failedVerdict(), attempt); got != workflow.GateRetry {
			t.Fatalf("strict attempt %d = %s, want retry", attempt, got)
		}
	}
	if got := evalWith(t, 0.9, failedVerdict(), 3); got != workflow.GateEscalate {
		t.Fatalf("strict attempt 3 = %s, want escalate", got)
	}
}

func TestEvaluate_StrictNeverForceAdvances(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		got := evalWith(t, 1.0, failedVerdict(), attempt)
		if got == workflow.GateAdvance {
			t.Fatalf("strict force-advanced at attempt %d", attempt)
		}
	}
}

func TestEvaluate_SchemaFailureConsumesAttemptInEveryBand(t *testing.T) {
	tests := []struct {
		rigidity float64
		attempt  int
		want     workflow.GateDecision
	}{
		{0.5, 1, workflow.GateRetry},
		{0.7, 1, workflow.GateRetry},
		{0.9, 1, workflow.GateRetry},
		{0.9, 3, workflow.GateEscalate},
	}
	for _, tc := range tests {
		if got := evalWith(t, tc.rigidity, nil, tc.attempt); got != tc.want {
			t.Errorf("rigidity %.1f attempt %d with nil output = %s, want %s",
				tc.rigidity, tc.attempt, got, tc.want)
		}
	}
}

func TestBudget_ConfiguredCapBoundsEveryBand(t *testing.T) {
	cfg := &workflow.Config{
		Rigidity:      0.7,
		MaxIterations: map[stage.Stage]int{stage.CodeReview: 1},
	}
	if got := gate.Budget(gate.BandFirm, stage.CodeReview, cfg); got != 1 {
		t.Fatalf("firm budget with cap 1 = %d, want 1", got)
	}
	// With the tight cap, the first failed attempt exhausts the budget.
	got := gate.Evaluate(gate.Input{Stage: stage.CodeReview, Output: withCritical(), Attempt: 1, Config: cfg})
	if got != workflow.GateAdvance {
		t.Fatalf("firm with cap 1 at attempt 1 = %s, want forced advance", got)
	}
}

func TestBudget_StrictUsesConfiguredCap(t *testing.T) {
	cfg := &workflow.Config{
		Rigidity:      0.9,
		MaxIterations: map[stage.Stage]int{stage.CodeReview: 5},
	}
	if got := gate.Budget(gate.BandStrict, stage.CodeReview, cfg); got != 5 {
		t.Fatalf("strict budget = %d, want 5", got)
	}
	got := gate.Evaluate(gate.Input{Stage: stage.CodeReview, Output: failedVerdict(), Attempt: 4, Config: cfg})
	if got != workflow.GateRetry {
		t.Fatalf("strict attempt 4 of 5 = %s, want retry", got)
	}
}

func TestEvaluate_ParsePolicyAcceptsArtifactlessOutput(t *testing.T) {
	cfg := &workflow.Config{Rigidity: 0.2, WellFormed: workflow.WellFormedParse}
	out := &workflow.StageOutput{Raw: "unstructured but parsed"}
	got := gate.Evaluate(gate.Input{Stage: stage.Requirements, Output: out, Attempt: 1, Config: cfg})
	if got != workflow.GateAdvance {
		t.Fatalf("parse policy = %s, want advance", got)
	}

	cfg.WellFormed = workflow.WellFormedArtifacts
	got = gate.Evaluate(gate.Input{Stage: stage.Requirements, Output: out, Attempt: 1, Config: cfg})
	if got != workflow.GateAdvance {
		// Attempt 1 exhausts the lenient budget, so this is the forced path.
		t.Fatalf("artifacts policy on artifactless output = %s, want forced advance", got)
	}
}
