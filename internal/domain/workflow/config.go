package workflow

import (
	"fmt"

	"github.com/pipewright/pipewright/internal/domain"
	"github.com/pipewright/pipewright/internal/domain/stage"
)

// DefaultMaxIterations caps attempts at a gated stage when the configuration
// does not name one.
const DefaultMaxIterations = 3

// DefaultTransientRetries is how many times a transient worker failure is
// re-attempted before it aborts the run.
const DefaultTransientRetries = 2

// Config is the per-run configuration supplied at start and carried inside
// the run. It is never read from ambient process state.
type Config struct {
	// Rigidity in [0.0, 1.0] governs how readily gated output is accepted.
	Rigidity float64 `json:"rigidity"`
	// MaxIterations overrides the per-stage attempt cap (default 3).
	MaxIterations map[stage.Stage]int `json:"max_iterations,omitempty"`
	// Worker names the registered stage-worker implementation.
	Worker string `json:"worker,omitempty"`
	// Model is passed through to the worker backend.
	Model string `json:"model,omitempty"`
	// SkipStages are bypassed without consuming an iteration.
	SkipStages []stage.Stage `json:"skip_stages,omitempty"`
	// Checkpoints suspend the run for human approval on arrival.
	Checkpoints []stage.Stage `json:"checkpoints,omitempty"`
	// Reentry maps a rejected checkpoint stage to an earlier stage to
	// re-enter instead of aborting.
	Reentry map[stage.Stage]stage.Stage `json:"reentry,omitempty"`
	// PreAuthorized capabilities are granted for the whole run at start.
	PreAuthorized []string `json:"pre_authorized,omitempty"`
	// Bindings overrides the per-stage allowed capability set.
	Bindings map[stage.Stage][]string `json:"bindings,omitempty"`
	// WellFormed selects the structural acceptance check (default artifacts).
	WellFormed WellFormedPolicy `json:"well_formed,omitempty"`
	// TransientRetries overrides the transient worker retry cap.
	TransientRetries int `json:"transient_retries,omitempty"`
}

// DefaultConfig returns a balanced-rigidity configuration with every other
// knob left at its default.
func DefaultConfig() Config {
	return Config{Rigidity: 0.5}
}

// defaultBindings is the capability set each stage may invoke when the
// configuration does not override it. Requirements deliberately binds none.
var defaultBindings = map[stage.Stage][]string{
	stage.Architecture:   {"fs_read"},
	stage.CodeGeneration: {"fs_read", "fs_write", "shell_exec"},
	stage.CodeReview:     {"fs_read", "fs_search"},
	stage.Testing:        {"fs_read", "shell_exec"},
	stage.Documentation:  {"fs_read", "fs_write"},
}

// Validate rejects configurations the orchestrator must never accept. All
// failures wrap domain.ErrValidation so callers can map them uniformly.
func (c *Config) Validate() error {
	if c.Rigidity < 0.0 || c.Rigidity > 1.0 {
		return fmt.Errorf("rigidity %.2f outside [0.0, 1.0]: %w", c.Rigidity, domain.ErrValidation)
	}
	for s, limit := range c.MaxIterations {
		if !s.Work() {
			return fmt.Errorf("max_iterations references stage %s: %w", s, domain.ErrValidation)
		}
		if limit < 1 {
			return fmt.Errorf("max_iterations[%s] = %d, must be >= 1: %w", s, limit, domain.ErrValidation)
		}
	}
	for _, s := range c.SkipStages {
		if !s.Work() {
			return fmt.Errorf("skip_stages references stage %s: %w", s, domain.ErrValidation)
		}
	}
	skipped := make(map[stage.Stage]bool, len(c.SkipStages))
	for _, s := range c.SkipStages {
		skipped[s] = true
	}
	for _, s := range c.Checkpoints {
		if !s.Work() {
			return fmt.Errorf("checkpoints references stage %s: %w", s, domain.ErrValidation)
		}
		if skipped[s] {
			return fmt.Errorf("stage %s is both a checkpoint and skipped: %w", s, domain.ErrValidation)
		}
	}
	for from, to := range c.Reentry {
		if !from.Work() || !to.Work() {
			return fmt.Errorf("reentry %s -> %s references invalid stage: %w", from, to, domain.ErrValidation)
		}
		if !precedes(to, from) {
			return fmt.Errorf("reentry target %s does not precede %s: %w", to, from, domain.ErrValidation)
		}
	}
	for s := range c.Bindings {
		if !s.Work() {
			return fmt.Errorf("bindings references stage %s: %w", s, domain.ErrValidation)
		}
	}
	switch c.WellFormed {
	case "", WellFormedArtifacts, WellFormedParse:
	default:
		return fmt.Errorf("well_formed %q is not a known policy: %w", c.WellFormed, domain.ErrValidation)
	}
	if c.TransientRetries < 0 {
		return fmt.Errorf("transient_retries must be >= 0: %w", domain.ErrValidation)
	}
	return nil
}

// MaxIterationsFor returns the attempt cap for a gated stage.
func (c *Config) MaxIterationsFor(s stage.Stage) int {
	if limit, ok := c.MaxIterations[s]; ok {
		return limit
	}
	return DefaultMaxIterations
}

// Skipped reports whether s is bypassed for this run.
func (c *Config) Skipped(s stage.Stage) bool {
	for _, sk := range c.SkipStages {
		if sk == s {
			return true
		}
	}
	return false
}

// Checkpoint reports whether arrival at s suspends the run for approval.
func (c *Config) Checkpoint(s stage.Stage) bool {
	for _, cp := range c.Checkpoints {
		if cp == s {
			return true
		}
	}
	return false
}

// BindingsFor returns the capability ids stage s may invoke, falling back to
// the built-in table when the run does not override it.
func (c *Config) BindingsFor(s stage.Stage) []string {
	if b, ok := c.Bindings[s]; ok {
		return b
	}
	return defaultBindings[s]
}

// WellFormedPolicy returns the configured structural check, defaulted.
func (c *Config) WellFormedPolicy() WellFormedPolicy {
	if c.WellFormed == "" {
		return WellFormedArtifacts
	}
	return c.WellFormed
}

// TransientRetryCap returns the transient retry budget, defaulted.
func (c *Config) TransientRetryCap() int {
	if c.TransientRetries > 0 {
		return c.TransientRetries
	}
	return DefaultTransientRetries
}

// precedes reports whether a comes strictly before b on the backbone.
func precedes(a, b stage.Stage) bool {
	seen := false
	for _, s := range stage.Backbone() {
		if s == a {
			seen = true
		}
		if s == b {
			return seen && a != b
		}
	}
	return false
}
