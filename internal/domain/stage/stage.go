// Package stage defines the pipeline stage identifiers and the transition
// graph the orchestrator drives: a linear backbone with one rework edge.
package stage

import "fmt"

// Stage identifies one step of the pipeline. The zero value is invalid.
type Stage int

const (
	Unknown Stage = iota
	Requirements
	Architecture
	CodeGeneration
	CodeReview
	Testing
	Documentation
	Complete
	Aborted
)

var names = map[Stage]string{
	Unknown:        "Unknown",
	Requirements:   "Requirements",
	Architecture:   "Architecture",
	CodeGeneration: "CodeGeneration",
	CodeReview:     "CodeReview",
	Testing:        "Testing",
	Documentation:  "Documentation",
	Complete:       "Complete",
	Aborted:        "Aborted",
}

// backbone is the ordered linear path a run follows to completion.
var backbone = []Stage{
	Requirements,
	Architecture,
	CodeGeneration,
	CodeReview,
	Testing,
	Documentation,
	Complete,
}

// reworkTargets maps a stage to the earlier stage a gate retry re-enters.
// Stages without an entry retry in place.
var reworkTargets = map[Stage]Stage{
	CodeReview: CodeGeneration,
}

// transitions enumerates every legal current_stage change. Self-transitions
// (retry in place) are always legal for non-terminal work stages and are not
// listed here.
var transitions = map[Stage]map[Stage]bool{
	Requirements:   {Architecture: true, Aborted: true},
	Architecture:   {CodeGeneration: true, Aborted: true},
	CodeGeneration: {CodeReview: true, Aborted: true},
	CodeReview:     {Testing: true, CodeGeneration: true, Aborted: true},
	Testing:        {Documentation: true, Aborted: true},
	Documentation:  {Complete: true, Aborted: true},
}

func (s Stage) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Valid reports whether s is a defined stage, terminals included.
func (s Stage) Valid() bool {
	_, ok := names[s]
	return ok && s != Unknown
}

// Terminal reports whether s ends a run.
func (s Stage) Terminal() bool {
	return s == Complete || s == Aborted
}

// Work reports whether s is a stage a worker executes (neither terminal nor Unknown).
func (s Stage) Work() bool {
	return s.Valid() && !s.Terminal()
}

// Next returns the backbone successor of s. ok is false for the last backbone
// stage and for anything off the backbone.
func (s Stage) Next() (Stage, bool) {
	for i, b := range backbone {
		if b == s && i+1 < len(backbone) {
			return backbone[i+1], true
		}
	}
	return Unknown, false
}

// ReworkTarget returns the stage a gate retry at s re-enters, and whether s
// has a rework edge at all.
func (s Stage) ReworkTarget() (Stage, bool) {
	t, ok := reworkTargets[s]
	return t, ok
}

// CanTransition reports whether moving current_stage from s to next is legal.
func (s Stage) CanTransition(next Stage) bool {
	if s == next {
		return s.Work()
	}
	return transitions[s][next]
}

// Backbone returns a copy of the ordered backbone ending in Complete.
func Backbone() []Stage {
	out := make([]Stage, len(backbone))
	copy(out, backbone)
	return out
}

// First returns the entry stage of the backbone.
func First() Stage {
	return backbone[0]
}

// Parse converts a stage name to its Stage. Unknown names are an error.
func Parse(name string) (Stage, error) {
	for s, n := range names {
		if n == name && s != Unknown {
			return s, nil
		}
	}
	return Unknown, fmt.Errorf("unknown stage %q", name)
}

// MarshalText implements encoding.TextMarshaler so stages serialize by name,
// including as JSON map keys.
func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("marshal invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
