// Package workflow defines the Run entity the orchestrator drives through the
// stage graph, its append-only history, and the per-run configuration.
package workflow

import (
	"time"

	"github.com/pipewright/pipewright/internal/domain/stage"
	"github.com/pipewright/pipewright/internal/domain/tool"
)

// Status is the coarse lifecycle state of a run.
type Status string

const (
	StatusRunning         Status = "running"
	StatusWaitingApproval Status = "waiting_approval"
	StatusComplete        Status = "complete"
	StatusAborted         Status = "aborted"
)

// GateDecision is the outcome the quality gate attaches to a stage attempt.
type GateDecision string

const (
	GateNone     GateDecision = "none"
	GateAdvance  GateDecision = "advance"
	GateRetry    GateDecision = "retry"
	GateEscalate GateDecision = "escalate"
)

// PendingReason distinguishes why a run is waiting on a human.
type PendingReason string

const (
	PendingCheckpoint PendingReason = "checkpoint"
	PendingEscalation PendingReason = "escalation"
)

// ErrorKind classifies entries in a run's error list.
type ErrorKind string

const (
	ErrorTransientWorker ErrorKind = "transient_worker_failure"
	ErrorFatalWorker     ErrorKind = "fatal_worker_failure"
	ErrorSchema          ErrorKind = "schema_validation_failure"
	ErrorEscalation      ErrorKind = "escalation"
	ErrorRejected        ErrorKind = "checkpoint_rejected"
	ErrorCancelled       ErrorKind = "cancelled"
)

// Run is one execution of the pipeline for one task, addressed by ThreadID
// across suspend/resume cycles. All mutation goes through the orchestrator.
type Run struct {
	ThreadID        string              `json:"thread_id"`
	TaskDescription string              `json:"task_description"`
	CurrentStage    stage.Stage         `json:"current_stage"`
	Status          Status              `json:"status"`
	History         []StageRecord       `json:"stage_history"`
	IterationCounts map[stage.Stage]int `json:"iteration_counts"`
	Config          Config              `json:"configuration"`
	PendingApproval bool                `json:"pending_approval"`
	PendingReason   PendingReason       `json:"pending_reason,omitempty"`
	// EscalatedRecord indexes into History when PendingReason is escalation,
	// pointing at the rejected attempt a reviewer needs to see. -1 otherwise.
	EscalatedRecord int               `json:"escalated_record"`
	CheckpointCycle int               `json:"checkpoint_cycle"`
	Grants          []tool.Grant      `json:"grants,omitempty"`
	Invocations     []tool.Invocation `json:"invocations,omitempty"`
	Errors          []RunError        `json:"errors,omitempty"`
	CancelRequested bool              `json:"cancel_requested,omitempty"`
	Version         int               `json:"version"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// StageRecord is an immutable snapshot of one stage attempt. Once appended to
// a run's history it is never rewritten.
type StageRecord struct {
	Stage        stage.Stage  `json:"stage_id"`
	Attempt      int          `json:"attempt_number"`
	InputContext string       `json:"input_context,omitempty"`
	Output       *StageOutput `json:"output,omitempty"`
	Failure      string       `json:"failure,omitempty"`
	Skipped      bool         `json:"skipped,omitempty"`
	GateDecision GateDecision `json:"gate_decision"`
	Timestamp    time.Time    `json:"timestamp"`
}

// RunError is one recorded failure. Entries accumulate; non-fatal failures do
// not clear earlier ones.
type RunError struct {
	Stage     stage.Stage `json:"stage_id,omitempty"`
	Kind      ErrorKind   `json:"kind"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewRun creates a Run positioned at the first backbone stage. The caller has
// already validated cfg.
func NewRun(threadID, task string, cfg Config, now time.Time) *Run {
	return &Run{
		ThreadID:        threadID,
		TaskDescription: task,
		CurrentStage:    stage.First(),
		Status:          StatusRunning,
		IterationCounts: make(map[stage.Stage]int),
		Config:          cfg,
		EscalatedRecord: -1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Terminal reports whether the run has finished.
func (r *Run) Terminal() bool {
	return r.Status == StatusComplete || r.Status == StatusAborted
}

// IterationCount returns the attempts consumed at the given gated stage.
func (r *Run) IterationCount(s stage.Stage) int {
	return r.IterationCounts[s]
}

// ConsumeIteration increments the attempt counter for s and returns the new
// 1-based attempt number.
func (r *Run) ConsumeIteration(s stage.Stage) int {
	if r.IterationCounts == nil {
		r.IterationCounts = make(map[stage.Stage]int)
	}
	r.IterationCounts[s]++
	return r.IterationCounts[s]
}

// AppendRecord appends one attempt snapshot to the history.
func (r *Run) AppendRecord(rec StageRecord) {
	r.History = append(r.History, rec)
}

// LastRecord returns the most recent history entry, or nil for a fresh run.
func (r *Run) LastRecord() *StageRecord {
	if len(r.History) == 0 {
		return nil
	}
	return &r.History[len(r.History)-1]
}

// RecordError appends an entry to the error list.
func (r *Run) RecordError(s stage.Stage, kind ErrorKind, msg string, now time.Time) {
	r.Errors = append(r.Errors, RunError{Stage: s, Kind: kind, Message: msg, Timestamp: now})
}

// Suspend marks the run as waiting on a human decision at the current stage.
func (r *Run) Suspend(reason PendingReason, escalatedRecord int) {
	r.PendingApproval = true
	r.PendingReason = reason
	r.EscalatedRecord = escalatedRecord
	r.Status = StatusWaitingApproval
}

// ResolveSuspension clears the approval flag and opens a new checkpoint cycle.
// Cycle-scoped capability grants from earlier cycles stop applying.
func (r *Run) ResolveSuspension() {
	r.PendingApproval = false
	r.PendingReason = ""
	r.EscalatedRecord = -1
	r.CheckpointCycle++
	r.Status = StatusRunning
}

// Grant records a capability approval on the run.
func (r *Run) Grant(capabilityID string, scope tool.GrantScope) {
	r.Grants = append(r.Grants, tool.Grant{
		CapabilityID: capabilityID,
		Scope:        scope,
		Cycle:        r.CheckpointCycle,
	})
}

// Approved reports whether capabilityID has a grant that applies right now:
// either a run-scoped pre-authorization or a grant from the active checkpoint
// cycle.
func (r *Run) Approved(capabilityID string) bool {
	for _, g := range r.Grants {
		if g.CapabilityID != capabilityID {
			continue
		}
		if g.Scope == tool.GrantRun {
			return true
		}
		if g.Scope == tool.GrantCycle && g.Cycle == r.CheckpointCycle {
			return true
		}
	}
	return false
}

// RecordInvocation appends a gateway invocation to the run's audit log.
func (r *Run) RecordInvocation(inv tool.Invocation) {
	r.Invocations = append(r.Invocations, inv)
}

// Complete transitions the run to its successful terminal state.
func (r *Run) Complete() {
	r.CurrentStage = stage.Complete
	r.Status = StatusComplete
}

// Abort transitions the run to its failed terminal state with a recorded
// cause. An aborted run always carries at least one error.
func (r *Run) Abort(s stage.Stage, kind ErrorKind, msg string, now time.Time) {
	r.RecordError(s, kind, msg, now)
	r.CurrentStage = stage.Aborted
	r.Status = StatusAborted
	r.PendingApproval = false
	r.PendingReason = ""
}
