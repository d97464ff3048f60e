// Package event defines the StageEvent domain entity for the run audit trail.
package event

import (
	"encoding/json"
	"time"

	"github.com/pipewright/pipewright/internal/domain/stage"
)

// Type identifies the kind of workflow event.
type Type string

const (
	TypeRunStarted   Type = "run.started"
	TypeRunSuspended Type = "run.suspended"
	TypeRunResumed   Type = "run.resumed"
	TypeRunCompleted Type = "run.completed"
	TypeRunAborted   Type = "run.aborted"
	TypeRunCancelled Type = "run.cancelled"

	TypeStageStarted   Type = "stage.started"
	TypeStageCompleted Type = "stage.completed"
	TypeStageSkipped   Type = "stage.skipped"
	TypeGateDecision   Type = "stage.gate_decision"

	TypeToolInvoked Type = "tool.invoked"
	TypeToolDenied  Type = "tool.denied"
)

// StageEvent represents a single immutable event in a run's history.
// Seq is assigned by the store on append and orders events within a thread.
type StageEvent struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	Type      Type            `json:"type"`
	Stage     stage.Stage     `json:"stage,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Seq       int64           `json:"seq"`
	CreatedAt time.Time       `json:"created_at"`
}
