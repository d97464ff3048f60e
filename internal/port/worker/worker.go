// Package worker defines the stage worker port (interface) and registry.
package worker

import (
	"context"

	"github.com/pipewright/pipewright/internal/domain/stage"
	"github.com/pipewright/pipewright/internal/domain/tool"
	"github.com/pipewright/pipewright/internal/domain/workflow"
)

// Request carries everything a worker needs to execute one stage attempt.
type Request struct {
	ThreadID string      `json:"thread_id"`
	Stage    stage.Stage `json:"stage"`

	// Task is the original task description the run was started with.
	Task string `json:"task"`

	// Context holds the accepted records of prior stages, oldest first.
	Context []workflow.StageRecord `json:"context,omitempty"`

	// PriorRejected is the most recent rejected attempt for this stage,
	// nil on the first attempt. Retries must include it so the worker can
	// see what was rejected and why.
	PriorRejected *workflow.StageRecord `json:"prior_rejected,omitempty"`

	// Attempt is the 1-based attempt number for this stage.
	Attempt int `json:"attempt"`

	// Bound lists the capabilities the stage may invoke.
	Bound []tool.Capability `json:"bound,omitempty"`

	Model string `json:"model,omitempty"`
}

// Worker is the port interface for executing a single workflow stage.
//
// Execute returns the parsed stage output, or an error. Errors wrapped in
// workflow.WorkerFailure carry a transient/fatal classification; a
// workflow.SchemaError means the backend replied but the reply could not
// be parsed into a StageOutput. Unclassified errors are treated as fatal.
type Worker interface {
	// Name returns the unique identifier for this worker (e.g. "litellm").
	Name() string

	// Execute runs one stage attempt and returns its structured output.
	Execute(ctx context.Context, req *Request) (*workflow.StageOutput, error)
}
