// Package capability defines the tool capability provider port (interface) and registry.
package capability

import (
	"context"

	"github.com/pipewright/pipewright/internal/domain/stage"
	"github.com/pipewright/pipewright/internal/domain/tool"
)

// Request describes a single capability invocation on behalf of a run.
type Request struct {
	CapabilityID string         `json:"capability_id"`
	ThreadID     string         `json:"thread_id"`
	Stage        stage.Stage    `json:"stage"`
	Arguments    map[string]any `json:"arguments,omitempty"`
}

// Provider is the port interface for a backend that executes tool capabilities.
type Provider interface {
	// Name returns the unique identifier for this provider (e.g. "local").
	Name() string

	// Capabilities returns the capability descriptors this provider serves.
	Capabilities() []tool.Capability

	// Invoke executes the capability and returns its result payload.
	// The gateway performs policy checks before calling Invoke; providers
	// only validate arguments and execute.
	Invoke(ctx context.Context, req *Request) (string, error)
}
