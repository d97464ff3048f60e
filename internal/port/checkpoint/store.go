// Package checkpoint defines the port interface for run persistence.
package checkpoint

import (
	"context"

	"github.com/pipewright/pipewright/internal/domain/workflow"
)

// Filter controls which runs are returned by List.
type Filter struct {
	Status workflow.Status `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// Store is the port interface for saving and loading workflow runs.
//
// Save performs an optimistic-concurrency upsert: it compares the stored
// version against run.Version, returns domain.ErrConflict on mismatch, and
// increments run.Version on success. A loaded run always deserializes to
// the exact state that was saved.
type Store interface {
	// Save persists the full run state.
	Save(ctx context.Context, r *workflow.Run) error

	// Load returns the run for the given thread, or domain.ErrNotFound.
	Load(ctx context.Context, threadID string) (*workflow.Run, error)

	// Exists reports whether a run with the given thread ID is stored.
	Exists(ctx context.Context, threadID string) (bool, error)

	// List returns stored runs matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]workflow.Run, error)

	// Delete removes a run. Deleting an unknown thread is not an error.
	Delete(ctx context.Context, threadID string) error
}
