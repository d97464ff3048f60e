// Package eventlog defines the port interface for the append-only run event log.
package eventlog

import (
	"context"

	"github.com/pipewright/pipewright/internal/domain/event"
)

// Store is the port interface for appending and loading stage events.
type Store interface {
	// Append persists a new event. The store assigns ID, Seq and CreatedAt.
	Append(ctx context.Context, ev *event.StageEvent) error

	// ListByThread returns all events for the given thread, ordered by Seq.
	ListByThread(ctx context.Context, threadID string) ([]event.StageEvent, error)
}
