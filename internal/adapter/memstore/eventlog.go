package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipewright/pipewright/internal/domain/event"
	"github.com/pipewright/pipewright/internal/port/eventlog"
)

// EventLog is an in-memory append-only event log keyed by thread ID.
type EventLog struct {
	mu     sync.RWMutex
	events map[string][]event.StageEvent
	seq    map[string]int64
}

var _ eventlog.Store = (*EventLog)(nil)

// NewEventLog creates an empty in-memory event log.
func NewEventLog() *EventLog {
	return &EventLog{
		events: make(map[string][]event.StageEvent),
		seq:    make(map[string]int64),
	}
}

// Append assigns ID, Seq and CreatedAt, then stores the event.
func (l *EventLog) Append(_ context.Context, ev *event.StageEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq[ev.ThreadID]++
	ev.Seq = l.seq[ev.ThreadID]
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	l.events[ev.ThreadID] = append(l.events[ev.ThreadID], *ev)
	return nil
}

// ListByThread returns a copy of all events for the thread, ordered by Seq.
func (l *EventLog) ListByThread(_ context.Context, threadID string) ([]event.StageEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stored := l.events[threadID]
	result := make([]event.StageEvent, len(stored))
	copy(result, stored)
	return result, nil
}
