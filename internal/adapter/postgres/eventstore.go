package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pipewright/pipewright/internal/domain/event"
	"github.com/pipewright/pipewright/internal/domain/stage"
	"github.com/pipewright/pipewright/internal/port/eventlog"
)

// EventStore implements eventlog.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

var _ eventlog.Store = (*EventStore)(nil)

// NewEventStore creates an event store backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts a new event into stage_events. The per-thread sequence is
// computed inside the insert; when a tool audit write races a stage event to
// the same seq, the unique constraint rejects one and the insert is retried.
func (s *EventStore) Append(ctx context.Context, ev *event.StageEvent) error {
	var stageName any
	if ev.Stage.Valid() {
		stageName = ev.Stage.String()
	}

	for attempt := 0; ; attempt++ {
		err := s.pool.QueryRow(ctx,
			`INSERT INTO stage_events (thread_id, seq, event_type, stage, attempt, payload, request_id)
			 VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM stage_events WHERE thread_id = $1), $2, $3, $4, $5, $6)
			 RETURNING id, seq, created_at`,
			ev.ThreadID, string(ev.Type), stageName, ev.Attempt, ev.Payload, ev.RequestID,
		).Scan(&ev.ID, &ev.Seq, &ev.CreatedAt)
		if err == nil {
			return nil
		}
		if attempt < 3 && strings.Contains(err.Error(), "SQLSTATE 23505") {
			continue
		}
		return fmt.Errorf("append event: %w", err)
	}
}

// ListByThread returns all events for the given thread, ordered by Seq.
func (s *EventStore) ListByThread(ctx context.Context, threadID string) ([]event.StageEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, thread_id, seq, event_type, COALESCE(stage, ''), attempt, payload, request_id, created_at
		 FROM stage_events WHERE thread_id = $1 ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", threadID, err)
	}
	defer rows.Close()

	var events []event.StageEvent
	for rows.Next() {
		var ev event.StageEvent
		var stageName string
		if err := rows.Scan(
			&ev.ID, &ev.ThreadID, &ev.Seq, &ev.Type, &stageName,
			&ev.Attempt, &ev.Payload, &ev.RequestID, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if stageName != "" {
			if st, err := stage.Parse(stageName); err == nil {
				ev.Stage = st
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
