package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pipewright/pipewright/internal/domain"
	"github.com/pipewright/pipewright/internal/domain/workflow"
	"github.com/pipewright/pipewright/internal/port/checkpoint"
)

// Store implements checkpoint.Store using PostgreSQL. The full run is stored
// as a JSONB document; status and current_stage are extracted into columns
// for filtering so a loaded run is always the exact document that was saved.
type Store struct {
	pool *pgxpool.Pool
}

var _ checkpoint.Store = (*Store)(nil)

// NewStore creates a run store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Save persists the run, enforcing optimistic concurrency on Version.
func (s *Store) Save(ctx context.Context, r *workflow.Run) error {
	expected := r.Version
	r.Version++
	data, err := json.Marshal(r)
	if err != nil {
		r.Version--
		return fmt.Errorf("marshal run %s: %w", r.ThreadID, err)
	}

	if expected == 0 {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO workflow_runs (thread_id, status, current_stage, data, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (thread_id) DO NOTHING`,
			r.ThreadID, string(r.Status), r.CurrentStage.String(), data, r.Version, r.CreatedAt, r.UpdatedAt)
		if err != nil {
			r.Version--
			return fmt.Errorf("insert run %s: %w", r.ThreadID, err)
		}
		if tag.RowsAffected() == 0 {
			r.Version--
			return fmt.Errorf("insert run %s: %w", r.ThreadID, domain.ErrConflict)
		}
		return nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_runs
		 SET status = $2, current_stage = $3, data = $4, version = $5, updated_at = $6
		 WHERE thread_id = $1 AND version = $7`,
		r.ThreadID, string(r.Status), r.CurrentStage.String(), data, r.Version, r.UpdatedAt, expected)
	if err != nil {
		r.Version--
		return fmt.Errorf("update run %s: %w", r.ThreadID, err)
	}
	if tag.RowsAffected() == 0 {
		r.Version--
		return fmt.Errorf("update run %s: %w", r.ThreadID, domain.ErrConflict)
	}
	return nil
}

// Load returns the run for the given thread.
func (s *Store) Load(ctx context.Context, threadID string) (*workflow.Run, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM workflow_runs WHERE thread_id = $1`, threadID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("load run %s: %w", threadID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("load run %s: %w", threadID, err)
	}

	var r workflow.Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal run %s: %w", threadID, err)
	}
	return &r, nil
}

// Exists reports whether a run with the given thread ID is stored.
func (s *Store) Exists(ctx context.Context, threadID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflow_runs WHERE thread_id = $1)`, threadID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("exists run %s: %w", threadID, err)
	}
	return ok, nil
}

// List returns stored runs matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter checkpoint.Filter) ([]workflow.Run, error) {
	q := `SELECT data FROM workflow_runs`
	args := []any{}
	if filter.Status != "" {
		q += ` WHERE status = $1`
		args = append(args, string(filter.Status))
	}
	q += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var result []workflow.Run
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var r workflow.Run
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("unmarshal run: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Delete removes a run. Deleting an unknown thread is not an error.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM workflow_runs WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("delete run %s: %w", threadID, err)
	}
	return nil
}
