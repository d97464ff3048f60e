// Package natskv implements the checkpoint store port on NATS JetStream KV.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pipewright/pipewright/internal/domain"
	"github.com/pipewright/pipewright/internal/domain/workflow"
	"github.com/pipewright/pipewright/internal/port/checkpoint"
)

// Store persists workflow runs in a NATS JetStream KeyValue bucket, one
// key per thread. Optimistic concurrency combines the version stamped in
// the run document with the KV revision: the revision read alongside the
// stored version guards the update, so a concurrent writer loses with
// domain.ErrConflict.
type Store struct {
	kv jetstream.KeyValue
}

var _ checkpoint.Store = (*Store)(nil)

// New creates a NATS KV-backed checkpoint store.
func New(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// Save writes the run, failing with domain.ErrConflict when the stored
// version does not match the caller's copy. On success the run's version
// is incremented.
func (s *Store) Save(ctx context.Context, r *workflow.Run) error {
	expected := r.Version
	r.Version++

	data, err := json.Marshal(r)
	if err != nil {
		r.Version--
		return fmt.Errorf("marshal run %s: %w", r.ThreadID, err)
	}

	if expected == 0 {
		if _, err := s.kv.Create(ctx, r.ThreadID, data); err != nil {
			r.Version--
			if errors.Is(err, jetstream.ErrKeyExists) {
				return fmt.Errorf("save run %s: %w", r.ThreadID, domain.ErrConflict)
			}
			return fmt.Errorf("save run %s: %w", r.ThreadID, err)
		}
		return nil
	}

	entry, err := s.kv.Get(ctx, r.ThreadID)
	if err != nil {
		r.Version--
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("save run %s: %w", r.ThreadID, domain.ErrConflict)
		}
		return fmt.Errorf("save run %s: %w", r.ThreadID, err)
	}

	var stored workflow.Run
	if err := json.Unmarshal(entry.Value(), &stored); err != nil {
		r.Version--
		return fmt.Errorf("unmarshal stored run %s: %w", r.ThreadID, err)
	}
	if stored.Version != expected {
		r.Version--
		return fmt.Errorf("save run %s: %w", r.ThreadID, domain.ErrConflict)
	}

	if _, err := s.kv.Update(ctx, r.ThreadID, data, entry.Revision()); err != nil {
		r.Version--
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("save run %s: %w", r.ThreadID, domain.ErrConflict)
		}
		return fmt.Errorf("save run %s: %w", r.ThreadID, err)
	}
	return nil
}

// Load returns the run stored for the thread, or domain.ErrNotFound.
func (s *Store) Load(ctx context.Context, threadID string) (*workflow.Run, error) {
	entry, err := s.kv.Get(ctx, threadID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("load run %s: %w", threadID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("load run %s: %w", threadID, err)
	}

	var run workflow.Run
	if err := json.Unmarshal(entry.Value(), &run); err != nil {
		return nil, fmt.Errorf("unmarshal run %s: %w", threadID, err)
	}
	return &run, nil
}

// Exists reports whether a run is stored for the thread.
func (s *Store) Exists(ctx context.Context, threadID string) (bool, error) {
	_, err := s.kv.Get(ctx, threadID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("check run %s: %w", threadID, err)
	}
	return true, nil
}

// List returns stored runs matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter checkpoint.Filter) ([]workflow.Run, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var runs []workflow.Run
	for key := range lister.Keys() {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			// Deleted between listing and reading.
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("list runs: get %s: %w", key, err)
		}
		var run workflow.Run
		if err := json.Unmarshal(entry.Value(), &run); err != nil {
			return nil, fmt.Errorf("list runs: unmarshal %s: %w", key, err)
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// Delete removes the stored run. Deleting an unknown thread is not an error.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	err := s.kv.Delete(ctx, threadID)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete run %s: %w", threadID, err)
	}
	return nil
}
