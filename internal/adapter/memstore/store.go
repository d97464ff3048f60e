// Package memstore implements the checkpoint and event log ports with
// process-local storage. It is the default backend for development and tests.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/pipewright/pipewright/internal/domain"
	"github.com/pipewright/pipewright/internal/domain/workflow"
	"github.com/pipewright/pipewright/internal/port/checkpoint"
)

type entry struct {
	data    []byte
	version int
}

// Store keeps serialized runs keyed by thread ID. Values are stored as JSON
// so a loaded run is always byte-equivalent to what was saved, exactly like
// the durable backends.
type Store struct {
	mu   sync.RWMutex
	runs map[string]entry
}

var _ checkpoint.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{runs: make(map[string]entry)}
}

// Save persists the run, enforcing optimistic concurrency on Version.
func (s *Store) Save(_ context.Context, r *workflow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.runs[r.ThreadID]; ok && cur.version != r.Version {
		return fmt.Errorf("save run %s: %w", r.ThreadID, domain.ErrConflict)
	}

	r.Version++
	data, err := json.Marshal(r)
	if err != nil {
		r.Version--
		return fmt.Errorf("marshal run %s: %w", r.ThreadID, err)
	}
	s.runs[r.ThreadID] = entry{data: data, version: r.Version}
	return nil
}

// Load returns a fresh copy of the stored run.
func (s *Store) Load(_ context.Context, threadID string) (*workflow.Run, error) {
	s.mu.RLock()
	cur, ok := s.runs[threadID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("load run %s: %w", threadID, domain.ErrNotFound)
	}

	var r workflow.Run
	if err := json.Unmarshal(cur.data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal run %s: %w", threadID, err)
	}
	return &r, nil
}

// Exists reports whether a run with the given thread ID is stored.
func (s *Store) Exists(_ context.Context, threadID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.runs[threadID]
	return ok, nil
}

// List returns stored runs matching the filter, newest first.
func (s *Store) List(_ context.Context, filter checkpoint.Filter) ([]workflow.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]workflow.Run, 0, len(s.runs))
	for threadID, cur := range s.runs {
		var r workflow.Run
		if err := json.Unmarshal(cur.data, &r); err != nil {
			return nil, fmt.Errorf("unmarshal run %s: %w", threadID, err)
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		result = append(result, r)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Delete removes a run. Deleting an unknown thread is not an error.
func (s *Store) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, threadID)
	return nil
}
