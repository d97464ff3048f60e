// Package cachedstore wraps a checkpoint store with a read-through cache so
// status polling does not hammer the backing store.
package cachedstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pipewright/pipewright/internal/domain/workflow"
	"github.com/pipewright/pipewright/internal/port/cache"
	"github.com/pipewright/pipewright/internal/port/checkpoint"
)

// Store decorates an inner checkpoint store with a per-thread cache. Saves
// write through, loads fill on miss, and List always goes to the inner store
// so filters see every run. Cache failures degrade to the inner store.
type Store struct {
	inner checkpoint.Store
	cache cache.Cache
	ttl   time.Duration
}

var _ checkpoint.Store = (*Store)(nil)

// New wraps inner. A non-positive ttl caches entries until eviction.
func New(inner checkpoint.Store, c cache.Cache, ttl time.Duration) *Store {
	return &Store{inner: inner, cache: c, ttl: ttl}
}

// Save persists through the inner store, then refreshes the cached copy with
// the saved state so a follow-up Load sees the bumped version.
func (s *Store) Save(ctx context.Context, r *workflow.Run) error {
	if err := s.inner.Save(ctx, r); err != nil {
		// The cached copy may now be stale relative to a half-applied
		// backend; drop it rather than guess.
		if derr := s.cache.Delete(ctx, r.ThreadID); derr != nil {
			slog.Warn("drop cached run", "thread_id", r.ThreadID, "error", derr)
		}
		return err
	}
	s.fill(ctx, r)
	return nil
}

// Load returns the cached run when present, falling back to the inner store
// and filling the cache on the way out.
func (s *Store) Load(ctx context.Context, threadID string) (*workflow.Run, error) {
	if data, ok, err := s.cache.Get(ctx, threadID); err == nil && ok {
		var r workflow.Run
		if err := json.Unmarshal(data, &r); err == nil {
			return &r, nil
		}
		// Corrupt entry; fall through to the inner store.
		if err := s.cache.Delete(ctx, threadID); err != nil {
			slog.Warn("drop corrupt cached run", "thread_id", threadID, "error", err)
		}
	}
	r, err := s.inner.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, r)
	return r, nil
}

// Exists consults the cache before the inner store.
func (s *Store) Exists(ctx context.Context, threadID string) (bool, error) {
	if _, ok, err := s.cache.Get(ctx, threadID); err == nil && ok {
		return true, nil
	}
	return s.inner.Exists(ctx, threadID)
}

// List is never served from the cache.
func (s *Store) List(ctx context.Context, filter checkpoint.Filter) ([]workflow.Run, error) {
	return s.inner.List(ctx, filter)
}

// Delete removes the run from both layers.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	if err := s.cache.Delete(ctx, threadID); err != nil {
		slog.Warn("drop cached run", "thread_id", threadID, "error", err)
	}
	return s.inner.Delete(ctx, threadID)
}

func (s *Store) fill(ctx context.Context, r *workflow.Run) {
	data, err := json.Marshal(r)
	if err != nil {
		slog.Warn("cache run", "thread_id", r.ThreadID, "error", fmt.Errorf("marshal: %w", err))
		return
	}
	if err := s.cache.Set(ctx, r.ThreadID, data, s.ttl); err != nil {
		slog.Warn("cache run", "thread_id", r.ThreadID, "error", err)
	}
}
