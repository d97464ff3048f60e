package natskv_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	natsadapter "github.com/pipewright/pipewright/internal/adapter/nats"
	"github.com/pipewright/pipewright/internal/adapter/natskv"
	"github.com/pipewright/pipewright/internal/domain"
	"github.com/pipewright/pipewright/internal/domain/workflow"
	"github.com/pipewright/pipewright/internal/port/checkpoint"
)

// setupStore provisions a throwaway KV bucket, or skips the test when
// NATS_URL is not set.
func setupStore(t *testing.T) *natskv.Store {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	ctx := context.Background()
	conn, err := natsadapter.Connect(ctx, url, "PIPEWRIGHT")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	bucket := "test-runs-" + uuid.New().String()[:8]
	kv, err := conn.KeyValue(ctx, bucket, 0)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}
	return natskv.New(kv)
}

func newTestRun(t *testing.T) *workflow.Run {
	t.Helper()
	threadID := "test-" + uuid.New().String()[:8]
	return workflow.NewRun(threadID, "kv store test", workflow.Config{Rigidity: 0.5}, time.Now().UTC().Truncate(time.Microsecond))
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	run := newTestRun(t)
	if err := store.Save(ctx, run); err != nil {
		t.Fatalf("save: %v", err)
	}
	if run.Version != 1 {
		t.Fatalf("expected version 1 after first save, got %d", run.Version)
	}

	loaded, err := store.Load(ctx, run.ThreadID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want, _ := json.Marshal(run)
	got, _ := json.Marshal(loaded)
	if !bytes.Equal(want, got) {
		t.Fatalf("loaded run differs from saved:\nsaved:  %s\nloaded: %s", want, got)
	}
}

func TestStoreLoadMissing(t *testing.T) {
	store := setupStore(t)

	_, err := store.Load(context.Background(), "missing-thread")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreStaleVersionConflicts(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	run := newTestRun(t)
	if err := store.Save(ctx, run); err != nil {
		t.Fatalf("save: %v", err)
	}

	stale := *run
	stale.Version = 0
	if err := store.Save(ctx, &stale); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale create, got %v", err)
	}

	if err := store.Save(ctx, run); err != nil {
		t.Fatalf("second save: %v", err)
	}
	if run.Version != 2 {
		t.Fatalf("expected version 2, got %d", run.Version)
	}

	stale2 := *run
	stale2.Version = 1
	if err := store.Save(ctx, &stale2); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale update, got %v", err)
	}
}

func TestStoreExistsAndDelete(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	run := newTestRun(t)
	if err := store.Save(ctx, run); err != nil {
		t.Fatalf("save: %v", err)
	}

	ok, err := store.Exists(ctx, run.ThreadID)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v; want true, nil", ok, err)
	}

	if err := store.Delete(ctx, run.ThreadID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// A second delete of the same thread must stay silent.
	if err := store.Delete(ctx, run.ThreadID); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}

	ok, err = store.Exists(ctx, run.ThreadID)
	if err != nil || ok {
		t.Fatalf("Exists after delete = %v, %v; want false, nil", ok, err)
	}
}

func TestStoreListFilters(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	running := newTestRun(t)
	if err := store.Save(ctx, running); err != nil {
		t.Fatalf("save running: %v", err)
	}

	completed := newTestRun(t)
	completed.Complete()
	if err := store.Save(ctx, completed); err != nil {
		t.Fatalf("save completed: %v", err)
	}

	runs, err := store.List(ctx, checkpoint.Filter{Status: workflow.StatusComplete})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 || runs[0].ThreadID != completed.ThreadID {
		t.Fatalf("expected only the completed run, got %d runs", len(runs))
	}

	all, err := store.List(ctx, checkpoint.Filter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(all))
	}
}
