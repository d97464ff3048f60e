package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pipewright/pipewright/internal/config"
	"github.com/pipewright/pipewright/internal/domain"
	"github.com/pipewright/pipewright/internal/domain/workflow"
	"github.com/pipewright/pipewright/internal/port/checkpoint"
)

// defaultSweepInterval is used when the configuration does not name one.
const defaultSweepInterval = time.Minute

// Watchdog aborts suspended runs nobody approved within the configured
// deadline, so forgotten checkpoints do not pin runs forever.
type Watchdog struct {
	orch     *Orchestrator
	store    checkpoint.Store
	timeout  time.Duration
	interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewWatchdog creates a Watchdog from the workflow configuration. A zero
// approval timeout disables it entirely.
func NewWatchdog(orch *Orchestrator, store checkpoint.Store, cfg *config.Workflow) *Watchdog {
	w := &Watchdog{
		orch:     orch,
		store:    store,
		interval: defaultSweepInterval,
		stop:     make(chan struct{}),
		now:      time.Now,
	}
	if cfg != nil {
		w.timeout = cfg.ApprovalTimeout
		if cfg.SweepInterval > 0 {
			w.interval = cfg.SweepInterval
		}
	}
	return w
}

// Start launches the sweep loop in the background.
func (w *Watchdog) Start() {
	if w.timeout <= 0 {
		slog.Info("approval watchdog disabled")
		return
	}
	slog.Info("approval watchdog started", "timeout", w.timeout, "interval", w.interval)
	go w.loop()
}

// Stop terminates the sweep loop. Safe to call more than once.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Watchdog) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.sweep(context.Background())
		}
	}
}

// sweep rejects every suspended run older than the approval timeout and
// returns how many it aborted.
func (w *Watchdog) sweep(ctx context.Context) int {
	runs, err := w.store.List(ctx, checkpoint.Filter{Status: workflow.StatusWaitingApproval})
	if err != nil {
		slog.Error("watchdog list suspended runs", "error", err)
		return 0
	}
	cutoff := w.now().UTC().Add(-w.timeout)
	n := 0
	for i := range runs {
		r := &runs[i]
		if r.UpdatedAt.After(cutoff) {
			continue
		}
		err := w.orch.rejectStale(ctx, r.ThreadID, r.UpdatedAt)
		switch {
		case err == nil:
			slog.Info("watchdog aborted stale run", "thread_id", r.ThreadID, "stage", r.CurrentStage, "suspended_at", r.UpdatedAt)
			n++
		case errors.Is(err, domain.ErrRunBusy),
			errors.Is(err, domain.ErrNotSuspended),
			errors.Is(err, domain.ErrConflict),
			errors.Is(err, domain.ErrTerminal):
			// Someone resumed it between the list and the reject.
		default:
			slog.Warn("watchdog reject failed", "thread_id", r.ThreadID, "error", err)
		}
	}
	return n
}
