// Package service implements the orchestration layer: driving runs through
// the stage backbone, gating stage output, brokering tool invocations, and
// sweeping suspended runs whose approval deadline passed.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	pwotel "github.com/pipewright/pipewright/internal/adapter/otel"
	"github.com/pipewright/pipewright/internal/config"
	"github.com/pipewright/pipewright/internal/domain"
	"github.com/pipewright/pipewright/internal/domain/event"
	"github.com/pipewright/pipewright/internal/domain/gate"
	"github.com/pipewright/pipewright/internal/domain/stage"
	"github.com/pipewright/pipewright/internal/domain/tool"
	"github.com/pipewright/pipewright/internal/domain/workflow"
	"github.com/pipewright/pipewright/internal/logger"
	"github.com/pipewright/pipewright/internal/port/broadcast"
	"github.com/pipewright/pipewright/internal/port/checkpoint"
	"github.com/pipewright/pipewright/internal/port/eventlog"
	"github.com/pipewright/pipewright/internal/port/worker"
)

// maxSaveRetries bounds the reload-and-reapply loop when a save loses an
// optimistic-concurrency race with a gateway audit write.
const maxSaveRetries = 5

// ResumeAction is the human decision applied to a suspended run.
type ResumeAction string

const (
	ResumeApprove ResumeAction = "approve"
	ResumeReject  ResumeAction = "reject"
	ResumeModify  ResumeAction = "modify"
)

// ResumeDecision carries one human decision for a suspended run.
type ResumeDecision struct {
	Action ResumeAction `json:"action"`

	// Grants lists capability ids approved for the next checkpoint cycle.
	Grants []string `json:"grants,omitempty"`

	// Config replaces the run configuration when Action is modify. It is
	// validated before it is applied.
	Config *workflow.Config `json:"config,omitempty"`

	// Note is recorded in the resume event payload.
	Note string `json:"note,omitempty"`
}

// Orchestrator drives runs through the stage backbone. Each thread is driven
// by at most one goroutine at a time; mutating operations on a thread that is
// currently being driven return domain.ErrRunBusy. Distinct threads advance
// concurrently and independently.
type Orchestrator struct {
	store    checkpoint.Store
	events   eventlog.Store
	hub      broadcast.Broadcaster
	gateway  *Gateway
	defaults *config.Workflow
	metrics  *pwotel.Metrics

	onRunFinished func(ctx context.Context, threadID string, status workflow.Status)

	active sync.Map // map[threadID]*driveHandle

	// newWorker resolves a worker by name; the default goes through the
	// registry.
	newWorker func(name string) (worker.Worker, error)
	// newBackOff builds the wait strategy for transient worker retries.
	newBackOff func() backoff.BackOff
	now        func() time.Time
}

// driveHandle marks a thread as owned by one goroutine and lets Cancel reach
// into a running drive loop.
type driveHandle struct {
	cancel     context.CancelFunc
	userCancel atomic.Bool
}

// NewOrchestrator creates an Orchestrator with all dependencies. The gateway
// may be nil when no capability providers are configured; workers then run
// with an empty bound set.
func NewOrchestrator(
	store checkpoint.Store,
	events eventlog.Store,
	hub broadcast.Broadcaster,
	gateway *Gateway,
	defaults *config.Workflow,
) *Orchestrator {
	return &Orchestrator{
		store:      store,
		events:     events,
		hub:        hub,
		gateway:    gateway,
		defaults:   defaults,
		newWorker:  func(name string) (worker.Worker, error) { return worker.New(name, nil) },
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		now:        time.Now,
	}
}

// SetOnRunFinished registers a callback invoked after a run reaches a
// terminal state. Used for completion logging and cache invalidation.
func (o *Orchestrator) SetOnRunFinished(fn func(ctx context.Context, threadID string, status workflow.Status)) {
	o.onRunFinished = fn
}

// SetMetrics registers the metric instruments the driver records against.
// Left nil, nothing is recorded.
func (o *Orchestrator) SetMetrics(m *pwotel.Metrics) {
	o.metrics = m
}

// Start validates the configuration, persists a new run positioned at the
// first stage, and launches its drive loop in the background. The returned
// run reflects the state before the first stage executes.
func (o *Orchestrator) Start(ctx context.Context, task string, cfg *workflow.Config) (*workflow.Run, error) {
	r, err := o.createRun(ctx, task, cfg)
	if err != nil {
		return nil, err
	}
	dctx, h, ok := o.acquire(ctx, r.ThreadID)
	if !ok {
		// Thread ids are fresh UUIDs; a collision here means the caller
		// raced itself. The run exists either way.
		return r, nil
	}
	go o.drive(dctx, r.ThreadID, h, false)
	return r, nil
}

// createRun builds and saves the initial run state without starting a driver.
func (o *Orchestrator) createRun(ctx context.Context, task string, cfg *workflow.Config) (*workflow.Run, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, fmt.Errorf("task description is empty: %w", domain.ErrValidation)
	}

	c := workflow.DefaultConfig()
	if o.defaults != nil {
		c.Rigidity = o.defaults.DefaultRigidity
	}
	if cfg != nil {
		c = *cfg
	}
	if c.Worker == "" && o.defaults != nil {
		c.Worker = o.defaults.Worker
	}
	if c.Model == "" && o.defaults != nil {
		c.Model = o.defaults.Model
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	r := workflow.NewRun(uuid.New().String(), task, c, o.now().UTC())
	for _, id := range c.PreAuthorized {
		r.Grant(id, tool.GrantRun)
	}
	if err := o.store.Save(ctx, r); err != nil {
		return nil, fmt.Errorf("save run %s: %w", r.ThreadID, err)
	}

	slog.Info("run started", "thread_id", r.ThreadID, "stage", r.CurrentStage, "worker", c.Worker, "rigidity", c.Rigidity)
	o.emit(ctx, r.ThreadID, event.TypeRunStarted, stage.First(), 0, map[string]string{
		"worker":   c.Worker,
		"rigidity": fmt.Sprintf("%.2f", c.Rigidity),
	})
	if o.metrics != nil {
		o.metrics.RunsStarted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("worker", c.Worker),
			attribute.String("band", string(gate.BandOf(c.Rigidity))),
		))
	}
	return r, nil
}

// Resume applies a human decision to a suspended run and restarts its drive
// loop. Returns domain.ErrNotSuspended when the run is not waiting for
// approval and domain.ErrRunBusy when another goroutine owns the thread.
func (o *Orchestrator) Resume(ctx context.Context, threadID string, d ResumeDecision) (*workflow.Run, error) {
	switch d.Action {
	case ResumeApprove, ResumeReject, ResumeModify:
	default:
		return nil, fmt.Errorf("resume action %q is not approve, reject, or modify: %w", d.Action, domain.ErrValidation)
	}
	if d.Action == ResumeModify {
		if d.Config == nil {
			return nil, fmt.Errorf("modify resume carries no configuration: %w", domain.ErrValidation)
		}
		if err := d.Config.Validate(); err != nil {
			return nil, err
		}
	}

	dctx, h, ok := o.acquire(ctx, threadID)
	if !ok {
		return nil, fmt.Errorf("run %s is being driven: %w", threadID, domain.ErrRunBusy)
	}
	release := true
	defer func() {
		if release {
			o.release(threadID, h)
		}
	}()

	var reason workflow.PendingReason
	r, err := o.updateRun(ctx, threadID, func(fr *workflow.Run) error {
		if fr.Terminal() {
			return fmt.Errorf("run %s already %s: %w", threadID, fr.Status, domain.ErrTerminal)
		}
		if !fr.PendingApproval {
			return fmt.Errorf("run %s is not waiting for approval: %w", threadID, domain.ErrNotSuspended)
		}
		reason = fr.PendingReason
		st := fr.CurrentStage
		fr.ResolveSuspension()

		switch d.Action {
		case ResumeModify:
			fr.Config = *d.Config
			fallthrough
		case ResumeApprove:
			for _, id := range d.Grants {
				fr.Grant(id, tool.GrantCycle)
			}
			if reason == workflow.PendingEscalation {
				// Approving an escalation accepts the flagged output and
				// moves past the gated stage.
				advance(fr)
			}
		case ResumeReject:
			if target, ok := fr.Config.Reentry[st]; ok {
				fr.RecordError(st, workflow.ErrorRejected, fmt.Sprintf("rejected at %s, re-entering %s", st, target), o.now().UTC())
				fr.CurrentStage = target
			} else {
				fr.Abort(st, workflow.ErrorRejected, fmt.Sprintf("%s rejected at %s", reason, st), o.now().UTC())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	payload := map[string]string{"action": string(d.Action), "reason": string(reason)}
	if d.Note != "" {
		payload["note"] = d.Note
	}
	o.emit(ctx, threadID, event.TypeRunResumed, r.CurrentStage, 0, payload)
	slog.Info("run resumed", "thread_id", threadID, "action", d.Action, "reason", reason, "stage", r.CurrentStage)

	if r.Terminal() {
		o.emitTerminal(ctx, r)
		return r, nil
	}

	// Hand the thread lock to the background driver. An approved checkpoint
	// re-enters the current stage with the arrival check already satisfied.
	release = false
	afterResume := reason == workflow.PendingCheckpoint && d.Action != ResumeReject
	go o.drive(dctx, threadID, h, afterResume)
	return r, nil
}

// Cancel stops a run. A thread with an active driver is signalled and aborts
// at the next step boundary; an idle thread is aborted directly. Cancelling a
// terminal run returns domain.ErrTerminal. A run that suspends in the same
// instant may miss the signal; cancelling again catches it idle.
func (o *Orchestrator) Cancel(ctx context.Context, threadID string) error {
	for {
		if _, h, ok := o.acquire(ctx, threadID); ok {
			defer o.release(threadID, h)
			return o.abortCancelled(ctx, threadID)
		}
		if v, loaded := o.active.Load(threadID); loaded {
			h := v.(*driveHandle)
			h.userCancel.Store(true)
			h.cancel()
			slog.Info("cancel requested", "thread_id", threadID)
			return nil
		}
		// The owner released between the two checks; try again.
	}
}

// abortCancelled aborts an idle run on behalf of a cancel request.
func (o *Orchestrator) abortCancelled(ctx context.Context, threadID string) error {
	r, err := o.updateRun(ctx, threadID, func(fr *workflow.Run) error {
		if fr.Terminal() {
			return fmt.Errorf("run %s already %s: %w", threadID, fr.Status, domain.ErrTerminal)
		}
		fr.CancelRequested = true
		fr.Abort(fr.CurrentStage, workflow.ErrorCancelled, "cancelled by operator", o.now().UTC())
		return nil
	})
	if err != nil {
		return err
	}
	o.emit(ctx, threadID, event.TypeRunCancelled, 0, 0, nil)
	o.emitTerminal(ctx, r)
	return nil
}

// Step drives one stage attempt synchronously. It is the manual alternative
// to the background driver, used to walk a recovered run forward by hand.
// Stepping a suspended run is a no-op; stepping a terminal run returns
// domain.ErrTerminal.
func (o *Orchestrator) Step(ctx context.Context, threadID string) (*workflow.Run, error) {
	_, h, ok := o.acquire(ctx, threadID)
	if !ok {
		return nil, fmt.Errorf("run %s is being driven: %w", threadID, domain.ErrRunBusy)
	}
	defer o.release(threadID, h)

	r, err := o.store.Load(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", threadID, err)
	}
	if r.Terminal() {
		return nil, fmt.Errorf("run %s already %s: %w", threadID, r.Status, domain.ErrTerminal)
	}
	if _, err := o.stepOnce(ctx, threadID, false); err != nil {
		return nil, err
	}
	return o.store.Load(ctx, threadID)
}

// Recover restarts the background driver for runs an earlier process left in
// the running state. Called once at startup; returns how many drivers were
// launched. Recovered runs re-enter their current stage from the top, so a
// checkpoint approved just before a crash suspends again.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	runs, err := o.store.List(ctx, checkpoint.Filter{Status: workflow.StatusRunning})
	if err != nil {
		return 0, fmt.Errorf("list running runs: %w", err)
	}
	n := 0
	for i := range runs {
		id := runs[i].ThreadID
		dctx, h, ok := o.acquire(ctx, id)
		if !ok {
			continue
		}
		n++
		slog.Info("recovering run", "thread_id", id, "stage", runs[i].CurrentStage)
		go o.drive(dctx, id, h, false)
	}
	return n, nil
}

// Get returns the run for the given thread.
func (o *Orchestrator) Get(ctx context.Context, threadID string) (*workflow.Run, error) {
	return o.store.Load(ctx, threadID)
}

// List returns stored runs matching the filter, newest first.
func (o *Orchestrator) List(ctx context.Context, filter checkpoint.Filter) ([]workflow.Run, error) {
	return o.store.List(ctx, filter)
}

// History returns the run's append-only stage attempt records.
func (o *Orchestrator) History(ctx context.Context, threadID string) ([]workflow.StageRecord, error) {
	r, err := o.store.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return r.History, nil
}

// Invocations returns the run's tool invocation audit log.
func (o *Orchestrator) Invocations(ctx context.Context, threadID string) ([]tool.Invocation, error) {
	r, err := o.store.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return r.Invocations, nil
}

// Events returns the run's event trail ordered by sequence.
func (o *Orchestrator) Events(ctx context.Context, threadID string) ([]event.StageEvent, error) {
	if o.events == nil {
		return nil, nil
	}
	return o.events.ListByThread(ctx, threadID)
}

// acquire claims the thread for one goroutine. The returned context survives
// the caller's request but is cancelled by Cancel and by release.
func (o *Orchestrator) acquire(parent context.Context, threadID string) (context.Context, *driveHandle, bool) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	h := &driveHandle{cancel: cancel}
	if _, loaded := o.active.LoadOrStore(threadID, h); loaded {
		cancel()
		return nil, nil, false
	}
	return ctx, h, true
}

func (o *Orchestrator) release(threadID string, h *driveHandle) {
	h.cancel()
	o.active.Delete(threadID)
}

// stepState says how a drive loop should proceed after one step.
type stepState int

const (
	stepContinue stepState = iota
	stepSuspended
	stepTerminal
)

// drive advances one thread until it suspends, terminates, or is cancelled.
// It owns the thread lock for its whole lifetime. Each driving segment gets
// its own span; a suspended and resumed run traces as separate segments.
func (o *Orchestrator) drive(ctx context.Context, threadID string, h *driveHandle, afterResume bool) {
	defer o.release(threadID, h)
	ctx, span := pwotel.StartRunSpan(ctx, threadID)
	defer span.End()
	for {
		if ctx.Err() != nil {
			o.finishCancelled(threadID, h)
			return
		}
		state, err := o.stepOnce(ctx, threadID, afterResume)
		afterResume = false
		if err != nil {
			if ctx.Err() != nil {
				o.finishCancelled(threadID, h)
				return
			}
			slog.Error("drive loop stopped", "thread_id", threadID, "error", err)
			return
		}
		if state != stepContinue {
			return
		}
	}
}

// finishCancelled aborts the driven run when the loop context was cancelled
// by an operator. A shutdown cancellation leaves the run in the running state
// for Recover to pick up.
func (o *Orchestrator) finishCancelled(threadID string, h *driveHandle) {
	if !h.userCancel.Load() {
		slog.Info("drive loop stopping, run left for recovery", "thread_id", threadID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.abortCancelled(ctx, threadID); err != nil && !errors.Is(err, domain.ErrTerminal) {
		slog.Error("abort cancelled run", "thread_id", threadID, "error", err)
	}
}

// stepOnce performs one step for the thread: skip, suspend at a checkpoint,
// or execute the current stage and gate its output.
func (o *Orchestrator) stepOnce(ctx context.Context, threadID string, afterResume bool) (stepState, error) {
	r, err := o.store.Load(ctx, threadID)
	if err != nil {
		return 0, fmt.Errorf("load run %s: %w", threadID, err)
	}
	if r.Terminal() {
		return stepTerminal, nil
	}
	if r.PendingApproval {
		return stepSuspended, nil
	}
	st := r.CurrentStage
	if !st.Work() {
		return 0, fmt.Errorf("run %s parked at non-work stage %s", threadID, st)
	}

	// Configured skips bypass the stage without consuming an iteration.
	if r.Config.Skipped(st) {
		final, err := o.updateRun(ctx, threadID, func(fr *workflow.Run) error {
			fr.AppendRecord(workflow.StageRecord{
				Stage:        st,
				Skipped:      true,
				GateDecision: workflow.GateNone,
				Timestamp:    o.now().UTC(),
			})
			advance(fr)
			return nil
		})
		if err != nil {
			return 0, err
		}
		o.emit(ctx, threadID, event.TypeStageSkipped, st, 0, nil)
		if final.Terminal() {
			o.emitTerminal(ctx, final)
			return stepTerminal, nil
		}
		return stepContinue, nil
	}

	// A checkpoint stage suspends on arrival. An approved resume re-enters
	// with the arrival check already satisfied.
	if !afterResume && r.Config.Checkpoint(st) {
		if _, err := o.updateRun(ctx, threadID, func(fr *workflow.Run) error {
			fr.Suspend(workflow.PendingCheckpoint, -1)
			return nil
		}); err != nil {
			return 0, err
		}
		o.emit(ctx, threadID, event.TypeRunSuspended, st, 0, map[string]string{
			"reason": string(workflow.PendingCheckpoint),
		})
		if o.metrics != nil {
			o.metrics.RunsSuspended.Add(ctx, 1, metric.WithAttributes(
				attribute.String("reason", string(workflow.PendingCheckpoint)),
				attribute.String("stage", st.String()),
			))
		}
		slog.Info("run suspended at checkpoint", "thread_id", threadID, "stage", st)
		return stepSuspended, nil
	}

	return o.executeStage(ctx, r)
}

// executeStage runs the worker for the current stage, classifies the result,
// and applies the gate decision.
func (o *Orchestrator) executeStage(ctx context.Context, r *workflow.Run) (stepState, error) {
	threadID := r.ThreadID
	st := r.CurrentStage
	attempt := r.IterationCount(st) + 1

	w, err := o.workerFor(r)
	if err != nil {
		final, uerr := o.updateRun(ctx, threadID, func(fr *workflow.Run) error {
			fr.Abort(st, workflow.ErrorFatalWorker, err.Error(), o.now().UTC())
			return nil
		})
		if uerr != nil {
			return 0, uerr
		}
		o.emitTerminal(ctx, final)
		return stepTerminal, nil
	}

	ctx, span := pwotel.StartStageSpan(ctx, threadID, st.String(), attempt)
	defer span.End()
	started := o.now()

	req := o.buildRequest(r, st, attempt)
	o.emit(ctx, threadID, event.TypeStageStarted, st, attempt, nil)

	out, transientLog, execErr := o.executeWorker(ctx, w, req, r.Config.TransientRetryCap())
	if execErr != nil && ctx.Err() != nil {
		// Cancelled mid-execution; the drive loop decides what to record.
		return 0, ctx.Err()
	}

	var schemaDetail, failMsg string
	var fatal, transientExhausted bool
	if execErr != nil {
		switch {
		case workflow.IsSchemaError(execErr):
			schemaDetail = execErr.Error()
		default:
			failMsg = execErr.Error()
			if wf, ok := workflow.AsWorkerFailure(execErr); ok && wf.Kind == workflow.FailureTransient {
				transientExhausted = true
			} else {
				fatal = true
			}
		}
	}

	var decision workflow.GateDecision
	var gated int
	final, err := o.updateRun(ctx, threadID, func(fr *workflow.Run) error {
		now := o.now().UTC()
		for _, msg := range transientLog {
			fr.RecordError(st, workflow.ErrorTransientWorker, msg, now)
		}
		if fatal {
			fr.Abort(st, workflow.ErrorFatalWorker, failMsg, now)
			return nil
		}
		if transientExhausted {
			fr.Abort(st, workflow.ErrorTransientWorker,
				fmt.Sprintf("transient failure persisted after %d tries", fr.Config.TransientRetryCap()+1), now)
			return nil
		}
		if schemaDetail != "" {
			fr.RecordError(st, workflow.ErrorSchema, schemaDetail, now)
		}

		// Unparseable output gates as a failed attempt; only the bypass band
		// leaves the iteration count untouched.
		gated = attempt
		if gate.Evaluated(fr.Config.Rigidity) {
			gated = fr.ConsumeIteration(st)
		}
		decision = gate.Evaluate(gate.Input{Stage: st, Output: out, Attempt: gated, Config: &fr.Config})
		fr.AppendRecord(workflow.StageRecord{
			Stage:        st,
			Attempt:      gated,
			InputContext: inputSummary(req),
			Output:       out,
			Failure:      schemaDetail,
			GateDecision: decision,
			Timestamp:    now,
		})
		switch decision {
		case workflow.GateAdvance:
			advance(fr)
		case workflow.GateRetry:
			if target, ok := st.ReworkTarget(); ok {
				fr.CurrentStage = target
			}
		case workflow.GateEscalate:
			fr.RecordError(st, workflow.ErrorEscalation,
				fmt.Sprintf("stage %s exhausted %d attempts without an explicit pass", st, gated), now)
			fr.Suspend(workflow.PendingEscalation, len(fr.History)-1)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if final.Status == workflow.StatusAborted {
		span.SetStatus(codes.Error, failMsg)
		o.emitTerminal(ctx, final)
		return stepTerminal, nil
	}

	span.SetAttributes(attribute.String("gate.decision", string(decision)))
	if o.metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("stage", st.String()),
			attribute.String("decision", string(decision)),
		)
		o.metrics.StageDuration.Record(ctx, o.now().Sub(started).Seconds(), attrs)
		o.metrics.GateDecisions.Add(ctx, 1, attrs)
	}

	if out != nil {
		o.emit(ctx, threadID, event.TypeStageCompleted, st, gated, map[string]string{
			"verdict":   string(out.Verdict),
			"artifacts": fmt.Sprintf("%d", len(out.Artifacts)),
		})
	}
	o.emit(ctx, threadID, event.TypeGateDecision, st, gated, map[string]string{
		"decision": string(decision),
		"band":     string(gate.BandOf(final.Config.Rigidity)),
	})

	switch decision {
	case workflow.GateEscalate:
		o.emit(ctx, threadID, event.TypeRunSuspended, st, gated, map[string]string{
			"reason": string(workflow.PendingEscalation),
		})
		if o.metrics != nil {
			o.metrics.RunsSuspended.Add(ctx, 1, metric.WithAttributes(
				attribute.String("reason", string(workflow.PendingEscalation)),
				attribute.String("stage", st.String()),
			))
		}
		slog.Info("run escalated", "thread_id", threadID, "stage", st, "attempt", gated)
		return stepSuspended, nil
	case workflow.GateAdvance:
		if final.Terminal() {
			o.emitTerminal(ctx, final)
			return stepTerminal, nil
		}
	}
	return stepContinue, nil
}

// executeWorker calls the worker, retrying transient failures with
// exponential backoff up to the configured cap. Schema and fatal failures
// stop the retry loop immediately. Returns the messages of the transient
// attempts so the caller can record them.
func (o *Orchestrator) executeWorker(ctx context.Context, w worker.Worker, req *worker.Request, retries int) (*workflow.StageOutput, []string, error) {
	var transient []string
	operation := func() (*workflow.StageOutput, error) {
		out, err := w.Execute(ctx, req)
		if err != nil {
			if wf, ok := workflow.AsWorkerFailure(err); ok && wf.Kind == workflow.FailureTransient {
				transient = append(transient, err.Error())
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return out, nil
	}
	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(o.newBackOff()),
		backoff.WithMaxTries(uint(retries+1)))
	return out, transient, err
}

// workerFor resolves the run's worker through the registry.
func (o *Orchestrator) workerFor(r *workflow.Run) (worker.Worker, error) {
	name := r.Config.Worker
	if name == "" && o.defaults != nil {
		name = o.defaults.Worker
	}
	return o.newWorker(name)
}

// buildRequest assembles the worker request for one stage attempt: the task,
// the accepted records so far, the most recent rejection for this stage, and
// the capabilities bound to it.
func (o *Orchestrator) buildRequest(r *workflow.Run, st stage.Stage, attempt int) *worker.Request {
	var accepted []workflow.StageRecord
	for _, rec := range r.History {
		if rec.GateDecision == workflow.GateAdvance && !rec.Skipped && rec.Output != nil {
			accepted = append(accepted, rec)
		}
	}
	var bound []tool.Capability
	if o.gateway != nil {
		bound = o.gateway.Describe(r.Config.BindingsFor(st))
	}
	return &worker.Request{
		ThreadID:      r.ThreadID,
		Stage:         st,
		Task:          r.TaskDescription,
		Context:       accepted,
		PriorRejected: lastRejected(r, st),
		Attempt:       attempt,
		Bound:         bound,
		Model:         r.Config.Model,
	}
}

// lastRejected returns the most recent rejected attempt relevant to st:
// either a rejection of st itself or a rejection at a stage whose rework
// target is st, so rework re-entry sees what the reviewer flagged.
func lastRejected(r *workflow.Run, st stage.Stage) *workflow.StageRecord {
	for i := len(r.History) - 1; i >= 0; i-- {
		rec := &r.History[i]
		if rec.GateDecision != workflow.GateRetry && rec.GateDecision != workflow.GateEscalate {
			continue
		}
		if rec.Stage == st {
			return rec
		}
		if target, ok := rec.Stage.ReworkTarget(); ok && target == st {
			return rec
		}
	}
	return nil
}

// rejectStale aborts a run whose suspension outlived the approval deadline.
// The run must still be suspended and untouched since seenUpdated; the
// watchdog aborts rather than re-enters so an unattended run cannot loop
// between a checkpoint and its reentry target forever.
func (o *Orchestrator) rejectStale(ctx context.Context, threadID string, seenUpdated time.Time) error {
	_, h, ok := o.acquire(ctx, threadID)
	if !ok {
		return fmt.Errorf("run %s is being driven: %w", threadID, domain.ErrRunBusy)
	}
	defer o.release(threadID, h)

	r, err := o.updateRun(ctx, threadID, func(fr *workflow.Run) error {
		if fr.Terminal() {
			return fmt.Errorf("run %s already %s: %w", threadID, fr.Status, domain.ErrTerminal)
		}
		if !fr.PendingApproval {
			return fmt.Errorf("run %s is not waiting for approval: %w", threadID, domain.ErrNotSuspended)
		}
		if !fr.UpdatedAt.Equal(seenUpdated) {
			return fmt.Errorf("run %s changed since the sweep: %w", threadID, domain.ErrConflict)
		}
		fr.Abort(fr.CurrentStage, workflow.ErrorRejected,
			fmt.Sprintf("approval timed out at %s %s", fr.CurrentStage, fr.PendingReason), o.now().UTC())
		return nil
	})
	if err != nil {
		return err
	}
	o.emitTerminal(ctx, r)
	return nil
}

// updateRun applies mutate to a freshly loaded copy of the run and saves it,
// retrying on version conflicts so stage saves and gateway audit writes that
// race each other both land.
func (o *Orchestrator) updateRun(ctx context.Context, threadID string, mutate func(*workflow.Run) error) (*workflow.Run, error) {
	return updateRun(ctx, o.store, threadID, o.now, mutate)
}

func updateRun(ctx context.Context, store checkpoint.Store, threadID string, now func() time.Time, mutate func(*workflow.Run) error) (*workflow.Run, error) {
	for i := 0; i < maxSaveRetries; i++ {
		r, err := store.Load(ctx, threadID)
		if err != nil {
			return nil, fmt.Errorf("load run %s: %w", threadID, err)
		}
		if err := mutate(r); err != nil {
			return nil, err
		}
		r.UpdatedAt = now().UTC()
		err = store.Save(ctx, r)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("save run %s: %w", threadID, err)
		}
	}
	return nil, fmt.Errorf("save run %s: %w", threadID, domain.ErrConflict)
}

// advance moves the run to the next backbone stage, completing it when the
// backbone is exhausted.
func advance(r *workflow.Run) {
	next, ok := r.CurrentStage.Next()
	if !ok || next == stage.Complete {
		r.Complete()
		return
	}
	r.CurrentStage = next
}

// inputSummary describes what went into a worker request, for the history
// record.
func inputSummary(req *worker.Request) string {
	s := "task"
	if len(req.Context) > 0 {
		names := make([]string, 0, len(req.Context))
		for _, rec := range req.Context {
			names = append(names, rec.Stage.String())
		}
		s += " + " + strings.Join(names, ", ")
	}
	if req.PriorRejected != nil {
		s += " + rejected attempt"
	}
	return s
}

// emit appends an event to the log and broadcasts it. Failures are logged,
// never propagated: the run itself is the source of truth.
func (o *Orchestrator) emit(ctx context.Context, threadID string, evType event.Type, st stage.Stage, attempt int, payload map[string]string) {
	emitEvent(ctx, o.events, o.hub, threadID, evType, st, attempt, payload)
}

// emitTerminal publishes the terminal event for a finished run and fires the
// completion callback.
func (o *Orchestrator) emitTerminal(ctx context.Context, r *workflow.Run) {
	if r.Status == workflow.StatusComplete {
		o.emit(ctx, r.ThreadID, event.TypeRunCompleted, 0, 0, nil)
		slog.Info("run completed", "thread_id", r.ThreadID, "stages", len(r.History))
		if o.metrics != nil {
			o.metrics.RunsCompleted.Add(ctx, 1)
		}
	} else {
		payload := map[string]string{}
		if n := len(r.Errors); n > 0 {
			last := r.Errors[n-1]
			payload["kind"] = string(last.Kind)
			payload["message"] = last.Message
		}
		o.emit(ctx, r.ThreadID, event.TypeRunAborted, 0, 0, payload)
		slog.Warn("run aborted", "thread_id", r.ThreadID, "errors", len(r.Errors))
		if o.metrics != nil {
			o.metrics.RunsAborted.Add(ctx, 1, metric.WithAttributes(
				attribute.String("reason", payload["kind"]),
			))
		}
	}
	if o.onRunFinished != nil {
		o.onRunFinished(ctx, r.ThreadID, r.Status)
	}
}

// emitEvent is the shared event path for the orchestrator and the gateway.
func emitEvent(ctx context.Context, log eventlog.Store, hub broadcast.Broadcaster, threadID string, evType event.Type, st stage.Stage, attempt int, payload map[string]string) {
	ev := event.StageEvent{
		ThreadID:  threadID,
		Type:      evType,
		Stage:     st,
		Attempt:   attempt,
		RequestID: logger.RequestID(ctx),
	}
	if len(payload) > 0 {
		data, err := json.Marshal(payload)
		if err != nil {
			slog.Error("marshal event payload", "type", evType, "error", err)
			return
		}
		ev.Payload = data
	}
	if log != nil {
		if err := log.Append(ctx, &ev); err != nil {
			slog.Error("append run event", "type", evType, "thread_id", threadID, "error", err)
		}
	}
	if hub != nil {
		hub.BroadcastEvent(ctx, ev)
	}
}
