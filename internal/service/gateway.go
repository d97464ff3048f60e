package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	pwotel "github.com/pipewright/pipewright/internal/adapter/otel"
	"github.com/pipewright/pipewright/internal/domain"
	"github.com/pipewright/pipewright/internal/domain/event"
	"github.com/pipewright/pipewright/internal/domain/tool"
	"github.com/pipewright/pipewright/internal/domain/workflow"
	"github.com/pipewright/pipewright/internal/port/broadcast"
	"github.com/pipewright/pipewright/internal/port/capability"
	"github.com/pipewright/pipewright/internal/port/checkpoint"
	"github.com/pipewright/pipewright/internal/port/eventlog"
)

// Gateway brokers tool invocations for runs. It checks the stage binding and
// the approval policy, executes through the owning provider, and records
// every attempt in the run's audit log, denials included.
type Gateway struct {
	store     checkpoint.Store
	events    eventlog.Store
	hub       broadcast.Broadcaster
	providers map[string]capability.Provider
	caps      map[string]tool.Capability
	metrics   *pwotel.Metrics
	now       func() time.Time
}

// NewGateway indexes the capabilities of the given providers. Two providers
// serving the same capability id is a wiring mistake and fails fast.
func NewGateway(store checkpoint.Store, events eventlog.Store, hub broadcast.Broadcaster, providers ...capability.Provider) (*Gateway, error) {
	g := &Gateway{
		store:     store,
		events:    events,
		hub:       hub,
		providers: make(map[string]capability.Provider),
		caps:      make(map[string]tool.Capability),
		now:       time.Now,
	}
	for _, p := range providers {
		for _, c := range p.Capabilities() {
			if _, dup := g.caps[c.ID]; dup {
				return nil, fmt.Errorf("capability %q is served by more than one provider", c.ID)
			}
			g.caps[c.ID] = c
			g.providers[c.ID] = p
		}
	}
	return g, nil
}

// SetMetrics registers the metric instruments invocation outcomes are counted
// on. Left nil, nothing is recorded.
func (g *Gateway) SetMetrics(m *pwotel.Metrics) {
	g.metrics = m
}

// Capabilities returns every capability the gateway can broker, sorted by id.
func (g *Gateway) Capabilities() []tool.Capability {
	out := make([]tool.Capability, 0, len(g.caps))
	for _, c := range g.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Describe returns descriptors for the given capability ids, preserving
// order and skipping ids no provider serves.
func (g *Gateway) Describe(ids []string) []tool.Capability {
	out := make([]tool.Capability, 0, len(ids))
	for _, id := range ids {
		if c, ok := g.caps[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Invoke executes one capability on behalf of a run.
//
// The policy is fixed: the capability must be bound to the run's current
// stage, and write or execute capabilities additionally need an approval
// grant that applies right now. A refused invocation is recorded on the run
// and returns domain.ErrDenied; the caller never learns partial results.
func (g *Gateway) Invoke(ctx context.Context, threadID, capabilityID string, args map[string]any) (string, error) {
	spec, ok := g.caps[capabilityID]
	if !ok {
		return "", fmt.Errorf("capability %q is not registered: %w", capabilityID, domain.ErrNotFound)
	}

	ctx, span := pwotel.StartToolSpan(ctx, threadID, capabilityID)
	defer span.End()

	r, err := g.store.Load(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("load run %s: %w", threadID, err)
	}
	if r.Terminal() {
		return "", fmt.Errorf("run %s is %s: %w", threadID, r.Status, domain.ErrTerminal)
	}
	st := r.CurrentStage

	inv := tool.Invocation{
		CapabilityID:     capabilityID,
		Stage:            st.String(),
		Arguments:        marshalArgs(args),
		Classification:   spec.Classification,
		RequiresApproval: spec.Classification.RequiresApproval(),
		Timestamp:        g.now().UTC(),
	}

	switch {
	case !bound(r.Config.BindingsFor(st), capabilityID):
		inv.DenialReason = fmt.Sprintf("not bound to stage %s", st)
	case spec.Classification.RequiresApproval() && !r.Approved(capabilityID):
		inv.DenialReason = fmt.Sprintf("%s capability has no applicable approval", spec.Classification)
	}
	if inv.DenialReason != "" {
		span.SetAttributes(attribute.String("decision", "denied"))
		span.SetStatus(codes.Error, inv.DenialReason)
		g.countInvocation(ctx, capabilityID, "denied")
		g.audit(ctx, threadID, inv)
		emitEvent(ctx, g.events, g.hub, threadID, event.TypeToolDenied, st, 0, map[string]string{
			"capability": capabilityID,
			"reason":     inv.DenialReason,
		})
		slog.Warn("tool invocation denied", "thread_id", threadID, "capability", capabilityID, "reason", inv.DenialReason)
		return "", fmt.Errorf("invoke %s for run %s: %s: %w", capabilityID, threadID, inv.DenialReason, domain.ErrDenied)
	}

	result, invErr := g.providers[capabilityID].Invoke(ctx, &capability.Request{
		CapabilityID: capabilityID,
		ThreadID:     threadID,
		Stage:        st,
		Arguments:    args,
	})
	span.SetAttributes(attribute.String("decision", "allowed"))
	g.countInvocation(ctx, capabilityID, "allowed")
	if invErr != nil {
		span.SetStatus(codes.Error, invErr.Error())
		inv.Result = marshalArgs(map[string]any{"error": invErr.Error()})
	} else {
		inv.Result = rawResult(result)
	}
	g.audit(ctx, threadID, inv)
	emitEvent(ctx, g.events, g.hub, threadID, event.TypeToolInvoked, st, 0, map[string]string{
		"capability":     capabilityID,
		"classification": string(spec.Classification),
	})
	if invErr != nil {
		return "", fmt.Errorf("invoke %s for run %s: %w", capabilityID, threadID, invErr)
	}
	return result, nil
}

func (g *Gateway) countInvocation(ctx context.Context, capabilityID, decision string) {
	if g.metrics == nil {
		return
	}
	g.metrics.ToolInvocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("capability", capabilityID),
		attribute.String("decision", decision),
	))
}

// audit appends the invocation record to the run. The capability already ran
// when this fails, so the failure is logged rather than returned.
func (g *Gateway) audit(ctx context.Context, threadID string, inv tool.Invocation) {
	_, err := updateRun(ctx, g.store, threadID, g.now, func(fr *workflow.Run) error {
		fr.RecordInvocation(inv)
		return nil
	})
	if err != nil {
		slog.Error("audit tool invocation", "thread_id", threadID, "capability", inv.CapabilityID, "error", err)
	}
}

func bound(ids []string, capabilityID string) bool {
	for _, id := range ids {
		if id == capabilityID {
			return true
		}
	}
	return false
}

func marshalArgs(args map[string]any) json.RawMessage {
	if len(args) == 0 {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	return data
}

// rawResult stores a provider result as JSON, quoting it when the provider
// returned plain text.
func rawResult(result string) json.RawMessage {
	if result == "" {
		return nil
	}
	if json.Valid([]byte(result)) {
		return json.RawMessage(result)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	return data
}
