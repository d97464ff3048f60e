package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pipewright/pipewright/internal/adapter/litellm"
	"github.com/pipewright/pipewright/internal/domain/event"
	"github.com/pipewright/pipewright/internal/domain/tool"
	"github.com/pipewright/pipewright/internal/domain/workflow"
	"github.com/pipewright/pipewright/internal/port/checkpoint"
	"github.com/pipewright/pipewright/internal/port/worker"
	"github.com/pipewright/pipewright/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Orchestrator *service.Orchestrator
	Gateway      *service.Gateway
	LiteLLM      *litellm.Client
}

// --- Run Endpoints ---

// StartRun handles POST /api/v1/runs
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[struct {
		Task   string           `json:"task"`
		Config *workflow.Config `json:"config"`
	}](w, r)
	if !ok {
		return
	}
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}

	run, err := h.Orchestrator.Start(r.Context(), req.Task, req.Config)
	if err != nil {
		writeDomainError(w, err, "start run failed")
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.Orchestrator.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ListRuns handles GET /api/v1/runs?status=<status>&limit=<n>
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := checkpoint.Filter{
		Status: workflow.Status(r.URL.Query().Get("status")),
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}

	runs, err := h.Orchestrator.List(r.Context(), filter)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if runs == nil {
		runs = []workflow.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// ResumeRun handles POST /api/v1/runs/{id}/resume
func (h *Handlers) ResumeRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, ok := readJSON[service.ResumeDecision](w, r)
	if !ok {
		return
	}

	run, err := h.Orchestrator.Resume(r.Context(), id, d)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Orchestrator.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// StepRun handles POST /api/v1/runs/{id}/step
// It advances the run by exactly one stage attempt and returns the new state.
func (h *Handlers) StepRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.Orchestrator.Step(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// RunHistory handles GET /api/v1/runs/{id}/history
func (h *Handlers) RunHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records, err := h.Orchestrator.History(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	if records == nil {
		records = []workflow.StageRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// RunInvocations handles GET /api/v1/runs/{id}/invocations
func (h *Handlers) RunInvocations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	invocations, err := h.Orchestrator.Invocations(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	if invocations == nil {
		invocations = []tool.Invocation{}
	}
	writeJSON(w, http.StatusOK, invocations)
}

// RunEvents handles GET /api/v1/runs/{id}/events
func (h *Handlers) RunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := h.Orchestrator.Events(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	if events == nil {
		events = []event.StageEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Capability Endpoints ---

// ListCapabilities handles GET /api/v1/capabilities
func (h *Handlers) ListCapabilities(w http.ResponseWriter, _ *http.Request) {
	caps := []tool.Capability{}
	if h.Gateway != nil {
		caps = h.Gateway.Capabilities()
	}
	writeJSON(w, http.StatusOK, map[string][]tool.Capability{"capabilities": caps})
}

// InvokeTool handles POST /api/v1/runs/{id}/tools/{capability}
func (h *Handlers) InvokeTool(w http.ResponseWriter, r *http.Request) {
	if h.Gateway == nil {
		writeError(w, http.StatusServiceUnavailable, "tool gateway not configured")
		return
	}
	id := chi.URLParam(r, "id")
	capabilityID := chi.URLParam(r, "capability")

	var req struct {
		Arguments map[string]any `json:"arguments"`
	}
	// Body is optional for capabilities that take no arguments.
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	_ = json.NewDecoder(r.Body).Decode(&req)

	result, err := h.Gateway.Invoke(r.Context(), id, capabilityID, req.Arguments)
	if err != nil {
		writeDomainError(w, err, "capability or run not found")
		return
	}

	resp := map[string]any{"capability": capabilityID, "result": result}
	if json.Valid([]byte(result)) {
		resp["result"] = json.RawMessage(result)
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Worker / Model Endpoints ---

// ListWorkers handles GET /api/v1/workers
func (h *Handlers) ListWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"workers": worker.Available(),
	})
}

// ListModels handles GET /api/v1/models
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	if h.LiteLLM == nil {
		writeError(w, http.StatusServiceUnavailable, "LLM backend not configured")
		return
	}
	models, err := h.LiteLLM.ListModels(r.Context())
	if err != nil {
		slog.Error("litellm unavailable", "error", err)
		writeError(w, http.StatusBadGateway, "LLM service unavailable")
		return
	}
	if models == nil {
		models = []litellm.Model{}
	}
	writeJSON(w, http.StatusOK, models)
}
