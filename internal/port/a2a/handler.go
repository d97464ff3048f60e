package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pipewright/pipewright/internal/domain"
	"github.com/pipewright/pipewright/internal/domain/workflow"
)

// Runs is the slice of the orchestrator the A2A surface drives.
type Runs interface {
	Start(ctx context.Context, task string, cfg *workflow.Config) (*workflow.Run, error)
	Get(ctx context.Context, threadID string) (*workflow.Run, error)
}

// Handler serves the A2A protocol endpoints. A task is a workflow run; the
// task id is the run's thread id.
type Handler struct {
	baseURL string
	runs    Runs
}

// NewHandler creates an A2A handler.
func NewHandler(baseURL string, runs Runs) *Handler {
	return &Handler{baseURL: baseURL, runs: runs}
}

// MountRoutes registers A2A routes on the given chi router.
// These are mounted at the root level, not under /api/v1.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/.well-known/agent.json", h.handleAgentCard)
	r.Post("/a2a/tasks", h.handleCreateTask)
	r.Get("/a2a/tasks/{id}", h.handleGetTask)
}

func (h *Handler) handleAgentCard(w http.ResponseWriter, _ *http.Request) {
	card := BuildAgentCard(h.baseURL)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(card)
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	task, _ := req.Input["task"].(string)
	if task == "" {
		http.Error(w, `{"error":"input.task is required"}`, http.StatusBadRequest)
		return
	}

	var cfg *workflow.Config
	if rig, ok := req.Input["rigidity"].(float64); ok {
		c := workflow.DefaultConfig()
		c.Rigidity = rig
		cfg = &c
	}

	run, err := h.runs.Start(r.Context(), task, cfg)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			http.Error(w, `{"error":"invalid task configuration"}`, http.StatusBadRequest)
			return
		}
		http.Error(w, `{"error":"failed to start task"}`, http.StatusInternalServerError)
		return
	}

	slog.Info("a2a task created", "thread_id", run.ThreadID, "skill", req.Skill)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(TaskResponse{ID: run.ThreadID, Status: "submitted"})
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := h.runs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error":"failed to load task"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(taskResponse(run))
}

// taskResponse projects a run onto the A2A task shape.
func taskResponse(run *workflow.Run) TaskResponse {
	resp := TaskResponse{
		ID:     run.ThreadID,
		Status: taskState(run),
		Output: map[string]any{"stage": run.CurrentStage.String()},
	}
	if summary := lastSummary(run); summary != "" {
		resp.Output["summary"] = summary
	}
	if resp.Status == "failed" && len(run.Errors) > 0 {
		resp.Error = run.Errors[len(run.Errors)-1].Message
	}
	return resp
}

func taskState(run *workflow.Run) string {
	switch {
	case run.Status == workflow.StatusWaitingApproval:
		return "input-required"
	case run.Status == workflow.StatusComplete:
		return "completed"
	case run.Status == workflow.StatusAborted && run.CancelRequested:
		return "canceled"
	case run.Status == workflow.StatusAborted:
		return "failed"
	default:
		return "working"
	}
}

func lastSummary(run *workflow.Run) string {
	for i := len(run.History) - 1; i >= 0; i-- {
		if out := run.History[i].Output; out != nil && out.Summary != "" {
			return out.Summary
		}
	}
	return ""
}
