package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Runs
		r.Post("/runs", h.StartRun)
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{id}", h.GetRun)
		r.Post("/runs/{id}/resume", h.ResumeRun)
		r.Post("/runs/{id}/cancel", h.CancelRun)
		r.Post("/runs/{id}/step", h.StepRun)
		r.Get("/runs/{id}/history", h.RunHistory)
		r.Get("/runs/{id}/invocations", h.RunInvocations)
		r.Get("/runs/{id}/events", h.RunEvents)

		// Tool gateway
		r.Post("/runs/{id}/tools/{capability}", h.InvokeTool)
		r.Get("/capabilities", h.ListCapabilities)

		// Worker registry and LLM models
		r.Get("/workers", h.ListWorkers)
		r.Get("/models", h.ListModels)
	})
}
