package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, wsHandler http.HandlerFunc) {
	r.Get("/healthz", h.Health)
	if wsHandler != nil {
		r.Get("/ws", wsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Plans
		r.Post("/plans", h.CreatePlan)
		r.Get("/plans", h.ListPlans)
		r.Get("/plans/{id}", h.GetPlan)
		r.Post("/plans/{id}/start", h.StartPlan)
		r.Post("/plans/{id}/pause", h.PausePlan)
		r.Post("/plans/{id}/resume", h.ResumePlan)
		r.Post("/plans/{id}/cancel", h.CancelPlan)
		r.Get("/plans/{id}/tasks", h.ListTasks)
		r.Get("/plans/{id}/tasks/{taskID}", h.GetTask)

		// Spawn units
		r.Get("/units", h.ListUnits)
		r.Get("/units/{id}", h.GetUnit)
		r.Post("/units/{id}/cancel", h.CancelUnit)
		r.Post("/units/{id}/retry", h.RetryUnit)
		r.Get("/units/kinds/{kind}/stats", h.KindStats)

		// Guardrails
		r.Get("/guard/rate/{kind}", h.GetRateConfig)
		r.Put("/guard/rate/{kind}", h.SetRateConfig)
		r.Get("/guard/breaker/{kind}", h.GetBreaker)
		r.Post("/guard/breaker/{kind}/reset", h.ResetBreaker)
		r.Get("/guard/budget", h.GetBudget)

		// Approvals
		r.Get("/approvals", h.ListApprovals)
		r.Post("/approvals/{id}/approve", h.ApproveApproval)
		r.Post("/approvals/{id}/reject", h.RejectApproval)
	})
}
