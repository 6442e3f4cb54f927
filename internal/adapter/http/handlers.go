package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/helmsman-dev/helmsman/internal/domain/plan"
	"github.com/helmsman-dev/helmsman/internal/guard"
	"github.com/helmsman-dev/helmsman/internal/port/cache"
	"github.com/helmsman-dev/helmsman/internal/service"
)

// Handlers bundles all HTTP handler dependencies.
type Handlers struct {
	Orchestrator *service.OrchestratorService
	Spawner      *service.SpawnService
	Approvals    *service.ApprovalService
	Budget       *guard.BudgetTracker
	Cache        cache.Cache
	CacheTTL     time.Duration
}

// --- Plans ---

// CreatePlan handles POST /api/v1/plans
func (h *Handlers) CreatePlan(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[plan.CreateRequest](w, r)
	if !ok {
		return
	}
	p, err := h.Orchestrator.CreatePlan(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListPlans handles GET /api/v1/plans
func (h *Handlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Orchestrator.ListPlans(r.Context())
	if err != nil {
		writeDomainError(w, err, "plans unavailable")
		return
	}
	if plans == nil {
		plans = []plan.Plan{}
	}
	writeJSON(w, http.StatusOK, plans)
}

// GetPlan handles GET /api/v1/plans/{id}. Responses are served through the
// snapshot cache when one is configured; staleness is bounded by CacheTTL.
func (h *Handlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	if h.Cache != nil {
		if data, ok, err := h.Cache.Get(r.Context(), "plan:"+id); err == nil && ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)
			return
		}
	}

	p, err := h.Orchestrator.GetPlan(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "plan not found")
		return
	}

	if h.Cache != nil {
		if data, err := json.Marshal(p); err == nil {
			_ = h.Cache.Set(r.Context(), "plan:"+id, data, h.CacheTTL)
		}
	}
	writeJSON(w, http.StatusOK, p)
}

// StartPlan handles POST /api/v1/plans/{id}/start
func (h *Handlers) StartPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.Orchestrator.StartPlan(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PausePlan handles POST /api/v1/plans/{id}/pause
func (h *Handlers) PausePlan(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrator.PausePlan(r.Context(), urlParam(r, "id")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// ResumePlan handles POST /api/v1/plans/{id}/resume
func (h *Handlers) ResumePlan(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrator.ResumePlan(r.Context(), urlParam(r, "id")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// CancelPlan handles POST /api/v1/plans/{id}/cancel
func (h *Handlers) CancelPlan(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrator.CancelPlan(r.Context(), urlParam(r, "id")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ListTasks handles GET /api/v1/plans/{id}/tasks
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	p, err := h.Orchestrator.GetPlan(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "plan not found")
		return
	}
	writeJSON(w, http.StatusOK, p.Tasks)
}

// GetTask handles GET /api/v1/plans/{id}/tasks/{taskID}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	p, err := h.Orchestrator.GetPlan(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "plan not found")
		return
	}
	t := p.Task(urlParam(r, "taskID"))
	if t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Spawn units ---

// ListUnits handles GET /api/v1/units
func (h *Handlers) ListUnits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Spawner.ListUnits())
}

// GetUnit handles GET /api/v1/units/{id}
func (h *Handlers) GetUnit(w http.ResponseWriter, r *http.Request) {
	u, err := h.Spawner.GetUnit(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "unit not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// CancelUnit handles POST /api/v1/units/{id}/cancel
func (h *Handlers) CancelUnit(w http.ResponseWriter, r *http.Request) {
	if err := h.Spawner.Cancel(urlParam(r, "id")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// RetryUnit handles POST /api/v1/units/{id}/retry
func (h *Handlers) RetryUnit(w http.ResponseWriter, r *http.Request) {
	u, err := h.Spawner.Retry(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// KindStats handles GET /api/v1/units/kinds/{kind}/stats
func (h *Handlers) KindStats(w http.ResponseWriter, r *http.Request) {
	kind := urlParam(r, "kind")
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":          h.Spawner.Stats(kind),
		"recommendation": h.Spawner.Recommend(kind),
		"failures":       h.Spawner.RecentFailures(kind),
	})
}

// --- Guardrails ---

// GetRateConfig handles GET /api/v1/guard/rate/{kind}
func (h *Handlers) GetRateConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Orchestrator.Limiter(urlParam(r, "kind")).Status())
}

// SetRateConfig handles PUT /api/v1/guard/rate/{kind}
func (h *Handlers) SetRateConfig(w http.ResponseWriter, r *http.Request) {
	cfg, ok := readJSON[guard.LimiterConfig](w, r)
	if !ok {
		return
	}
	if cfg.RequestsPerSecond <= 0 || cfg.Burst <= 0 {
		writeError(w, http.StatusBadRequest, "requests_per_second and burst must be > 0")
		return
	}
	lim := h.Orchestrator.Limiter(urlParam(r, "kind"))
	lim.SetConfig(cfg)
	writeJSON(w, http.StatusOK, lim.Status())
}

// GetBreaker handles GET /api/v1/guard/breaker/{kind}
func (h *Handlers) GetBreaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Orchestrator.Breaker(urlParam(r, "kind")).Status())
}

// ResetBreaker handles POST /api/v1/guard/breaker/{kind}/reset
func (h *Handlers) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	br := h.Orchestrator.Breaker(urlParam(r, "kind"))
	br.Reset()
	writeJSON(w, http.StatusOK, br.Status())
}

// GetBudget handles GET /api/v1/guard/budget
func (h *Handlers) GetBudget(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"policy": h.Budget.Policy(),
		"usage":  h.Budget.Usage(),
	})
}

// --- Approvals ---

type approvalDecision struct {
	Approver string `json:"approver"`
	Note     string `json:"note"`
}

// ListApprovals handles GET /api/v1/approvals
func (h *Handlers) ListApprovals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Approvals.ListPending())
}

// ApproveApproval handles POST /api/v1/approvals/{id}/approve
func (h *Handlers) ApproveApproval(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[approvalDecision](w, r)
	if !ok {
		return
	}
	if !h.Approvals.Approve(urlParam(r, "id"), req.Approver, req.Note) {
		writeError(w, http.StatusConflict, "approval already resolved or unknown")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

// RejectApproval handles POST /api/v1/approvals/{id}/reject
func (h *Handlers) RejectApproval(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[approvalDecision](w, r)
	if !ok {
		return
	}
	if !h.Approvals.Reject(urlParam(r, "id"), req.Approver, req.Note) {
		writeError(w, http.StatusConflict, "approval already resolved or unknown")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// Health handles GET /healthz
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
