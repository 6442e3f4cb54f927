package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	hmhttp "github.com/helmsman-dev/helmsman/internal/adapter/http"
	"github.com/helmsman-dev/helmsman/internal/config"
	"github.com/helmsman-dev/helmsman/internal/domain"
	"github.com/helmsman-dev/helmsman/internal/domain/plan"
	"github.com/helmsman-dev/helmsman/internal/domain/task"
	"github.com/helmsman-dev/helmsman/internal/guard"
	"github.com/helmsman-dev/helmsman/internal/port/executor"
	"github.com/helmsman-dev/helmsman/internal/service"
)

// mockStore implements repository.Store for testing.
type mockStore struct {
	mu    sync.Mutex
	plans map[string]plan.Plan
}

func newMockStore() *mockStore {
	return &mockStore{plans: make(map[string]plan.Plan)}
}

func (m *mockStore) UpsertPlan(_ context.Context, p *plan.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = *p
	return nil
}

func (m *mockStore) GetPlan(_ context.Context, id string) (*plan.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := p
	return &cp, nil
}

func (m *mockStore) ListPlans(_ context.Context) ([]plan.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]plan.Plan, 0, len(m.plans))
	for _, p := range m.plans {
		out = append(out, p)
	}
	return out, nil
}

func (m *mockStore) DeletePlansBefore(_ context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func newTestRouter(t *testing.T) (chi.Router, *service.OrchestratorService, *service.ApprovalService) {
	t.Helper()

	spawner := service.NewSpawnService(config.Spawn{MaxTotalConcurrent: 4}, nil, nil)
	t.Cleanup(spawner.Shutdown)
	orch := service.NewOrchestratorService(newMockStore(), spawner, nil, nil,
		config.Orchestrator{TickInterval: 5 * time.Millisecond},
		config.Breaker{FailureThreshold: 5, Timeout: 30 * time.Second},
		config.Rate{RequestsPerSecond: 100, Burst: 100},
	)
	t.Cleanup(orch.Shutdown)
	orch.RegisterExecutor("coder", executor.Func(func(ctx context.Context, tk *task.Task, ec executor.Context) (*executor.Result, error) {
		return &executor.Result{Success: true, Output: "ok"}, nil
	}))

	approvals := service.NewApprovalService(config.Approval{Enabled: true, Timeout: time.Minute}, nil, nil)
	budget := guard.NewBudgetTracker(guard.BudgetPolicy{MaxSpawnedTasks: 100})

	h := &hmhttp.Handlers{
		Orchestrator: orch,
		Spawner:      spawner,
		Approvals:    approvals,
		Budget:       budget,
	}
	r := chi.NewRouter()
	hmhttp.MountRoutes(r, h, nil)
	return r, orch, approvals
}

func doJSON(t *testing.T, r chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateAndGetPlan(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/plans", plan.CreateRequest{
		Name: "via-http",
		Tasks: []task.CreateRequest{
			{Title: "one", ExecutorKind: "coder"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created plan.Plan
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Status != plan.StatusPlanning {
		t.Fatalf("expected planning, got %s", created.Status)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/plans/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreatePlanValidationError(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/api/v1/plans", plan.CreateRequest{Name: ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetPlanNotFound(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/api/v1/plans/no-such-plan", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPlanLifecycleOverHTTP(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/plans", plan.CreateRequest{
		Name: "lifecycle",
		Tasks: []task.CreateRequest{
			{Title: "a", ExecutorKind: "coder"},
			{Title: "b", ExecutorKind: "coder", DependsOn: []string{"0"}},
		},
	})
	var created plan.Plan
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/plans/"+created.ID+"/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = doJSON(t, r, http.MethodGet, "/api/v1/plans/"+created.ID, nil)
		var got plan.Plan
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatal(err)
		}
		if got.Status.IsTerminal() {
			if got.Status != plan.StatusCompleted {
				t.Fatalf("expected completed, got %s", got.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("plan never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/plans/"+created.ID+"/tasks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("tasks: expected 200, got %d", rec.Code)
	}
	var tasks []task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
}

func TestRateConfigEndpoints(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/api/v1/guard/rate/coder", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodPut, "/api/v1/guard/rate/coder", guard.LimiterConfig{
		RequestsPerSecond: 5,
		Burst:             10,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var st guard.LimiterStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Config.Burst != 10 {
		t.Fatalf("expected burst updated to 10, got %d", st.Config.Burst)
	}

	// Invalid configs are rejected before they reach the limiter.
	rec = doJSON(t, r, http.MethodPut, "/api/v1/guard/rate/coder", guard.LimiterConfig{Burst: 0})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestBreakerEndpoints(t *testing.T) {
	r, orch, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/api/v1/guard/breaker/coder", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st guard.BreakerStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.State != guard.BreakerClosed {
		t.Fatalf("expected closed, got %s", st.State)
	}

	// Trip the breaker directly, then reset through the API.
	br := orch.Breaker("coder")
	for i := 0; i < 5; i++ {
		_ = br.Execute(func() error { return context.DeadlineExceeded })
	}
	if br.Status().State != guard.BreakerOpen {
		t.Fatal("expected breaker open")
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/guard/breaker/coder/reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if br.Status().State != guard.BreakerClosed {
		t.Fatal("expected breaker closed after reset")
	}
}

func TestBudgetEndpoint(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/api/v1/guard/budget", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Policy guard.BudgetPolicy `json:"policy"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Policy.MaxSpawnedTasks != 100 {
		t.Fatalf("expected policy in response, got %+v", body.Policy)
	}
}

func TestApprovalEndpoints(t *testing.T) {
	r, _, approvals := newTestRouter(t)

	pa := approvals.RequestShell(context.Background(), "make deploy")

	rec := doJSON(t, r, http.MethodGet, "/api/v1/approvals", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/approvals/"+pa.ID+"/approve", map[string]string{
		"approver": "alice",
		"note":     "ship it",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d", rec.Code)
	}

	// Second decision conflicts.
	rec = doJSON(t, r, http.MethodPost, "/api/v1/approvals/"+pa.ID+"/reject", map[string]string{
		"approver": "bob",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}
