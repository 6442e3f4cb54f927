package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-dev/helmsman/internal/config"
	"github.com/helmsman-dev/helmsman/internal/domain/plan"
	"github.com/helmsman-dev/helmsman/internal/domain/task"
	"github.com/helmsman-dev/helmsman/internal/guard"
	"github.com/helmsman-dev/helmsman/internal/port/audit"
	"github.com/helmsman-dev/helmsman/internal/port/broadcast"
	"github.com/helmsman-dev/helmsman/internal/port/executor"
	"github.com/helmsman-dev/helmsman/internal/port/repository"
)

// Broadcast event types for plan and task updates.
const (
	EventPlanStatus = "plan_status"
	EventTaskStatus = "task_status"
)

// ErrUnknownExecutor reports a task referencing an executor kind that was
// never registered. Dispatch is a closed table built before any plan runs.
var ErrUnknownExecutor = errors.New("unknown executor kind")

// planRun tracks one live plan execution.
type planRun struct {
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	units     map[string]string // task id -> spawn unit id
}

// OrchestratorService drives plans to a terminal state: it asks the task
// graph what is ready, dispatches work through the spawn manager, applies
// quality gates, and records iterations until every task is terminal or a
// plan-level ceiling trips.
type OrchestratorService struct {
	store   repository.Store
	spawner *SpawnService
	sink    audit.Sink
	hub     broadcast.Broadcaster
	cfg     config.Orchestrator

	breakerCfg config.Breaker
	rateCfg    config.Rate

	mu           sync.Mutex
	plans        map[string]*plan.Plan
	active       map[string]*planRun
	executors    map[string]executor.Executor
	breakers     map[string]*guard.Breaker
	limiters     map[string]*guard.Limiter
	breakerState map[string]guard.BreakerState

	onPlanCompleteCallbacks []func(ctx context.Context, planID string, status plan.Status)

	now func() time.Time
}

// NewOrchestratorService creates an OrchestratorService with all dependencies.
// hub may be nil; sink may be nil.
func NewOrchestratorService(
	store repository.Store,
	spawner *SpawnService,
	sink audit.Sink,
	hub broadcast.Broadcaster,
	cfg config.Orchestrator,
	breakerCfg config.Breaker,
	rateCfg config.Rate,
) *OrchestratorService {
	if sink == nil {
		sink = audit.Nop{}
	}
	if cfg.ParallelTasks <= 0 {
		cfg.ParallelTasks = 4
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	return &OrchestratorService{
		store:        store,
		spawner:      spawner,
		sink:         sink,
		hub:          hub,
		cfg:          cfg,
		breakerCfg:   breakerCfg,
		rateCfg:      rateCfg,
		plans:        make(map[string]*plan.Plan),
		active:       make(map[string]*planRun),
		executors:    make(map[string]executor.Executor),
		breakers:     make(map[string]*guard.Breaker),
		limiters:     make(map[string]*guard.Limiter),
		breakerState: make(map[string]guard.BreakerState),
		now:          time.Now,
	}
}

// AddOnPlanComplete appends a callback invoked when a plan reaches a
// terminal state.
func (s *OrchestratorService) AddOnPlanComplete(fn func(ctx context.Context, planID string, status plan.Status)) {
	s.onPlanCompleteCallbacks = append(s.onPlanCompleteCallbacks, fn)
}

// RegisterExecutor adds an executor kind to the dispatch table. All kinds a
// plan references must be registered before CreatePlan accepts it.
func (s *OrchestratorService) RegisterExecutor(kind string, ex executor.Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[kind] = ex
}

// CreatePlan validates and persists a new plan in the planning state.
// Dependency references in the request are sibling indices; they are
// remapped to task ids here.
func (s *OrchestratorService) CreatePlan(ctx context.Context, req *plan.CreateRequest) (*plan.Plan, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validate plan: %w", err)
	}

	s.mu.Lock()
	for _, tr := range req.Tasks {
		if _, ok := s.executors[tr.ExecutorKind]; !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("task %q: %w: %s", tr.Title, ErrUnknownExecutor, tr.ExecutorKind)
		}
	}
	s.mu.Unlock()

	now := s.now()
	cfg := req.Config
	if cfg.ParallelTasks <= 0 {
		cfg.ParallelTasks = s.cfg.ParallelTasks
	}
	if cfg.MaxTotalIterations <= 0 {
		cfg.MaxTotalIterations = s.cfg.MaxTotalIterations
	}
	if cfg.MaxRuntime <= 0 {
		cfg.MaxRuntime = s.cfg.MaxRuntime
	}

	p := &plan.Plan{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Request:   req.Request,
		Status:    plan.StatusPlanning,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ids := make([]string, len(req.Tasks))
	for i := range req.Tasks {
		ids[i] = uuid.NewString()
	}
	for i, tr := range req.Tasks {
		t := task.Task{
			ID:           ids[i],
			PlanID:       p.ID,
			Title:        tr.Title,
			ExecutorKind: tr.ExecutorKind,
			Status:       task.StatusPending,
			MaxAttempts:  tr.MaxAttempts,
			Priority:     tr.Priority,
			Resources:    tr.Resources,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if t.MaxAttempts <= 0 {
			t.MaxAttempts = s.cfg.DefaultMaxAttempts
		}
		for _, dep := range tr.DependsOn {
			idx, _ := strconv.Atoi(dep) // already validated
			t.DependsOn = append(t.DependsOn, ids[idx])
		}
		for _, g := range tr.Gates {
			t.Gates = append(t.Gates, task.QualityGate{Type: g, Required: true})
		}
		p.Tasks = append(p.Tasks, t)
	}

	s.mu.Lock()
	s.plans[p.ID] = p
	s.persistLocked(ctx, p)
	s.mu.Unlock()

	s.sink.Record(ctx, audit.Event{
		Type:    audit.TypePlanCreated,
		Subject: p.ID,
		Details: map[string]string{"name": p.Name, "tasks": strconv.Itoa(len(p.Tasks))},
		At:      now,
	})
	s.broadcastPlan(ctx, p)

	slog.Info("plan created", "plan_id", p.ID, "name", p.Name, "tasks", len(p.Tasks))
	return p, nil
}

// StartPlan transitions a plan from planning to running and launches its
// scheduling loop.
func (s *OrchestratorService) StartPlan(ctx context.Context, planID string) (*plan.Plan, error) {
	s.mu.Lock()
	p, err := s.planLocked(ctx, planID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if p.Status != plan.StatusPlanning {
		s.mu.Unlock()
		return nil, fmt.Errorf("plan %s is %s, expected %s", planID, p.Status, plan.StatusPlanning)
	}
	s.setPlanStatusLocked(ctx, p, plan.StatusRunning)

	runCtx, cancel := context.WithCancel(context.Background())
	run := &planRun{
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: s.now(),
		units:     make(map[string]string),
	}
	s.active[planID] = run
	s.mu.Unlock()

	s.broadcastPlan(ctx, p)
	slog.Info("plan started", "plan_id", planID)

	go s.runPlan(runCtx, planID, run)
	return p, nil
}

// runPlan is the per-plan scheduling loop. Each tick reassesses the graph
// and dispatches ready work until the plan is terminal.
func (s *OrchestratorService) runPlan(ctx context.Context, planID string, run *planRun) {
	defer close(run.done)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if s.advance(ctx, planID, run) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// advance runs one scheduling tick. It returns true when the plan has
// reached a terminal state and the loop should exit.
func (s *OrchestratorService) advance(ctx context.Context, planID string, run *planRun) bool {
	s.mu.Lock()
	p := s.plans[planID]
	if p == nil {
		s.mu.Unlock()
		return true
	}
	if p.Status.IsTerminal() {
		s.mu.Unlock()
		return true
	}
	if p.Status != plan.StatusRunning && p.Status != plan.StatusBlocked {
		// paused: hold position, keep ticking
		s.mu.Unlock()
		return false
	}

	// Plan-wide ceilings trump individual task state.
	if p.Config.MaxTotalIterations > 0 && p.TotalIterations() >= p.Config.MaxTotalIterations {
		s.haltLocked(ctx, p, run, "max total iterations exceeded")
		s.mu.Unlock()
		s.finish(ctx, p, plan.StatusFailed)
		return true
	}
	if p.Config.MaxRuntime > 0 && s.now().Sub(run.startedAt) >= p.Config.MaxRuntime {
		s.haltLocked(ctx, p, run, "max runtime exceeded")
		s.mu.Unlock()
		s.finish(ctx, p, plan.StatusFailed)
		return true
	}

	// Tasks stranded behind a failed dependency will never become ready.
	for _, id := range plan.DeadTasks(p.Tasks) {
		t := p.Task(id)
		s.setTaskStatusLocked(ctx, p, t, task.StatusSkipped)
	}

	if plan.AllTerminal(p.Tasks) {
		status := plan.StatusCompleted
		if plan.AnyFailed(p.Tasks) {
			status = plan.StatusFailed
		}
		s.mu.Unlock()
		s.finish(ctx, p, status)
		return true
	}

	ready := plan.ReadyTasks(p.Tasks)
	slots := p.Config.ParallelTasks - plan.RunningCount(p.Tasks)
	dispatched := 0
	for _, id := range ready {
		if slots <= 0 {
			break
		}
		if err := s.startTaskLocked(ctx, p, p.Task(id), run); err != nil {
			slog.Error("start task", "plan_id", p.ID, "task_id", id, "error", err)
			continue
		}
		slots--
		dispatched++
	}

	// Ready work stuck behind exhausted capacity marks the plan blocked;
	// it flips back to running as soon as a slot frees and dispatch resumes.
	switch {
	case len(ready) > 0 && dispatched == 0 && slots <= 0:
		if p.Status != plan.StatusBlocked {
			s.setPlanStatusLocked(ctx, p, plan.StatusBlocked)
		}
	case p.Status == plan.StatusBlocked:
		s.setPlanStatusLocked(ctx, p, plan.StatusRunning)
	}
	s.mu.Unlock()
	return false
}

// haltLocked cancels all in-flight units for a plan that is being forced
// terminal. Must be called with s.mu held.
func (s *OrchestratorService) haltLocked(ctx context.Context, p *plan.Plan, run *planRun, reason string) {
	for taskID, unitID := range run.units {
		_ = s.spawner.Cancel(unitID)
		if t := p.Task(taskID); t != nil && !t.Status.IsTerminal() {
			s.setTaskStatusLocked(ctx, p, t, task.StatusCancelled)
		}
	}
	slog.Warn("plan halted", "plan_id", p.ID, "reason", reason)
}

// startTaskLocked marks a task in progress and dispatches it to the spawn
// manager. Must be called with s.mu held.
func (s *OrchestratorService) startTaskLocked(ctx context.Context, p *plan.Plan, t *task.Task, run *planRun) error {
	s.setTaskStatusLocked(ctx, p, t, task.StatusInProgress)

	planID, taskID := p.ID, t.ID
	u, err := s.spawner.Spawn(ctx, SpawnRequest{
		Name: t.Title,
		Kind: t.ExecutorKind,
		Fn: func(ctx context.Context, h *UnitHandle) (any, error) {
			return s.runTask(ctx, planID, taskID, h)
		},
	})
	if err != nil {
		// Could not even enqueue: burn an attempt so the task cannot loop
		// forever behind a budget violation. A non-terminal task goes back
		// to pending so the next tick re-dispatches it until attempts run out.
		if !s.recordIterationLocked(ctx, p, t, s.now(), &executor.Result{Success: false, Error: err.Error()}) {
			s.setTaskStatusLocked(ctx, p, t, task.StatusPending)
		}
		return err
	}
	run.units[taskID] = u.ID
	return nil
}

// runTask executes a task's bounded attempt loop inside its spawn unit.
// Retries stay within the unit so capacity accounting sees one running
// task regardless of attempt count.
func (s *OrchestratorService) runTask(ctx context.Context, planID, taskID string, h *UnitHandle) (any, error) {
	for {
		s.mu.Lock()
		p := s.plans[planID]
		if p == nil || p.Status.IsTerminal() {
			s.mu.Unlock()
			return nil, nil
		}
		t := p.Task(taskID)
		if t == nil || t.Status.IsTerminal() {
			s.mu.Unlock()
			return nil, nil
		}
		snapshot := *t
		attempt := t.Attempts() + 1
		feedback := t.LastFeedback()
		ex := s.executors[t.ExecutorKind]
		s.mu.Unlock()

		if ex == nil {
			s.failAttempt(ctx, planID, taskID, ErrUnknownExecutor.Error())
			return nil, fmt.Errorf("%w: %s", ErrUnknownExecutor, snapshot.ExecutorKind)
		}

		h.Log(fmt.Sprintf("attempt %d/%d", attempt, snapshot.MaxAttempts))
		started := s.now()
		res := s.executeAttempt(ctx, ex, &snapshot, executor.Context{
			PlanID:   planID,
			Attempt:  attempt,
			Feedback: feedback,
		})

		if ctx.Err() != nil {
			s.mu.Lock()
			if p := s.plans[planID]; p != nil {
				if t := p.Task(taskID); t != nil && !t.Status.IsTerminal() {
					s.setTaskStatusLocked(ctx, p, t, task.StatusCancelled)
				}
			}
			s.mu.Unlock()
			return nil, ctx.Err()
		}

		s.mu.Lock()
		p = s.plans[planID]
		if p == nil {
			s.mu.Unlock()
			return nil, nil
		}
		t = p.Task(taskID)
		if t == nil || t.Status.IsTerminal() {
			// A cancel landed while the attempt was in flight; its result
			// must not overwrite the terminal state.
			s.mu.Unlock()
			return nil, nil
		}
		terminal := s.recordIterationLocked(ctx, p, t, started, res)
		status := t.Status
		s.mu.Unlock()

		s.broadcastTask(ctx, planID, taskID, status)
		if terminal {
			if status == task.StatusFailed {
				return nil, errors.New(res.Error)
			}
			return res.Output, nil
		}
		// status is fixing: loop into the next attempt with fresh feedback
	}
}

// executeAttempt runs one executor call behind the kind's rate limiter and
// circuit breaker. It never returns nil.
func (s *OrchestratorService) executeAttempt(ctx context.Context, ex executor.Executor, t *task.Task, ec executor.Context) *executor.Result {
	lim := s.limiterFor(t.ExecutorKind)
	if err := lim.WaitAndAcquire(ctx, 1); err != nil {
		var rle *guard.RateLimitedError
		if errors.As(err, &rle) {
			s.sink.Record(ctx, audit.Event{
				Type:    audit.TypeRateLimited,
				Subject: t.ID,
				Details: map[string]string{"kind": t.ExecutorKind, "retry_after": rle.RetryAfter.String()},
				At:      s.now(),
			})
		}
		return &executor.Result{Success: false, Error: fmt.Sprintf("rate limited: %v", err)}
	}

	br := s.breakerFor(t.ExecutorKind)
	var res *executor.Result
	err := br.Execute(func() error {
		r, execErr := ex.Execute(ctx, t, ec)
		if execErr != nil {
			return execErr
		}
		res = r
		return nil
	})
	s.observeBreaker(ctx, t.ExecutorKind, br)
	if err != nil {
		return &executor.Result{Success: false, Error: err.Error()}
	}
	if res == nil {
		return &executor.Result{Success: false, Error: "executor returned no result"}
	}
	return res
}

// recordIterationLocked appends one iteration to the task, re-evaluates its
// gates, and moves it to completed, fixing, or failed. Returns true when
// the task reached a terminal state. Must be called with s.mu held.
func (s *OrchestratorService) recordIterationLocked(ctx context.Context, p *plan.Plan, t *task.Task, started time.Time, res *executor.Result) bool {
	reviewing := false
	for i := range t.Gates {
		if t.Gates[i].Type == task.GateReviewApproved {
			reviewing = true
		}
	}
	if reviewing {
		t.Status = task.StatusReviewing
	} else {
		t.Status = task.StatusTesting
	}

	for i := range t.Gates {
		t.Gates[i].Passed = res.Success
		if res.Success {
			t.Gates[i].Error = ""
		} else {
			t.Gates[i].Error = res.Error
		}
	}

	ended := s.now()
	it := task.Iteration{
		Attempt:   t.Attempts() + 1,
		StartedAt: started,
		EndedAt:   &ended,
		Success:   res.Success && t.RequiredGatesPassed(),
		Output:    res.Output,
		Artifacts: res.Artifacts,
	}
	if !it.Success {
		it.Feedback = s.feedbackFor(t, res)
	}
	t.Iterations = append(t.Iterations, it)

	s.sink.Record(ctx, audit.Event{
		Type:    audit.TypeIterationDone,
		Subject: t.ID,
		Details: map[string]string{
			"plan_id":          p.ID,
			"kind":             t.ExecutorKind,
			"attempt":          strconv.Itoa(it.Attempt),
			"success":          strconv.FormatBool(it.Success),
			"duration_seconds": strconv.FormatFloat(ended.Sub(started).Seconds(), 'f', -1, 64),
		},
		At: ended,
	})

	switch {
	case it.Success:
		s.setTaskStatusLocked(ctx, p, t, task.StatusCompleted)
		return true
	case t.AttemptsExhausted():
		s.setTaskStatusLocked(ctx, p, t, task.StatusFailed)
		return true
	default:
		s.setTaskStatusLocked(ctx, p, t, task.StatusFixing)
		return false
	}
}

// feedbackFor composes the feedback string injected into the next attempt.
func (s *OrchestratorService) feedbackFor(t *task.Task, res *executor.Result) string {
	for i := range t.Gates {
		g := &t.Gates[i]
		if g.Required && !g.Passed && g.Error != "" {
			return fmt.Sprintf("gate %s failed: %s", g.Type, g.Error)
		}
	}
	if res.Error != "" {
		return res.Error
	}
	return "attempt failed"
}

// failAttempt records a failed iteration from outside the normal execute
// path, such as a missing executor.
func (s *OrchestratorService) failAttempt(ctx context.Context, planID, taskID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.plans[planID]
	if p == nil {
		return
	}
	t := p.Task(taskID)
	if t == nil || t.Status.IsTerminal() {
		return
	}
	s.recordIterationLocked(ctx, p, t, s.now(), &executor.Result{Success: false, Error: reason})
}

// PausePlan suspends dispatch for a running plan. In-flight tasks run to
// completion; no new tasks start until ResumePlan.
func (s *OrchestratorService) PausePlan(ctx context.Context, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.planLocked(ctx, planID)
	if err != nil {
		return err
	}
	if p.Status != plan.StatusRunning && p.Status != plan.StatusBlocked {
		return fmt.Errorf("plan %s is %s, cannot pause", planID, p.Status)
	}
	s.setPlanStatusLocked(ctx, p, plan.StatusPaused)
	slog.Info("plan paused", "plan_id", planID)
	return nil
}

// ResumePlan resumes dispatch for a paused plan.
func (s *OrchestratorService) ResumePlan(ctx context.Context, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.planLocked(ctx, planID)
	if err != nil {
		return err
	}
	if p.Status != plan.StatusPaused {
		return fmt.Errorf("plan %s is %s, cannot resume", planID, p.Status)
	}
	s.setPlanStatusLocked(ctx, p, plan.StatusRunning)
	slog.Info("plan resumed", "plan_id", planID)
	return nil
}

// CancelPlan cancels a plan: pending tasks are marked cancelled, in-flight
// units are cooperatively cancelled, and the plan goes terminal.
func (s *OrchestratorService) CancelPlan(ctx context.Context, planID string) error {
	s.mu.Lock()
	p, err := s.planLocked(ctx, planID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if p.Status.IsTerminal() {
		s.mu.Unlock()
		return fmt.Errorf("plan %s is %s, cannot cancel", planID, p.Status)
	}

	run := s.active[planID]
	for i := range p.Tasks {
		t := &p.Tasks[i]
		switch t.Status {
		case task.StatusPending, task.StatusReady:
			s.setTaskStatusLocked(ctx, p, t, task.StatusCancelled)
		case task.StatusInProgress, task.StatusTesting, task.StatusReviewing, task.StatusFixing:
			if run != nil {
				if unitID, ok := run.units[t.ID]; ok {
					_ = s.spawner.Cancel(unitID)
				}
			}
			s.setTaskStatusLocked(ctx, p, t, task.StatusCancelled)
		}
	}
	s.mu.Unlock()

	s.finish(ctx, p, plan.StatusCancelled)
	return nil
}

// finish moves a plan to a terminal state, stops its loop, and fires the
// completion callbacks.
func (s *OrchestratorService) finish(ctx context.Context, p *plan.Plan, status plan.Status) {
	s.mu.Lock()
	if p.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.setPlanStatusLocked(ctx, p, status)
	run := s.active[p.ID]
	delete(s.active, p.ID)
	callbacks := append([]func(context.Context, string, plan.Status){}, s.onPlanCompleteCallbacks...)
	s.mu.Unlock()

	if run != nil {
		run.cancel()
	}
	s.broadcastPlan(ctx, p)
	for _, fn := range callbacks {
		fn(ctx, p.ID, status)
	}
	slog.Info("plan finished", "plan_id", p.ID, "status", status)
}

// GetPlan returns a plan by id, preferring live in-memory state over the
// repository snapshot.
func (s *OrchestratorService) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	s.mu.Lock()
	if p, ok := s.plans[id]; ok {
		snapshot := clonePlan(p)
		s.mu.Unlock()
		return snapshot, nil
	}
	s.mu.Unlock()
	return s.store.GetPlan(ctx, id)
}

// ListPlans returns all known plans.
func (s *OrchestratorService) ListPlans(ctx context.Context) ([]plan.Plan, error) {
	return s.store.ListPlans(ctx)
}

// Breaker returns the circuit breaker guarding an executor kind, creating
// it on first use.
func (s *OrchestratorService) Breaker(kind string) *guard.Breaker {
	return s.breakerFor(kind)
}

// Limiter returns the rate limiter guarding an executor kind, creating it
// on first use.
func (s *OrchestratorService) Limiter(kind string) *guard.Limiter {
	return s.limiterFor(kind)
}

// Kinds returns the registered executor kinds.
func (s *OrchestratorService) Kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, 0, len(s.executors))
	for k := range s.executors {
		kinds = append(kinds, k)
	}
	return kinds
}

// Shutdown cancels all running plans and waits for their loops to exit.
func (s *OrchestratorService) Shutdown() {
	s.mu.Lock()
	runs := make([]*planRun, 0, len(s.active))
	for _, run := range s.active {
		run.cancel()
		runs = append(runs, run)
	}
	s.mu.Unlock()
	for _, run := range runs {
		<-run.done
	}
}

// planLocked fetches a plan from memory, falling back to the repository
// for plans from a previous process. Must be called with s.mu held.
func (s *OrchestratorService) planLocked(ctx context.Context, id string) (*plan.Plan, error) {
	if p, ok := s.plans[id]; ok {
		return p, nil
	}
	p, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	s.plans[id] = p
	return p, nil
}

// setPlanStatusLocked updates plan status, persists, and audits. Must be
// called with s.mu held.
func (s *OrchestratorService) setPlanStatusLocked(ctx context.Context, p *plan.Plan, status plan.Status) {
	p.Status = status
	p.UpdatedAt = s.now()
	s.persistLocked(ctx, p)
	s.sink.Record(ctx, audit.Event{
		Type:    audit.TypePlanStatus,
		Subject: p.ID,
		Details: map[string]string{"status": string(status)},
		At:      p.UpdatedAt,
	})
}

// setTaskStatusLocked updates task status, persists the plan, and audits.
// Must be called with s.mu held.
func (s *OrchestratorService) setTaskStatusLocked(ctx context.Context, p *plan.Plan, t *task.Task, status task.Status) {
	t.Status = status
	t.UpdatedAt = s.now()
	p.UpdatedAt = t.UpdatedAt
	s.persistLocked(ctx, p)
	s.sink.Record(ctx, audit.Event{
		Type:    audit.TypeTaskStatus,
		Subject: t.ID,
		Details: map[string]string{"plan_id": p.ID, "status": string(status)},
		At:      t.UpdatedAt,
	})
}

// persistLocked writes the current plan snapshot through the repository.
// Persistence failures are logged, never fatal: memory stays authoritative.
// Must be called with s.mu held.
func (s *OrchestratorService) persistLocked(ctx context.Context, p *plan.Plan) {
	p.Version++
	if err := s.store.UpsertPlan(ctx, p); err != nil {
		slog.Error("persist plan", "plan_id", p.ID, "error", err)
	}
}

// breakerFor returns the per-kind breaker, creating it lazily.
func (s *OrchestratorService) breakerFor(kind string) *guard.Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[kind]; ok {
		return b
	}
	b := guard.NewBreaker(kind, guard.BreakerConfig{
		FailureThreshold: s.breakerCfg.FailureThreshold,
		SuccessThreshold: s.breakerCfg.SuccessThreshold,
		Timeout:          s.breakerCfg.Timeout,
		HalfOpenMaxCalls: s.breakerCfg.HalfOpenMaxCalls,
	})
	s.breakers[kind] = b
	s.breakerState[kind] = guard.BreakerClosed
	return b
}

// limiterFor returns the per-kind limiter, creating it lazily.
func (s *OrchestratorService) limiterFor(kind string) *guard.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters[kind]; ok {
		return l
	}
	l := guard.NewLimiter(kind, guard.LimiterConfig{
		RequestsPerSecond: s.rateCfg.RequestsPerSecond,
		Burst:             s.rateCfg.Burst,
		PerMinute:         s.rateCfg.PerMinute,
		PerHour:           s.rateCfg.PerHour,
		MinInterval:       s.rateCfg.MinInterval,
	})
	s.limiters[kind] = l
	return l
}

// observeBreaker audits open/close transitions of a kind's breaker.
func (s *OrchestratorService) observeBreaker(ctx context.Context, kind string, br *guard.Breaker) {
	state := br.Status().State
	s.mu.Lock()
	prev := s.breakerState[kind]
	s.breakerState[kind] = state
	s.mu.Unlock()
	if prev == state {
		return
	}
	switch state {
	case guard.BreakerOpen:
		s.sink.Record(ctx, audit.Event{
			Type:    audit.TypeBreakerOpened,
			Subject: kind,
			At:      s.now(),
		})
		slog.Warn("breaker opened", "kind", kind)
	case guard.BreakerClosed:
		s.sink.Record(ctx, audit.Event{
			Type:    audit.TypeBreakerClosed,
			Subject: kind,
			At:      s.now(),
		})
		slog.Info("breaker closed", "kind", kind)
	}
}

// broadcastPlan pushes a plan status event to connected clients.
func (s *OrchestratorService) broadcastPlan(ctx context.Context, p *plan.Plan) {
	if s.hub == nil {
		return
	}
	c := p.CountStatus()
	s.hub.BroadcastEvent(ctx, EventPlanStatus, map[string]any{
		"plan_id":  p.ID,
		"status":   p.Status,
		"progress": c.Progress,
	})
}

// broadcastTask pushes a task status event to connected clients.
func (s *OrchestratorService) broadcastTask(ctx context.Context, planID, taskID string, status task.Status) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(ctx, EventTaskStatus, map[string]any{
		"plan_id": planID,
		"task_id": taskID,
		"status":  status,
	})
}

// clonePlan deep-copies a plan so callers never alias live state.
func clonePlan(p *plan.Plan) *plan.Plan {
	cp := *p
	cp.Tasks = make([]task.Task, len(p.Tasks))
	copy(cp.Tasks, p.Tasks)
	for i := range cp.Tasks {
		t := &cp.Tasks[i]
		t.DependsOn = append([]string(nil), t.DependsOn...)
		t.Gates = append([]task.QualityGate(nil), t.Gates...)
		t.Iterations = append([]task.Iteration(nil), t.Iterations...)
	}
	return &cp
}
