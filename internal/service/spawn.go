package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-dev/helmsman/internal/config"
	"github.com/helmsman-dev/helmsman/internal/guard"
	"github.com/helmsman-dev/helmsman/internal/port/audit"
)

// UnitStatus represents the lifecycle state of a spawned unit.
type UnitStatus string

const (
	UnitPending   UnitStatus = "pending"
	UnitRunning   UnitStatus = "running"
	UnitCompleted UnitStatus = "completed"
	UnitFailed    UnitStatus = "failed"
	UnitCancelled UnitStatus = "cancelled"
)

// UnitFn is the work a unit performs. It must honor ctx cancellation and
// may report progress and log lines through the handle.
type UnitFn func(ctx context.Context, h *UnitHandle) (any, error)

// Unit is one tracked background execution.
type Unit struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Kind      string     `json:"kind"`
	Status    UnitStatus `json:"status"`
	Progress  float64    `json:"progress"`
	Logs      []string   `json:"logs,omitempty"`
	Result    any        `json:"result,omitempty"`
	Err       string     `json:"error,omitempty"`
	RetryOf   string     `json:"retry_of,omitempty"`
	Diagnoses string     `json:"diagnoses,omitempty"`
	Depth     int        `json:"depth,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt time.Time  `json:"started_at,omitzero"`
	EndedAt   time.Time  `json:"ended_at,omitzero"`

	fn     UnitFn
	cancel context.CancelFunc
	done   chan struct{}
}

// UnitHandle is passed to the unit's work function for progress and log
// reporting. Mutation goes through the manager lock.
type UnitHandle struct {
	id string
	m  *SpawnService
}

// Log appends a line to the unit's append-only log.
func (h *UnitHandle) Log(line string) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if u, ok := h.m.units[h.id]; ok {
		u.Logs = append(u.Logs, line)
	}
}

// SetProgress updates the unit's progress fraction, clamped to [0, 1].
func (h *UnitHandle) SetProgress(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if u, ok := h.m.units[h.id]; ok {
		u.Progress = p
	}
}

// UnitFailure is one retained failure record for observability.
type UnitFailure struct {
	UnitID  string    `json:"unit_id"`
	Name    string    `json:"name"`
	Error   string    `json:"error"`
	EndedAt time.Time `json:"ended_at"`
}

// KindStats summarizes trailing execution statistics for one executor kind.
type KindStats struct {
	Kind        string        `json:"kind"`
	Samples     int           `json:"samples"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
	GoalRate    float64       `json:"goal_rate"`
}

// SizingRecommendation suggests a per-kind concurrency setting. Confidence
// is explicitly low under small samples; callers treat it as best-effort.
type SizingRecommendation struct {
	Kind        string  `json:"kind"`
	Recommended int     `json:"recommended"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
}

// minSizingSamples is the sample count below which recommendations carry
// near-zero confidence.
const minSizingSamples = 3

// SpawnService launches, tracks, and concurrency-bounds background units.
// Requests beyond capacity are FIFO-queued and promoted as capacity frees.
// The manager lock guards only O(1) admit/release bookkeeping, never the
// awaited execution itself.
type SpawnService struct {
	cfg    config.Spawn
	budget *guard.BudgetTracker
	sink   audit.Sink

	mu            sync.Mutex
	units         map[string]*Unit
	order         []string // insertion order, for listing
	queue         []string // FIFO of pending unit ids
	running       int
	runningByKind map[string]int
	failures      map[string][]UnitFailure // bounded ring per kind

	root     context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

// SpawnRequest describes a unit to launch. Depth is the nesting level of
// the spawn: zero for top-level work, incremented for units spawned to
// analyze another unit.
type SpawnRequest struct {
	Name  string
	Kind  string
	Depth int
	Fn    UnitFn
}

// NewSpawnService creates a spawn manager. budget may be nil to disable
// spawn-budget enforcement; sink may be nil.
func NewSpawnService(cfg config.Spawn, budget *guard.BudgetTracker, sink audit.Sink) *SpawnService {
	if cfg.MaxTotalConcurrent <= 0 {
		cfg.MaxTotalConcurrent = 4
	}
	if cfg.MaxPerKind <= 0 {
		cfg.MaxPerKind = cfg.MaxTotalConcurrent
	}
	if cfg.FailureRingSize <= 0 {
		cfg.FailureRingSize = 20
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	root, cancel := context.WithCancel(context.Background())
	return &SpawnService{
		cfg:           cfg,
		budget:        budget,
		sink:          sink,
		units:         make(map[string]*Unit),
		runningByKind: make(map[string]int),
		failures:      make(map[string][]UnitFailure),
		root:          root,
		shutdown:      cancel,
	}
}

// Spawn registers a unit and starts it immediately if capacity allows,
// otherwise queues it FIFO. The returned unit is a live handle; read its
// fields through GetUnit for consistent snapshots.
func (m *SpawnService) Spawn(_ context.Context, req SpawnRequest) (*Unit, error) {
	if req.Fn == nil {
		return nil, fmt.Errorf("spawn %q: nil work function", req.Name)
	}
	if req.Kind == "" {
		return nil, fmt.Errorf("spawn %q: kind is required", req.Name)
	}
	if m.budget != nil {
		if err := m.budget.Check(guard.BudgetSpawnedTasks); err != nil {
			m.sink.Record(context.Background(), audit.Event{
				Type:    audit.TypeBudgetViolation,
				Subject: req.Name,
				Details: map[string]string{"kind": string(guard.BudgetSpawnedTasks)},
				At:      time.Now(),
			})
			return nil, err
		}
		if err := m.budget.CheckDepth(int64(req.Depth)); err != nil {
			m.sink.Record(context.Background(), audit.Event{
				Type:    audit.TypeBudgetViolation,
				Subject: req.Name,
				Details: map[string]string{"kind": string(guard.BudgetSpawnDepth)},
				At:      time.Now(),
			})
			return nil, err
		}
	}

	u := &Unit{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Kind:      req.Kind,
		Status:    UnitPending,
		Depth:     req.Depth,
		CreatedAt: time.Now(),
		fn:        req.Fn,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	select {
	case <-m.root.Done():
		m.mu.Unlock()
		return nil, fmt.Errorf("spawn %q: manager is shut down", req.Name)
	default:
	}
	m.units[u.ID] = u
	m.order = append(m.order, u.ID)
	canStart := m.running < m.cfg.MaxTotalConcurrent && m.runningByKind[u.Kind] < m.cfg.MaxPerKind
	if canStart {
		m.startLocked(u)
	} else {
		m.queue = append(m.queue, u.ID)
	}
	m.mu.Unlock()

	if m.budget != nil {
		m.budget.Record(guard.BudgetSpawnedTasks, 1)
	}
	m.sink.Record(m.root, audit.Event{
		Type:    audit.TypeSpawnStarted,
		Subject: u.ID,
		Details: map[string]string{"name": u.Name, "kind": u.Kind, "queued": fmt.Sprintf("%t", !canStart)},
		At:      time.Now(),
	})
	slog.Debug("unit spawned", "unit_id", u.ID, "kind", u.Kind, "queued", !canStart)
	return u, nil
}

// startLocked transitions a unit to running and launches its goroutine.
// Must be called with m.mu held.
func (m *SpawnService) startLocked(u *Unit) {
	ctx, cancel := context.WithCancel(m.root)
	u.cancel = cancel
	u.Status = UnitRunning
	u.StartedAt = time.Now()
	m.running++
	m.runningByKind[u.Kind]++

	m.wg.Add(1)
	go m.run(ctx, u)
}

// run executes the unit's work outside the manager lock and performs the
// release bookkeeping when it returns.
func (m *SpawnService) run(ctx context.Context, u *Unit) {
	defer m.wg.Done()

	result, err := u.fn(ctx, &UnitHandle{id: u.ID, m: m})

	m.mu.Lock()
	u.EndedAt = time.Now()
	switch {
	case ctx.Err() != nil:
		u.Status = UnitCancelled
		u.Err = ctx.Err().Error()
	case err != nil:
		u.Status = UnitFailed
		u.Err = err.Error()
		m.recordFailureLocked(u)
	default:
		u.Status = UnitCompleted
		u.Result = result
		u.Progress = 1
	}
	m.running--
	m.runningByKind[u.Kind]--
	m.promoteLocked()
	status, errStr := u.Status, u.Err
	m.mu.Unlock()

	m.sink.Record(m.root, audit.Event{
		Type:    audit.TypeSpawnFinished,
		Subject: u.ID,
		Details: map[string]string{"kind": u.Kind, "status": string(status), "error": errStr},
		At:      time.Now(),
	})
	slog.Debug("unit finished", "unit_id", u.ID, "kind", u.Kind, "status", status)
	close(u.done)
}

// promoteLocked starts queued units while capacity allows, preserving FIFO
// order per admission check. Must be called with m.mu held.
func (m *SpawnService) promoteLocked() {
	remaining := m.queue[:0]
	for _, id := range m.queue {
		u, ok := m.units[id]
		if !ok || u.Status != UnitPending {
			continue
		}
		if m.running < m.cfg.MaxTotalConcurrent && m.runningByKind[u.Kind] < m.cfg.MaxPerKind {
			m.startLocked(u)
			continue
		}
		remaining = append(remaining, id)
	}
	m.queue = remaining
}

// recordFailureLocked appends to the kind's bounded failure ring.
// Must be called with m.mu held.
func (m *SpawnService) recordFailureLocked(u *Unit) {
	ring := append(m.failures[u.Kind], UnitFailure{
		UnitID:  u.ID,
		Name:    u.Name,
		Error:   u.Err,
		EndedAt: u.EndedAt,
	})
	if len(ring) > m.cfg.FailureRingSize {
		ring = ring[len(ring)-m.cfg.FailureRingSize:]
	}
	m.failures[u.Kind] = ring
}

// Wait blocks until the unit reaches a terminal state or ctx expires.
func (m *SpawnService) Wait(ctx context.Context, id string) (*Unit, error) {
	m.mu.Lock()
	u, ok := m.units[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unit %s: not found", id)
	}
	select {
	case <-u.done:
		return m.GetUnit(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetUnit returns a snapshot copy of the unit.
func (m *SpawnService) GetUnit(id string) (*Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return nil, fmt.Errorf("unit %s: not found", id)
	}
	snap := *u
	snap.Logs = append([]string(nil), u.Logs...)
	return &snap, nil
}

// ListUnits returns snapshots of all units in insertion order.
func (m *SpawnService) ListUnits() []Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Unit, 0, len(m.order))
	for _, id := range m.order {
		if u, ok := m.units[id]; ok {
			snap := *u
			snap.Logs = append([]string(nil), u.Logs...)
			out = append(out, snap)
		}
	}
	return out
}

// Cancel cooperatively cancels a unit. Queued units are marked cancelled
// immediately; running units are cancelled via their context and settle
// when their work function returns.
func (m *SpawnService) Cancel(id string) error {
	m.mu.Lock()
	u, ok := m.units[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unit %s: not found", id)
	}
	switch u.Status {
	case UnitPending:
		u.Status = UnitCancelled
		u.EndedAt = time.Now()
		close(u.done)
		m.mu.Unlock()
		return nil
	case UnitRunning:
		cancel := u.cancel
		m.mu.Unlock()
		cancel()
		return nil
	default:
		m.mu.Unlock()
		return fmt.Errorf("unit %s is %s, cannot cancel", id, u.Status)
	}
}

// Retry re-spawns a terminal unit with identical parameters, linked back
// to the original id.
func (m *SpawnService) Retry(ctx context.Context, id string) (*Unit, error) {
	m.mu.Lock()
	orig, ok := m.units[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("unit %s: not found", id)
	}
	if orig.Status == UnitPending || orig.Status == UnitRunning {
		m.mu.Unlock()
		return nil, fmt.Errorf("unit %s is %s, cannot retry", id, orig.Status)
	}
	name, kind, depth, fn := orig.Name, orig.Kind, orig.Depth, orig.fn
	m.mu.Unlock()

	u, err := m.Spawn(ctx, SpawnRequest{Name: name, Kind: kind, Depth: depth, Fn: fn})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	u.RetryOf = id
	m.mu.Unlock()
	return u, nil
}

// Fallback spawns a new unit with a different executor kind to analyze a
// failed unit. It is a compensating action: the fallback inspects the
// failure, it never remediates automatically.
func (m *SpawnService) Fallback(ctx context.Context, id, kind string, fn UnitFn) (*Unit, error) {
	return m.diagnoseAs(ctx, id, kind, "fallback", fn)
}

// Diagnose spawns an analysis unit for a failed unit under the given kind.
func (m *SpawnService) Diagnose(ctx context.Context, id, kind string, fn UnitFn) (*Unit, error) {
	return m.diagnoseAs(ctx, id, kind, "diagnose", fn)
}

func (m *SpawnService) diagnoseAs(ctx context.Context, id, kind, label string, fn UnitFn) (*Unit, error) {
	m.mu.Lock()
	orig, ok := m.units[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("unit %s: not found", id)
	}
	if orig.Status != UnitFailed {
		m.mu.Unlock()
		return nil, fmt.Errorf("unit %s is %s, only failed units can be analyzed", id, orig.Status)
	}
	if orig.Kind == kind {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s for unit %s must use a different kind than %q", label, id, kind)
	}
	name, depth := orig.Name, orig.Depth
	m.mu.Unlock()

	u, err := m.Spawn(ctx, SpawnRequest{Name: label + ": " + name, Kind: kind, Depth: depth + 1, Fn: fn})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	u.Diagnoses = id
	m.mu.Unlock()
	return u, nil
}

// RecentFailures returns the bounded failure ring for a kind, oldest first.
func (m *SpawnService) RecentFailures(kind string) []UnitFailure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]UnitFailure(nil), m.failures[kind]...)
}

// Stats computes trailing statistics for a kind over terminal units.
// Goal completion means the unit finished with full progress.
func (m *SpawnService) Stats(kind string) KindStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := KindStats{Kind: kind}
	var total time.Duration
	goals := 0
	successes := 0
	for _, id := range m.order {
		u, ok := m.units[id]
		if !ok || u.Kind != kind {
			continue
		}
		switch u.Status {
		case UnitCompleted, UnitFailed, UnitCancelled:
			st.Samples++
			if !u.StartedAt.IsZero() {
				total += u.EndedAt.Sub(u.StartedAt)
			}
			if u.Status == UnitCompleted {
				successes++
				if u.Progress >= 1 {
					goals++
				}
			}
		}
	}
	if st.Samples > 0 {
		st.SuccessRate = float64(successes) / float64(st.Samples)
		st.GoalRate = float64(goals) / float64(st.Samples)
		st.AvgDuration = total / time.Duration(st.Samples)
	}
	return st
}

// Recommend suggests a per-kind concurrency setting from trailing stats.
// Below minSizingSamples the confidence stays under 0.2 and the current
// setting is returned unchanged.
func (m *SpawnService) Recommend(kind string) SizingRecommendation {
	st := m.Stats(kind)
	rec := SizingRecommendation{Kind: kind, Recommended: m.cfg.MaxPerKind}

	if st.Samples < minSizingSamples {
		rec.Confidence = 0.1
		rec.Reason = fmt.Sprintf("only %d samples, keeping current setting", st.Samples)
		return rec
	}

	switch {
	case st.SuccessRate >= 0.9:
		rec.Recommended = m.cfg.MaxPerKind + 1
		rec.Reason = "high success rate, capacity can grow"
	case st.SuccessRate < 0.5:
		rec.Recommended = m.cfg.MaxPerKind - 1
		if rec.Recommended < 1 {
			rec.Recommended = 1
		}
		rec.Reason = "low success rate, shrinking concurrency"
	default:
		rec.Reason = "success rate nominal, keeping current setting"
	}
	rec.Confidence = 0.5
	if st.Samples >= 10 {
		rec.Confidence = 0.8
	}
	return rec
}

// Shutdown cancels all outstanding units and waits for running work to
// settle.
func (m *SpawnService) Shutdown() {
	m.mu.Lock()
	for _, id := range m.queue {
		if u, ok := m.units[id]; ok && u.Status == UnitPending {
			u.Status = UnitCancelled
			u.EndedAt = time.Now()
			close(u.done)
		}
	}
	m.queue = nil
	m.mu.Unlock()

	m.shutdown()
	m.wg.Wait()
}
