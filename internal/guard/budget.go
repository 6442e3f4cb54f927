package guard

import (
	"sync"
	"time"
)

// BudgetPolicy is the immutable set of resource ceilings for one execution
// session. A zero ceiling disables the corresponding check.
type BudgetPolicy struct {
	MaxLoopIterations      int64 `json:"max_loop_iterations" yaml:"max_loop_iterations"`
	MaxToolCallsPerMessage int64 `json:"max_tool_calls_per_message" yaml:"max_tool_calls_per_message"`
	MaxToolCallsPerSession int64 `json:"max_tool_calls_per_session" yaml:"max_tool_calls_per_session"`
	MaxSpawnedTasks        int64 `json:"max_spawned_tasks" yaml:"max_spawned_tasks"`
	MaxSpawnDepth          int64 `json:"max_spawn_depth" yaml:"max_spawn_depth"`
	MaxShellCalls          int64 `json:"max_shell_calls" yaml:"max_shell_calls"`
	MaxShellSeconds        int64 `json:"max_shell_seconds" yaml:"max_shell_seconds"`
	MaxOutputBytes         int64 `json:"max_output_bytes" yaml:"max_output_bytes"`
}

func (p BudgetPolicy) limit(kind BudgetKind) int64 {
	switch kind {
	case BudgetLoopIterations:
		return p.MaxLoopIterations
	case BudgetToolCallsPerMessage:
		return p.MaxToolCallsPerMessage
	case BudgetToolCallsPerSession:
		return p.MaxToolCallsPerSession
	case BudgetSpawnedTasks:
		return p.MaxSpawnedTasks
	case BudgetSpawnDepth:
		return p.MaxSpawnDepth
	case BudgetShellCalls:
		return p.MaxShellCalls
	case BudgetShellSeconds:
		return p.MaxShellSeconds
	case BudgetOutputBytes:
		return p.MaxOutputBytes
	}
	return 0
}

// BudgetUsage is a snapshot of the mutable counters.
type BudgetUsage map[BudgetKind]int64

// BudgetTracker enforces a BudgetPolicy with a two-phase protocol:
// Check never mutates; Record mutates only after the caller's operation
// actually proceeded. It lives for one execution session and is guarded
// by its own lock.
type BudgetTracker struct {
	policy BudgetPolicy

	mu       sync.Mutex
	counters map[BudgetKind]int64
	now      func() time.Time // for testing
}

// NewBudgetTracker creates a tracker for the session with zeroed counters.
func NewBudgetTracker(policy BudgetPolicy) *BudgetTracker {
	return &BudgetTracker{
		policy:   policy,
		counters: make(map[BudgetKind]int64),
		now:      time.Now,
	}
}

// Policy returns the immutable policy the tracker enforces.
func (t *BudgetTracker) Policy() BudgetPolicy { return t.policy }

// Check returns a *BudgetExceededError when the counter for kind is at or
// over its ceiling. It never mutates state: L calls to Check without a
// Record in between all succeed below the ceiling.
func (t *BudgetTracker) Check(kind BudgetKind) error {
	limit := t.policy.limit(kind)
	if limit <= 0 {
		return nil
	}
	t.mu.Lock()
	current := t.counters[kind]
	t.mu.Unlock()
	if current >= limit {
		return &BudgetExceededError{Kind: kind, Current: current, Limit: limit}
	}
	return nil
}

// CheckDepth returns a *BudgetExceededError when a spawn at the given
// nesting depth is at or over the depth ceiling. Depth is a property of
// the request, not a counter, so it is never recorded.
func (t *BudgetTracker) CheckDepth(depth int64) error {
	limit := t.policy.MaxSpawnDepth
	if limit <= 0 {
		return nil
	}
	if depth >= limit {
		return &BudgetExceededError{Kind: BudgetSpawnDepth, Current: depth, Limit: limit}
	}
	return nil
}

// Record adds amount to the counter for kind. Callers invoke it only after
// the guarded operation proceeded.
func (t *BudgetTracker) Record(kind BudgetKind, amount int64) {
	t.mu.Lock()
	t.counters[kind] += amount
	t.mu.Unlock()
}

// ResetMessageCounters zeroes the message-scoped counters at the start of
// a new top-level request. Session-scoped counters persist.
func (t *BudgetTracker) ResetMessageCounters() {
	t.mu.Lock()
	delete(t.counters, BudgetLoopIterations)
	delete(t.counters, BudgetToolCallsPerMessage)
	t.mu.Unlock()
}

// Usage returns a copy of the current counters.
func (t *BudgetTracker) Usage() BudgetUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := make(BudgetUsage, len(t.counters))
	for k, v := range t.counters {
		u[k] = v
	}
	return u
}

// TrackShell wraps one shell invocation: the call-count ceiling is checked
// on entry, and elapsed seconds plus output size are recorded on every exit
// path, including when fn returns an error. After recording, the
// consumption ceilings are re-checked so the caller learns it crossed a
// time or size ceiling as a distinct kind.
func (t *BudgetTracker) TrackShell(fn func() (output []byte, err error)) ([]byte, error) {
	if err := t.Check(BudgetShellCalls); err != nil {
		return nil, err
	}
	if err := t.Check(BudgetShellSeconds); err != nil {
		return nil, err
	}
	if err := t.Check(BudgetOutputBytes); err != nil {
		return nil, err
	}

	start := t.now()
	out, err := fn()

	t.Record(BudgetShellCalls, 1)
	t.Record(BudgetShellSeconds, int64(t.now().Sub(start).Seconds()))
	t.Record(BudgetOutputBytes, int64(len(out)))

	if err != nil {
		return out, err
	}
	if cerr := t.Check(BudgetShellSeconds); cerr != nil {
		return out, cerr
	}
	if cerr := t.Check(BudgetOutputBytes); cerr != nil {
		return out, cerr
	}
	return out, nil
}
