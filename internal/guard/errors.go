// Package guard provides the shared guardrail primitives every task
// execution passes through: budget tracking, circuit breaking, and
// rate limiting. Each primitive guards its own state with its own lock;
// callers never need external locking.
package guard

import (
	"fmt"
	"time"
)

// BudgetKind identifies one guarded resource ceiling.
type BudgetKind string

const (
	// Message-scoped kinds, reset at each new top-level request.
	BudgetLoopIterations      BudgetKind = "loop_iterations"
	BudgetToolCallsPerMessage BudgetKind = "tool_calls_per_message"

	// Session-scoped kinds, persisting for the run.
	BudgetToolCallsPerSession BudgetKind = "tool_calls_per_session"
	BudgetSpawnedTasks        BudgetKind = "spawned_tasks"
	BudgetSpawnDepth          BudgetKind = "spawn_depth"
	BudgetShellCalls          BudgetKind = "shell_calls"

	// Consumption kinds: distinct from call-count kinds so callers can
	// message "you ran too long" differently from "you called too often".
	BudgetShellSeconds BudgetKind = "shell_seconds"
	BudgetOutputBytes  BudgetKind = "output_bytes"
)

// BudgetExceededError reports a budget ceiling at or over its limit.
type BudgetExceededError struct {
	Kind    BudgetKind
	Current int64
	Limit   int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s at %d/%d", e.Kind, e.Current, e.Limit)
}

// CircuitOpenError reports a call rejected by an open circuit breaker.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %s open, retry in %s", e.Name, e.RetryAfter.Truncate(time.Millisecond))
}

// RateLimitedError reports an admission rejected by a rate limiter.
type RateLimitedError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry in %s", e.Name, e.RetryAfter.Truncate(time.Millisecond))
}
