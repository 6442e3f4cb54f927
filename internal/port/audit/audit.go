// Package audit defines the port for the append-only audit trail.
package audit

import (
	"context"
	"time"
)

// Type classifies an audit event.
type Type string

const (
	TypePlanCreated      Type = "plan.created"
	TypePlanStatus       Type = "plan.status"
	TypeTaskStatus       Type = "task.status"
	TypeIterationDone    Type = "task.iteration"
	TypeBudgetViolation  Type = "guard.budget_violation"
	TypeBreakerOpened    Type = "guard.breaker_opened"
	TypeBreakerClosed    Type = "guard.breaker_closed"
	TypeRateLimited      Type = "guard.rate_limited"
	TypeApprovalCreated  Type = "approval.created"
	TypeApprovalDecision Type = "approval.decision"
	TypeSpawnStarted     Type = "spawn.started"
	TypeSpawnFinished    Type = "spawn.finished"
)

// Event is one audit record. Details are flat string pairs so sinks can
// serialize without knowing domain types.
type Event struct {
	Type    Type              `json:"type"`
	Subject string            `json:"subject"` // plan/task/approval/unit id
	Details map[string]string `json:"details,omitempty"`
	At      time.Time         `json:"at"`
}

// Sink receives audit events at every state transition. Record is
// fire-and-forget: implementations must not block the caller, and the
// core never fails because a sink errored.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// Nop is a Sink that discards all events.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(context.Context, Event) {}

// Multi fans events out to several sinks.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Record(ctx, ev)
	}
}
