// Package executor defines the contract for the workers that perform a
// task's actual work. Executors are external collaborators: the control
// plane only sees an input/output-or-failure surface.
package executor

import (
	"context"

	"github.com/helmsman-dev/helmsman/internal/domain/task"
)

// Context carries per-attempt execution input. Executors are stateless
// across attempts: everything carried over flows through Feedback, which
// the orchestrator fills from the previous iteration.
type Context struct {
	PlanID   string
	Attempt  int
	Feedback string
}

// Result is the outcome of one execution attempt.
type Result struct {
	Success   bool
	Output    string
	Artifacts []string
	Error     string
}

// Executor performs a task's work. Execute must honor ctx cancellation.
// A non-nil error means the executor itself broke; a failed attempt with
// diagnostics comes back as a Result with Success=false.
type Executor interface {
	Execute(ctx context.Context, t *task.Task, ec Context) (*Result, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, t *task.Task, ec Context) (*Result, error)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, t *task.Task, ec Context) (*Result, error) {
	return f(ctx, t, ec)
}
