// Package task defines the Task domain entity: a schedulable unit of work
// inside a plan, with dependencies, quality gates, and a bounded retry loop.
package task

import "time"

// Status represents the current state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusTesting    Status = "testing"
	StatusReviewing  Status = "reviewing"
	StatusFixing     Status = "fixing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal returns true if the task is in a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// GateType identifies an automated quality check a task's output must pass.
type GateType string

const (
	GateTestsPass      GateType = "tests_pass"
	GateReviewApproved GateType = "review_approved"
	GateLintClean      GateType = "lint_clean"
	GateTypeCheck      GateType = "type_check"
	GateBuildSuccess   GateType = "build_success"
)

// QualityGate is one check in a task's definition of done. Passed and Error
// are re-evaluated on every iteration.
type QualityGate struct {
	Type     GateType `json:"type"`
	Required bool     `json:"required"`
	Passed   bool     `json:"passed"`
	Error    string   `json:"error,omitempty"`
}

// Iteration records one execution attempt. Append-only once written:
// the orchestrator appends a new Iteration per attempt and never rewrites
// earlier ones. Feedback is injected into the next attempt's context.
type Iteration struct {
	Attempt   int        `json:"attempt"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Success   bool       `json:"success"`
	Output    string     `json:"output,omitempty"`
	Feedback  string     `json:"feedback,omitempty"`
	Artifacts []string   `json:"artifacts,omitempty"`
	CommitRef string     `json:"commit_ref,omitempty"`
}

// Task represents a unit of work executed by a specialized worker.
// Tasks are owned by their plan and mutated only by the orchestrator.
// Dependencies are id references into the same plan's task arena,
// never object pointers.
type Task struct {
	ID           string        `json:"id"`
	PlanID       string        `json:"plan_id"`
	Title        string        `json:"title"`
	ExecutorKind string        `json:"executor_kind"`
	Status       Status        `json:"status"`
	DependsOn    []string      `json:"depends_on,omitempty"`
	Gates        []QualityGate `json:"gates,omitempty"`
	Iterations   []Iteration   `json:"iterations,omitempty"`
	MaxAttempts  int           `json:"max_attempts"`
	Priority     int           `json:"priority"`
	Resources    []string      `json:"resources,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Attempts returns the number of iterations recorded so far.
func (t *Task) Attempts() int { return len(t.Iterations) }

// AttemptsExhausted returns true when the task has used all its attempts.
func (t *Task) AttemptsExhausted() bool {
	return t.MaxAttempts > 0 && len(t.Iterations) >= t.MaxAttempts
}

// LastFeedback returns the feedback string from the most recent iteration,
// or "" when no iteration has run yet.
func (t *Task) LastFeedback() string {
	if len(t.Iterations) == 0 {
		return ""
	}
	return t.Iterations[len(t.Iterations)-1].Feedback
}

// RequiredGatesPassed reports whether every required gate passed in the
// most recent evaluation.
func (t *Task) RequiredGatesPassed() bool {
	for i := range t.Gates {
		if t.Gates[i].Required && !t.Gates[i].Passed {
			return false
		}
	}
	return true
}

// CreateRequest holds the fields for creating a task within a plan.
// DependsOn references sibling task indices ("0", "1") at creation time;
// the plan builder remaps them to task ids.
type CreateRequest struct {
	Title        string     `json:"title"`
	ExecutorKind string     `json:"executor_kind"`
	DependsOn    []string   `json:"depends_on,omitempty"`
	Gates        []GateType `json:"gates,omitempty"`
	MaxAttempts  int        `json:"max_attempts,omitempty"`
	Priority     int        `json:"priority,omitempty"`
	Resources    []string   `json:"resources,omitempty"`
}
