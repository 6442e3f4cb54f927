// Package plan defines the Plan domain entity: a DAG of tasks pursuing one
// request, plus the scheduling helpers the orchestrator drives it with.
package plan

import (
	"time"

	"github.com/helmsman-dev/helmsman/internal/domain/task"
)

// Status represents the lifecycle state of a plan.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusRunning   Status = "running"
	StatusBlocked   Status = "blocked"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the plan is in a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Config holds per-plan execution limits.
type Config struct {
	ParallelTasks      int           `json:"parallel_tasks"`
	MaxTotalIterations int           `json:"max_total_iterations"`
	MaxRuntime         time.Duration `json:"max_runtime"`
	AutoCommit         bool          `json:"auto_commit"`
}

// Plan organizes tasks as a DAG executed on behalf of one request.
// Tasks live in a flat ordered arena; edges are id references.
type Plan struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Request   string      `json:"request"`
	Status    Status      `json:"status"`
	Tasks     []task.Task `json:"tasks"`
	Config    Config      `json:"config"`
	Version   int         `json:"version"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Counters holds derived progress counts for a plan.
type Counters struct {
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Pending   int     `json:"pending"`
	Progress  float64 `json:"progress"`
}

// CountStatus returns derived counters over the task arena. Progress is the
// fraction of tasks in a terminal state, 1.0 for an empty plan.
func (p *Plan) CountStatus() Counters {
	c := Counters{}
	terminal := 0
	for i := range p.Tasks {
		switch p.Tasks[i].Status {
		case task.StatusCompleted:
			c.Completed++
		case task.StatusFailed:
			c.Failed++
		case task.StatusPending, task.StatusReady:
			c.Pending++
		}
		if p.Tasks[i].Status.IsTerminal() {
			terminal++
		}
	}
	if len(p.Tasks) == 0 {
		c.Progress = 1.0
	} else {
		c.Progress = float64(terminal) / float64(len(p.Tasks))
	}
	return c
}

// Task returns a pointer into the arena for the given task id, or nil.
func (p *Plan) Task(id string) *task.Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// TotalIterations sums iteration counts across all tasks.
func (p *Plan) TotalIterations() int {
	total := 0
	for i := range p.Tasks {
		total += len(p.Tasks[i].Iterations)
	}
	return total
}

// CreateRequest holds the fields for creating a new plan.
type CreateRequest struct {
	Name    string               `json:"name"`
	Request string               `json:"request"`
	Tasks   []task.CreateRequest `json:"tasks"`
	Config  Config               `json:"config"`
}
