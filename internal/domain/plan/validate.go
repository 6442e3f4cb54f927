package plan

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/helmsman-dev/helmsman/internal/domain/task"
)

var (
	ErrNameRequired       = errors.New("name is required")
	ErrNoTasks            = errors.New("at least one task is required")
	ErrDAGCycle           = errors.New("task dependencies contain a cycle")
	ErrDAGInvalidRef      = errors.New("task dependency references invalid index")
	ErrTaskMissingTitle   = errors.New("task title is required")
	ErrTaskMissingKind    = errors.New("task executor_kind is required")
	ErrParallelNegative   = errors.New("parallel_tasks must be >= 0")
	ErrNegativeAttempts   = errors.New("max_attempts must be >= 0")
	ErrNegativeIterations = errors.New("max_total_iterations must be >= 0")
)

// Validate checks the CreateRequest for structural correctness.
// Dependency references must resolve within the same plan; unknown or
// self references fail here, before anything is persisted.
func (r *CreateRequest) Validate() error {
	if r.Name == "" {
		return ErrNameRequired
	}
	if r.Config.ParallelTasks < 0 {
		return ErrParallelNegative
	}
	if r.Config.MaxTotalIterations < 0 {
		return ErrNegativeIterations
	}
	if len(r.Tasks) == 0 {
		return ErrNoTasks
	}

	for i, t := range r.Tasks {
		if t.Title == "" {
			return fmt.Errorf("task %d: %w", i, ErrTaskMissingTitle)
		}
		if t.ExecutorKind == "" {
			return fmt.Errorf("task %d: %w", i, ErrTaskMissingKind)
		}
		if t.MaxAttempts < 0 {
			return fmt.Errorf("task %d: %w", i, ErrNegativeAttempts)
		}
	}

	return validateDAG(r.Tasks)
}

// validateDAG checks that task dependencies form a valid DAG using Kahn's algorithm.
func validateDAG(tasks []task.CreateRequest) error {
	n := len(tasks)
	inDegree := make([]int, n)
	adj := make([][]int, n)

	for i, t := range tasks {
		for _, dep := range t.DependsOn {
			idx, err := strconv.Atoi(dep)
			if err != nil || idx < 0 || idx >= n {
				return fmt.Errorf("task %d depends on %q: %w", i, dep, ErrDAGInvalidRef)
			}
			if idx == i {
				return fmt.Errorf("task %d depends on itself: %w", i, ErrDAGCycle)
			}
			adj[idx] = append(adj[idx], i)
			inDegree[i]++
		}
	}

	// Kahn's algorithm: topological sort
	queue := make([]int, 0, n)
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, neighbor := range adj[node] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				queue = append(queue, neighbor)
			}
		}
	}

	if visited != n {
		return ErrDAGCycle
	}
	return nil
}
