package plan

import (
	"sort"

	"github.com/helmsman-dev/helmsman/internal/domain/task"
)

// CompletedIDs returns the set of task ids that have completed.
func CompletedIDs(tasks []task.Task) map[string]bool {
	done := make(map[string]bool, len(tasks))
	for i := range tasks {
		if tasks[i].Status == task.StatusCompleted {
			done[tasks[i].ID] = true
		}
	}
	return done
}

// ReadyTasks returns the ids of tasks whose full dependency set is completed
// and that are still pending (or ready from a previous tick). Membership is
// recomputed from the current completed set on every call; the result is
// sorted by descending priority with insertion order breaking ties, so
// repeated calls with no status change return the same slice.
func ReadyTasks(tasks []task.Task) []string {
	done := CompletedIDs(tasks)

	type candidate struct {
		id       string
		priority int
		index    int
	}
	var ready []candidate
	for i := range tasks {
		if tasks[i].Status != task.StatusPending && tasks[i].Status != task.StatusReady {
			continue
		}
		all := true
		for _, dep := range tasks[i].DependsOn {
			if !done[dep] {
				all = false
				break
			}
		}
		if all {
			ready = append(ready, candidate{tasks[i].ID, tasks[i].Priority, i})
		}
	}

	sort.SliceStable(ready, func(a, b int) bool {
		if ready[a].priority != ready[b].priority {
			return ready[a].priority > ready[b].priority
		}
		return ready[a].index < ready[b].index
	})

	ids := make([]string, len(ready))
	for i, c := range ready {
		ids[i] = c.id
	}
	return ids
}

// DeadTasks returns the ids of non-terminal tasks that can never become ready
// because a dependency (direct or transitive) is failed, skipped, or
// cancelled. The orchestrator marks these skipped.
func DeadTasks(tasks []task.Task) []string {
	dead := make(map[string]bool, len(tasks))
	for i := range tasks {
		switch tasks[i].Status {
		case task.StatusFailed, task.StatusSkipped, task.StatusCancelled:
			dead[tasks[i].ID] = true
		}
	}

	// Propagate until fixpoint: a pending task depending on a dead task is dead.
	var out []string
	for changed := true; changed; {
		changed = false
		for i := range tasks {
			t := &tasks[i]
			if t.Status.IsTerminal() || dead[t.ID] {
				continue
			}
			for _, dep := range t.DependsOn {
				if dead[dep] {
					dead[t.ID] = true
					changed = true
					if t.Status == task.StatusPending || t.Status == task.StatusReady {
						out = append(out, t.ID)
					}
					break
				}
			}
		}
	}
	return out
}

// RunningCount returns the number of tasks currently executing
// (in progress, testing, reviewing, or fixing).
func RunningCount(tasks []task.Task) int {
	count := 0
	for i := range tasks {
		switch tasks[i].Status {
		case task.StatusInProgress, task.StatusTesting, task.StatusReviewing, task.StatusFixing:
			count++
		}
	}
	return count
}

// AllTerminal returns true if every task is in a terminal state.
func AllTerminal(tasks []task.Task) bool {
	for i := range tasks {
		if !tasks[i].Status.IsTerminal() {
			return false
		}
	}
	return true
}

// AnyFailed returns true if at least one task has failed.
func AnyFailed(tasks []task.Task) bool {
	for i := range tasks {
		if tasks[i].Status == task.StatusFailed {
			return true
		}
	}
	return false
}
