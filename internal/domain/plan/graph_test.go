package plan

import (
	"reflect"
	"testing"

	"github.com/helmsman-dev/helmsman/internal/domain/task"
)

func mkTask(id string, status task.Status, priority int, deps ...string) task.Task {
	return task.Task{ID: id, Title: id, ExecutorKind: "coder", Status: status, Priority: priority, DependsOn: deps}
}

func TestReadyTasksRoots(t *testing.T) {
	tasks := []task.Task{
		mkTask("a", task.StatusPending, 0),
		mkTask("b", task.StatusPending, 0, "a"),
		mkTask("c", task.StatusPending, 0, "a"),
	}
	got := ReadyTasks(tasks)
	if !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("expected only root ready, got %v", got)
	}
}

func TestReadyTasksAfterDependencyCompletes(t *testing.T) {
	tasks := []task.Task{
		mkTask("a", task.StatusCompleted, 0),
		mkTask("b", task.StatusPending, 0, "a"),
		mkTask("c", task.StatusPending, 0, "a"),
		mkTask("d", task.StatusPending, 0, "b", "c"),
	}
	got := ReadyTasks(tasks)
	if !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("expected b and c ready, got %v", got)
	}
}

func TestReadyTasksPriorityOrder(t *testing.T) {
	tasks := []task.Task{
		mkTask("low", task.StatusPending, 1),
		mkTask("high", task.StatusPending, 9),
		mkTask("mid", task.StatusPending, 5),
	}
	got := ReadyTasks(tasks)
	if !reflect.DeepEqual(got, []string{"high", "mid", "low"}) {
		t.Fatalf("expected priority-descending order, got %v", got)
	}
}

func TestReadyTasksInsertionOrderBreaksTies(t *testing.T) {
	tasks := []task.Task{
		mkTask("first", task.StatusPending, 3),
		mkTask("second", task.StatusPending, 3),
		mkTask("third", task.StatusPending, 3),
	}
	got := ReadyTasks(tasks)
	if !reflect.DeepEqual(got, []string{"first", "second", "third"}) {
		t.Fatalf("expected insertion order on equal priority, got %v", got)
	}
}

func TestReadyTasksIdempotentWithoutStatusChange(t *testing.T) {
	tasks := []task.Task{
		mkTask("a", task.StatusCompleted, 0),
		mkTask("b", task.StatusReady, 2, "a"),
		mkTask("c", task.StatusPending, 1, "a"),
	}
	first := ReadyTasks(tasks)
	second := ReadyTasks(tasks)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical results, got %v then %v", first, second)
	}
	if !reflect.DeepEqual(first, []string{"b", "c"}) {
		t.Fatalf("expected [b c], got %v", first)
	}
}

func TestReadyTasksSkipsRunningAndTerminal(t *testing.T) {
	tasks := []task.Task{
		mkTask("running", task.StatusInProgress, 0),
		mkTask("done", task.StatusCompleted, 0),
		mkTask("failed", task.StatusFailed, 0),
	}
	if got := ReadyTasks(tasks); len(got) != 0 {
		t.Fatalf("expected no ready tasks, got %v", got)
	}
}

func TestDeadTasksDirectAndTransitive(t *testing.T) {
	tasks := []task.Task{
		mkTask("a", task.StatusFailed, 0),
		mkTask("b", task.StatusPending, 0, "a"),
		mkTask("c", task.StatusPending, 0, "b"),
		mkTask("d", task.StatusPending, 0),
	}
	got := DeadTasks(tasks)
	dead := make(map[string]bool, len(got))
	for _, id := range got {
		dead[id] = true
	}
	if !dead["b"] || !dead["c"] {
		t.Fatalf("expected b and c dead, got %v", got)
	}
	if dead["d"] {
		t.Fatal("independent task must not be dead")
	}
}

func TestDeadTasksFromCancelledDependency(t *testing.T) {
	tasks := []task.Task{
		mkTask("a", task.StatusCancelled, 0),
		mkTask("b", task.StatusPending, 0, "a"),
	}
	got := DeadTasks(tasks)
	if !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("expected [b], got %v", got)
	}
}

func TestRunningCount(t *testing.T) {
	tasks := []task.Task{
		mkTask("a", task.StatusInProgress, 0),
		mkTask("b", task.StatusTesting, 0),
		mkTask("c", task.StatusReviewing, 0),
		mkTask("d", task.StatusFixing, 0),
		mkTask("e", task.StatusPending, 0),
		mkTask("f", task.StatusCompleted, 0),
	}
	if got := RunningCount(tasks); got != 4 {
		t.Fatalf("expected 4 running, got %d", got)
	}
}

func TestAllTerminalAndAnyFailed(t *testing.T) {
	tasks := []task.Task{
		mkTask("a", task.StatusCompleted, 0),
		mkTask("b", task.StatusSkipped, 0),
	}
	if !AllTerminal(tasks) {
		t.Fatal("expected all terminal")
	}
	if AnyFailed(tasks) {
		t.Fatal("expected no failures")
	}

	tasks = append(tasks, mkTask("c", task.StatusFailed, 0))
	if !AnyFailed(tasks) {
		t.Fatal("expected failure detected")
	}

	tasks = append(tasks, mkTask("d", task.StatusPending, 0))
	if AllTerminal(tasks) {
		t.Fatal("expected not all terminal with a pending task")
	}
}

func TestCountStatusProgress(t *testing.T) {
	p := &Plan{Tasks: []task.Task{
		mkTask("a", task.StatusCompleted, 0),
		mkTask("b", task.StatusFailed, 0),
		mkTask("c", task.StatusPending, 0),
		mkTask("d", task.StatusInProgress, 0),
	}}
	c := p.CountStatus()
	if c.Completed != 1 || c.Failed != 1 || c.Pending != 1 {
		t.Fatalf("unexpected counters %+v", c)
	}
	if c.Progress != 0.5 {
		t.Fatalf("expected progress 0.5, got %v", c.Progress)
	}
}

func TestCountStatusEmptyPlan(t *testing.T) {
	p := &Plan{}
	if c := p.CountStatus(); c.Progress != 1.0 {
		t.Fatalf("expected empty plan progress 1.0, got %v", c.Progress)
	}
}

func TestTotalIterations(t *testing.T) {
	a := mkTask("a", task.StatusCompleted, 0)
	a.Iterations = []task.Iteration{{Attempt: 1}, {Attempt: 2}}
	b := mkTask("b", task.StatusFailed, 0)
	b.Iterations = []task.Iteration{{Attempt: 1}}
	p := &Plan{Tasks: []task.Task{a, b}}
	if got := p.TotalIterations(); got != 3 {
		t.Fatalf("expected 3 iterations, got %d", got)
	}
}
