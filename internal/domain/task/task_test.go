package task

import "testing"

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusSkipped, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Fatalf("expected %s terminal", s)
		}
	}
	active := []Status{StatusPending, StatusReady, StatusInProgress, StatusTesting, StatusReviewing, StatusFixing}
	for _, s := range active {
		if s.IsTerminal() {
			t.Fatalf("expected %s not terminal", s)
		}
	}
}

func TestAttemptsExhausted(t *testing.T) {
	tk := Task{MaxAttempts: 2}
	if tk.AttemptsExhausted() {
		t.Fatal("no attempts yet")
	}
	tk.Iterations = []Iteration{{Attempt: 1}, {Attempt: 2}}
	if !tk.AttemptsExhausted() {
		t.Fatal("expected exhausted at max attempts")
	}

	unbounded := Task{MaxAttempts: 0, Iterations: []Iteration{{Attempt: 1}}}
	if unbounded.AttemptsExhausted() {
		t.Fatal("zero max attempts never exhausts")
	}
}

func TestLastFeedback(t *testing.T) {
	tk := Task{}
	if got := tk.LastFeedback(); got != "" {
		t.Fatalf("expected empty feedback, got %q", got)
	}
	tk.Iterations = []Iteration{
		{Attempt: 1, Feedback: "tests failed"},
		{Attempt: 2, Feedback: "lint errors"},
	}
	if got := tk.LastFeedback(); got != "lint errors" {
		t.Fatalf("expected most recent feedback, got %q", got)
	}
}

func TestRequiredGatesPassed(t *testing.T) {
	tk := Task{Gates: []QualityGate{
		{Type: GateTestsPass, Required: true, Passed: true},
		{Type: GateLintClean, Required: false, Passed: false},
	}}
	if !tk.RequiredGatesPassed() {
		t.Fatal("optional gate failure must not block")
	}

	tk.Gates[0].Passed = false
	if tk.RequiredGatesPassed() {
		t.Fatal("required gate failure must block")
	}

	if !(&Task{}).RequiredGatesPassed() {
		t.Fatal("no gates means passed")
	}
}
