package service

import (
	"context"
	"testing"
	"time"

	"github.com/helmsman-dev/helmsman/internal/config"
	"github.com/helmsman-dev/helmsman/internal/domain/plan"
)

func TestSweepDeletesOldTerminalPlans(t *testing.T) {
	store := newMemStore()
	now := time.Now()

	seed := func(id string, status plan.Status, age time.Duration) {
		p := &plan.Plan{ID: id, Name: id, Status: status, UpdatedAt: now.Add(-age)}
		if err := store.UpsertPlan(context.Background(), p); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	seed("old-completed", plan.StatusCompleted, 48*time.Hour)
	seed("old-failed", plan.StatusFailed, 48*time.Hour)
	seed("old-running", plan.StatusRunning, 48*time.Hour)
	seed("fresh-completed", plan.StatusCompleted, time.Hour)

	svc := NewRetentionService(store, config.Retention{MaxAge: 24 * time.Hour})
	svc.now = func() time.Time { return now }

	if got := svc.Sweep(context.Background()); got != 2 {
		t.Fatalf("expected 2 deleted, got %d", got)
	}

	if _, err := store.GetPlan(context.Background(), "old-completed"); err == nil {
		t.Fatal("expected old completed plan deleted")
	}
	if _, err := store.GetPlan(context.Background(), "old-running"); err != nil {
		t.Fatal("expected non-terminal plan retained")
	}
	if _, err := store.GetPlan(context.Background(), "fresh-completed"); err != nil {
		t.Fatal("expected fresh terminal plan retained")
	}

	// Nothing left to delete on a second sweep.
	if got := svc.Sweep(context.Background()); got != 0 {
		t.Fatalf("expected 0 deleted, got %d", got)
	}
}

func TestRetentionStopWithoutStart(t *testing.T) {
	svc := NewRetentionService(newMemStore(), config.Retention{})
	svc.Stop()
}

func TestRetentionLoopSweepsPeriodically(t *testing.T) {
	store := newMemStore()
	old := &plan.Plan{ID: "stale", Status: plan.StatusCompleted, UpdatedAt: time.Now().Add(-time.Hour)}
	if err := store.UpsertPlan(context.Background(), old); err != nil {
		t.Fatal(err)
	}

	svc := NewRetentionService(store, config.Retention{
		MaxAge:        time.Minute,
		SweepInterval: 10 * time.Millisecond,
	})
	svc.Start()
	defer svc.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.GetPlan(context.Background(), "stale"); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("loop never swept the stale plan")
}
