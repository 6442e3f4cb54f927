// Package repository defines the storage port for plan snapshots.
package repository

import (
	"context"
	"time"

	"github.com/helmsman-dev/helmsman/internal/domain/plan"
)

// Store is the port interface for plan persistence. UpsertPlan is
// idempotent: writing the same snapshot twice is a no-op; reads return
// the last written point-in-time snapshot keyed by id. The storage
// format is an adapter concern.
type Store interface {
	UpsertPlan(ctx context.Context, p *plan.Plan) error
	GetPlan(ctx context.Context, id string) (*plan.Plan, error)
	ListPlans(ctx context.Context) ([]plan.Plan, error)

	// DeletePlansBefore removes terminal plans last updated before the
	// cutoff. Used by the retention sweep. Returns the number deleted.
	DeletePlansBefore(ctx context.Context, cutoff time.Time) (int, error)
}
