// Package notifier defines the port for approval notification fan-out.
package notifier

import (
	"context"

	"github.com/helmsman-dev/helmsman/internal/domain/approval"
)

// Provider is notified when a new approval is pending. Notification is
// best-effort: a failing provider is logged and skipped, never retried
// at the gate's expense.
type Provider interface {
	Name() string
	Notify(ctx context.Context, pa *approval.PendingApproval) error
}
