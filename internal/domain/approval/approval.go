// Package approval defines the PendingApproval domain entity for the
// human-in-the-loop gate around high-impact actions.
package approval

import "time"

// Action identifies the kind of intercepted operation. The set is closed:
// the gate's dispatch table is built at startup over exactly these values.
type Action string

const (
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionShell  Action = "shell"
)

// Status represents the lifecycle state of a pending approval.
type Status string

const (
	StatusPending      Status = "pending"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
	StatusExpired      Status = "expired"
	StatusAutoApproved Status = "auto_approved"
)

// IsResolved returns true once the approval reached a terminal state.
// An approval transitions to exactly one terminal state.
func (s Status) IsResolved() bool { return s != StatusPending }

// PendingApproval records one intercepted high-impact action awaiting a
// decision. For writes, Diff holds the unified diff of old vs. new content
// and ContentHash the hash of the content to be written; for deletes,
// PriorContent holds the content being removed; for shell, Target holds the
// literal command.
type PendingApproval struct {
	ID           string    `json:"id"`
	Action       Action    `json:"action"`
	Target       string    `json:"target"`
	Diff         string    `json:"diff,omitempty"`
	PriorContent string    `json:"prior_content,omitempty"`
	ContentHash  string    `json:"content_hash,omitempty"`
	Status       Status    `json:"status"`
	ExpiresAt    time.Time `json:"expires_at"`
	Approver     string    `json:"approver,omitempty"`
	Note         string    `json:"note,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}
