package postgres

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/helmsman-dev/helmsman/internal/port/audit"
)

// AuditSink implements audit.Sink by appending events to the audit_events
// table. Writes happen on the caller's goroutine but failures are logged
// and swallowed, honoring the fire-and-forget contract.
type AuditSink struct {
	pool *pgxpool.Pool
}

// NewAuditSink creates an audit sink backed by the given pool.
func NewAuditSink(pool *pgxpool.Pool) *AuditSink {
	return &AuditSink{pool: pool}
}

// Record implements audit.Sink.
func (s *AuditSink) Record(ctx context.Context, ev audit.Event) {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		slog.Error("marshal audit details", "type", ev.Type, "error", err)
		return
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_events (event_type, subject, details, occurred_at)
		 VALUES ($1, $2, $3, $4)`,
		string(ev.Type), ev.Subject, details, ev.At)
	if err != nil {
		slog.Error("record audit event", "type", ev.Type, "subject", ev.Subject, "error", err)
	}
}
