package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-dev/helmsman/internal/config"
	"github.com/helmsman-dev/helmsman/internal/domain/approval"
	"github.com/helmsman-dev/helmsman/internal/port/audit"
	"github.com/helmsman-dev/helmsman/internal/port/broadcast"
	"github.com/helmsman-dev/helmsman/internal/port/notifier"
)

// EventApprovalStatus is the broadcast event type for approval updates.
const EventApprovalStatus = "approval_status"

var (
	// ErrApprovalTimeout reports an approval that expired undecided.
	ErrApprovalTimeout = errors.New("approval timed out")
	// ErrApprovalRejected reports an explicitly rejected approval.
	ErrApprovalRejected = errors.New("approval rejected")
	// ErrContentChanged reports a write whose source mutated between
	// diff generation and apply.
	ErrContentChanged = errors.New("content changed since approval was requested")
)

// approvalRecord pairs a pending approval with its completion signal.
type approvalRecord struct {
	pa *approval.PendingApproval
	ch chan approval.Status // buffer 1; first resolution wins
}

// ApprovalService intercepts high-impact actions and blocks them until a
// human decision, expiry, or auto-approval. Writes and deletes on
// protected paths are always intercepted; shell commands when configured.
type ApprovalService struct {
	cfg       config.Approval
	sink      audit.Sink
	hub       broadcast.Broadcaster
	providers []notifier.Provider

	mu      sync.Mutex
	pending map[string]*approvalRecord
	now     func() time.Time // for testing
}

// NewApprovalService creates the gate. hub may be nil.
func NewApprovalService(cfg config.Approval, sink audit.Sink, hub broadcast.Broadcaster) *ApprovalService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &ApprovalService{
		cfg:     cfg,
		sink:    sink,
		hub:     hub,
		pending: make(map[string]*approvalRecord),
		now:     time.Now,
	}
}

// AddProvider registers a notification provider invoked on every new
// pending approval.
func (s *ApprovalService) AddProvider(p notifier.Provider) {
	s.providers = append(s.providers, p)
}

// Protected reports whether the gate intercepts the given action on the
// given target. Writes and deletes are high-impact whenever the target
// matches a protected glob; shell commands only when configured.
func (s *ApprovalService) Protected(action approval.Action, target string) bool {
	if !s.cfg.Enabled {
		return false
	}
	switch action {
	case approval.ActionShell:
		return s.cfg.ShellApproval
	case approval.ActionWrite, approval.ActionDelete:
		if len(s.cfg.ProtectedPaths) == 0 {
			return true
		}
		for _, glob := range s.cfg.ProtectedPaths {
			if ok, _ := path.Match(glob, target); ok {
				return true
			}
			// Directory globs protect everything beneath them.
			if strings.HasSuffix(glob, "/**") && strings.HasPrefix(target, strings.TrimSuffix(glob, "/**")+"/") {
				return true
			}
		}
		return false
	}
	return false
}

// RequestWrite intercepts a file write, capturing a unified diff of old
// vs. new content and a hash of the content to be written.
func (s *ApprovalService) RequestWrite(ctx context.Context, target string, oldContent, newContent []byte) *approval.PendingApproval {
	pa := &approval.PendingApproval{
		Action:      approval.ActionWrite,
		Target:      target,
		Diff:        unifiedDiff(target, oldContent, newContent),
		ContentHash: hashContent(newContent),
	}
	return s.create(ctx, pa)
}

// RequestDelete intercepts a file delete, capturing the prior content.
func (s *ApprovalService) RequestDelete(ctx context.Context, target string, prior []byte) *approval.PendingApproval {
	pa := &approval.PendingApproval{
		Action:       approval.ActionDelete,
		Target:       target,
		PriorContent: string(prior),
	}
	return s.create(ctx, pa)
}

// RequestShell intercepts a shell command, capturing the literal command.
func (s *ApprovalService) RequestShell(ctx context.Context, command string) *approval.PendingApproval {
	pa := &approval.PendingApproval{
		Action: approval.ActionShell,
		Target: command,
	}
	return s.create(ctx, pa)
}

// create registers the approval, fans out notifications, and returns it
// still pending. The caller suspends on Wait.
func (s *ApprovalService) create(ctx context.Context, pa *approval.PendingApproval) *approval.PendingApproval {
	pa.ID = uuid.NewString()
	pa.Status = approval.StatusPending
	pa.CreatedAt = s.now()
	pa.ExpiresAt = pa.CreatedAt.Add(s.cfg.Timeout)

	rec := &approvalRecord{pa: pa, ch: make(chan approval.Status, 1)}
	s.mu.Lock()
	s.pending[pa.ID] = rec
	s.mu.Unlock()

	for _, p := range s.providers {
		go func(p notifier.Provider) {
			if err := p.Notify(ctx, pa); err != nil {
				slog.Warn("approval notification failed", "provider", p.Name(), "approval_id", pa.ID, "error", err)
			}
		}(p)
	}

	s.sink.Record(ctx, audit.Event{
		Type:    audit.TypeApprovalCreated,
		Subject: pa.ID,
		Details: map[string]string{"action": string(pa.Action), "target": pa.Target},
		At:      s.now(),
	})
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, EventApprovalStatus, pa)
	}
	slog.Info("approval requested", "approval_id", pa.ID, "action", pa.Action, "target", pa.Target)
	return pa
}

// Wait blocks until the approval is decided, expires, or ctx is done.
// Expiry self-transitions the record to expired. The record is
// garbage-collected once resolved.
func (s *ApprovalService) Wait(ctx context.Context, id string) (approval.Status, error) {
	s.mu.Lock()
	rec, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("approval %s: %w", id, errNoSuchApproval)
	}

	timer := time.NewTimer(time.Until(rec.pa.ExpiresAt))
	defer timer.Stop()
	defer s.gc(id)

	select {
	case st := <-rec.ch:
		switch st {
		case approval.StatusApproved, approval.StatusAutoApproved:
			return st, nil
		case approval.StatusRejected:
			return st, fmt.Errorf("approval %s: %w", id, ErrApprovalRejected)
		default:
			return st, fmt.Errorf("approval %s resolved as %s", id, st)
		}
	case <-timer.C:
		s.resolve(id, approval.StatusExpired, "", "timed out")
		return approval.StatusExpired, fmt.Errorf("approval %s: %w", id, ErrApprovalTimeout)
	case <-ctx.Done():
		s.resolve(id, approval.StatusExpired, "", "caller cancelled")
		return approval.StatusExpired, ctx.Err()
	}
}

var errNoSuchApproval = errors.New("no such approval")

// Approve resolves a pending approval. Idempotent-once: the first call to
// transition a pending record wins; later calls return false and leave
// the original decision intact.
func (s *ApprovalService) Approve(id, approver, note string) bool {
	return s.resolve(id, approval.StatusApproved, approver, note)
}

// Reject resolves a pending approval negatively. Same idempotence rules
// as Approve.
func (s *ApprovalService) Reject(id, approver, note string) bool {
	return s.resolve(id, approval.StatusRejected, approver, note)
}

// resolve performs the single pending→terminal transition. A record whose
// window already passed expires instead, even when no Wait timer is armed,
// so a late decision over the HTTP surface is refused.
func (s *ApprovalService) resolve(id string, st approval.Status, approver, note string) bool {
	s.mu.Lock()
	rec, ok := s.pending[id]
	if !ok || rec.pa.Status.IsResolved() {
		s.mu.Unlock()
		return false
	}
	if st != approval.StatusExpired && s.now().After(rec.pa.ExpiresAt) {
		s.expireLocked(rec)
		s.mu.Unlock()
		slog.Info("approval expired before decision", "approval_id", id)
		return false
	}
	rec.pa.Status = st
	rec.pa.Approver = approver
	rec.pa.Note = note
	resolvedAt := s.now()
	rec.pa.ResolvedAt = &resolvedAt
	s.mu.Unlock()

	select {
	case rec.ch <- st:
	default:
	}

	s.sink.Record(context.Background(), audit.Event{
		Type:    audit.TypeApprovalDecision,
		Subject: id,
		Details: map[string]string{"status": string(st), "approver": approver},
		At:      resolvedAt,
	})
	if s.hub != nil {
		s.hub.BroadcastEvent(context.Background(), EventApprovalStatus, rec.pa)
	}
	slog.Info("approval resolved", "approval_id", id, "status", st, "approver", approver)
	return true
}

// ApplyWrite performs the approved write. It re-verifies the approval is
// approved and that the content about to be written still matches the
// hash taken at diff time, refusing if the source mutated in between.
func (s *ApprovalService) ApplyWrite(pa *approval.PendingApproval, content []byte, write func([]byte) error) error {
	if pa.Status != approval.StatusApproved && pa.Status != approval.StatusAutoApproved {
		return fmt.Errorf("approval %s is %s, refusing write", pa.ID, pa.Status)
	}
	if hashContent(content) != pa.ContentHash {
		return fmt.Errorf("approval %s: %w", pa.ID, ErrContentChanged)
	}
	return write(content)
}

// ListPending returns snapshots of all unresolved approvals. Records whose
// window passed are lazily expired and excluded.
func (s *ApprovalService) ListPending() []approval.PendingApproval {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]approval.PendingApproval, 0, len(s.pending))
	for _, rec := range s.pending {
		if rec.pa.Status == approval.StatusPending && now.After(rec.pa.ExpiresAt) {
			s.expireLocked(rec)
		}
		if !rec.pa.Status.IsResolved() {
			out = append(out, *rec.pa)
		}
	}
	return out
}

// expireLocked transitions a past-expiry pending record to expired and
// signals any waiter. Must be called with s.mu held.
func (s *ApprovalService) expireLocked(rec *approvalRecord) {
	now := s.now()
	rec.pa.Status = approval.StatusExpired
	rec.pa.ResolvedAt = &now
	select {
	case rec.ch <- approval.StatusExpired:
	default:
	}
}

// gc drops a resolved record.
func (s *ApprovalService) gc(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// hashContent returns the hex sha256 of the content.
func hashContent(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// unifiedDiff renders a minimal unified diff of old vs. new content for
// human review. It is a preview, not a patch: whole-line granularity is
// enough for an approval decision.
func unifiedDiff(target string, oldContent, newContent []byte) string {
	oldLines := strings.Split(string(oldContent), "\n")
	newLines := strings.Split(string(newContent), "\n")

	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", target, target)

	// Longest common prefix and suffix bound the changed region.
	prefix := 0
	for prefix < len(oldLines) && prefix < len(newLines) && oldLines[prefix] == newLines[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldLines)-prefix && suffix < len(newLines)-prefix &&
		oldLines[len(oldLines)-1-suffix] == newLines[len(newLines)-1-suffix] {
		suffix++
	}

	fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n",
		prefix+1, len(oldLines)-prefix-suffix,
		prefix+1, len(newLines)-prefix-suffix)
	for _, line := range oldLines[prefix : len(oldLines)-suffix] {
		b.WriteString("-" + line + "\n")
	}
	for _, line := range newLines[prefix : len(newLines)-suffix] {
		b.WriteString("+" + line + "\n")
	}
	return b.String()
}
