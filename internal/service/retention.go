package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/helmsman-dev/helmsman/internal/config"
	"github.com/helmsman-dev/helmsman/internal/port/repository"
)

// RetentionService periodically deletes terminal plans older than the
// configured age. It only ever touches terminal plans; the repository
// enforces that filter.
type RetentionService struct {
	store repository.Store
	cfg   config.Retention

	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

// NewRetentionService creates a retention sweeper.
func NewRetentionService(store repository.Store, cfg config.Retention) *RetentionService {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	return &RetentionService{
		store: store,
		cfg:   cfg,
		done:  make(chan struct{}),
		now:   time.Now,
	}
}

// Start launches the sweep loop. The first sweep runs after one interval.
func (s *RetentionService) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.loop(ctx)
}

// Stop halts the sweep loop and waits for it to exit.
func (s *RetentionService) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *RetentionService) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep deletes terminal plans last updated before now minus MaxAge and
// returns the number removed.
func (s *RetentionService) Sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.MaxAge)
	n, err := s.store.DeletePlansBefore(ctx, cutoff)
	if err != nil {
		slog.Error("retention sweep", "error", err)
		return 0
	}
	if n > 0 {
		slog.Info("retention sweep", "deleted", n, "cutoff", cutoff)
	}
	return n
}
