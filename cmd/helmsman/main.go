package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	hmhttp "github.com/helmsman-dev/helmsman/internal/adapter/http"
	hmnats "github.com/helmsman-dev/helmsman/internal/adapter/nats"
	hmotel "github.com/helmsman-dev/helmsman/internal/adapter/otel"
	"github.com/helmsman-dev/helmsman/internal/adapter/postgres"
	"github.com/helmsman-dev/helmsman/internal/adapter/ristretto"
	"github.com/helmsman-dev/helmsman/internal/adapter/ws"
	"github.com/helmsman-dev/helmsman/internal/config"
	"github.com/helmsman-dev/helmsman/internal/guard"
	"github.com/helmsman-dev/helmsman/internal/logger"
	"github.com/helmsman-dev/helmsman/internal/middleware"
	"github.com/helmsman-dev/helmsman/internal/port/audit"
	"github.com/helmsman-dev/helmsman/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.SetDefault(logger.New(cfg.Logging))
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"executor_kinds", cfg.Orchestrator.ExecutorKinds,
	)

	ctx := context.Background()

	// --- Infrastructure ---

	shutdownMetrics, err := hmotel.InitMetrics(ctx, cfg.Logging.Service, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	natsSink, err := hmnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = natsSink.Close() }()

	snapshots, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer snapshots.Close()

	metrics, err := hmotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	store := postgres.NewStore(pool)
	sink := audit.Multi{
		postgres.NewAuditSink(pool),
		natsSink,
		hmotel.NewMetricsSink(metrics),
	}

	// --- Services ---

	budget := guard.NewBudgetTracker(guard.BudgetPolicy(cfg.Budget))
	hub := ws.NewHub()
	spawner := service.NewSpawnService(cfg.Spawn, budget, sink)
	approvals := service.NewApprovalService(cfg.Approval, sink, hub)
	orch := service.NewOrchestratorService(store, spawner, sink, hub,
		cfg.Orchestrator, cfg.Breaker, cfg.Rate)

	workers := natsSink.Executor(cfg.Orchestrator.AttemptTimeout)
	for _, kind := range cfg.Orchestrator.ExecutorKinds {
		orch.RegisterExecutor(kind, workers)
	}

	retention := service.NewRetentionService(store, cfg.Retention)
	retention.Start()
	defer retention.Stop()

	// --- HTTP ---

	handlers := &hmhttp.Handlers{
		Orchestrator: orch,
		Spawner:      spawner,
		Approvals:    approvals,
		Budget:       budget,
		Cache:        snapshots,
		CacheTTL:     cfg.Cache.TTL,
	}

	apiLimiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := apiLimiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopCleanup()

	r := chi.NewRouter()
	r.Use(hmhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(hmhttp.Logger)
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(apiLimiter.Handler)
	r.Use(chimw.Timeout(30 * time.Second))

	hmhttp.MountRoutes(r, handlers, hub.HandleWS)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown", "error", err)
		}

		orch.Shutdown()
		spawner.Shutdown()
		return nil
	})

	return g.Wait()
}
