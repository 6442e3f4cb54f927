package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.MaxConns != 15 {
		t.Errorf("expected max_conns 15, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Breaker.Timeout != 30*time.Second {
		t.Errorf("expected breaker timeout 30s, got %v", cfg.Breaker.Timeout)
	}
	if cfg.Orchestrator.TickInterval != 250*time.Millisecond {
		t.Errorf("expected tick interval 250ms, got %v", cfg.Orchestrator.TickInterval)
	}
	if len(cfg.Orchestrator.ExecutorKinds) != 3 {
		t.Errorf("expected 3 default executor kinds, got %v", cfg.Orchestrator.ExecutorKinds)
	}
	if cfg.Budget.MaxSpawnedTasks != 100 {
		t.Errorf("expected spawn budget 100, got %d", cfg.Budget.MaxSpawnedTasks)
	}
	if cfg.Retention.MaxAge != 7*24*time.Hour {
		t.Errorf("expected retention max age 7d, got %v", cfg.Retention.MaxAge)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
  cors_origin: "http://example.com"
postgres:
  max_conns: 20
logging:
  level: "debug"
orchestrator:
  parallel_tasks: 8
  tick_interval: 1s
approval:
  enabled: true
  protected_paths:
    - "*.env"
    - "secrets/**"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.CORSOrigin != "http://example.com" {
		t.Errorf("expected cors http://example.com, got %s", cfg.Server.CORSOrigin)
	}
	if cfg.Postgres.MaxConns != 20 {
		t.Errorf("expected max_conns 20, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Orchestrator.ParallelTasks != 8 {
		t.Errorf("expected parallel_tasks 8, got %d", cfg.Orchestrator.ParallelTasks)
	}
	if cfg.Orchestrator.TickInterval != time.Second {
		t.Errorf("expected tick_interval 1s, got %v", cfg.Orchestrator.TickInterval)
	}
	if !cfg.Approval.Enabled {
		t.Error("expected approval enabled")
	}
	if len(cfg.Approval.ProtectedPaths) != 2 {
		t.Errorf("expected 2 protected paths, got %v", cfg.Approval.ProtectedPaths)
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("HELMSMAN_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("HELMSMAN_PG_MAX_CONNS", "25")
	t.Setenv("HELMSMAN_LOG_LEVEL", "warn")
	t.Setenv("HELMSMAN_BREAKER_TIMEOUT", "1m")
	t.Setenv("HELMSMAN_RATE_RPS", "2.5")
	t.Setenv("HELMSMAN_BUDGET_SPAWNED_TASKS", "50")
	t.Setenv("HELMSMAN_APPROVAL_ENABLED", "true")
	t.Setenv("HELMSMAN_APPROVAL_PROTECTED_PATHS", "*.env,secrets/**")
	t.Setenv("HELMSMAN_ORCH_EXECUTOR_KINDS", "coder,tester")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Postgres.MaxConns != 25 {
		t.Errorf("expected max_conns 25, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Breaker.Timeout != time.Minute {
		t.Errorf("expected breaker timeout 1m, got %v", cfg.Breaker.Timeout)
	}
	if cfg.Rate.RequestsPerSecond != 2.5 {
		t.Errorf("expected rps 2.5, got %v", cfg.Rate.RequestsPerSecond)
	}
	if cfg.Budget.MaxSpawnedTasks != 50 {
		t.Errorf("expected spawn budget 50, got %d", cfg.Budget.MaxSpawnedTasks)
	}
	if !cfg.Approval.Enabled {
		t.Error("expected approval enabled")
	}
	if len(cfg.Approval.ProtectedPaths) != 2 || cfg.Approval.ProtectedPaths[0] != "*.env" {
		t.Errorf("expected protected paths parsed, got %v", cfg.Approval.ProtectedPaths)
	}
	if len(cfg.Orchestrator.ExecutorKinds) != 2 || cfg.Orchestrator.ExecutorKinds[1] != "tester" {
		t.Errorf("expected executor kinds parsed, got %v", cfg.Orchestrator.ExecutorKinds)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "zero rate rps",
			modify: func(c *Config) { c.Rate.RequestsPerSecond = 0 },
			errMsg: "rate.requests_per_second must be > 0",
		},
		{
			name:   "zero rate burst",
			modify: func(c *Config) { c.Rate.Burst = 0 },
			errMsg: "rate.burst must be > 0",
		},
		{
			name:   "zero breaker threshold",
			modify: func(c *Config) { c.Breaker.FailureThreshold = 0 },
			errMsg: "breaker.failure_threshold must be > 0",
		},
		{
			name:   "zero parallel tasks",
			modify: func(c *Config) { c.Orchestrator.ParallelTasks = 0 },
			errMsg: "orchestrator.parallel_tasks must be > 0",
		},
		{
			name:   "zero spawn concurrency",
			modify: func(c *Config) { c.Spawn.MaxTotalConcurrent = 0 },
			errMsg: "spawn.max_total_concurrent must be > 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}
