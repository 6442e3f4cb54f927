package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "helmsman.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "HELMSMAN_PORT")
	setString(&cfg.Server.CORSOrigin, "HELMSMAN_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "HELMSMAN_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "HELMSMAN_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "HELMSMAN_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "HELMSMAN_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "HELMSMAN_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setInt64(&cfg.Cache.MaxSizeMB, "HELMSMAN_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "HELMSMAN_CACHE_TTL")
	setString(&cfg.Logging.Level, "HELMSMAN_LOG_LEVEL")
	setString(&cfg.Logging.Service, "HELMSMAN_LOG_SERVICE")
	setInt(&cfg.Breaker.FailureThreshold, "HELMSMAN_BREAKER_FAILURE_THRESHOLD")
	setInt(&cfg.Breaker.SuccessThreshold, "HELMSMAN_BREAKER_SUCCESS_THRESHOLD")
	setDuration(&cfg.Breaker.Timeout, "HELMSMAN_BREAKER_TIMEOUT")
	setInt(&cfg.Breaker.HalfOpenMaxCalls, "HELMSMAN_BREAKER_HALF_OPEN_MAX_CALLS")
	setFloat64(&cfg.Rate.RequestsPerSecond, "HELMSMAN_RATE_RPS")
	setInt(&cfg.Rate.Burst, "HELMSMAN_RATE_BURST")
	setInt(&cfg.Rate.PerMinute, "HELMSMAN_RATE_PER_MINUTE")
	setInt(&cfg.Rate.PerHour, "HELMSMAN_RATE_PER_HOUR")
	setDuration(&cfg.Rate.MinInterval, "HELMSMAN_RATE_MIN_INTERVAL")
	setInt64(&cfg.Budget.MaxLoopIterations, "HELMSMAN_BUDGET_LOOP_ITERATIONS")
	setInt64(&cfg.Budget.MaxToolCallsPerMessage, "HELMSMAN_BUDGET_TOOL_CALLS_MESSAGE")
	setInt64(&cfg.Budget.MaxToolCallsPerSession, "HELMSMAN_BUDGET_TOOL_CALLS_SESSION")
	setInt64(&cfg.Budget.MaxSpawnedTasks, "HELMSMAN_BUDGET_SPAWNED_TASKS")
	setInt64(&cfg.Budget.MaxSpawnDepth, "HELMSMAN_BUDGET_SPAWN_DEPTH")
	setInt64(&cfg.Budget.MaxShellCalls, "HELMSMAN_BUDGET_SHELL_CALLS")
	setInt64(&cfg.Budget.MaxShellSeconds, "HELMSMAN_BUDGET_SHELL_SECONDS")
	setInt64(&cfg.Budget.MaxOutputBytes, "HELMSMAN_BUDGET_OUTPUT_BYTES")
	setBool(&cfg.Approval.Enabled, "HELMSMAN_APPROVAL_ENABLED")
	setBool(&cfg.Approval.ShellApproval, "HELMSMAN_APPROVAL_SHELL")
	setDuration(&cfg.Approval.Timeout, "HELMSMAN_APPROVAL_TIMEOUT")
	setStringSlice(&cfg.Approval.ProtectedPaths, "HELMSMAN_APPROVAL_PROTECTED_PATHS")
	setInt(&cfg.Spawn.MaxTotalConcurrent, "HELMSMAN_SPAWN_MAX_TOTAL")
	setInt(&cfg.Spawn.MaxPerKind, "HELMSMAN_SPAWN_MAX_PER_KIND")
	setInt(&cfg.Spawn.FailureRingSize, "HELMSMAN_SPAWN_FAILURE_RING")
	setInt(&cfg.Orchestrator.ParallelTasks, "HELMSMAN_ORCH_PARALLEL_TASKS")
	setInt(&cfg.Orchestrator.MaxTotalIterations, "HELMSMAN_ORCH_MAX_ITERATIONS")
	setDuration(&cfg.Orchestrator.MaxRuntime, "HELMSMAN_ORCH_MAX_RUNTIME")
	setInt(&cfg.Orchestrator.DefaultMaxAttempts, "HELMSMAN_ORCH_MAX_ATTEMPTS")
	setDuration(&cfg.Orchestrator.TickInterval, "HELMSMAN_ORCH_TICK_INTERVAL")
	setDuration(&cfg.Orchestrator.AttemptTimeout, "HELMSMAN_ORCH_ATTEMPT_TIMEOUT")
	setStringSlice(&cfg.Orchestrator.ExecutorKinds, "HELMSMAN_ORCH_EXECUTOR_KINDS")
	setDuration(&cfg.Retention.MaxAge, "HELMSMAN_RETENTION_MAX_AGE")
	setDuration(&cfg.Retention.SweepInterval, "HELMSMAN_RETENTION_SWEEP_INTERVAL")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// validate checks the assembled config for obviously broken values.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Rate.RequestsPerSecond <= 0 {
		return errors.New("rate.requests_per_second must be > 0")
	}
	if cfg.Rate.Burst <= 0 {
		return errors.New("rate.burst must be > 0")
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		return errors.New("breaker.failure_threshold must be > 0")
	}
	if cfg.Orchestrator.ParallelTasks <= 0 {
		return errors.New("orchestrator.parallel_tasks must be > 0")
	}
	if cfg.Spawn.MaxTotalConcurrent <= 0 {
		return errors.New("spawn.max_total_concurrent must be > 0")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
