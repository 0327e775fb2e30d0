package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "taskmesh.yaml"

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
	setString(&cfg.Server.Port, "TASKMESH_PORT")
	setString(&cfg.Server.CORSOrigin, "TASKMESH_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "TASKMESH_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "TASKMESH_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "TASKMESH_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "TASKMESH_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "TASKMESH_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setInt64(&cfg.Cache.MaxSizeMB, "TASKMESH_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.SnapshotTTL, "TASKMESH_CACHE_SNAPSHOT_TTL")
	setString(&cfg.Logging.Level, "TASKMESH_LOG_LEVEL")
	setString(&cfg.Logging.Service, "TASKMESH_LOG_SERVICE")
	setBool(&cfg.Telemetry.Enabled, "TASKMESH_OTEL_ENABLED")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setDuration(&cfg.Telemetry.Interval, "TASKMESH_OTEL_INTERVAL")
	setFloat64(&cfg.Rate.RequestsPerSecond, "TASKMESH_RATE_RPS")
	setInt(&cfg.Rate.Burst, "TASKMESH_RATE_BURST")
	setInt(&cfg.Breaker.MaxFailures, "TASKMESH_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "TASKMESH_BREAKER_TIMEOUT")
	setInt(&cfg.Orchestrator.TenantConcurrencyLimit, "TASKMESH_TENANT_LIMIT")
	setDuration(&cfg.Orchestrator.ReclaimDeadline, "TASKMESH_RECLAIM_DEADLINE")
	setDuration(&cfg.Supervisor.RecoveryWindow, "TASKMESH_RECOVERY_WINDOW")
	setDuration(&cfg.Supervisor.GracePeriod, "TASKMESH_GRACE_PERIOD")
	setDuration(&cfg.Trace.Retention, "TASKMESH_TRACE_RETENTION")
	setDuration(&cfg.Trace.SweepInterval, "TASKMESH_TRACE_SWEEP_INTERVAL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Orchestrator.TenantConcurrencyLimit < 1 {
		return errors.New("orchestrator.tenant_concurrency_limit must be >= 1")
	}
	if len(cfg.Supervisor.RetryBackoff) == 0 {
		return errors.New("supervisor.retry_backoff must not be empty")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
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

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
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
