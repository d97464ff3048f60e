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
const DefaultConfigFile = "pipewright.yaml"

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
	setString(&cfg.Server.Port, "PIPEWRIGHT_PORT")
	setString(&cfg.Server.CORSOrigin, "PIPEWRIGHT_CORS_ORIGIN")
	setString(&cfg.Server.BaseURL, "PIPEWRIGHT_BASE_URL")
	setString(&cfg.Store.Backend, "PIPEWRIGHT_STORE_BACKEND")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "PIPEWRIGHT_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "PIPEWRIGHT_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "PIPEWRIGHT_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "PIPEWRIGHT_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "PIPEWRIGHT_PG_HEALTH_CHECK")
	setBool(&cfg.NATS.Enabled, "PIPEWRIGHT_NATS_ENABLED")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "PIPEWRIGHT_NATS_STREAM")
	setString(&cfg.NATS.KVBucket, "PIPEWRIGHT_NATS_KV_BUCKET")
	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.MasterKey, "LITELLM_MASTER_KEY")
	setDuration(&cfg.LiteLLM.Timeout, "PIPEWRIGHT_LITELLM_TIMEOUT")
	setString(&cfg.Logging.Level, "PIPEWRIGHT_LOG_LEVEL")
	setString(&cfg.Logging.Format, "PIPEWRIGHT_LOG_FORMAT")
	setString(&cfg.Logging.Service, "PIPEWRIGHT_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "PIPEWRIGHT_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "PIPEWRIGHT_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "PIPEWRIGHT_RATE_RPS")
	setInt(&cfg.Rate.Burst, "PIPEWRIGHT_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "PIPEWRIGHT_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "PIPEWRIGHT_RATE_MAX_IDLE_TIME")
	setBool(&cfg.Auth.Enabled, "PIPEWRIGHT_AUTH_ENABLED")
	setString(&cfg.Auth.APIKeyHash, "PIPEWRIGHT_API_KEY_HASH")
	setFloat64(&cfg.Workflow.DefaultRigidity, "PIPEWRIGHT_DEFAULT_RIGIDITY")
	setString(&cfg.Workflow.Worker, "PIPEWRIGHT_WORKER")
	setString(&cfg.Workflow.Model, "PIPEWRIGHT_MODEL")
	setDuration(&cfg.Workflow.ApprovalTimeout, "PIPEWRIGHT_APPROVAL_TIMEOUT")
	setDuration(&cfg.Workflow.SweepInterval, "PIPEWRIGHT_SWEEP_INTERVAL")
	setString(&cfg.Workspace.Root, "PIPEWRIGHT_WORKSPACE_ROOT")
	setInt(&cfg.Workspace.MaxConcurrentExec, "PIPEWRIGHT_WORKSPACE_MAX_EXEC")
	setDuration(&cfg.Workspace.ExecTimeout, "PIPEWRIGHT_WORKSPACE_EXEC_TIMEOUT")
	setInt64(&cfg.Cache.MaxSizeMB, "PIPEWRIGHT_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "PIPEWRIGHT_CACHE_TTL")
	setBool(&cfg.Telemetry.Enabled, "PIPEWRIGHT_OTEL_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.Telemetry.Insecure, "PIPEWRIGHT_OTEL_INSECURE")
	setFloat64(&cfg.Telemetry.SampleRatio, "PIPEWRIGHT_OTEL_SAMPLE_RATIO")
	setBool(&cfg.MCP.Enabled, "PIPEWRIGHT_MCP_ENABLED")
	setString(&cfg.MCP.Addr, "PIPEWRIGHT_MCP_ADDR")
	setString(&cfg.MCP.APIKey, "PIPEWRIGHT_MCP_API_KEY")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Store.Backend {
	case "memory", "postgres", "natskv":
	default:
		return fmt.Errorf("store.backend must be memory, postgres or natskv, got %q", cfg.Store.Backend)
	}
	if cfg.Store.Backend == "postgres" && cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required for the postgres backend")
	}
	if cfg.Store.Backend == "natskv" && cfg.NATS.URL == "" {
		return errors.New("nats.url is required for the natskv backend")
	}
	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		return errors.New("nats.url is required when nats is enabled")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Workflow.DefaultRigidity < 0 || cfg.Workflow.DefaultRigidity > 1 {
		return errors.New("workflow.default_rigidity must be within [0.0, 1.0]")
	}
	if cfg.Auth.Enabled && cfg.Auth.APIKeyHash == "" {
		return errors.New("auth.api_key_hash is required when auth is enabled")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
