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
const DefaultConfigFile = "sitesquad.yaml"

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
	setString(&cfg.Server.Port, "SITESQUAD_PORT")
	setString(&cfg.Server.CORSOrigin, "SITESQUAD_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "SITESQUAD_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "SITESQUAD_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "SITESQUAD_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "SITESQUAD_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "SITESQUAD_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Browser.URL, "SITESQUAD_BROWSER_URL")
	setDuration(&cfg.Browser.CallTimeout, "SITESQUAD_BROWSER_CALL_TIMEOUT")
	setDuration(&cfg.Browser.NavigateTimeout, "SITESQUAD_BROWSER_NAVIGATE_TIMEOUT")
	setString(&cfg.Vision.URL, "SITESQUAD_VISION_URL")
	setString(&cfg.Vision.APIKey, "SITESQUAD_VISION_API_KEY")
	setString(&cfg.Vision.Model, "SITESQUAD_VISION_MODEL")
	setInt(&cfg.Vision.MaxTokens, "SITESQUAD_VISION_MAX_TOKENS")
	setDuration(&cfg.Vision.Timeout, "SITESQUAD_VISION_TIMEOUT")
	setString(&cfg.Logging.Level, "SITESQUAD_LOG_LEVEL")
	setString(&cfg.Logging.Service, "SITESQUAD_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "SITESQUAD_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "SITESQUAD_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "SITESQUAD_RATE_RPS")
	setInt(&cfg.Rate.Burst, "SITESQUAD_RATE_BURST")
	setInt(&cfg.Quota.FreeLimit, "SITESQUAD_QUOTA_FREE_LIMIT")
	setTime(&cfg.Quota.BetaEnds, "SITESQUAD_QUOTA_BETA_ENDS")
	setInt64(&cfg.Orchestrator.MaxConcurrentSessions, "SITESQUAD_ORCH_MAX_SESSIONS")
	setInt(&cfg.Orchestrator.MaxActions, "SITESQUAD_ORCH_MAX_ACTIONS")
	setInt(&cfg.Orchestrator.ActionsPerPhase, "SITESQUAD_ORCH_ACTIONS_PER_PHASE")
	setInt(&cfg.Orchestrator.StepRetries, "SITESQUAD_ORCH_STEP_RETRIES")
	setInt(&cfg.Orchestrator.MaxStepFailures, "SITESQUAD_ORCH_MAX_STEP_FAILURES")
	setDuration(&cfg.Orchestrator.Keepalive, "SITESQUAD_ORCH_KEEPALIVE")
	setDuration(&cfg.Orchestrator.Retention, "SITESQUAD_ORCH_RETENTION")
	setDuration(&cfg.Orchestrator.GCInterval, "SITESQUAD_ORCH_GC_INTERVAL")
	setInt64(&cfg.Orchestrator.SnapshotCacheMB, "SITESQUAD_ORCH_SNAPSHOT_CACHE_MB")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Browser.URL == "" {
		return errors.New("browser.url is required")
	}
	if cfg.Vision.URL == "" {
		return errors.New("vision.url is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Quota.FreeLimit < 1 {
		return errors.New("quota.free_limit must be >= 1")
	}
	if cfg.Orchestrator.MaxConcurrentSessions < 1 {
		return errors.New("orchestrator.max_concurrent_sessions must be >= 1")
	}
	if cfg.Orchestrator.MaxActions < 1 {
		return errors.New("orchestrator.max_actions must be >= 1")
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

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setTime(dst *time.Time, key string) {
	if v := os.Getenv(key); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			*dst = t
		}
	}
}
