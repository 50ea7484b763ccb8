// Package config loads core configuration, environment-first with an
// optional YAML overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// KMSConfig selects and parameterizes the key-management provider.
type KMSConfig struct {
	Provider       string `yaml:"provider"` // local | aws | gcp
	Region         string `yaml:"region"`
	ProjectID      string `yaml:"project_id"` // gcp only
	KeyRing        string `yaml:"key_ring"`   // gcp only
	LocalStorePath string `yaml:"local_store_path"`
}

// AuditConfig controls the signed audit log.
type AuditConfig struct {
	Enabled        bool   `yaml:"enabled"`
	SignEntries    bool   `yaml:"sign_entries"` // off means hash-only mode
	SigningKeyID   string `yaml:"signing_key_id"`
	StorageBackend string `yaml:"storage_backend"` // memory | file | database
	StoragePath    string `yaml:"storage_path"`
	RetentionDays  int    `yaml:"retention_days"`
}

// StatusListConfig controls the revocation engine.
type StatusListConfig struct {
	DefaultLength int    `yaml:"default_length"`
	Issuer        string `yaml:"issuer"` // DID
	BaseURL       string `yaml:"base_url"`
}

// OracleConfig tunes the Trust Oracle.
type OracleConfig struct {
	TrustScoreThresholdWrite int `yaml:"trust_score_threshold_write"`
}

// LimiterConfig bounds request admission at the façade.
type LimiterConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	RedisAddr     string  `yaml:"redis_addr"` // empty means local token bucket
}

// OTelConfig configures tracing and metrics export.
type OTelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// TimeoutConfig bounds the three suspension points.
type TimeoutConfig struct {
	KMS     time.Duration `yaml:"kms"`
	Storage time.Duration `yaml:"storage"`
}

// Config is the full core configuration.
type Config struct {
	KMS        KMSConfig        `yaml:"kms"`
	Audit      AuditConfig      `yaml:"audit"`
	StatusList StatusListConfig `yaml:"statuslist"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Limiter    LimiterConfig    `yaml:"limiter"`
	OTel       OTelConfig       `yaml:"otel"`
	Timeouts   TimeoutConfig    `yaml:"timeouts"`
	LogLevel   string           `yaml:"log_level"`
}

// Load builds the configuration from environment variables over defaults.
func Load() *Config {
	cfg := &Config{
		KMS: KMSConfig{
			Provider:       envOr("KMS_PROVIDER", "local"),
			Region:         os.Getenv("KMS_REGION"),
			ProjectID:      os.Getenv("KMS_PROJECT_ID"),
			KeyRing:        os.Getenv("KMS_KEY_RING"),
			LocalStorePath: envOr("KMS_LOCAL_STORE_PATH", "data/keystore.json"),
		},
		Audit: AuditConfig{
			Enabled:        envBool("AUDIT_ENABLED", true),
			SignEntries:    envBool("AUDIT_SIGN_ENTRIES", true),
			SigningKeyID:   os.Getenv("AUDIT_SIGNING_KEY_ID"),
			StorageBackend: envOr("AUDIT_STORAGE_BACKEND", "memory"),
			StoragePath:    envOr("AUDIT_STORAGE_PATH", "data/audit.ndjson"),
			RetentionDays:  envInt("AUDIT_RETENTION_DAYS", 0),
		},
		StatusList: StatusListConfig{
			DefaultLength: envInt("STATUSLIST_DEFAULT_LENGTH", 131072),
			Issuer:        os.Getenv("STATUSLIST_ISSUER"),
			BaseURL:       envOr("STATUSLIST_BASE_URL", "https://status.localhost/lists"),
		},
		Oracle: OracleConfig{
			TrustScoreThresholdWrite: envInt("ORACLE_TRUST_SCORE_THRESHOLD_WRITE", 40),
		},
		Limiter: LimiterConfig{
			RatePerSecond: envFloat("LIMITER_RATE_PER_SECOND", 100),
			Burst:         envInt("LIMITER_BURST", 200),
			RedisAddr:     os.Getenv("LIMITER_REDIS_ADDR"),
		},
		OTel: OTelConfig{
			Enabled:     envBool("OTEL_ENABLED", false),
			Endpoint:    envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName: envOr("OTEL_SERVICE_NAME", "symphony-core"),
		},
		Timeouts: TimeoutConfig{
			KMS:     envDuration("TIMEOUT_KMS", 5*time.Second),
			Storage: envDuration("TIMEOUT_STORAGE", 2*time.Second),
		},
		LogLevel: envOr("LOG_LEVEL", "info"),
	}
	return cfg
}

// LoadFile overlays a YAML file onto an environment-loaded configuration.
// File values win over environment values.
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	switch c.KMS.Provider {
	case "local", "aws", "gcp":
	default:
		return fmt.Errorf("config: unknown kms provider %q", c.KMS.Provider)
	}
	switch c.Audit.StorageBackend {
	case "memory", "file", "database":
	default:
		return fmt.Errorf("config: unknown audit storage backend %q", c.Audit.StorageBackend)
	}
	if c.Oracle.TrustScoreThresholdWrite < 0 || c.Oracle.TrustScoreThresholdWrite > 100 {
		return fmt.Errorf("config: trust score threshold %d outside 0..100",
			c.Oracle.TrustScoreThresholdWrite)
	}
	if c.Timeouts.KMS <= 0 || c.Timeouts.Storage <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
