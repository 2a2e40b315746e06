// Package config loads service configuration from an optional YAML file and
// DATAPLANE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"dataplane/internal/flags"
	"dataplane/internal/source"

	"github.com/spf13/viper"
)

// Cache backends.
const (
	CacheMemory   = "memory"
	CachePostgres = "postgres"
)

// Config holds all configuration values for the application.
type Config struct {
	HTTPPort int

	// DatabaseURL is optional unless a Postgres-backed component is enabled.
	DatabaseURL string

	// OTELEndpoint is the OTLP gRPC collector. Empty disables tracing.
	OTELEndpoint     string
	TraceSampleRatio float64
	LogLevel         string

	// APIKeyHash is the SHA-256 of the API key. Empty disables auth.
	APIKeyHash string

	// HTTPRateLimit is requests per second per API key (0 disables).
	HTTPRateLimit float64
	HTTPRateBurst int

	CacheBackend       string
	CachePurgeInterval time.Duration
	FetchTimeout       time.Duration

	Breaker   BreakerConfig
	Optimizer OptimizerConfig
	Sources   map[source.Source]SourceConfig

	flags *Flags
}

// BreakerConfig applies to every source breaker.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	TrialTimeout     time.Duration
}

// OptimizerConfig bounds batch execution.
type OptimizerConfig struct {
	MaxBatchSize int
	Concurrency  int
}

// SourceConfig describes how to reach one source.
type SourceConfig struct {
	BaseURL   string
	Token     string
	TTL       time.Duration
	RateLimit float64
	Burst     int
	// MaxBodyBytes caps a single response body from the source.
	MaxBodyBytes int64
}

// Flags returns the live feature-flag provider backed by this configuration.
func (c *Config) Flags() *Flags {
	return c.flags
}

// Load reads configuration. An empty path looks for ./dataplane.yaml and
// tolerates its absence; an explicit path must exist. Environment variables
// override the file, e.g. DATAPLANE_HTTP_PORT or DATAPLANE_BREAKER_FAILURE_THRESHOLD.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DATAPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("dataplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		HTTPPort:           v.GetInt("http_port"),
		DatabaseURL:        v.GetString("database_url"),
		OTELEndpoint:       v.GetString("otel_endpoint"),
		TraceSampleRatio:   v.GetFloat64("trace_sample_ratio"),
		LogLevel:           v.GetString("log_level"),
		APIKeyHash:         v.GetString("api_key_hash"),
		HTTPRateLimit:      v.GetFloat64("http_rate_limit"),
		HTTPRateBurst:      v.GetInt("http_rate_burst"),
		CacheBackend:       strings.ToLower(v.GetString("cache_backend")),
		CachePurgeInterval: v.GetDuration("cache_purge_interval"),
		FetchTimeout:       v.GetDuration("fetch_timeout"),
		Breaker: BreakerConfig{
			FailureThreshold: v.GetInt("breaker.failure_threshold"),
			RecoveryTimeout:  v.GetDuration("breaker.recovery_timeout"),
			TrialTimeout:     v.GetDuration("breaker.trial_timeout"),
		},
		Optimizer: OptimizerConfig{
			MaxBatchSize: v.GetInt("optimizer.max_batch_size"),
			Concurrency:  v.GetInt("optimizer.concurrency"),
		},
		Sources: make(map[source.Source]SourceConfig),
	}

	for _, src := range source.All() {
		prefix := "sources." + string(src) + "."
		cfg.Sources[src] = SourceConfig{
			BaseURL:   v.GetString(prefix + "base_url"),
			Token:     v.GetString(prefix + "token"),
			TTL:       v.GetDuration(prefix + "ttl"),
			RateLimit: v.GetFloat64(prefix + "rate_limit"),
			Burst:     v.GetInt(prefix + "burst"),

			MaxBodyBytes: v.GetInt64(prefix + "max_body_bytes"),
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.flags = newFlags(v)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 6161)
	v.SetDefault("database_url", "")
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("trace_sample_ratio", 1.0)
	v.SetDefault("log_level", "info")
	v.SetDefault("api_key_hash", "")
	v.SetDefault("http_rate_limit", 0)
	v.SetDefault("http_rate_burst", 20)
	v.SetDefault("cache_backend", CacheMemory)
	v.SetDefault("cache_purge_interval", 5*time.Minute)
	v.SetDefault("fetch_timeout", 30*time.Second)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", 60*time.Second)
	v.SetDefault("breaker.trial_timeout", 5*time.Second)

	v.SetDefault("optimizer.max_batch_size", 500)
	v.SetDefault("optimizer.concurrency", 4)

	for _, src := range source.All() {
		prefix := "sources." + string(src) + "."
		v.SetDefault(prefix+"base_url", "")
		v.SetDefault(prefix+"token", "")
		v.SetDefault(prefix+"ttl", source.DefaultTTL(src))
		v.SetDefault(prefix+"max_body_bytes", 10<<20)
		v.SetDefault(prefix+"rate_limit", 0)
		v.SetDefault(prefix+"burst", 1)
	}

	v.SetDefault("features."+flags.RealData, true)
	v.SetDefault("features."+flags.MockData, false)
	v.SetDefault("features."+flags.Cache, true)
	for _, src := range source.All() {
		v.SetDefault("features."+src.FlagName(), true)
	}
}

func (c *Config) validate() error {
	switch c.CacheBackend {
	case CacheMemory:
	case CachePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required when cache_backend is %q (env: DATAPLANE_DATABASE_URL)", CachePostgres)
		}
	default:
		return fmt.Errorf("invalid cache_backend %q: must be %q or %q", c.CacheBackend, CacheMemory, CachePostgres)
	}

	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d", c.HTTPPort)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.RecoveryTimeout <= 0 || c.Breaker.TrialTimeout <= 0 {
		return fmt.Errorf("breaker timeouts must be positive")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch_timeout must be positive")
	}
	if c.Optimizer.MaxBatchSize <= 0 || c.Optimizer.Concurrency <= 0 {
		return fmt.Errorf("optimizer.max_batch_size and optimizer.concurrency must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("trace_sample_ratio must be between 0 and 1, got %v", c.TraceSampleRatio)
	}
	if c.HTTPRateLimit < 0 {
		return fmt.Errorf("http_rate_limit must not be negative")
	}
	return nil
}
