package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the frozen runtime configuration, resolved once at startup.
// Resolution order: built-in defaults, optional YAML overlay, environment
// variables. Environment always wins.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Cache    CacheConfig    `yaml:"cache"`
	Retry    RetryConfig    `yaml:"retry"`
	Breaker  BreakerConfig  `yaml:"circuit_breaker"`
	LogLevel string         `yaml:"log_level"`
}

type ServerConfig struct {
	ListenAddr         string `yaml:"listen_addr"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

type UpstreamConfig struct {
	APIKey             string  `yaml:"api_key"`
	BaseURL            string  `yaml:"base_url"`
	ConnectTimeoutSecs float64 `yaml:"connect_timeout_secs"`
	ReadTimeoutSecs    float64 `yaml:"read_timeout_secs"`
	TotalTimeoutSecs   float64 `yaml:"total_timeout_secs"`
}

func (u UpstreamConfig) ConnectTimeout() time.Duration { return secs(u.ConnectTimeoutSecs) }
func (u UpstreamConfig) ReadTimeout() time.Duration    { return secs(u.ReadTimeoutSecs) }
func (u UpstreamConfig) TotalTimeout() time.Duration   { return secs(u.TotalTimeoutSecs) }

type CacheConfig struct {
	TTLSecs         int `yaml:"ttl_secs"`
	StaleMaxAgeSecs int `yaml:"stale_max_age_secs"`
	MaxEntries      int `yaml:"max_entries"`
}

func (c CacheConfig) TTL() time.Duration         { return time.Duration(c.TTLSecs) * time.Second }
func (c CacheConfig) StaleMaxAge() time.Duration { return time.Duration(c.StaleMaxAgeSecs) * time.Second }

type RetryConfig struct {
	MaxAttempts     int     `yaml:"max_attempts"`
	BackoffBaseSecs float64 `yaml:"backoff_base_secs"`
}

func (r RetryConfig) BackoffBase() time.Duration { return secs(r.BackoffBaseSecs) }

type BreakerConfig struct {
	FailureThreshold     int     `yaml:"failure_threshold"`
	RecoveryTimeoutSecs  float64 `yaml:"recovery_timeout_secs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold"`
}

func (b BreakerConfig) RecoveryTimeout() time.Duration { return secs(b.RecoveryTimeoutSecs) }

func secs(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// Default returns the built-in defaults. The API key has no default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:         ":8000",
			RateLimitPerMinute: 60,
		},
		Upstream: UpstreamConfig{
			BaseURL:            "http://api.weatherstack.com",
			ConnectTimeoutSecs: 3.0,
			ReadTimeoutSecs:    5.0,
			TotalTimeoutSecs:   8.0,
		},
		Cache: CacheConfig{
			TTLSecs:         300,
			StaleMaxAgeSecs: 3600,
			MaxEntries:      1000,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			BackoffBaseSecs: 1.0,
		},
		Breaker: BreakerConfig{
			FailureThreshold:     5,
			RecoveryTimeoutSecs:  60,
			FailureRateThreshold: 0.5,
		},
		LogLevel: "info",
	}
}

// Load resolves the configuration. path may be empty (no YAML overlay).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	envStr("WEATHERSTACK_API_KEY", &c.Upstream.APIKey)
	envStr("WEATHERSTACK_BASE_URL", &c.Upstream.BaseURL)
	envStr("LISTEN_ADDR", &c.Server.ListenAddr)
	envStr("LOG_LEVEL", &c.LogLevel)

	envInt("CACHE_TTL_SECONDS", &c.Cache.TTLSecs, &err)
	envInt("STALE_CACHE_MAX_AGE_SECONDS", &c.Cache.StaleMaxAgeSecs, &err)
	envInt("CACHE_MAX_ENTRIES", &c.Cache.MaxEntries, &err)
	envInt("RATE_LIMIT_PER_MINUTE", &c.Server.RateLimitPerMinute, &err)
	envInt("RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts, &err)
	envInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", &c.Breaker.FailureThreshold, &err)

	envFloat("RETRY_BACKOFF_BASE", &c.Retry.BackoffBaseSecs, &err)
	envFloat("CIRCUIT_BREAKER_RECOVERY_TIMEOUT", &c.Breaker.RecoveryTimeoutSecs, &err)
	envFloat("CIRCUIT_BREAKER_FAILURE_RATE_THRESHOLD", &c.Breaker.FailureRateThreshold, &err)
	envFloat("HTTP_CONNECT_TIMEOUT", &c.Upstream.ConnectTimeoutSecs, &err)
	envFloat("HTTP_READ_TIMEOUT", &c.Upstream.ReadTimeoutSecs, &err)
	envFloat("HTTP_TOTAL_TIMEOUT", &c.Upstream.TotalTimeoutSecs, &err)
	return err
}

func envStr(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envInt(name string, dst *int, errOut *error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if *errOut == nil {
			*errOut = fmt.Errorf("%s: invalid integer %q", name, v)
		}
		return
	}
	*dst = n
}

func envFloat(name string, dst *float64, errOut *error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		if *errOut == nil {
			*errOut = fmt.Errorf("%s: invalid number %q", name, v)
		}
		return
	}
	*dst = f
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.Upstream.APIKey == "" {
		return fmt.Errorf("WEATHERSTACK_API_KEY is required")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream base URL must not be empty")
	}
	if c.Cache.TTLSecs <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %d", c.Cache.TTLSecs)
	}
	if c.Cache.StaleMaxAgeSecs < c.Cache.TTLSecs {
		return fmt.Errorf("stale max age (%d) must be >= cache ttl (%d)",
			c.Cache.StaleMaxAgeSecs, c.Cache.TTLSecs)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache max entries must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BackoffBaseSecs < 0 {
		return fmt.Errorf("retry backoff base must not be negative, got %f", c.Retry.BackoffBaseSecs)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.FailureRateThreshold <= 0 || c.Breaker.FailureRateThreshold > 1 {
		return fmt.Errorf("breaker failure rate threshold must be in (0, 1], got %f",
			c.Breaker.FailureRateThreshold)
	}
	if c.Server.RateLimitPerMinute < 1 {
		return fmt.Errorf("rate limit must be >= 1 per minute, got %d", c.Server.RateLimitPerMinute)
	}
	return nil
}
