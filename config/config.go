// Package config loads the runtime tunables for the execution subsystem:
// watcher thresholds, rate limit buckets, execution budgets, and the shared
// store connection. Deployments ship one file; anything left unset falls
// back to the package defaults.
package config

import (
	"time"

	"github.com/deepnoodle-ai/hogpipe/watcher"
	"github.com/redis/go-redis/v9"
)

// RedisConfig describes the shared store connection.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
}

// NewClient creates a client for the configured store.
func (c RedisConfig) NewClient() *redis.Client {
	addr := c.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: c.Password,
		DB:       c.DB,
	})
}

// RateLimitConfig describes the per-identity invocation limiter.
type RateLimitConfig struct {
	KeyPrefix  string        `json:"key_prefix" yaml:"key_prefix"`
	BucketSize float64       `json:"bucket_size" yaml:"bucket_size"`
	RefillRate float64       `json:"refill_rate" yaml:"refill_rate"`
	TTL        time.Duration `json:"ttl" yaml:"ttl"`
}

// ExecutionConfig describes per-invocation execution budgets.
type ExecutionConfig struct {
	MaxAsyncSteps         int           `json:"max_async_steps" yaml:"max_async_steps"`
	AllowedAsyncFunctions []string      `json:"allowed_async_functions" yaml:"allowed_async_functions"`
	FetchTimeout          time.Duration `json:"fetch_timeout" yaml:"fetch_timeout"`
	FetchMaxRetries       int           `json:"fetch_max_retries" yaml:"fetch_max_retries"`
	FetchMaxResponseBytes int64         `json:"fetch_max_response_bytes" yaml:"fetch_max_response_bytes"`
}

// MetricsConfig describes app-metric batching toward the external sink.
type MetricsConfig struct {
	BufferSize    int           `json:"buffer_size" yaml:"buffer_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// ManagerConfig describes the definition cache.
type ManagerConfig struct {
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	Channel  string        `json:"channel" yaml:"channel"`
}

// Config is the full runtime configuration.
type Config struct {
	Name      string          `json:"name,omitempty" yaml:"name,omitempty"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Watcher   watcher.Config  `json:"watcher" yaml:"watcher"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Execution ExecutionConfig `json:"execution" yaml:"execution"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Manager   ManagerConfig   `json:"manager" yaml:"manager"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Watcher: watcher.DefaultConfig(),
		RateLimit: RateLimitConfig{
			KeyPrefix:  "hogpipe:ratelimit:",
			BucketSize: 100,
			RefillRate: 10,
			TTL:        time.Hour,
		},
		Execution: ExecutionConfig{
			MaxAsyncSteps:         5,
			AllowedAsyncFunctions: []string{"fetch"},
			FetchTimeout:          10 * time.Second,
			FetchMaxRetries:       3,
			FetchMaxResponseBytes: 1 << 20,
		},
		Metrics: MetricsConfig{
			BufferSize:    1000,
			FlushInterval: 10 * time.Second,
		},
		Manager: ManagerConfig{
			CacheTTL: 5 * time.Minute,
			Channel:  "hogpipe:function-changed",
		},
	}
}

// Normalize fills any zero-valued field from the defaults, so a partial
// file only has to name what it changes.
func (c *Config) Normalize() {
	defaults := Default()
	if c.Watcher.BucketSize == 0 {
		c.Watcher.BucketSize = defaults.Watcher.BucketSize
	}
	if c.Watcher.DegradedRatio == 0 {
		c.Watcher.DegradedRatio = defaults.Watcher.DegradedRatio
	}
	if c.Watcher.Cost == (watcher.CostConfig{}) {
		c.Watcher.Cost = defaults.Watcher.Cost
	}
	if c.Watcher.SampleRate == 0 {
		c.Watcher.SampleRate = defaults.Watcher.SampleRate
	}
	if c.Watcher.DisablePeriod == 0 {
		c.Watcher.DisablePeriod = defaults.Watcher.DisablePeriod
	}
	if c.Watcher.MaxDisabledCount == 0 {
		c.Watcher.MaxDisabledCount = defaults.Watcher.MaxDisabledCount
	}
	if c.Watcher.CacheTTL == 0 {
		c.Watcher.CacheTTL = defaults.Watcher.CacheTTL
	}
	if c.Watcher.LockTTL == 0 {
		c.Watcher.LockTTL = defaults.Watcher.LockTTL
	}
	if c.RateLimit.KeyPrefix == "" {
		c.RateLimit.KeyPrefix = defaults.RateLimit.KeyPrefix
	}
	if c.RateLimit.BucketSize == 0 {
		c.RateLimit.BucketSize = defaults.RateLimit.BucketSize
	}
	if c.RateLimit.RefillRate == 0 {
		c.RateLimit.RefillRate = defaults.RateLimit.RefillRate
	}
	if c.RateLimit.TTL == 0 {
		c.RateLimit.TTL = defaults.RateLimit.TTL
	}
	if c.Execution.MaxAsyncSteps == 0 {
		c.Execution.MaxAsyncSteps = defaults.Execution.MaxAsyncSteps
	}
	if c.Execution.AllowedAsyncFunctions == nil {
		c.Execution.AllowedAsyncFunctions = defaults.Execution.AllowedAsyncFunctions
	}
	if c.Execution.FetchTimeout == 0 {
		c.Execution.FetchTimeout = defaults.Execution.FetchTimeout
	}
	if c.Execution.FetchMaxRetries == 0 {
		c.Execution.FetchMaxRetries = defaults.Execution.FetchMaxRetries
	}
	if c.Execution.FetchMaxResponseBytes == 0 {
		c.Execution.FetchMaxResponseBytes = defaults.Execution.FetchMaxResponseBytes
	}
	if c.Metrics.BufferSize == 0 {
		c.Metrics.BufferSize = defaults.Metrics.BufferSize
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = defaults.Metrics.FlushInterval
	}
	if c.Manager.CacheTTL == 0 {
		c.Manager.CacheTTL = defaults.Manager.CacheTTL
	}
	if c.Manager.Channel == "" {
		c.Manager.Channel = defaults.Manager.Channel
	}
}
