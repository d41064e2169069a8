// Package config loads the client configuration from a YAML file and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kong/adb-failover-client/pkg/endpoint"
	"github.com/kong/adb-failover-client/pkg/pool"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the top level configuration.
type Config struct {
	LogLevel      string `yaml:"log_level"`
	ListenAddress string `yaml:"listen_address"`
	// StatsdAddress is the DogStatsD agent; metrics are disabled when empty.
	StatsdAddress string `yaml:"statsd_address"`
	// StartupRetries bounds how often building the registry is retried at startup.
	StartupRetries uint64 `yaml:"startup_retries"`

	// Endpoints is an ordered mapping of name to [url, username, credential].
	Endpoints endpoint.Entries `yaml:"endpoints"`
	Pool      PoolConfig       `yaml:"pool"`
}

// PoolConfig overrides pool defaults. Unset fields keep the default.
type PoolConfig struct {
	MaxActive               *int    `yaml:"max_active"`
	InitialSize             *int    `yaml:"initial_size"`
	MinIdle                 *int    `yaml:"min_idle"`
	MaxWaitMS               *int64  `yaml:"max_wait_ms"`
	EvictionScanIntervalMS  *int64  `yaml:"eviction_scan_interval_ms"`
	MinEvictableIdleMS      *int64  `yaml:"min_evictable_idle_ms"`
	MaxEvictableIdleMS      *int64  `yaml:"max_evictable_idle_ms"`
	ValidationQuery         *string `yaml:"validation_query"`
	ValidationWindowMS      *int64  `yaml:"validation_window_ms"`
	QueryValidationTimeoutS *int64  `yaml:"query_validation_timeout_s"`
	TestWhileIdle           *bool   `yaml:"test_while_idle"`
	TestOnBorrow            *bool   `yaml:"test_on_borrow"`
	TestOnReturn            *bool   `yaml:"test_on_return"`
	RemoveAbandoned         *bool   `yaml:"remove_abandoned"`
	RemoveAbandonedTimeoutS *int64  `yaml:"remove_abandoned_timeout_s"`
	LogAbandoned            *bool   `yaml:"log_abandoned"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:       "info",
		ListenAddress:  "0.0.0.0:8080",
		StartupRetries: 5,
	}
}

// LoadConfig reads path, if set, on top of the defaults, applies environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) {
	if level := os.Getenv("ADB_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if addr := os.Getenv("ADB_LISTEN_ADDRESS"); addr != "" {
		cfg.ListenAddress = addr
	}
	if addr := os.Getenv("ADB_STATSD_ADDRESS"); addr != "" {
		cfg.StatsdAddress = addr
	}
	if retries := os.Getenv("ADB_STARTUP_RETRIES"); retries != "" {
		if val, err := strconv.ParseUint(retries, 10, 64); err == nil {
			cfg.StartupRetries = val
		}
	}
}

// Validate checks everything that can be checked without connecting.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address cannot be empty")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if _, err := endpoint.Parse(c.Endpoints); err != nil {
		return err
	}
	return c.Pool.validate()
}

func (p PoolConfig) validate() error {
	if p.MaxActive != nil && *p.MaxActive < 1 {
		return fmt.Errorf("pool.max_active must be at least 1")
	}
	for name, v := range map[string]*int{"initial_size": p.InitialSize, "min_idle": p.MinIdle} {
		if v != nil && *v < 0 {
			return fmt.Errorf("pool.%s cannot be negative", name)
		}
	}
	durations := map[string]*int64{
		"max_wait_ms":                p.MaxWaitMS,
		"eviction_scan_interval_ms":  p.EvictionScanIntervalMS,
		"min_evictable_idle_ms":      p.MinEvictableIdleMS,
		"max_evictable_idle_ms":      p.MaxEvictableIdleMS,
		"validation_window_ms":       p.ValidationWindowMS,
		"query_validation_timeout_s": p.QueryValidationTimeoutS,
		"remove_abandoned_timeout_s": p.RemoveAbandonedTimeoutS,
	}
	for name, v := range durations {
		if v != nil && *v <= 0 {
			return fmt.Errorf("pool.%s must be positive", name)
		}
	}
	return nil
}

// Specs returns the endpoints in configuration order.
func (c *Config) Specs() ([]endpoint.Spec, error) {
	return endpoint.Parse(c.Endpoints)
}

// PoolConfig returns the pool defaults with the configured overrides applied.
func (c *Config) PoolConfig() *pool.Config {
	cfg := pool.DefaultConfig()
	c.Pool.Apply(cfg)
	return cfg
}

// Apply writes the set fields onto cfg.
func (p PoolConfig) Apply(cfg *pool.Config) {
	setInt(&cfg.MaxActive, p.MaxActive)
	setInt(&cfg.InitialSize, p.InitialSize)
	setInt(&cfg.MinIdle, p.MinIdle)
	setDuration(&cfg.MaxWait, p.MaxWaitMS, time.Millisecond)
	setDuration(&cfg.EvictionScanInterval, p.EvictionScanIntervalMS, time.Millisecond)
	setDuration(&cfg.MinEvictableIdle, p.MinEvictableIdleMS, time.Millisecond)
	setDuration(&cfg.MaxEvictableIdle, p.MaxEvictableIdleMS, time.Millisecond)
	setDuration(&cfg.ValidationWindow, p.ValidationWindowMS, time.Millisecond)
	setDuration(&cfg.QueryValidationTimeout, p.QueryValidationTimeoutS, time.Second)
	setDuration(&cfg.RemoveAbandonedTimeout, p.RemoveAbandonedTimeoutS, time.Second)
	if p.ValidationQuery != nil {
		cfg.ValidationQuery = *p.ValidationQuery
	}
	setBool(&cfg.TestWhileIdle, p.TestWhileIdle)
	setBool(&cfg.TestOnBorrow, p.TestOnBorrow)
	setBool(&cfg.TestOnReturn, p.TestOnReturn)
	setBool(&cfg.RemoveAbandoned, p.RemoveAbandoned)
	setBool(&cfg.LogAbandoned, p.LogAbandoned)
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *int64, unit time.Duration) {
	if v != nil {
		*dst = time.Duration(*v) * unit
	}
}
