// ============================================================================
// Configuration
// ============================================================================
//
// Package: internal/cli
// File: config.go
// Purpose: Load, default and validate the cluster configuration from YAML.
//
// A .env file next to the process (if present) is loaded first;
// ASC_REDIS_PASSWORD overrides redis.password so secrets stay out of
// config files. Validation failures are configuration errors: the process
// exits non-zero before touching the store.
//
// ============================================================================

package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/projectdiscovery/utils/errkit"
	"gopkg.in/yaml.v3"

	"github.com/adaptivescrape/asc/internal/governor"
	"github.com/adaptivescrape/asc/pkg/types"
)

// redisPasswordEnv overrides redis.password when set.
const redisPasswordEnv = "ASC_REDIS_PASSWORD"

// Config is the full cluster configuration. Zero values are filled by
// applyDefaults before validation.
type Config struct {
	Redis struct {
		Host      string `yaml:"host"`
		Port      int    `yaml:"port"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Logging struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`

	Proxies    []string `yaml:"proxies"`
	UserAgents []string `yaml:"user_agents"`

	Governor struct {
		InitialDelayMs int64   `yaml:"initial_delay_ms"`
		MaxDelayMs     int64   `yaml:"max_delay_ms"`
		BackoffFactor  float64 `yaml:"backoff_factor"`
		CooldownFactor float64 `yaml:"cooldown_factor"`
		BlockDetection struct {
			StatusCodes  []int    `yaml:"status_codes"`
			BodyKeywords []string `yaml:"body_keywords"`
		} `yaml:"block_detection"`
	} `yaml:"governor"`

	Worker struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"worker"`

	Controller struct {
		WorkerTimeout         int `yaml:"worker_timeout"`
		MetricsUpdateInterval int `yaml:"metrics_update_interval"`
	} `yaml:"controller"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// loadConfig reads and validates the configuration file.
func loadConfig(path string) (*Config, error) {
	// Optional; a missing .env is not an error.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configError(fmt.Sprintf("cannot read config file %s: %v", path, err))
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, configError(fmt.Sprintf("cannot parse config YAML: %v", err))
	}

	cfg.applyDefaults()
	if pw := os.Getenv(redisPasswordEnv); pw != "" {
		cfg.Redis.Password = pw
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "asc:"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Governor.InitialDelayMs == 0 {
		c.Governor.InitialDelayMs = 1000
	}
	if c.Governor.MaxDelayMs == 0 {
		c.Governor.MaxDelayMs = 30000
	}
	if c.Governor.BackoffFactor == 0 {
		c.Governor.BackoffFactor = 1.5
	}
	if c.Governor.CooldownFactor == 0 {
		c.Governor.CooldownFactor = 1.1
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 1
	}
	if c.Controller.WorkerTimeout == 0 {
		c.Controller.WorkerTimeout = 60
	}
	if c.Controller.MetricsUpdateInterval == 0 {
		c.Controller.MetricsUpdateInterval = 10
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
}

func (c *Config) validate() error {
	if _, ok := logLevels[c.Logging.Level]; !ok {
		return configError(fmt.Sprintf("logging.level %q is not one of fatal, error, warn, info, debug, trace", c.Logging.Level))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		return configError(fmt.Sprintf("redis.port %d is out of range", c.Redis.Port))
	}
	if c.Governor.InitialDelayMs < 0 {
		return configError("governor.initial_delay_ms must not be negative")
	}
	if c.Governor.MaxDelayMs < c.Governor.InitialDelayMs {
		return configError("governor.max_delay_ms must be at least governor.initial_delay_ms")
	}
	if c.Governor.BackoffFactor <= 1 {
		return configError("governor.backoff_factor must be greater than 1")
	}
	if c.Governor.CooldownFactor <= 1 {
		return configError("governor.cooldown_factor must be greater than 1")
	}
	if c.Worker.Concurrency < 1 {
		return configError("worker.concurrency must be at least 1")
	}
	if c.Controller.WorkerTimeout < 1 {
		return configError("controller.worker_timeout must be at least 1 second")
	}
	if c.Controller.MetricsUpdateInterval < 1 {
		return configError("controller.metrics_update_interval must be at least 1 second")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return configError("metrics.port is out of range")
	}
	return nil
}

func configError(msg string) error {
	return errkit.New(msg).SetKind(types.ErrKindConfig).Build()
}

// governorConfig maps the YAML section onto the governor package config.
// nil detection lists keep the governor defaults; explicit empty lists
// disable that signal.
func (c *Config) governorConfig() governor.Config {
	return governor.Config{
		InitialDelay:     time.Duration(c.Governor.InitialDelayMs) * time.Millisecond,
		MaxDelay:         time.Duration(c.Governor.MaxDelayMs) * time.Millisecond,
		BackoffFactor:    c.Governor.BackoffFactor,
		CooldownFactor:   c.Governor.CooldownFactor,
		BlockStatusCodes: c.Governor.BlockDetection.StatusCodes,
		BlockKeywords:    c.Governor.BlockDetection.BodyKeywords,
	}
}

// logLevels maps the configured level names onto slog levels. slog has no
// fatal or trace, so they map to the nearest level.
var logLevels = map[string]slog.Level{
	"fatal": slog.LevelError,
	"error": slog.LevelError,
	"warn":  slog.LevelWarn,
	"info":  slog.LevelInfo,
	"debug": slog.LevelDebug,
	"trace": slog.LevelDebug,
}

// setupLogger installs the process-wide slog default per the logging
// configuration.
func setupLogger(cfg *Config) {
	opts := &slog.HandlerOptions{Level: logLevels[cfg.Logging.Level]}
	var handler slog.Handler
	if cfg.Logging.Pretty {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
