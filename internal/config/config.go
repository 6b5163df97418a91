// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// Commands exit if any field tagged "required" is missing.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Store ────────────────────────────────────────────────────────────────────
	// DatabaseURL selects the backend by scheme: postgres://, redis://, or
	// memory://.
	DatabaseURL string `env:"DATABASE_URL,required"`

	// ── Workers ──────────────────────────────────────────────────────────────────
	WorkerCount       int           `env:"WORKER_COUNT"        envDefault:"4"`
	PollInterval      time.Duration `env:"POLL_INTERVAL"       envDefault:"1s"`
	DefaultMaxRetries int           `env:"DEFAULT_MAX_RETRIES" envDefault:"3"`

	// ── Ops listener ─────────────────────────────────────────────────────────────
	// Empty disables the HTTP listener entirely.
	OpsListenAddr string `env:"OPS_LISTEN_ADDR"`

	// ── Dead-letter webhook ──────────────────────────────────────────────────────
	// Empty URL disables delivery.
	DeadLetterWebhookURL    string `env:"DEADLETTER_WEBHOOK_URL"`
	DeadLetterWebhookSecret string `env:"DEADLETTER_WEBHOOK_SECRET"`

	// ── Environment ──────────────────────────────────────────────────────────────
	AppEnv string `env:"APP_ENV" envDefault:"development"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing or out of range.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.WorkerCount < 1 {
		return nil, fmt.Errorf("WORKER_COUNT must be at least 1, got %d", cfg.WorkerCount)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL must be positive, got %s", cfg.PollInterval)
	}
	if cfg.DefaultMaxRetries < 0 {
		return nil, fmt.Errorf("DEFAULT_MAX_RETRIES must not be negative, got %d", cfg.DefaultMaxRetries)
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
