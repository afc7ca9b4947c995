// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// knownWeakSecrets contains default/example secrets that must be rejected in production.
var knownWeakSecrets = []string{
	"change-me-to-32-byte-trigger-key!",
	"REPLACE_WITH_YOUR_OWN_SECRET_KEY!",
}

// Config holds the application configuration loaded from environment variables.
type Config struct {
	DBPath        string `env:"CALGATE_DB_PATH" envDefault:"./data/calgate.db"`
	TriggerSecret string `env:"CALGATE_TRIGGER_SECRET,required"`
	ServerHost    string `env:"CALGATE_SERVER_HOST" envDefault:"localhost"`
	ServerPort    int    `env:"CALGATE_SERVER_PORT" envDefault:"8080"`
	Env           string `env:"CALGATE_ENV" envDefault:"development"`
	LogLevel      string `env:"CALGATE_LOG_LEVEL" envDefault:"info"`
	// TrustProxy honours X-Real-IP/X-Forwarded-For; enable only behind a
	// reverse proxy that sets them.
	TrustProxy bool `env:"CALGATE_TRUST_PROXY" envDefault:"false"`

	// Tick lock and trigger configuration. An empty RedisURL serializes
	// ticks in-process only; an empty SyncSchedule disables the cron driver.
	RedisURL     string        `env:"CALGATE_REDIS_URL"`
	LockKey      string        `env:"CALGATE_LOCK_KEY" envDefault:"calgate:sync:tick"`
	LockTTL      time.Duration `env:"CALGATE_LOCK_TTL" envDefault:"2m"`
	SyncSchedule string        `env:"CALGATE_SYNC_SCHEDULE" envDefault:"*/5 * * * *"`
	TriggerRate  time.Duration `env:"CALGATE_TRIGGER_MIN_INTERVAL" envDefault:"10s"`

	// Sync configuration
	SyncWorkers         int           `env:"CALGATE_SYNC_WORKERS" envDefault:"4"`
	SyncBatchSize       int           `env:"CALGATE_SYNC_BATCH_SIZE" envDefault:"100"`
	SyncDefaultInterval time.Duration `env:"CALGATE_SYNC_DEFAULT_INTERVAL" envDefault:"1h"`
	ClaimLease          time.Duration `env:"CALGATE_CLAIM_LEASE" envDefault:"5m"`

	// Fetch policy
	FetchTimeout      time.Duration `env:"CALGATE_FETCH_TIMEOUT" envDefault:"20s"`
	MaxRedirects      int           `env:"CALGATE_MAX_REDIRECTS" envDefault:"5"`
	MaxResponseBytes  int64         `env:"CALGATE_MAX_RESPONSE_BYTES" envDefault:"5242880"`
	ExtraAllowedPorts []int         `env:"CALGATE_EXTRA_ALLOWED_PORTS" envSeparator:","`

	// Audit log retention; zero keeps events forever.
	EventRetention time.Duration `env:"CALGATE_EVENT_RETENTION" envDefault:"720h"`
}

// IsDevelopment returns true if the application is running in development mode.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// ServerAddr returns the full server address in host:port format.
func (c Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// UseRedisLock returns true if the Redis tick lock is configured.
func (c Config) UseRedisLock() bool {
	return c.RedisURL != ""
}

// SlogLevel maps LogLevel to a slog level. Unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// MinTriggerSecretLength is the minimum required length for the trigger secret.
const MinTriggerSecretLength = 32

// Load parses environment variables and returns a Config struct.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Validate trigger secret length
	if len(cfg.TriggerSecret) < MinTriggerSecretLength {
		return nil, fmt.Errorf("CALGATE_TRIGGER_SECRET must be at least %d bytes long, got %d bytes; "+
			"generate a secure secret with: openssl rand -base64 32",
			MinTriggerSecretLength, len(cfg.TriggerSecret))
	}

	// Reject known weak/default secrets
	for _, weak := range knownWeakSecrets {
		if cfg.TriggerSecret == weak {
			return nil, fmt.Errorf("CALGATE_TRIGGER_SECRET is a known default value and must not be used; " +
				"generate a secure secret with: openssl rand -base64 32")
		}
	}

	// Warn about low-entropy secrets
	if !hasMinimumEntropy(cfg.TriggerSecret) {
		slog.Warn("CALGATE_TRIGGER_SECRET has low character diversity; " +
			"consider generating a random secret with: openssl rand -base64 32")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate rejects limits that would disable a safety bound.
func (c *Config) validate() error {
	if c.MaxRedirects < 0 {
		return fmt.Errorf("CALGATE_MAX_REDIRECTS must not be negative, got %d", c.MaxRedirects)
	}
	if c.MaxResponseBytes <= 0 {
		return fmt.Errorf("CALGATE_MAX_RESPONSE_BYTES must be positive, got %d", c.MaxResponseBytes)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("CALGATE_FETCH_TIMEOUT must be positive, got %s", c.FetchTimeout)
	}
	if c.SyncWorkers <= 0 {
		return fmt.Errorf("CALGATE_SYNC_WORKERS must be positive, got %d", c.SyncWorkers)
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("CALGATE_SYNC_BATCH_SIZE must be positive, got %d", c.SyncBatchSize)
	}
	if c.ClaimLease <= c.FetchTimeout {
		return fmt.Errorf("CALGATE_CLAIM_LEASE (%s) must exceed CALGATE_FETCH_TIMEOUT (%s)", c.ClaimLease, c.FetchTimeout)
	}
	for _, p := range c.ExtraAllowedPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("CALGATE_EXTRA_ALLOWED_PORTS contains invalid port %d", p)
		}
	}
	return nil
}

// hasMinimumEntropy checks that a secret contains at least 3 character classes
// (lowercase, uppercase, digits, special characters).
func hasMinimumEntropy(s string) bool {
	charTypes := 0
	if strings.ContainsAny(s, "abcdefghijklmnopqrstuvwxyz") {
		charTypes++
	}
	if strings.ContainsAny(s, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		charTypes++
	}
	if strings.ContainsAny(s, "0123456789") {
		charTypes++
	}
	if strings.ContainsAny(s, "!@#$%^&*()-_=+[]{}|;:,.<>?/~`'\"\\") {
		charTypes++
	}
	return charTypes >= 3
}
