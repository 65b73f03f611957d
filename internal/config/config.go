// Package config loads the server configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the settlement engine's runtime configuration.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	// DatabaseURL selects PostgreSQL. Empty runs on the in-memory store.
	DatabaseURL string `env:"DATABASE_URL"`
	// RedisURL enables the account cache and the pub/sub publisher.
	RedisURL string        `env:"REDIS_URL"`
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	MaxDeadlockRetries int           `env:"MAX_DEADLOCK_RETRIES" envDefault:"8"`
	RetryBaseDelay     time.Duration `env:"RETRY_BASE_DELAY" envDefault:"75ms"`
	RetryMaxDelay      time.Duration `env:"RETRY_MAX_DELAY" envDefault:"1200ms"`

	OutboxInterval       time.Duration `env:"OUTBOX_INTERVAL" envDefault:"1s"`
	WithdrawPollInterval time.Duration `env:"WITHDRAW_POLL_INTERVAL" envDefault:"15s"`
	WithdrawStaleAfter   time.Duration `env:"WITHDRAW_STALE_AFTER" envDefault:"2m"`
	// WithdrawSenderURL is the payment gateway. Empty disables sending;
	// withdrawals then stay queued.
	WithdrawSenderURL string `env:"WITHDRAW_SENDER_URL"`

	// MaxShift is the default payout shift an app accepts when a bet does
	// not name one.
	MaxShift float64 `env:"MAX_SHIFT" envDefault:"0"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// Load parses the environment into a Config and checks it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.MaxDeadlockRetries < 1:
		return fmt.Errorf("config: MAX_DEADLOCK_RETRIES must be >= 1, got %d", c.MaxDeadlockRetries)
	case c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay:
		return fmt.Errorf("config: retry delays must satisfy 0 < RETRY_BASE_DELAY <= RETRY_MAX_DELAY")
	case c.OutboxInterval <= 0 || c.WithdrawPollInterval <= 0:
		return fmt.Errorf("config: poll intervals must be positive")
	case c.MaxShift < 0:
		return fmt.Errorf("config: MAX_SHIFT must be >= 0")
	}
	return nil
}
