package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.MaxDeadlockRetries != 8 || cfg.RetryBaseDelay != 75*time.Millisecond || cfg.RetryMaxDelay != 1200*time.Millisecond {
		t.Errorf("retry defaults = %d/%s/%s", cfg.MaxDeadlockRetries, cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("CacheTTL = %s", cfg.CacheTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DATABASE_URL", "postgres://localhost/ledger")
	t.Setenv("OUTBOX_INTERVAL", "250ms")
	t.Setenv("MAX_SHIFT", "2.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9000" || cfg.DatabaseURL != "postgres://localhost/ledger" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.OutboxInterval != 250*time.Millisecond || cfg.MaxShift != 2.5 {
		t.Errorf("OutboxInterval = %s, MaxShift = %g", cfg.OutboxInterval, cfg.MaxShift)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"unparsable duration", "CACHE_TTL", "soon", "parse env:"},
		{"zero retries", "MAX_DEADLOCK_RETRIES", "0", "MAX_DEADLOCK_RETRIES"},
		{"inverted delays", "RETRY_MAX_DELAY", "1ms", "retry delays"},
		{"negative shift", "MAX_SHIFT", "-1", "MAX_SHIFT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
