package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.Orders.IDLength != 20 {
		t.Errorf("Orders.IDLength = %d, want 20", cfg.Orders.IDLength)
	}
	if cfg.Orders.LookupTimeout != 5*time.Second {
		t.Errorf("Orders.LookupTimeout = %v, want 5s", cfg.Orders.LookupTimeout)
	}
	if cfg.Session.HistoryLimit != 50 {
		t.Errorf("Session.HistoryLimit = %d, want 50", cfg.Session.HistoryLimit)
	}
	if !cfg.Trainer.Enabled {
		t.Error("Trainer.Enabled = false, want true")
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Errorf("AllowedOrigins = %v, want [*]", cfg.AllowedOrigins)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("RESPONSE_DELAY", "250")
	t.Setenv("ORDER_LOOKUP_TIMEOUT", "2s")
	t.Setenv("RULES_STRICT", "yes")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("ORDER_SERVICE_ADDR", "orders:50051")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Rules.ResponseDelay != 250*time.Millisecond {
		t.Errorf("Rules.ResponseDelay = %v, want 250ms", cfg.Rules.ResponseDelay)
	}
	if cfg.Orders.LookupTimeout != 2*time.Second {
		t.Errorf("Orders.LookupTimeout = %v, want 2s", cfg.Orders.LookupTimeout)
	}
	if !cfg.Rules.Strict {
		t.Error("Rules.Strict = false, want true")
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.Orders.ServiceAddr != "orders:50051" {
		t.Errorf("Orders.ServiceAddr = %q", cfg.Orders.ServiceAddr)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"zero order id length", "ORDER_ID_LENGTH", "0"},
		{"zero history", "HISTORY_LIMIT", "0"},
		{"zero rate limit", "RATE_LIMIT_PER_MINUTE", "-1"},
		{"empty db path", "DB_PATH", ""},
		{"empty rules path", "RULES_PATH", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%q succeeded, want error", tt.key, tt.value)
			}
		})
	}
}

func TestOperatorTokenRequiredInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("FRONTEND_URL", "https://shop.example")

	if _, err := Load(); err == nil {
		t.Fatal("Load() without OPERATOR_TOKEN succeeded in production, want error")
	}

	t.Setenv("OPERATOR_TOKEN", "s3cret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OperatorToken != "s3cret" {
		t.Errorf("OperatorToken = %q, want s3cret", cfg.OperatorToken)
	}
}

func TestGetEnvDurationFallback(t *testing.T) {
	t.Setenv("X_DURATION", "soon")
	if got := getEnvDuration("X_DURATION", time.Second); got != time.Second {
		t.Errorf("getEnvDuration() = %v, want fallback 1s", got)
	}
}
