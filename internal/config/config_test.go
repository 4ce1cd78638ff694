package config

import (
	"testing"
	"time"
)

func TestLoadAgentDefaults(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "")
	t.Setenv("MAX_ATTEMPTS", "")
	t.Setenv("PAYMENT_WINDOW_HOURS", "")

	cfg := LoadAgent()
	if cfg.SyncInterval != 30*time.Second {
		t.Fatalf("expected default sync interval, got %s", cfg.SyncInterval)
	}
	if cfg.MaxAttempts != 5 {
		t.Fatalf("expected default retry budget 5, got %d", cfg.MaxAttempts)
	}
	if cfg.PaymentWindow != 24*time.Hour {
		t.Fatalf("expected default payment window 24h, got %s", cfg.PaymentWindow)
	}
}

func TestLoadAgentParsesDurations(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "90s")
	t.Setenv("STABILIZATION_WINDOW", "2s")
	t.Setenv("PAYMENT_WINDOW_HOURS", "48")

	cfg := LoadAgent()
	if cfg.SyncInterval != 90*time.Second {
		t.Fatalf("expected 90s sync interval, got %s", cfg.SyncInterval)
	}
	if cfg.StabilizationWindow != 2*time.Second {
		t.Fatalf("expected 2s stabilization window, got %s", cfg.StabilizationWindow)
	}
	if cfg.PaymentWindow != 48*time.Hour {
		t.Fatalf("expected 48h payment window, got %s", cfg.PaymentWindow)
	}
}

func TestLoadAgentRejectsInvalidValues(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "not-a-duration")
	t.Setenv("MAX_ATTEMPTS", "-3")

	cfg := LoadAgent()
	if cfg.SyncInterval != 30*time.Second {
		t.Fatalf("invalid duration must fall back to default, got %s", cfg.SyncInterval)
	}
	if cfg.MaxAttempts != 5 {
		t.Fatalf("non-positive retry budget must fall back to default, got %d", cfg.MaxAttempts)
	}
}

func TestLoadServerDoesNotInjectWeakAuthDefault(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := LoadServer()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestServerAddress(t *testing.T) {
	t.Setenv("PORT", "9090")
	if got := LoadServer().Address(); got != ":9090" {
		t.Fatalf("expected :9090, got %q", got)
	}
}
