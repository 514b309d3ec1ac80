package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.HTTPPort != 8000 {
		t.Fatalf("expected default port 8000, got %d", cfg.HTTPPort)
	}
	if cfg.UpstreamTimeout != 30*time.Second {
		t.Fatalf("unexpected upstream timeout: %v", cfg.UpstreamTimeout)
	}
	if cfg.ContextWindowTurns != 20 {
		t.Fatalf("unexpected window: %d", cfg.ContextWindowTurns)
	}
	if len(cfg.CORSAllowOrigins) != 1 || cfg.CORSAllowOrigins[0] != "http://localhost:5173" {
		t.Fatalf("unexpected origins: %v", cfg.CORSAllowOrigins)
	}
	if strings.Contains(cfg.DatabaseURL, "cache=shared") || !strings.Contains(cfg.DatabaseURL, "_journal_mode=WAL") {
		t.Fatalf("unexpected database url: %s", cfg.DatabaseURL)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9001")
	t.Setenv("CORS_ALLOW_ORIGINS", "http://a.test, ,http://b.test")
	t.Setenv("UPSTREAM_RPS", "2.5")
	t.Setenv("CONTEXT_WINDOW_TURNS", "not-a-number")

	cfg := Load()
	if cfg.HTTPPort != 9001 {
		t.Fatalf("expected 9001, got %d", cfg.HTTPPort)
	}
	if len(cfg.CORSAllowOrigins) != 2 || cfg.CORSAllowOrigins[1] != "http://b.test" {
		t.Fatalf("unexpected origins: %v", cfg.CORSAllowOrigins)
	}
	if cfg.UpstreamRPS != 2.5 {
		t.Fatalf("unexpected rps: %v", cfg.UpstreamRPS)
	}
	if cfg.ContextWindowTurns != 20 {
		t.Fatalf("invalid value should fall back to default, got %d", cfg.ContextWindowTurns)
	}
}
