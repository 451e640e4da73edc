package config

import (
	"testing"
	"time"
)

func TestLoadFromEnv_RequiresTokenSecret(t *testing.T) {
	t.Setenv("VOX_TOKEN_SECRET", "")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error when VOX_TOKEN_SECRET is unset")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	t.Setenv("VOX_TOKEN_SECRET", "s3cret")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr=%q, want :8080", cfg.Addr)
	}
	if cfg.HeartbeatWindow != 30*time.Second {
		t.Fatalf("HeartbeatWindow=%v, want 30s", cfg.HeartbeatWindow)
	}
	if cfg.RateMaxRequests != 120 {
		t.Fatalf("RateMaxRequests=%d, want 120", cfg.RateMaxRequests)
	}
	if len(cfg.LLMFallbackOrder) != 2 || cfg.LLMFallbackOrder[0] != "gemini" {
		t.Fatalf("LLMFallbackOrder=%v", cfg.LLMFallbackOrder)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("VOX_TOKEN_SECRET", "s3cret")
	t.Setenv("VOX_HEARTBEAT_WINDOW", "10s")
	t.Setenv("VOX_LLM_FALLBACK_ORDER", "openai, gemini ,")
	t.Setenv("VOX_RATE_MAX_TOKENS", "not-a-number")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.HeartbeatWindow != 10*time.Second {
		t.Fatalf("HeartbeatWindow=%v, want 10s", cfg.HeartbeatWindow)
	}
	if len(cfg.LLMFallbackOrder) != 2 || cfg.LLMFallbackOrder[1] != "gemini" {
		t.Fatalf("LLMFallbackOrder=%v", cfg.LLMFallbackOrder)
	}
	// Unparseable value falls back to default rather than failing.
	if cfg.RateMaxTokens != 40000 {
		t.Fatalf("RateMaxTokens=%d, want default 40000", cfg.RateMaxTokens)
	}
}
