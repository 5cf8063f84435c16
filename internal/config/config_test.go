package config

import (
	"testing"
	"time"
)

func TestParseMethods(t *testing.T) {
	t.Parallel()

	m := parseMethods(" get, HEAD ,,post")
	for _, want := range []string{"GET", "HEAD", "POST"} {
		if !m[want] {
			t.Errorf("parseMethods missing %s: %v", want, m)
		}
	}
	if len(m) != 3 {
		t.Errorf("parseMethods kept %d entries, want 3: %v", len(m), m)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("X_STR", "value")
	t.Setenv("X_BOOL", "yes")
	t.Setenv("X_INT", "42")
	t.Setenv("X_DUR", "250ms")
	t.Setenv("X_BAD_INT", "forty")

	if got := envStr("X_STR", "d"); got != "value" {
		t.Errorf("envStr = %q", got)
	}
	if got := envStr("X_UNSET", "d"); got != "d" {
		t.Errorf("envStr default = %q", got)
	}
	if !envBool("X_BOOL", false) {
		t.Error("envBool should accept yes")
	}
	if got := envInt("X_INT", 0); got != 42 {
		t.Errorf("envInt = %d", got)
	}
	if got := envInt("X_BAD_INT", 7); got != 7 {
		t.Errorf("envInt should fall back on junk, got %d", got)
	}
	if got := envDur("X_DUR", 0); got != 250*time.Millisecond {
		t.Errorf("envDur = %v", got)
	}
}

func TestLoadRateLimitConfigClamps(t *testing.T) {
	t.Setenv("RATE_LIMIT_CAPACITY", "0")
	t.Setenv("RATE_LIMIT_REFILL_TOKENS", "-3")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "2s")
	t.Setenv("RATE_LIMIT_TTL", "1s")

	cfg := LoadRateLimitConfig()
	if cfg.Capacity != 1 {
		t.Errorf("Capacity = %d, want clamp to 1", cfg.Capacity)
	}
	if cfg.RefillTokens != 1 {
		t.Errorf("RefillTokens = %d, want clamp to 1", cfg.RefillTokens)
	}
	if want := 10 * time.Second; cfg.TTL != want {
		t.Errorf("TTL = %v, want raised to %v", cfg.TTL, want)
	}
}

func TestLoadRateLimitConfigBurstShorthand(t *testing.T) {
	t.Setenv("RATE_LIMIT_CAPACITY", "60")
	t.Setenv("RATE_LIMIT_BURST", "5")
	t.Setenv("RATE_LIMIT_REFILL_EVERY", "3s")

	cfg := LoadRateLimitConfig()
	if cfg.Capacity != 5 {
		t.Errorf("Capacity = %d, want burst override 5", cfg.Capacity)
	}
	if cfg.RefillTokens != 1 || cfg.RefillInterval != 3*time.Second {
		t.Errorf("refill = %d per %v, want 1 per 3s", cfg.RefillTokens, cfg.RefillInterval)
	}
}
