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
	if cfg.BindAddr != ":8000" {
		t.Fatalf("BindAddr = %q, want :8000", cfg.BindAddr)
	}
	if cfg.RateLimitMax != 10 || cfg.RateLimitWindow != time.Minute {
		t.Fatalf("rate limit defaults = %d/%v", cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	if cfg.TTSCacheTTL != 6*time.Hour {
		t.Fatalf("TTSCacheTTL = %v, want 6h", cfg.TTSCacheTTL)
	}
	if cfg.ApologyText == "" {
		t.Fatalf("ApologyText empty")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_BIND_ADDR", ":9999")
	t.Setenv("RATE_LIMIT_MAX", "3")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("SESSION_MAX_CHUNK_BYTES", "1024")
	t.Setenv("LLM_TEMPERATURE", "0.2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9999" || cfg.RateLimitMax != 3 || cfg.RateLimitWindow != 30*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.SessionChunkBytes != 1024 {
		t.Fatalf("SessionChunkBytes = %d, want 1024", cfg.SessionChunkBytes)
	}
	if cfg.LLMTemperature != 0.2 {
		t.Fatalf("LLMTemperature = %v, want 0.2", cfg.LLMTemperature)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"RATE_LIMIT_MAX":                 "0",
		"APP_SESSION_INACTIVITY_TIMEOUT": "1s",
		"LLM_TEMPERATURE":                "9",
		"RATE_LIMIT_WINDOW":              "not-a-duration",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%s succeeded, want error", key, val)
			}
		})
	}
}

func TestLoadRejectsChunkCapAboveSessionCap(t *testing.T) {
	t.Setenv("SESSION_MAX_BYTES", "1000")
	t.Setenv("SESSION_MAX_CHUNK_BYTES", "2000")
	if _, err := Load(); err == nil {
		t.Fatalf("expected cap ordering error")
	}
}
