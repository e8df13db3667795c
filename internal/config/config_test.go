package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.MaxUsers != 40 {
		t.Fatalf("MaxUsers = %d, want 40", cfg.MaxUsers)
	}
	if cfg.MaxAttachmentBytes != 5*1024*1024 {
		t.Fatalf("MaxAttachmentBytes = %d, want 5 MiB", cfg.MaxAttachmentBytes)
	}
	if cfg.TypingWindow != time.Second {
		t.Fatalf("TypingWindow = %v, want 1s", cfg.TypingWindow)
	}
	if cfg.DraftDebounce != 500*time.Millisecond {
		t.Fatalf("DraftDebounce = %v, want 500ms", cfg.DraftDebounce)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HUDDLE_MAX_USERS", "3")
	t.Setenv("HUDDLE_TYPING_WINDOW", "250ms")
	t.Setenv("HUDDLE_DRAFT_DEBOUNCE", "900")
	t.Setenv("REALTIME_REDIS_RELAY", "true")
	t.Setenv("HUDDLE_WRITE_RPS", "not-a-number")

	cfg := Load()
	if cfg.MaxUsers != 3 {
		t.Fatalf("MaxUsers = %d, want 3", cfg.MaxUsers)
	}
	if cfg.TypingWindow != 250*time.Millisecond {
		t.Fatalf("TypingWindow = %v, want 250ms", cfg.TypingWindow)
	}
	if cfg.DraftDebounce != 900*time.Millisecond {
		t.Fatalf("DraftDebounce = %v, want 900ms", cfg.DraftDebounce)
	}
	if !cfg.RealtimeRedisRelay {
		t.Fatal("expected RealtimeRedisRelay to be enabled")
	}
	if cfg.WriteRPS != 5 {
		t.Fatalf("WriteRPS = %v, want fallback 5", cfg.WriteRPS)
	}
}
