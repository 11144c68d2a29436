package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.PollInterval != 120*time.Second {
		t.Fatalf("PollInterval = %s, want 120s", cfg.PollInterval)
	}
	if cfg.SubPollInterval != 3*time.Second {
		t.Fatalf("SubPollInterval = %s, want 3s", cfg.SubPollInterval)
	}
	if cfg.CycleCap != 15*time.Second {
		t.Fatalf("CycleCap = %s, want 15s", cfg.CycleCap)
	}
	if cfg.FaceMode != "search" {
		t.Fatalf("FaceMode = %s, want search", cfg.FaceMode)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "30s")
	t.Setenv("FACE_SKIP", "false")
	t.Setenv("JPEG_QUALITY", "65")
	t.Setenv("FACE_MODE", "verify")

	cfg := Load()
	if cfg.PollInterval != 30*time.Second {
		t.Fatalf("PollInterval = %s, want 30s", cfg.PollInterval)
	}
	if cfg.FaceSkip {
		t.Fatal("FaceSkip = true, want false")
	}
	if cfg.JPEGQuality != 65 {
		t.Fatalf("JPEGQuality = %d, want 65", cfg.JPEGQuality)
	}
	if cfg.FaceMode != "verify" {
		t.Fatalf("FaceMode = %s, want verify", cfg.FaceMode)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("CYCLE_CAP", "soon")
	t.Setenv("RATE_LIMIT_PER_MIN", "many")
	t.Setenv("CAMERA_SKIP", "maybe")

	cfg := Load()
	if cfg.CycleCap != 15*time.Second {
		t.Fatalf("CycleCap = %s, want fallback 15s", cfg.CycleCap)
	}
	if cfg.RateLimitPerMin != 120 {
		t.Fatalf("RateLimitPerMin = %d, want fallback 120", cfg.RateLimitPerMin)
	}
	if !cfg.CameraSkip {
		t.Fatal("CameraSkip = false, want fallback true")
	}
}
