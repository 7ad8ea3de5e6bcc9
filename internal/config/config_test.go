package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestFromYAMLPartialOverride(t *testing.T) {
	cfg, err := FromYAML([]byte(`
locks:
  lock_ttl_minutes: 45
follow_ups:
  max_count: 5
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.LockTTL() != 45*time.Minute {
		t.Fatalf("lock ttl = %v, want 45m", cfg.LockTTL())
	}
	if cfg.FollowUps.MaxCount != 5 {
		t.Fatalf("max count = %d, want 5", cfg.FollowUps.MaxCount)
	}
	// Untouched sections keep their defaults.
	if cfg.Platform.TaskKind != "case_pipeline" {
		t.Fatalf("task kind = %s", cfg.Platform.TaskKind)
	}
	if cfg.Sweeps.DismissedBreaker != 3 {
		t.Fatalf("dismissed breaker = %d, want 3", cfg.Sweeps.DismissedBreaker)
	}
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caseline.yml")
	if err := os.WriteFile(path, []byte("follow_ups:\n  max_count: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := FromFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if cfg.FollowUps.MaxCount != 7 {
		t.Fatalf("max count = %d, want 7", cfg.FollowUps.MaxCount)
	}
	if _, err := FromFile(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFromYAMLRejectsBadValues(t *testing.T) {
	bad := [][]byte{
		[]byte("locks:\n  lock_ttl_minutes: -1\n"),
		[]byte("dispatch:\n  verify_poll_seconds: 600\n  verify_window_seconds: 30\n"),
		[]byte("webhooks:\n  - secret: abc\n"),
		[]byte("not yaml at all: ["),
	}
	for _, data := range bad {
		if _, err := FromYAML(data); err == nil {
			t.Errorf("expected error for %q", string(data))
		}
	}
}
