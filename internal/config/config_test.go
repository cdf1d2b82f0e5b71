package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()

	if cfg.MQ.StreamMaxLen != 10_000 {
		t.Errorf("MQ.StreamMaxLen = %d, want 10000", cfg.MQ.StreamMaxLen)
	}
	if cfg.MQ.MaxRetries != 3 {
		t.Errorf("MQ.MaxRetries = %d, want 3", cfg.MQ.MaxRetries)
	}
	if cfg.Session.TimeoutHours != 24 {
		t.Errorf("Session.TimeoutHours = %v, want 24", cfg.Session.TimeoutHours)
	}
	if cfg.Monitoring.Cursor.QueryTimeoutS != 1.5 {
		t.Errorf("Monitoring.Cursor.QueryTimeoutS = %v, want 1.5", cfg.Monitoring.Cursor.QueryTimeoutS)
	}
	if !cfg.Store.WAL {
		t.Error("Store.WAL should default to true")
	}
}

func TestLoadAppliesUserYAML(t *testing.T) {
	dir := t.TempDir()
	yaml := "mq:\n  host: redis.internal\n  port: 6380\nsession:\n  timeout_hours: 12\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQ.Host != "redis.internal" {
		t.Errorf("MQ.Host = %q, want redis.internal", cfg.MQ.Host)
	}
	if cfg.MQ.Port != 6380 {
		t.Errorf("MQ.Port = %d, want 6380", cfg.MQ.Port)
	}
	if cfg.Session.TimeoutHours != 12 {
		t.Errorf("Session.TimeoutHours = %v, want 12", cfg.Session.TimeoutHours)
	}
	// Untouched defaults should survive the merge.
	if cfg.MQ.MaxRetries != 3 {
		t.Errorf("MQ.MaxRetries = %d, want default 3", cfg.MQ.MaxRetries)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BP_MQ_HOST", "env-redis")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQ.Host != "env-redis" {
		t.Errorf("MQ.Host = %q, want env-redis", cfg.MQ.Host)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if got, want := cfg.SessionTimeout().Hours(), 24.0; got != want {
		t.Errorf("SessionTimeout() = %v hours, want %v", got, want)
	}
	if got, want := cfg.DedupWindow().Hours(), 24.0; got != want {
		t.Errorf("DedupWindow() = %v hours, want %v", got, want)
	}
}
