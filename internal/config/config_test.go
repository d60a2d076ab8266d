package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.QueueDebounceTime != 50*time.Millisecond {
		t.Errorf("QueueDebounceTime = %v, want 50ms", cfg.QueueDebounceTime)
	}
	if cfg.QueueMaxSize != 3 {
		t.Errorf("QueueMaxSize = %d, want 3", cfg.QueueMaxSize)
	}
	if !cfg.QueueValidate {
		t.Error("QueueValidate = false, want true")
	}
	if cfg.PersistenceSchemaVersion != 1 {
		t.Errorf("PersistenceSchemaVersion = %d, want 1", cfg.PersistenceSchemaVersion)
	}
	if cfg.MaxConns != 100 {
		t.Errorf("MaxConns = %d, want 100", cfg.MaxConns)
	}
	if cfg.IsSet("queue.debounce_time_ms") {
		t.Error("IsSet(queue.debounce_time_ms) = true for an unset default, want false")
	}
}

func TestLoadReadsProjectConfigFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".wscore"), 0750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	yaml := "queue:\n  debounce_time_ms: 250\n  max_queue_size: 9\nbroadcast:\n  retry: true\n"
	if err := os.WriteFile(filepath.Join(dir, ".wscore", "config.yaml"), []byte(yaml), 0640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.QueueDebounceTime != 250*time.Millisecond {
		t.Errorf("QueueDebounceTime = %v, want 250ms", cfg.QueueDebounceTime)
	}
	if cfg.QueueMaxSize != 9 {
		t.Errorf("QueueMaxSize = %d, want 9", cfg.QueueMaxSize)
	}
	if !cfg.BroadcastRetry {
		t.Error("BroadcastRetry = false, want true from config file")
	}
	if !cfg.IsSet("queue.debounce_time_ms") {
		t.Error("IsSet(queue.debounce_time_ms) = false, want true once set by config file")
	}
}

func TestLoadEnvOverridesConfigFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".wscore"), 0750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	yaml := "queue:\n  max_queue_size: 9\n"
	if err := os.WriteFile(filepath.Join(dir, ".wscore", "config.yaml"), []byte(yaml), 0640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("WSCORE_QUEUE_MAX_QUEUE_SIZE", "42")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.QueueMaxSize != 42 {
		t.Errorf("QueueMaxSize = %d, want 42 from environment override", cfg.QueueMaxSize)
	}
}

func TestLoadEmptyWorkspaceDirFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.QueueMaxSize != 3 {
		t.Errorf("QueueMaxSize = %d, want default 3 with no workspace dir", cfg.QueueMaxSize)
	}
}
