package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Queue.Workers != 4 {
		t.Errorf("workers: got %d, want 4", cfg.Queue.Workers)
	}
	if cfg.Queue.PollInterval != 50*time.Millisecond {
		t.Errorf("poll interval: got %v", cfg.Queue.PollInterval)
	}
	if cfg.Server.Addr == "" {
		t.Error("server addr should have a default")
	}
}

func TestLoadPartialConfigAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
queue:
  workers: 2
plugins:
  - key: csv
    glob: "*.csv"
    unique_column: id
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Queue.Workers != 2 {
		t.Errorf("workers: got %d, want 2", cfg.Queue.Workers)
	}
	if cfg.Queue.PollInterval != 50*time.Millisecond {
		t.Error("absent poll interval should default")
	}

	override, ok := cfg.PluginOverride("csv")
	if !ok {
		t.Fatal("csv override should exist")
	}
	if override.UniqueColumn != "id" {
		t.Errorf("unique column: got %s", override.UniqueColumn)
	}

	if _, ok := cfg.PluginOverride("json"); ok {
		t.Error("json override should not exist")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("queue: [broken"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".plait", "config.yaml")

	cfg := Default()
	cfg.Queue.Workers = 8
	cfg.Watch.Enabled = true

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Queue.Workers != 8 {
		t.Errorf("workers: got %d, want 8", loaded.Queue.Workers)
	}
	if !loaded.Watch.Enabled {
		t.Error("watch should be enabled")
	}
}

func TestDebounceDuration(t *testing.T) {
	w := WatchConfig{Debounce: "250ms"}
	if w.DebounceDuration() != 250*time.Millisecond {
		t.Errorf("got %v", w.DebounceDuration())
	}

	w = WatchConfig{Debounce: "garbage"}
	if w.DebounceDuration() != 100*time.Millisecond {
		t.Errorf("fallback: got %v", w.DebounceDuration())
	}
}
