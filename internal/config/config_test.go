package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFull(t *testing.T) {
	path := writeFile(t, `{
		"version": 1,
		"config": {
			"listen": ":9090",
			"store": {"backend": "sqlite", "path": "/var/lib/historian/history.db"},
			"query": {"timeout": "90s"},
			"auth": {"jwt_secret": "s3cret"},
			"rate_limit": {"rps": 10, "burst": 20},
			"collections": [
				{"name": "instances", "source": "static", "poll_interval": "30s"},
				{"name": "volumes", "source": "static"}
			]
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9090" {
		t.Errorf("Listen: got %q", cfg.Listen)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.Path == "" {
		t.Errorf("Store: got %+v", cfg.Store)
	}
	if cfg.Query.Timeout.Std() != 90*time.Second {
		t.Errorf("Timeout: got %v", cfg.Query.Timeout.Std())
	}
	if len(cfg.Collections) != 2 {
		t.Fatalf("expected 2 collections, got %d", len(cfg.Collections))
	}
	if cfg.Collections[0].PollInterval.Std() != 30*time.Second {
		t.Errorf("PollInterval: got %v", cfg.Collections[0].PollInterval.Std())
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeFile(t, `{"version": 1, "config": {}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("expected default listen, got %q", cfg.Listen)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("expected default memory backend, got %q", cfg.Store.Backend)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil for missing file, got %+v", cfg)
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unversioned", `{"config": {}}`},
		{"future version", `{"version": 99, "config": {}}`},
		{"no config object", `{"version": 1}`},
		{"bad json", `{`},
		{"unknown backend", `{"version": 1, "config": {"store": {"backend": "etcd"}}}`},
		{"sqlite without path", `{"version": 1, "config": {"store": {"backend": "sqlite"}}}`},
		{"nameless collection", `{"version": 1, "config": {"collections": [{"source": "s"}]}}`},
		{"sourceless collection", `{"version": 1, "config": {"collections": [{"name": "c"}]}}`},
		{"duplicate collection", `{"version": 1, "config": {"collections": [
			{"name": "c", "source": "s"}, {"name": "c", "source": "s"}]}}`},
		{"bad duration", `{"version": 1, "config": {"query": {"timeout": "ninety"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, tt.content)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	want := Default()
	want.Query.Timeout = Duration(2 * time.Minute)
	want.Collections = []CollectionConfig{
		{Name: "instances", Source: "static", PollInterval: Duration(time.Minute)},
	}

	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Query.Timeout != want.Query.Timeout {
		t.Errorf("Timeout: got %v, want %v", got.Query.Timeout, want.Query.Timeout)
	}
	if len(got.Collections) != 1 || got.Collections[0].Name != "instances" {
		t.Errorf("Collections: got %+v", got.Collections)
	}
	if got.Collections[0].PollInterval != want.Collections[0].PollInterval {
		t.Errorf("PollInterval: got %v", got.Collections[0].PollInterval)
	}
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := make(chan *Config, 4)
	w := NewWatcher(func(cfg *Config) { reloaded <- cfg }, nil)
	if err := w.Watch(path); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	next := Default()
	next.Listen = ":9999"
	if err := Save(path, next); err != nil {
		t.Fatalf("Save updated: %v", err)
	}
	// Rename-based replacement emits Create; a direct write emits Write.
	// Either way the watcher must deliver the new config.
	if err := os.WriteFile(path, mustEnvelope(t, next), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Listen != ":9999" {
			t.Errorf("expected reloaded listen :9999, got %q", cfg.Listen)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func mustEnvelope(t *testing.T, cfg *Config) []byte {
	t.Helper()
	tmp := filepath.Join(t.TempDir(), "tmp.json")
	if err := Save(tmp, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(tmp)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}
