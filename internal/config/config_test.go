package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "field-team"
	cfg.Server.BaseURL = "https://relay.example.org"
	cfg.Sync.PullInterval = duration(2 * time.Second)
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "field-team" {
		t.Errorf("DefaultProfile = %q, want field-team", loaded.DefaultProfile)
	}
	if loaded.Server.BaseURL != "https://relay.example.org" {
		t.Errorf("BaseURL = %q", loaded.Server.BaseURL)
	}
	if loaded.Sync.PullInterval.Duration() != 2*time.Second {
		t.Errorf("PullInterval = %v, want 2s", loaded.Sync.PullInterval.Duration())
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadAppliesDefaultsForUnsetFields(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(path, []byte("default_profile = \"x\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	def := Default()
	if cfg.Sync.MaxRetries != def.Sync.MaxRetries {
		t.Errorf("MaxRetries = %d, want default %d", cfg.Sync.MaxRetries, def.Sync.MaxRetries)
	}
	if cfg.Storage.MessageHighWater != def.Storage.MessageHighWater {
		t.Errorf("MessageHighWater = %d, want default", cfg.Storage.MessageHighWater)
	}
	if cfg.Sync.BackoffCap.Duration() < cfg.Sync.BackoffBase.Duration() {
		t.Error("BackoffCap below BackoffBase after defaulting")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
