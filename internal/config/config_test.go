package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{
		DefaultProfile: "work",
		UserID:         "alice",
		Remote:         Remote{BaseURL: "http://store.example:8080"},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.UserID != "alice" {
		t.Errorf("UserID = %q, want alice", loaded.UserID)
	}
	if loaded.Remote.BaseURL != "http://store.example:8080" {
		t.Errorf("Remote.BaseURL = %q", loaded.Remote.BaseURL)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := Save(path, &Config{UserID: "alice"}); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Sync.PageSize != 50 {
		t.Errorf("PageSize = %d, want 50", loaded.Sync.PageSize)
	}
	if loaded.Remote.RequestTimeout != 15 {
		t.Errorf("RequestTimeout = %d, want 15", loaded.Remote.RequestTimeout)
	}
	if loaded.Network.ProbeInterval != 10 {
		t.Errorf("ProbeInterval = %d, want 10", loaded.Network.ProbeInterval)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should require user_id")
	}
	cfg.UserID = "alice"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should require remote.base_url")
	}
	cfg.Remote.BaseURL = "http://store.example"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
