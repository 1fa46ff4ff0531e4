package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileAppliesValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forge-config.json")
	content := `{
		"port": 9000,
		"default_backend": "openai",
		"idle_timeout": "90s",
		"credential_keys": ["sk-one", "sk-two"]
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("port = %d", cfg.Port)
	}
	if cfg.DefaultBackend != "openai" {
		t.Fatalf("backend = %q", cfg.DefaultBackend)
	}
	if cfg.IdleTimeout != 90*time.Second {
		t.Fatalf("idle timeout = %v", cfg.IdleTimeout)
	}
	if len(cfg.CredentialKeys) != 2 {
		t.Fatalf("keys = %v", cfg.CredentialKeys)
	}
	// Untouched fields keep defaults.
	if cfg.Host != "127.0.0.1" {
		t.Fatalf("host = %q", cfg.Host)
	}
	if cfg.OverallTimeout != 30*time.Minute {
		t.Fatalf("overall timeout = %v", cfg.OverallTimeout)
	}
}

func TestLoadFileRejectsUnknownBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forge-config.json")
	if err := os.WriteFile(path, []byte(`{"default_backend":"gemini"}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadFileRejectsBadPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forge-config.json")
	if err := os.WriteFile(path, []byte(`{"port":-1}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected validation error")
	}
}
