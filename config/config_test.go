package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wasmrun/engine/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.ListenAddr == "" {
		t.Error("expected a non-empty ListenAddr")
	}
	if cfg.RequestTimeout <= 0 {
		t.Errorf("RequestTimeout should be > 0, got %v", cfg.RequestTimeout)
	}
	if cfg.PerModuleCap <= 0 {
		t.Errorf("PerModuleCap should be > 0, got %d", cfg.PerModuleCap)
	}
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"listen_addr": ":9090", "modules_dir": "/var/lib/wasmrun/modules"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.ModulesDir != "/var/lib/wasmrun/modules" {
		t.Errorf("ModulesDir = %q, want override", cfg.ModulesDir)
	}
	if cfg.PerModuleCap != config.DefaultConfig().PerModuleCap {
		t.Errorf("expected unspecified fields to retain their default, got PerModuleCap=%d", cfg.PerModuleCap)
	}
}

func TestLoadConfig_RejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"not_a_real_field": true}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.LoadConfig(path); err == nil {
		t.Fatal("expected an error for an unknown config key")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not valid json}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.LoadConfig(path); err == nil {
		t.Fatal("expected an error for invalid JSON")
	}
}
