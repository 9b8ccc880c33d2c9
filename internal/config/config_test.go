package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mockEnv(env map[string]string) func(string) string {
	return func(key string) string {
		return env[key]
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig() returned nil")
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("DefaultConfig() Sync.Interval = %v, want %v", cfg.Sync.Interval, 5*time.Minute)
	}
	if cfg.Lock.Timeout != 10*time.Second {
		t.Errorf("DefaultConfig() Lock.Timeout = %v, want %v", cfg.Lock.Timeout, 10*time.Second)
	}
	if cfg.Rollup.Zone != "UTC" {
		t.Errorf("DefaultConfig() Rollup.Zone = %q, want %q", cfg.Rollup.Zone, "UTC")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("DefaultConfig() Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.VaultRoot != "" {
		t.Errorf("DefaultConfig() VaultRoot should be empty, got %q", cfg.VaultRoot)
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "vaultd")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `
vault_root: /home/user/vault
sync:
  interval: 2m
  endpoint: https://calendar.example.com/api
rollup:
  zone: America/New_York
  daily_cron: "0 7 * * *"
log:
  level: debug
  file: /var/log/vaultd.log
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{"XDG_CONFIG_HOME": tmpDir})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.VaultRoot != "/home/user/vault" {
		t.Errorf("VaultRoot = %q, want %q", cfg.VaultRoot, "/home/user/vault")
	}
	if cfg.Sync.Interval != 2*time.Minute {
		t.Errorf("Sync.Interval = %v, want %v", cfg.Sync.Interval, 2*time.Minute)
	}
	if cfg.Rollup.Zone != "America/New_York" {
		t.Errorf("Rollup.Zone = %q, want %q", cfg.Rollup.Zone, "America/New_York")
	}
	if cfg.Log.File != "/var/log/vaultd.log" {
		t.Errorf("Log.File = %q, want %q", cfg.Log.File, "/var/log/vaultd.log")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "vaultd")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(`vault_root: /from/file`), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME":  tmpDir,
		"VAULTD_VAULT_ROOT": "/from/env",
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}
	if cfg.VaultRoot != "/from/env" {
		t.Errorf("VaultRoot = %q, want %q (env override)", cfg.VaultRoot, "/from/env")
	}
}

func TestLoadNoConfigFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	env := mockEnv(map[string]string{"XDG_CONFIG_HOME": tmpDir})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("expected default Sync.Interval, got %v", cfg.Sync.Interval)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "vaultd")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	invalidContent := "vault_root: [unterminated"
	if err := os.WriteFile(configPath, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{"XDG_CONFIG_HOME": tmpDir})
	if _, err := LoadWithEnv(env); err == nil {
		t.Error("LoadWithEnv() with invalid YAML should return error")
	}
}

func TestGetConfigPathXDG(t *testing.T) {
	t.Parallel()
	tmpDir := "/custom/config/path"
	env := mockEnv(map[string]string{"XDG_CONFIG_HOME": tmpDir})

	path := getConfigPathWithEnv(env)
	expected := filepath.Join(tmpDir, "vaultd", "config.yaml")
	if path != expected {
		t.Errorf("getConfigPathWithEnv() = %q, want %q", path, expected)
	}
}

func TestGetConfigPathFallback(t *testing.T) {
	t.Parallel()
	env := mockEnv(map[string]string{})

	path := getConfigPathWithEnv(env)
	home, _ := os.UserHomeDir()
	expected := filepath.Join(home, ".config", "vaultd", "config.yaml")
	if path != expected {
		t.Errorf("getConfigPathWithEnv() = %q, want %q", path, expected)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "vaultd")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := "sync:\n  interval: 90s\n"
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{"XDG_CONFIG_HOME": tmpDir})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}
	if cfg.Sync.Interval != 90*time.Second {
		t.Errorf("Sync.Interval = %v, want %v", cfg.Sync.Interval, 90*time.Second)
	}
	if cfg.Lock.Timeout != 10*time.Second {
		t.Errorf("Lock.Timeout = %v, want default %v", cfg.Lock.Timeout, 10*time.Second)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want default %q", cfg.Log.Level, "info")
	}
}
