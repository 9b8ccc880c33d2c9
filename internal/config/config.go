// Package config loads vaultd's layered configuration: a YAML file
// under XDG_CONFIG_HOME (or ~/.config as a fallback), overridden by a
// small set of environment variables — the same layering
// jra3-linear-fuse/internal/config uses for its own single API-key
// override, generalized here to the handful of fields an operator is
// most likely to want to override per-deployment without editing the
// file (vault root, remote credentials).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is vaultd's full runtime configuration.
type Config struct {
	VaultRoot string         `yaml:"vault_root"`
	Sync      SyncConfig     `yaml:"sync"`
	Rollup    RollupConfig   `yaml:"rollup"`
	Lock      LockConfig     `yaml:"lock"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Log       LogConfig      `yaml:"log"`
}

// SyncConfig controls the external-calendar reconciliation loop.
type SyncConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Endpoint    string        `yaml:"endpoint"`
	Credential  string        `yaml:"credential"`
	RateLimitRPS float64      `yaml:"rate_limit_rps"`
}

// RollupConfig controls the default daily/weekly aggregation schedule.
type RollupConfig struct {
	Zone       string `yaml:"zone"`
	DailyCron  string `yaml:"daily_cron"`
	WeeklyCron string `yaml:"weekly_cron"`
}

// LockConfig controls the per-entity advisory lock timeout (spec §4.4).
type LockConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// IdempotencyConfig controls fingerprint retention (spec §4.7).
type IdempotencyConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// LogConfig holds the log level and log file settings. They are parsed
// from the config file, but nothing in vaultd reads them: logging goes
// through the standard library log package's default logger.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the configuration used when no file or
// environment override is present.
func DefaultConfig() *Config {
	return &Config{
		VaultRoot: "",
		Sync: SyncConfig{
			Interval:     5 * time.Minute,
			RateLimitRPS: 1,
		},
		Rollup: RollupConfig{
			Zone:      "UTC",
			DailyCron: "0 8 * * *",
		},
		Lock: LockConfig{
			Timeout: 10 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			TTL: 30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment
// lookup function, so tests can supply isolated values.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPathWithEnv(getenv)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if root := getenv("VAULTD_VAULT_ROOT"); root != "" {
		cfg.VaultRoot = root
	}
	if endpoint := getenv("VAULTD_SYNC_ENDPOINT"); endpoint != "" {
		cfg.Sync.Endpoint = endpoint
	}
	if cred := getenv("VAULTD_SYNC_CREDENTIAL"); cred != "" {
		cfg.Sync.Credential = cred
	}

	return cfg, nil
}

func getConfigPath() string {
	return getConfigPathWithEnv(os.Getenv)
}

func getConfigPathWithEnv(getenv func(string) string) string {
	if xdgConfig := getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "vaultd", "config.yaml")
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "vaultd", "config.yaml")
}
