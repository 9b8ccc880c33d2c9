package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jra3/vaultd/internal/config"
)

// loadConfig loads config.yaml honoring --config, falling back to
// config.Load's XDG-then-~/.config resolution when cfgFile is unset.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Load()
	}
	data, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
	}
	cfg := config.DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", cfgFile, err)
	}
	return cfg, nil
}
