package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/harvest-engineering/harvest-executor/internal/config"
	"github.com/harvest-engineering/harvest-executor/internal/provider"
)

// sandboxNamePrefix identifies containers managed by harvest-ctl.
const sandboxNamePrefix = "harvest-"

func defaultConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "harvest", "config.toml")
	}
	return "/etc/harvest/config.toml"
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func getProvider() (provider.Provider, error) {
	p, err := provider.NewDockerProvider(sandboxNamePrefix)
	if err != nil {
		return nil, fmt.Errorf("no container engine available: %w", err)
	}
	return p, nil
}
