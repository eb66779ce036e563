package config

import (
	"os"
	"path/filepath"

	"github.com/wopr-dev/wopr-acp/errors"
	"gopkg.in/yaml.v3"
)

// ContextConfig tunes editor context handling.
type ContextConfig struct {
	// Hidden holds doublestar glob patterns. Open files matching one are
	// reported to the agent by path only, never by content.
	Hidden []string `yaml:"hidden"`
}

type Config struct {
	Bridge         string        `yaml:"bridge"`
	Model          string        `yaml:"model"`
	DefaultSession string        `yaml:"default_session"`
	Context        ContextConfig `yaml:"context"`
}

// LoadConfig loads configuration from the user's home directory and the
// current working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	// Load user-level config first
	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".wopr-acp", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	// Load project-level config, overriding user-level
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".wopr-acp", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	if cfg.DefaultSession == "" {
		cfg.DefaultSession = "wopr"
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, which gives a simple
	// merge where project-level config replaces user-level.
	return yaml.Unmarshal(data, cfg)
}
