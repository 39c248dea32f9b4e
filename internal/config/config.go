package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models taskloom.yml.
type Config struct {
	Project string `yaml:"project"`
	Claims  struct {
		TTLSeconds int `yaml:"ttl_seconds"`
	} `yaml:"claims"`
	Context struct {
		ChildDepth int `yaml:"child_depth"`
	} `yaml:"context"`
	Backups struct {
		Keep  int  `yaml:"keep"`
		Daily bool `yaml:"daily"`
	} `yaml:"backups"`
}

const (
	DefaultClaimTTLSeconds = 900
	DefaultChildDepth      = 2
	DefaultBackupKeep      = 10
)

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskloom.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Claims.TTLSeconds = DefaultClaimTTLSeconds
	cfg.Context.ChildDepth = DefaultChildDepth
	cfg.Backups.Keep = DefaultBackupKeep
	cfg.Backups.Daily = true
	return &cfg
}

// LoadOptional reads taskloom.yml from the workspace, falling back to
// defaults when the file does not exist. Unset fields take their default.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Claims.TTLSeconds <= 0 {
		return fmt.Errorf("config.claims.ttl_seconds must be positive")
	}
	if c.Context.ChildDepth < 0 {
		return fmt.Errorf("config.context.child_depth must not be negative")
	}
	if c.Backups.Keep <= 0 {
		return fmt.Errorf("config.backups.keep must be positive")
	}
	return nil
}
