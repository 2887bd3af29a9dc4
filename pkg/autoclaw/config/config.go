// Package config loads AutoClaw configuration from YAML with environment
// variable expansion and .env support.
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jholhewres/autoclaw/pkg/autoclaw/provider"
)

// Config is the root configuration.
type Config struct {
	// Workspace is the directory all file actions are confined to.
	Workspace string `yaml:"workspace"`

	// Database is the SQLite file path.
	Database string `yaml:"database"`

	Log       LogConfig       `yaml:"log"`
	Provider  provider.Config `yaml:"provider"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Trust     TrustConfig     `yaml:"trust"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// SchedulerConfig controls the in-process cron driver.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TrustConfig lists resources that require high trust to grant.
type TrustConfig struct {
	PrivilegedResources []string `yaml:"privileged_resources"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Workspace: "./workspace",
		Database:  "autoclaw.db",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Provider: provider.Config{
			Model: "gpt-4o-mini",
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
		},
		Trust: TrustConfig{
			PrivilegedResources: []string{"files", "rules", "system"},
		},
	}
}

// Parse parses YAML bytes into a Config, starting from defaults and
// overlaying values from the YAML.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}
