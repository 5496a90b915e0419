// Package config loads companion configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// RuntimeConfig selects the LLM provider driving the chat runtime.
type RuntimeConfig struct {
	Provider  string `yaml:"provider"` // anthropic, openai, mock
	Model     string `yaml:"model"`
	MaxSteps  int    `yaml:"max_steps"`
	APIKeyEnv string `yaml:"api_key_env"`
	System    string `yaml:"system"`
}

// AuditConfig tunes the tool audit trail.
type AuditConfig struct {
	MaxPayloadBytes int      `yaml:"max_payload_bytes"`
	RedactKeys      []string `yaml:"redact_keys"`
}

// Config is the top-level companion configuration.
type Config struct {
	StorePath     string        `yaml:"store_path"`
	Logging       LoggingConfig `yaml:"logging"`
	TriggerTick   time.Duration `yaml:"trigger_tick"`
	SchedulerTick time.Duration `yaml:"scheduler_tick"`
	AgentTimeout  time.Duration `yaml:"agent_timeout"`
	Runtime       RuntimeConfig `yaml:"runtime"`
	Audit         AuditConfig   `yaml:"audit"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		StorePath: "companion.db",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		TriggerTick:   time.Second,
		SchedulerTick: time.Second,
		AgentTimeout:  60 * time.Second,
		Runtime: RuntimeConfig{
			Provider: "anthropic",
			MaxSteps: 10,
		},
		Audit: AuditConfig{
			MaxPayloadBytes: 16 * 1024,
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("store_path is required")
	}
	if c.TriggerTick <= 0 {
		return fmt.Errorf("trigger_tick must be positive")
	}
	if c.SchedulerTick <= 0 {
		return fmt.Errorf("scheduler_tick must be positive")
	}
	if c.AgentTimeout <= 0 {
		return fmt.Errorf("agent_timeout must be positive")
	}
	if c.Runtime.MaxSteps <= 0 {
		return fmt.Errorf("runtime.max_steps must be positive")
	}
	switch c.Runtime.Provider {
	case "anthropic", "openai", "mock":
	default:
		return fmt.Errorf("unknown runtime provider %q", c.Runtime.Provider)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}
	return nil
}

// APIKey resolves the provider API key from the configured environment
// variable, when set.
func (c RuntimeConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}
