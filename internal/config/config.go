// Package config handles configuration loading for orchestra.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for orchestra.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Defaults  DefaultsConfig  `mapstructure:"defaults"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Recording RecordingConfig `mapstructure:"recording"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
	// UseBedrock routes invocations through AWS Bedrock instead of the
	// direct API.
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// DefaultsConfig holds default values applied to workflows that omit them.
type DefaultsConfig struct {
	// Concurrency is the default bound on simultaneous tasks.
	Concurrency int `mapstructure:"concurrency"`
	// TokenBudget is the default run-wide token cap (0 = unlimited).
	TokenBudget int64 `mapstructure:"token_budget"`
	// ContextStrategy is the default context sharing strategy.
	ContextStrategy string `mapstructure:"context_strategy"`
	// ContextThreshold is the context pool eviction threshold in tokens.
	ContextThreshold int64 `mapstructure:"context_threshold"`
}

// TimeoutsConfig holds default timeout settings.
type TimeoutsConfig struct {
	// Task is the default per-attempt timeout.
	Task time.Duration `mapstructure:"task"`
	// Workflow is the default whole-run deadline.
	Workflow time.Duration `mapstructure:"workflow"`
}

// RecordingConfig holds run-history recording settings.
type RecordingConfig struct {
	// Enabled turns on SQLite run recording.
	Enabled bool `mapstructure:"enabled"`
	// Path overrides the database location; empty uses the project default.
	Path string `mapstructure:"path"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY)
// 2. Project config (.orchestra.yaml in current directory or parent)
// 3. User config (~/.config/orchestra/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("anthropic.aws_region", "AWS_REGION")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("anthropic.aws_profile", cfg.Anthropic.AWSProfile)
	v.Set("defaults.concurrency", cfg.Defaults.Concurrency)
	v.Set("defaults.token_budget", cfg.Defaults.TokenBudget)
	v.Set("defaults.context_strategy", cfg.Defaults.ContextStrategy)
	v.Set("defaults.context_threshold", cfg.Defaults.ContextThreshold)
	v.Set("timeouts.task", cfg.Timeouts.Task.String())
	v.Set("timeouts.workflow", cfg.Timeouts.Workflow.String())
	v.Set("recording.enabled", cfg.Recording.Enabled)
	v.Set("recording.path", cfg.Recording.Path)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.use_bedrock", false)

	v.SetDefault("defaults.concurrency", 3)
	v.SetDefault("defaults.token_budget", 0)
	v.SetDefault("defaults.context_strategy", "shared")
	v.SetDefault("defaults.context_threshold", 150000)

	v.SetDefault("timeouts.task", "5m")
	v.SetDefault("timeouts.workflow", "30m")

	v.SetDefault("recording.enabled", false)
	v.SetDefault("recording.path", "")
}

// getUserConfigDir returns the XDG config directory for orchestra.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "orchestra")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "orchestra")
	}
	return filepath.Join(home, ".config", "orchestra")
}

// findProjectConfig searches for .orchestra.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".orchestra.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Defaults: DefaultsConfig{
			Concurrency:      3,
			TokenBudget:      0,
			ContextStrategy:  "shared",
			ContextThreshold: 150000,
		},
		Timeouts: TimeoutsConfig{
			Task:     5 * time.Minute,
			Workflow: 30 * time.Minute,
		},
	}
}
