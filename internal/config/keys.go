package config

import (
	"errors"
	"os"
	"strings"
)

// apiKeyEnv is the environment variable consulted before the config file.
const apiKeyEnv = "ANTHROPIC_API_KEY"

// ErrNoAPIKey indicates neither the environment nor the configuration
// carries a usable Anthropic API key.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// KeySource identifies where an API key was resolved from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// GetAPIKey resolves the Anthropic API key for direct API calls. The
// environment variable wins over the config file. Config values may
// reference environment variables; an unexpanded ${VAR} placeholder
// counts as unset.
func GetAPIKey(cfg *Config) (string, error) {
	key, source := resolveKey(cfg)
	if source == KeySourceNone {
		return "", ErrNoAPIKey
	}
	return key, nil
}

// GetAPIKeySource reports where GetAPIKey would find the key, without
// exposing the key itself.
func GetAPIKeySource(cfg *Config) KeySource {
	_, source := resolveKey(cfg)
	return source
}

// resolveKey applies the env-then-config lookup order shared by
// GetAPIKey and GetAPIKeySource.
func resolveKey(cfg *Config) (string, KeySource) {
	if key := os.Getenv(apiKeyEnv); key != "" {
		return key, KeySourceEnv
	}

	if cfg != nil && cfg.Anthropic.APIKey != "" {
		key := os.ExpandEnv(cfg.Anthropic.APIKey)
		if key != "" && !strings.HasPrefix(key, "${") {
			return key, KeySourceConfig
		}
	}

	return "", KeySourceNone
}

// ValidateAPIKey checks the key's shape without calling the API:
// Anthropic keys carry an sk-ant- prefix and are never this short.
func ValidateAPIKey(key string) error {
	if key == "" {
		return ErrNoAPIKey
	}
	if !strings.HasPrefix(key, "sk-ant-") {
		return errors.New("invalid API key format: expected 'sk-ant-' prefix")
	}
	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}
	return nil
}

// MaskAPIKey renders the key for display: the sk-ant- prefix and the
// last four characters, with everything between elided.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
