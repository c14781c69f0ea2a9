package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibeflow/orchestra/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify orchestra configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/orchestra/config.yaml
Project-specific overrides can be placed in .orchestra.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	fmt.Printf("anthropic.api_key: %s (source: %s)\n",
		config.MaskAPIKey(cfg.Anthropic.APIKey), config.GetAPIKeySource(cfg))
	fmt.Printf("anthropic.model: %s\n", orDefault(cfg.Anthropic.Model, "(sdk default)"))
	fmt.Printf("anthropic.use_bedrock: %t\n", cfg.Anthropic.UseBedrock)
	fmt.Printf("defaults.concurrency: %d\n", cfg.Defaults.Concurrency)
	fmt.Printf("defaults.token_budget: %d\n", cfg.Defaults.TokenBudget)
	fmt.Printf("defaults.context_strategy: %s\n", cfg.Defaults.ContextStrategy)
	fmt.Printf("defaults.context_threshold: %d\n", cfg.Defaults.ContextThreshold)
	fmt.Printf("timeouts.task: %s\n", cfg.Timeouts.Task)
	fmt.Printf("timeouts.workflow: %s\n", cfg.Timeouts.Workflow)
	fmt.Printf("recording.enabled: %t\n", cfg.Recording.Enabled)
	fmt.Printf("recording.path: %s\n", orDefault(cfg.Recording.Path, "(project default)"))
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		return config.MaskAPIKey(cfg.Anthropic.APIKey), nil
	case "anthropic.model":
		return cfg.Anthropic.Model, nil
	case "anthropic.use_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseBedrock), nil
	case "anthropic.aws_region":
		return cfg.Anthropic.AWSRegion, nil
	case "anthropic.aws_profile":
		return cfg.Anthropic.AWSProfile, nil
	case "defaults.concurrency":
		return strconv.Itoa(cfg.Defaults.Concurrency), nil
	case "defaults.token_budget":
		return strconv.FormatInt(cfg.Defaults.TokenBudget, 10), nil
	case "defaults.context_strategy":
		return cfg.Defaults.ContextStrategy, nil
	case "defaults.context_threshold":
		return strconv.FormatInt(cfg.Defaults.ContextThreshold, 10), nil
	case "timeouts.task":
		return cfg.Timeouts.Task.String(), nil
	case "timeouts.workflow":
		return cfg.Timeouts.Workflow.String(), nil
	case "recording.enabled":
		return strconv.FormatBool(cfg.Recording.Enabled), nil
	case "recording.path":
		return cfg.Recording.Path, nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		// Allow ${VAR} references through; literal keys must look real.
		if !strings.Contains(value, "${") {
			if err := config.ValidateAPIKey(value); err != nil {
				return err
			}
		}
		cfg.Anthropic.APIKey = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "anthropic.use_bedrock":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for use_bedrock: %w", err)
		}
		cfg.Anthropic.UseBedrock = b
	case "anthropic.aws_region":
		cfg.Anthropic.AWSRegion = value
	case "anthropic.aws_profile":
		cfg.Anthropic.AWSProfile = value
	case "defaults.concurrency":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for concurrency: %w", err)
		}
		cfg.Defaults.Concurrency = n
	case "defaults.token_budget":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid value for token_budget: %w", err)
		}
		cfg.Defaults.TokenBudget = n
	case "defaults.context_strategy":
		cfg.Defaults.ContextStrategy = value
	case "defaults.context_threshold":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid value for context_threshold: %w", err)
		}
		cfg.Defaults.ContextThreshold = n
	case "timeouts.task":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for timeouts.task: %w", err)
		}
		cfg.Timeouts.Task = d
	case "timeouts.workflow":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for timeouts.workflow: %w", err)
		}
		cfg.Timeouts.Workflow = d
	case "recording.enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for recording.enabled: %w", err)
		}
		cfg.Recording.Enabled = b
	case "recording.path":
		cfg.Recording.Path = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
