package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromPath(t *testing.T) {
	path := writeConfigFile(t, `
anthropic:
  api_key: sk-ant-test
  model: claude-sonnet-4-20250514
defaults:
  concurrency: 5
  token_budget: 200000
  context_strategy: isolated
timeouts:
  task: 2m
  workflow: 10m
recording:
  enabled: true
  path: /tmp/runs.db
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Anthropic.APIKey != "sk-ant-test" {
		t.Errorf("api key = %q", cfg.Anthropic.APIKey)
	}
	if cfg.Defaults.Concurrency != 5 {
		t.Errorf("concurrency = %d, want 5", cfg.Defaults.Concurrency)
	}
	if cfg.Defaults.ContextStrategy != "isolated" {
		t.Errorf("strategy = %q", cfg.Defaults.ContextStrategy)
	}
	if cfg.Timeouts.Task != 2*time.Minute {
		t.Errorf("task timeout = %v", cfg.Timeouts.Task)
	}
	if !cfg.Recording.Enabled || cfg.Recording.Path != "/tmp/runs.db" {
		t.Errorf("recording = %+v", cfg.Recording)
	}
}

func TestLoadFromPathAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, "anthropic:\n  api_key: sk-ant-test\n")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Defaults.Concurrency != 3 {
		t.Errorf("default concurrency = %d, want 3", cfg.Defaults.Concurrency)
	}
	if cfg.Defaults.ContextStrategy != "shared" {
		t.Errorf("default strategy = %q, want shared", cfg.Defaults.ContextStrategy)
	}
	if cfg.Defaults.ContextThreshold != 150000 {
		t.Errorf("default threshold = %d, want 150000", cfg.Defaults.ContextThreshold)
	}
	if cfg.Timeouts.Workflow != 30*time.Minute {
		t.Errorf("default workflow timeout = %v", cfg.Timeouts.Workflow)
	}
}

func TestLoadFromPathExpandsEnvReferences(t *testing.T) {
	t.Setenv("ORCHESTRA_TEST_KEY", "sk-ant-from-env")
	path := writeConfigFile(t, "anthropic:\n  api_key: ${ORCHESTRA_TEST_KEY}\n")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-from-env" {
		t.Errorf("api key = %q, want expanded env value", cfg.Anthropic.APIKey)
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Defaults.Concurrency != 3 {
		t.Errorf("concurrency = %d, want 3", cfg.Defaults.Concurrency)
	}
	if cfg.Timeouts.Task != 5*time.Minute {
		t.Errorf("task timeout = %v, want 5m", cfg.Timeouts.Task)
	}
	if cfg.Recording.Enabled {
		t.Error("recording should default off")
	}
}
