package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "orchestra",
	Short: "Agent workflow orchestration engine",
	Long: `Orchestra executes workflows of interdependent agent tasks.

A workflow is a YAML template describing tasks, their dependencies,
and how context flows between them. Orchestra builds the dependency
graph, runs independent tasks concurrently up to a bound, retries
transient failures with exponential backoff, and streams progress
events as the run unfolds.

Core capabilities:
- Dependency-ordered parallel execution with bounded concurrency
- Context sharing between tasks (shared, isolated, or hierarchical)
- Automatic retry with backoff; failure propagation to dependents
- Per-task and whole-workflow timeouts
- Token budgets with graceful wind-down`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
