package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vibeflow/orchestra/internal/config"
	"github.com/vibeflow/orchestra/internal/invoker"
	"github.com/vibeflow/orchestra/internal/orchestrator"
	"github.com/vibeflow/orchestra/internal/state"
	"github.com/vibeflow/orchestra/internal/template"
	"github.com/vibeflow/orchestra/pkg/models"
)

var (
	runParams      []string
	runStub        bool
	runRecord      bool
	runConcurrency int
	runBudget      int64
	runTimeout     time.Duration
	runDebugLog    string
)

var runCmd = &cobra.Command{
	Use:   "run <template.yaml>",
	Short: "Run a workflow template",
	Long: `Run a workflow from a YAML template.

Template parameters referenced as ${name} in task inputs are bound
with --param. Progress streams to stdout as tasks move through the
run; the process exits nonzero if the workflow fails.

Use --stub to execute the workflow shape without calling any agent:
every task succeeds immediately with a placeholder output. Useful for
validating templates and dependency wiring.

Use --record to persist the run outcome to the project run database
(.orchestra/runs.db).`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().StringArrayVarP(&runParams, "param", "p", nil, "Template parameter as key=value (repeatable)")
	runCmd.Flags().BoolVar(&runStub, "stub", false, "Run without invoking agents (dry run)")
	runCmd.Flags().BoolVar(&runRecord, "record", false, "Record the run to the project database")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "Override the workflow's concurrency bound")
	runCmd.Flags().Int64Var(&runBudget, "budget", 0, "Override the workflow's token budget")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Override the workflow deadline")
	runCmd.Flags().StringVar(&runDebugLog, "debug-log", "", "Write scheduler debug traces to this file")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tpl, err := template.Load(args[0])
	if err != nil {
		return err
	}

	params, err := parseParams(runParams)
	if err != nil {
		return err
	}

	wf, err := tpl.Instantiate(params)
	if err != nil {
		return err
	}
	applyDefaults(wf, cfg)
	applyOverrides(cmd, wf)

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	schedOpts := []orchestrator.Option{
		orchestrator.WithContextThreshold(cfg.Defaults.ContextThreshold),
	}
	if runDebugLog != "" {
		dbg, err := orchestrator.NewDebugLogger(runDebugLog)
		if err != nil {
			return fmt.Errorf("open debug log: %w", err)
		}
		defer dbg.Close()
		schedOpts = append(schedOpts, orchestrator.WithLogger(dbg))
	}

	sched, err := orchestrator.NewScheduler(wf, registry, schedOpts...)
	if err != nil {
		return err
	}

	var recorder *state.Recorder
	if runRecord || cfg.Recording.Enabled {
		recorder, err = openRecorder(cfg)
		if err != nil {
			return err
		}
		if err := recorder.Start(sched.RunID(), wf.ID); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nReceived interrupt, winding down...")
		sched.Stop()
	}()

	fmt.Printf("Running workflow %s (run %s)\n", wf.ID, sched.RunID())
	fmt.Printf("  Tasks: %d  Concurrency: %d  Strategy: %s\n\n",
		len(wf.Tasks), wf.EffectiveConcurrency(), wf.ContextStrategy)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()

	report := streamEvents(sched.Events(), recorder)
	<-done

	if report == nil {
		return fmt.Errorf("run ended without a report")
	}

	printReport(report)
	if report.Status != orchestrator.RunCompleted {
		return fmt.Errorf("workflow %s failed", report.WorkflowID)
	}
	return nil
}

// buildRegistry wires the invoker registry: a stub fallback under
// --stub, otherwise a Claude-backed fallback from the config. The API
// key is resolved up front (env over config file) so a missing key
// fails before any task is scheduled; Bedrock runs authenticate
// through the AWS credential chain instead.
func buildRegistry(cfg *config.Config) (*invoker.Registry, error) {
	if runStub {
		return invoker.NewRegistry(invoker.NewStub()), nil
	}

	claudeCfg := invoker.ClaudeConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	}
	if !cfg.Anthropic.UseBedrock {
		key, err := config.GetAPIKey(cfg)
		if err != nil {
			return nil, fmt.Errorf("set ANTHROPIC_API_KEY or anthropic.api_key, or pass --stub: %w", err)
		}
		claudeCfg.APIKey = key
	}

	claude, err := invoker.NewClaude(claudeCfg)
	if err != nil {
		return nil, err
	}
	return invoker.NewRegistry(claude), nil
}

// applyDefaults fills workflow fields the template left unset from the
// loaded configuration.
func applyDefaults(wf *models.Workflow, cfg *config.Config) {
	if wf.Concurrency <= 0 {
		wf.Concurrency = cfg.Defaults.Concurrency
	}
	if wf.TokenBudget == 0 {
		wf.TokenBudget = cfg.Defaults.TokenBudget
	}
	if wf.ContextStrategy == "" {
		wf.ContextStrategy = models.ContextStrategy(cfg.Defaults.ContextStrategy)
	}
	if wf.TimeoutMs == 0 && cfg.Timeouts.Workflow > 0 {
		wf.TimeoutMs = int(cfg.Timeouts.Workflow.Milliseconds())
	}
	for _, task := range wf.Tasks {
		if task.TimeoutMs == 0 && cfg.Timeouts.Task > 0 {
			task.TimeoutMs = int(cfg.Timeouts.Task.Milliseconds())
		}
	}
}

// applyOverrides applies explicit command-line overrides.
func applyOverrides(cmd *cobra.Command, wf *models.Workflow) {
	if cmd.Flags().Changed("concurrency") {
		wf.Concurrency = runConcurrency
	}
	if cmd.Flags().Changed("budget") {
		wf.TokenBudget = runBudget
	}
	if cmd.Flags().Changed("timeout") {
		wf.TimeoutMs = int(runTimeout.Milliseconds())
	}
}

// parseParams converts key=value pairs into a parameter map.
func parseParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", pair)
		}
		params[key] = value
	}
	return params, nil
}

// openRecorder opens the run database per the recording config.
func openRecorder(cfg *config.Config) (*state.Recorder, error) {
	path := cfg.Recording.Path
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		path = state.ProjectDBPath(cwd)
	}

	db, err := state.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open run database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate run database: %w", err)
	}
	return state.NewRecorder(db), nil
}

// streamEvents prints the progress stream and returns the final report.
func streamEvents(events <-chan orchestrator.Event, recorder *state.Recorder) *orchestrator.Report {
	var report *orchestrator.Report

	for ev := range events {
		if recorder != nil {
			if err := recorder.Observe(ev); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: recording event: %v\n", err)
			}
		}

		switch ev.Type {
		case orchestrator.EventTaskStarted:
			if ev.Attempt > 1 {
				fmt.Printf("%s %s (attempt %d)\n", color.CyanString("[START]"), ev.TaskID, ev.Attempt)
			} else {
				fmt.Printf("%s %s\n", color.CyanString("[START]"), ev.TaskID)
			}
		case orchestrator.EventTaskCompleted:
			fmt.Printf("%s %s\n", color.GreenString("[DONE]"), ev.TaskID)
		case orchestrator.EventTaskFailed:
			fmt.Printf("%s %s: %s\n", color.RedString("[FAILED]"), ev.TaskID, ev.Message)
		case orchestrator.EventTaskRetrying:
			fmt.Printf("%s %s: %s\n", color.YellowString("[RETRY]"), ev.TaskID, ev.Message)
		case orchestrator.EventTaskSkipped:
			fmt.Printf("%s %s: %s\n", color.YellowString("[SKIP]"), ev.TaskID, ev.Message)
		case orchestrator.EventTaskCancelled:
			fmt.Printf("%s %s\n", color.YellowString("[CANCEL]"), ev.TaskID)
		case orchestrator.EventContextEvicted:
			fmt.Printf("%s %s\n", color.MagentaString("[EVICT]"), ev.Message)
		case orchestrator.EventWorkflowCompleted, orchestrator.EventWorkflowFailed:
			report = ev.Report
		}
	}

	return report
}

// printReport summarizes the run outcome.
func printReport(report *orchestrator.Report) {
	fmt.Println()
	if report.Status == orchestrator.RunCompleted {
		fmt.Printf("%s Workflow %s completed in %s\n",
			color.GreenString("✓"), report.WorkflowID, report.Elapsed.Round(time.Millisecond))
	} else {
		fmt.Printf("%s Workflow %s failed in %s\n",
			color.RedString("✗"), report.WorkflowID, report.Elapsed.Round(time.Millisecond))
		if report.Err != "" {
			fmt.Printf("  %s\n", report.Err)
		}
	}
	fmt.Printf("  Tokens used: %d\n", report.TotalTokens)

	for tid, output := range report.TerminalOutputs {
		fmt.Printf("\n--- %s ---\n%s\n", tid, output)
	}
}
