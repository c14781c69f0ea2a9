package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <template.yaml>",
	Short: "Re-run a workflow whenever its template changes",
	Long: `Watch a workflow template and re-run it on every change.

The run uses the same flags as 'run' (--param, --stub, --record).
Edits are debounced: rapid successive saves trigger one run. A failed
run does not stop the watch; the next edit runs again.`,
	Args: cobra.ExactArgs(1),
	RunE: watchTemplate,
}

func init() {
	watchCmd.Flags().StringArrayVarP(&runParams, "param", "p", nil, "Template parameter as key=value (repeatable)")
	watchCmd.Flags().BoolVar(&runStub, "stub", false, "Run without invoking agents (dry run)")
	watchCmd.Flags().BoolVar(&runRecord, "record", false, "Record each run to the project database")
}

func watchTemplate(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save,
	// which drops a direct file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	runOnce := func() {
		if err := runWorkflow(cmd, []string{path}); err != nil {
			fmt.Printf("Run failed: %v\n", err)
		}
	}

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", path)
	runOnce()

	// Debounce timer collapses editor save bursts into one run.
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(300*time.Millisecond, func() {
				fmt.Printf("\nTemplate changed, re-running...\n")
				runOnce()
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Printf("Watch error: %v\n", err)
		}
	}
}
