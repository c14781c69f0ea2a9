package orchestrator

import (
	"time"

	"github.com/vibeflow/orchestra/pkg/models"
)

// RunStatus is the terminal state of a workflow run.
type RunStatus string

const (
	// RunCompleted means every declared terminal task completed. Other
	// tasks may still have failed; the per-task detail records that.
	RunCompleted RunStatus = "completed"
	// RunFailed means a declared terminal task failed or was skipped, the
	// run was cancelled, or the workflow deadline expired.
	RunFailed RunStatus = "failed"
)

// TaskReport is the per-task line of the final report.
type TaskReport struct {
	// TaskID identifies the task.
	TaskID string `json:"task_id"`
	// Status is the task's terminal status.
	Status models.TaskStatus `json:"status"`
	// Output is the task's result, present for completed tasks.
	Output string `json:"output,omitempty"`
	// TokensUsed is the tokens this task consumed across attempts.
	TokensUsed int64 `json:"tokens_used,omitempty"`
	// Reason is the human-readable explanation for failed, skipped or
	// cancelled tasks.
	Reason string `json:"reason,omitempty"`
	// Attempts is how many times the task was invoked.
	Attempts int `json:"attempts,omitempty"`
}

// Report is the aggregated result carried on the run's terminal event.
type Report struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`
	// WorkflowID identifies the workflow definition.
	WorkflowID string `json:"workflow_id"`
	// Status is the run's terminal status.
	Status RunStatus `json:"status"`
	// Tasks holds every task's terminal state, keyed by task ID.
	Tasks map[string]TaskReport `json:"tasks"`
	// TerminalOutputs maps declared terminal task IDs to their outputs.
	TerminalOutputs map[string]string `json:"terminal_outputs,omitempty"`
	// TotalTokens is the total tokens consumed across the run.
	TotalTokens int64 `json:"total_tokens"`
	// Elapsed is the wall time of the run.
	Elapsed time.Duration `json:"elapsed"`
	// Err describes a run-level failure (cancellation, deadline), if any.
	Err string `json:"error,omitempty"`
}

// buildReport assembles the final report from the workflow's task states.
func buildReport(runID string, wf *models.Workflow, attempts map[string]int, totalTokens int64, elapsed time.Duration, runErr error) *Report {
	r := &Report{
		RunID:       runID,
		WorkflowID:  wf.ID,
		Status:      RunCompleted,
		Tasks:       make(map[string]TaskReport, len(wf.Tasks)),
		TotalTokens: totalTokens,
		Elapsed:     elapsed,
	}
	if runErr != nil {
		r.Err = runErr.Error()
		r.Status = RunFailed
	}

	for _, task := range wf.Tasks {
		tr := TaskReport{
			TaskID:   task.ID,
			Status:   task.Status,
			Reason:   task.Error,
			Attempts: attempts[task.ID],
		}
		if task.Result != nil {
			tr.Output = task.Result.Output
			tr.TokensUsed = task.Result.TokensUsed
		}
		r.Tasks[task.ID] = tr

		// A failed or skipped terminal task fails the whole run; partial
		// success elsewhere is reported per task instead.
		if wf.IsTerminal(task.ID) && task.Status != models.TaskStatusCompleted {
			r.Status = RunFailed
		}
	}

	if len(wf.TerminalTasks) > 0 {
		r.TerminalOutputs = make(map[string]string, len(wf.TerminalTasks))
		for _, tid := range wf.TerminalTasks {
			if task := wf.Task(tid); task != nil && task.Result != nil {
				r.TerminalOutputs[tid] = task.Result.Output
			}
		}
	}

	return r
}
