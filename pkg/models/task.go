package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting on dependencies.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusReady indicates all dependencies completed and the task is queued.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusRunning indicates the task is being executed by an invoker.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task exhausted its retries or hit a terminal error.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusSkipped indicates the task was never invoked because an
	// ancestor failed or the workflow wound down.
	TaskStatusSkipped TaskStatus = "skipped"
	// TaskStatusCancelled indicates the task was aborted mid-flight.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusReady, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a final state for a task.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// TaskResult holds the output of a completed task.
type TaskResult struct {
	// Output is the text produced by the agent invocation.
	Output string `json:"output"`
	// TokensUsed is the number of tokens consumed by the invocation.
	TokensUsed int64 `json:"tokens_used"`
}

// Task represents one agent invocation within a workflow.
type Task struct {
	// ID is the unique identifier for this task within its workflow.
	ID string `json:"id"`
	// AgentRef is the opaque capability key resolved by the invoker registry.
	AgentRef string `json:"agent_ref"`
	// PromptInputs are the key/value inputs rendered into the agent prompt.
	PromptInputs map[string]string `json:"prompt_inputs,omitempty"`
	// DependsOn lists task IDs that must complete before this task runs.
	DependsOn []string `json:"depends_on,omitempty"`
	// Parent is the declared parent task for hierarchical context flow.
	// Empty for root tasks and for workflows using other strategies.
	Parent string `json:"parent,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// MaxRetries is the number of retries allowed after the first attempt.
	MaxRetries int `json:"max_retries,omitempty"`
	// RetriesRemaining counts down from MaxRetries as retryable failures occur.
	RetriesRemaining int `json:"retries_remaining,omitempty"`
	// TimeoutMs is the per-attempt deadline in milliseconds. Zero means no deadline.
	TimeoutMs int `json:"timeout_ms,omitempty"`
	// ContinueOnError lets this task run even when a dependency failed,
	// receiving partial context in place of the missing output.
	ContinueOnError bool `json:"continue_on_error,omitempty"`
	// Result holds the output, present only when Status is completed.
	Result *TaskResult `json:"result,omitempty"`
	// Error contains a human-readable reason when Status is failed, skipped
	// or cancelled.
	Error string `json:"error,omitempty"`
	// StartedAt is when the task entered running, if it ever did.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// FinishedAt is when the task reached a terminal status.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Timeout returns the per-attempt deadline as a duration, or zero.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutMs) * time.Millisecond
}
