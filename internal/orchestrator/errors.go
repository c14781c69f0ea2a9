package orchestrator

import (
	"fmt"
	"time"
)

// TaskTimeoutError indicates a task's per-attempt deadline expired. The
// scheduler treats it as retryable when retries remain.
type TaskTimeoutError struct {
	// TaskID is the task whose deadline expired.
	TaskID string
	// Timeout is the deadline that was exceeded.
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.Timeout)
}

// CancellationError indicates a run was cancelled or its workflow
// deadline expired. Never retried.
type CancellationError struct {
	// Reason describes what triggered the cancellation.
	Reason string
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	return fmt.Sprintf("workflow cancelled: %s", e.Reason)
}
