// Package orchestrator coordinates agent invocations over a task
// dependency graph: readiness dispatch, retries, failure propagation
// and progress events.
package orchestrator

import (
	"time"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventTaskQueued indicates a task became ready and entered the queue.
	EventTaskQueued EventType = "task_queued"
	// EventTaskStarted indicates a task began executing.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted indicates a task finished successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task exhausted retries or hit a terminal error.
	EventTaskFailed EventType = "task_failed"
	// EventTaskSkipped indicates a task was never invoked because an
	// ancestor failed or the run wound down.
	EventTaskSkipped EventType = "task_skipped"
	// EventTaskCancelled indicates an in-flight task was aborted.
	EventTaskCancelled EventType = "task_cancelled"
	// EventTaskRetrying indicates a retryable failure and a scheduled re-attempt.
	EventTaskRetrying EventType = "task_retrying"
	// EventContextEvicted indicates the context pool pruned an entry.
	EventContextEvicted EventType = "context_evicted"
	// EventWorkflowCompleted indicates the run finished with every
	// declared terminal task completed.
	EventWorkflowCompleted EventType = "workflow_completed"
	// EventWorkflowFailed indicates the run ended with a failed or
	// skipped terminal task, a cancellation, or a workflow timeout.
	EventWorkflowFailed EventType = "workflow_failed"
)

// Event is one entry in a workflow run's progress stream. Events for
// concurrently running tasks may interleave, but each task's own events
// are strictly ordered.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// RunID identifies the workflow run this event belongs to.
	RunID string
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// Message provides human-readable context about the event.
	Message string
	// Err contains error details for failure events.
	Err error
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// TokensUsed is the total tokens consumed so far in the run.
	TokensUsed int64
	// Attempt is the attempt number for task events (1-indexed).
	Attempt int
	// Report carries the final aggregated report on terminal events.
	Report *Report
}
