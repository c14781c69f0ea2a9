package models

import "time"

// ContextStrategy selects how completed task outputs are shared with
// later tasks in the same workflow.
type ContextStrategy string

const (
	// ContextShared gives every task the whole pool in insertion order.
	ContextShared ContextStrategy = "shared"
	// ContextIsolated gives a task only its direct dependencies' outputs.
	ContextIsolated ContextStrategy = "isolated"
	// ContextHierarchical flows context along declared parent edges plus
	// the task's own dependency outputs.
	ContextHierarchical ContextStrategy = "hierarchical"
)

// Valid returns true if the strategy is a known value.
func (s ContextStrategy) Valid() bool {
	switch s {
	case ContextShared, ContextIsolated, ContextHierarchical:
		return true
	default:
		return false
	}
}

// DefaultConcurrency is the worker pool size when a workflow does not set one.
const DefaultConcurrency = 3

// Workflow is a concrete, submittable set of tasks with dependency edges.
type Workflow struct {
	// ID identifies this workflow definition.
	ID string `json:"id"`
	// Tasks is the ordered task set. Order is preserved for deterministic
	// tie-breaking when several tasks become ready at once.
	Tasks []*Task `json:"tasks"`
	// Concurrency bounds the number of simultaneously running tasks.
	Concurrency int `json:"concurrency,omitempty"`
	// ContextStrategy selects the context sharing mode.
	ContextStrategy ContextStrategy `json:"context_strategy,omitempty"`
	// TimeoutMs is the overall workflow deadline in milliseconds. Zero means none.
	TimeoutMs int `json:"timeout_ms,omitempty"`
	// TerminalTasks lists the task IDs whose results constitute the final
	// report. Declared explicitly, never inferred from graph leaves.
	TerminalTasks []string `json:"terminal_tasks,omitempty"`
	// TokenBudget caps total tokens across all invocations. Zero means no cap.
	TokenBudget int64 `json:"token_budget,omitempty"`
}

// EffectiveConcurrency returns the configured bound or the default.
func (w *Workflow) EffectiveConcurrency() int {
	if w.Concurrency > 0 {
		return w.Concurrency
	}
	return DefaultConcurrency
}

// Timeout returns the workflow deadline as a duration, or zero.
func (w *Workflow) Timeout() time.Duration {
	return time.Duration(w.TimeoutMs) * time.Millisecond
}

// Task returns the task with the given ID, or nil.
func (w *Workflow) Task(id string) *Task {
	for _, t := range w.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// IsTerminal reports whether the given task ID is in the declared
// terminal-task list. With an empty list every task counts as terminal
// for reporting purposes.
func (w *Workflow) IsTerminal(id string) bool {
	if len(w.TerminalTasks) == 0 {
		return true
	}
	for _, tid := range w.TerminalTasks {
		if tid == id {
			return true
		}
	}
	return false
}
