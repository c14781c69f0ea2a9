package models

import (
	"testing"
	"time"
)

func TestTaskStatusValid(t *testing.T) {
	valid := []TaskStatus{
		TaskStatusPending, TaskStatusReady, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped, TaskStatusCancelled,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}

	if TaskStatus("exploded").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped, TaskStatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %q to be terminal", s)
		}
	}

	nonTerminal := []TaskStatus{TaskStatusPending, TaskStatusReady, TaskStatusRunning}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("expected %q to be non-terminal", s)
		}
	}
}

func TestTaskTimeout(t *testing.T) {
	task := &Task{TimeoutMs: 1500}
	if got := task.Timeout(); got != 1500*time.Millisecond {
		t.Errorf("expected 1.5s timeout, got %v", got)
	}

	task = &Task{}
	if got := task.Timeout(); got != 0 {
		t.Errorf("expected zero timeout, got %v", got)
	}
}
