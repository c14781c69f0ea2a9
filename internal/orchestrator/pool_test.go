package orchestrator

import (
	"testing"
	"time"

	"github.com/vibeflow/orchestra/internal/invoker"
	"github.com/vibeflow/orchestra/pkg/models"
)

func TestPoolRunsWorkflowsIndependently(t *testing.T) {
	stub := invoker.NewStub()
	pool := NewRunPool(PoolConfig{
		Registry: invoker.NewRegistry(stub),
		Backoff:  fastBackoff,
	})

	wf1 := newWorkflow(2, &models.Task{ID: "one-a"}, &models.Task{ID: "one-b", DependsOn: []string{"one-a"}})
	wf2 := newWorkflow(2, &models.Task{ID: "two-a"})

	id1, err := pool.Submit(wf1)
	if err != nil {
		t.Fatalf("submit wf1: %v", err)
	}
	id2, err := pool.Submit(wf2)
	if err != nil {
		t.Fatalf("submit wf2: %v", err)
	}
	if id1 == id2 {
		t.Fatal("run IDs must be unique")
	}

	// Two terminal events, one per run, each stamped with its own run ID.
	seen := make(map[string]bool)
	deadline := time.After(5 * time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-pool.Events():
			if ev.RunID != id1 && ev.RunID != id2 {
				t.Fatalf("event carries unknown run ID %q", ev.RunID)
			}
			if ev.Type == EventWorkflowCompleted {
				seen[ev.RunID] = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal events, saw %v", seen)
		}
	}

	pool.Stop()
	if pool.Count() != 0 {
		t.Errorf("expected no active runs after Stop, got %d", pool.Count())
	}
}

func TestPoolRejectsInvalidWorkflow(t *testing.T) {
	pool := NewRunPool(PoolConfig{Registry: invoker.NewRegistry(invoker.NewStub())})
	defer pool.Stop()

	wf := newWorkflow(1,
		&models.Task{ID: "a", DependsOn: []string{"b"}},
		&models.Task{ID: "b", DependsOn: []string{"a"}},
	)
	if _, err := pool.Submit(wf); err == nil {
		t.Fatal("expected cyclic workflow to be rejected at submission")
	}
}
