package invoker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vibeflow/orchestra/pkg/models"
)

// StubResponse scripts the stub's behavior for one task ID.
type StubResponse struct {
	// Output is returned on success.
	Output string
	// Tokens is the reported token usage.
	Tokens int64
	// Err, if non-nil, fails the invocation.
	Err error
	// Retryable marks Err as retryable.
	Retryable bool
	// Delay simulates invocation latency.
	Delay time.Duration
	// FailuresBeforeSuccess fails the first N calls with a retryable
	// error, then succeeds. Ignored when Err is set.
	FailuresBeforeSuccess int
}

// Stub is a deterministic in-process invoker for tests and dry runs.
type Stub struct {
	mu        sync.Mutex
	responses map[string]StubResponse
	calls     map[string]int
	order     []string
}

// NewStub creates a Stub with no scripted responses. Unscripted tasks
// succeed with a canned output.
func NewStub() *Stub {
	return &Stub{
		responses: make(map[string]StubResponse),
		calls:     make(map[string]int),
	}
}

// Script sets the response for a task ID.
func (s *Stub) Script(taskID string, resp StubResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[taskID] = resp
}

// Invoke implements Invoker.
func (s *Stub) Invoke(ctx context.Context, task *models.Task, resolvedContext string) (*Result, error) {
	s.mu.Lock()
	s.calls[task.ID]++
	call := s.calls[task.ID]
	s.order = append(s.order, task.ID)
	resp, scripted := s.responses[task.ID]
	s.mu.Unlock()

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	if scripted {
		if resp.Err != nil {
			return nil, &InvocationError{Err: resp.Err, Retryable: resp.Retryable}
		}
		if call <= resp.FailuresBeforeSuccess {
			return nil, &InvocationError{
				Err:       fmt.Errorf("scripted transient failure %d for %s", call, task.ID),
				Retryable: true,
			}
		}
		tokens := resp.Tokens
		if tokens == 0 {
			tokens = int64(len(resp.Output))
		}
		return &Result{Output: resp.Output, TokensUsed: tokens}, nil
	}

	out := fmt.Sprintf("stub output for %s", task.ID)
	return &Result{Output: out, TokensUsed: int64(len(out))}, nil
}

// Calls returns how many times the given task was invoked.
func (s *Stub) Calls(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[taskID]
}

// TotalCalls returns the total invocation count across all tasks.
func (s *Stub) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Order returns task IDs in invocation order.
func (s *Stub) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
