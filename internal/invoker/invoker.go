// Package invoker defines the agent invocation contract consumed by the
// scheduler, plus the capability registry that maps agent references to
// concrete invokers.
package invoker

import (
	"context"
	"fmt"
	"sync"

	"github.com/vibeflow/orchestra/pkg/models"
)

// Result is the output of one successful agent invocation.
type Result struct {
	// Output is the text produced by the agent.
	Output string
	// TokensUsed is the token count reported for the invocation.
	TokensUsed int64
}

// Invoker executes one task against an agent capability. The scheduler
// treats implementations strictly as black boxes and wraps every call
// with its own timeout, retry and cancellation handling.
type Invoker interface {
	// Invoke runs the task with the resolved context and returns the
	// agent output. Implementations must honor ctx cancellation.
	Invoke(ctx context.Context, task *models.Task, resolvedContext string) (*Result, error)
}

// InvocationError wraps an invoker failure with a retryability flag.
type InvocationError struct {
	// Err is the underlying failure.
	Err error
	// Retryable indicates the scheduler may re-attempt the task.
	Retryable bool
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	return fmt.Sprintf("invocation failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *InvocationError) Unwrap() error {
	return e.Err
}

// Retryable reports whether an error may be retried. Unclassified errors
// default to retryable; only an explicit InvocationError with
// Retryable=false is terminal.
func Retryable(err error) bool {
	if ie, ok := err.(*InvocationError); ok {
		return ie.Retryable
	}
	return true
}

// Registry maps agent capability keys to invokers. A plain lookup table
// with a fallback entry, not a dispatch hierarchy.
type Registry struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
	fallback Invoker
}

// NewRegistry creates an empty registry with the given fallback invoker.
// The fallback serves any agent reference without a dedicated entry.
func NewRegistry(fallback Invoker) *Registry {
	return &Registry{
		invokers: make(map[string]Invoker),
		fallback: fallback,
	}
}

// Register binds a capability key to an invoker, replacing any previous binding.
func (r *Registry) Register(agentRef string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[agentRef] = inv
}

// Resolve returns the invoker for the given capability key, falling back
// to the default. Returns an error when neither exists.
func (r *Registry) Resolve(agentRef string) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if inv, ok := r.invokers[agentRef]; ok {
		return inv, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("no invoker registered for agent %q and no fallback set", agentRef)
}

// Keys returns the registered capability keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.invokers))
	for k := range r.invokers {
		keys = append(keys, k)
	}
	return keys
}
