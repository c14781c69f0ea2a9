package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vibeflow/orchestra/internal/bus"
	"github.com/vibeflow/orchestra/internal/contextpool"
	"github.com/vibeflow/orchestra/internal/graph"
	"github.com/vibeflow/orchestra/internal/invoker"
	"github.com/vibeflow/orchestra/pkg/models"
)

// Scheduler drives one workflow run: it maintains the task state
// machine, dispatches ready tasks to a bounded worker pool, applies
// retry and failure propagation, and emits lifecycle events.
//
// All graph, queue and context bookkeeping is synchronous and
// short-lived inside the dispatch loop; the only suspension point is
// the agent invocation itself.
type Scheduler struct {
	// wf is the workflow being executed.
	wf *models.Workflow
	// graph is the validated dependency graph.
	graph *graph.DependencyGraph
	// contexts is the run's context pool manager.
	contexts *contextpool.Manager
	// registry resolves agent references to invokers.
	registry *invoker.Registry
	// emitter delivers progress events to the single subscriber.
	emitter *EventEmitter
	// budget guards the run's token budget.
	budget *BudgetHandler
	// bus carries optional inter-task messages for this run.
	bus *bus.Bus
	// backoff is the retry delay policy.
	backoff Backoff
	// logger receives debug traces.
	logger *DebugLogger
	// runID identifies this run in events and reports.
	runID string

	// mu protects the fields below.
	mu sync.Mutex
	// running maps in-flight task IDs to their attempt cancel functions.
	running map[string]context.CancelFunc
	// waiting marks tasks sitting out a retry backoff.
	waiting map[string]bool
	// retryTimers tracks pending backoff timers for cleanup.
	retryTimers map[string]*time.Timer
	// attempts counts invocations per task.
	attempts map[string]int
	// trigger wakes the dispatch loop when a retry backoff expires.
	trigger chan struct{}
	// cancelRun aborts the run when Stop is called.
	cancelRun context.CancelFunc
	// started gates Run against double execution.
	started bool

	// totalTokens is the run's running token total.
	totalTokens atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBackoff overrides the retry backoff policy.
func WithBackoff(b Backoff) Option {
	return func(s *Scheduler) { s.backoff = b }
}

// WithLogger sets the debug logger receiving the run's internal traces.
func WithLogger(l *DebugLogger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEventBuffer sets the emitter channel capacity.
func WithEventBuffer(size int) Option {
	return func(s *Scheduler) { s.emitter = NewEventEmitter(size) }
}

// WithContextThreshold overrides the context pool eviction threshold.
func WithContextThreshold(threshold int64) Option {
	return func(s *Scheduler) { s.contexts.SetThreshold(threshold) }
}

// WithEstimator replaces the context pool's token estimator.
func WithEstimator(e contextpool.Estimator) Option {
	return func(s *Scheduler) { s.contexts.SetEstimator(e) }
}

// NewScheduler validates the workflow and prepares a run. Graph errors
// (unknown dependencies, cycles) surface here, before any task runs.
func NewScheduler(wf *models.Workflow, registry *invoker.Registry, opts ...Option) (*Scheduler, error) {
	if len(wf.Tasks) == 0 {
		return nil, fmt.Errorf("workflow %s has no tasks", wf.ID)
	}

	strategy := wf.ContextStrategy
	if strategy == "" {
		strategy = models.ContextShared
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown context strategy %q", strategy)
	}

	for _, tid := range wf.TerminalTasks {
		if wf.Task(tid) == nil {
			return nil, fmt.Errorf("terminal task %s not found in workflow", tid)
		}
	}

	for _, task := range wf.Tasks {
		task.Status = models.TaskStatusPending
		task.RetriesRemaining = task.MaxRetries
		task.Result = nil
		task.Error = ""
	}

	g := graph.New()
	if err := g.Build(wf.Tasks); err != nil {
		return nil, err
	}

	s := &Scheduler{
		wf:          wf,
		graph:       g,
		registry:    registry,
		emitter:     NewEventEmitter(DefaultEventBuffer),
		budget:      NewBudgetHandler(wf.TokenBudget),
		bus:         bus.New(),
		backoff:     DefaultBackoff,
		logger:      NopLogger(),
		runID:       uuid.New().String()[:8],
		running:     make(map[string]context.CancelFunc),
		waiting:     make(map[string]bool),
		retryTimers: make(map[string]*time.Timer),
		attempts:    make(map[string]int),
	}
	s.contexts = contextpool.NewManager(strategy, g)
	s.contexts.SetOnEvict(func(e contextpool.Entry) {
		s.emit(Event{
			Type:    EventContextEvicted,
			TaskID:  e.SourceTaskID,
			Message: fmt.Sprintf("evicted %d tokens from context pool", e.Tokens),
		})
	})

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// RunID returns the identifier for this run.
func (s *Scheduler) RunID() string {
	return s.runID
}

// Events returns the run's progress stream. Hand it to exactly one
// subscriber; the channel closes after the terminal event.
func (s *Scheduler) Events() <-chan Event {
	return s.emitter.Events()
}

// Bus returns the run's message bus for loosely-coupled task signaling.
// The invocation contract carries no bus handle: invokers that want to
// signal each other capture this bus when they are registered, before
// Run starts, and publish or subscribe by topic name during their
// invocations. The bus closes when the run reaches a terminal state.
func (s *Scheduler) Bus() *bus.Bus {
	return s.bus
}

// DroppedEventCount returns the number of progress events dropped to a
// slow subscriber.
func (s *Scheduler) DroppedEventCount() uint64 {
	return s.emitter.DroppedCount()
}

// Stop requests cooperative cancellation of the run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancelRun
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// logf writes a debug trace to the run's logger.
func (s *Scheduler) logf(format string, args ...interface{}) {
	s.logger.Log(format, args...)
}

// emit stamps and sends an event.
func (s *Scheduler) emit(event Event) {
	event.RunID = s.runID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.TokensUsed = s.totalTokens.Load()
	s.emitter.Emit(event)
}
