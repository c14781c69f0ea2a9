package orchestrator

import (
	"context"
	"log"
	"sync"

	"github.com/vibeflow/orchestra/internal/invoker"
	"github.com/vibeflow/orchestra/pkg/models"
)

// PoolConfig contains configuration options for the RunPool.
type PoolConfig struct {
	// Registry resolves agent references for every run.
	// Required - must be set before calling Submit.
	Registry *invoker.Registry
	// Backoff overrides the retry policy for all runs, when non-zero.
	Backoff Backoff
	// Logger receives debug traces from all runs.
	Logger *DebugLogger
}

// RunPool manages multiple concurrent workflow runs in one process,
// aggregating their progress events onto a single channel.
type RunPool struct {
	cfg PoolConfig

	// runs tracks active schedulers by run ID.
	runs map[string]*Scheduler
	mu   sync.RWMutex

	// events aggregates events from all runs.
	events chan Event

	// ctx and cancel for pool lifecycle.
	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks active runs.
	wg sync.WaitGroup
}

// NewRunPool creates a new RunPool.
func NewRunPool(cfg PoolConfig) *RunPool {
	ctx, cancel := context.WithCancel(context.Background())

	return &RunPool{
		cfg:    cfg,
		runs:   make(map[string]*Scheduler),
		events: make(chan Event, DefaultEventBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit validates and starts a run for the given workflow.
// Returns the run ID.
func (p *RunPool) Submit(wf *models.Workflow) (string, error) {
	opts := []Option{}
	if p.cfg.Backoff != (Backoff{}) {
		opts = append(opts, WithBackoff(p.cfg.Backoff))
	}
	if p.cfg.Logger != nil {
		opts = append(opts, WithLogger(p.cfg.Logger))
	}

	sched, err := NewScheduler(wf, p.cfg.Registry, opts...)
	if err != nil {
		return "", err
	}
	runID := sched.RunID()

	p.mu.Lock()
	p.runs[runID] = sched
	p.mu.Unlock()

	p.wg.Add(1)
	go p.forwardEvents(sched)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		if _, err := sched.Run(p.ctx); err != nil {
			log.Printf("[pool] run %s failed: %v", runID, err)
		}

		p.mu.Lock()
		delete(p.runs, runID)
		p.mu.Unlock()
	}()

	return runID, nil
}

// forwardEvents forwards events from one run to the pool's channel.
func (p *RunPool) forwardEvents(sched *Scheduler) {
	defer p.wg.Done()

	for event := range sched.Events() {
		select {
		case p.events <- event:
		case <-p.ctx.Done():
			return
		}
	}
}

// Events returns the channel carrying aggregated events from all runs.
func (p *RunPool) Events() <-chan Event {
	return p.events
}

// Stop cancels all runs and waits for them to wind down.
func (p *RunPool) Stop() {
	p.cancel()

	p.mu.RLock()
	for _, sched := range p.runs {
		sched.Stop()
	}
	p.mu.RUnlock()

	p.wg.Wait()
	close(p.events)
}

// Count returns the number of active runs.
func (p *RunPool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.runs)
}

// DroppedEventCount returns the total dropped events across active runs.
func (p *RunPool) DroppedEventCount() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var total uint64
	for _, sched := range p.runs {
		total += sched.DroppedEventCount()
	}
	return total
}
