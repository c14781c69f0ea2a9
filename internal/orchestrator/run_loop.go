package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/vibeflow/orchestra/internal/contextpool"
	"github.com/vibeflow/orchestra/internal/invoker"
	"github.com/vibeflow/orchestra/pkg/models"
)

// cancelGrace is how long a cancelled run waits for in-flight
// invocations to abort cooperatively before hard-marking them.
const cancelGrace = 5 * time.Second

// completion carries one finished attempt back to the dispatch loop.
type completion struct {
	taskID string
	result *invoker.Result
	err    error
}

// Run executes the workflow to a terminal state and returns the final
// report. The report is also carried on the terminal progress event.
// The returned error is non-nil only for run-level failures
// (cancellation, workflow deadline); per-task failures are reported in
// the per-task detail.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, fmt.Errorf("run %s already started", s.runID)
	}
	s.started = true
	s.mu.Unlock()

	startedAt := time.Now()

	if timeout := s.wf.Timeout(); timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()

	// Each in-flight task sends exactly one completion, and at most
	// Concurrency tasks are in flight, so this buffer guarantees workers
	// never block on delivery.
	completionCh := make(chan completion, s.wf.EffectiveConcurrency())
	trigger := make(chan struct{}, 1)
	s.setTrigger(trigger)

	var runErr error

	for {
		s.dispatch(ctx, completionCh)

		if s.idle() {
			if s.windDownExhaustedBudget() {
				break
			}
			if s.allTerminal() {
				break
			}
			// Cancellation can drain the last completions through the
			// completionCh select arm before ctx.Done is observed, leaving
			// blocked dependents pending with nothing in flight. Finish the
			// wind-down so they are skipped, not silently dropped.
			if ctx.Err() != nil {
				runErr = s.windDownCancelled(ctx, completionCh)
				break
			}
			// Tasks remain but nothing can run: every blocker has been
			// recorded, nothing is in flight. Should not happen with a
			// validated graph.
			s.logf("[run %s] stalled with non-terminal tasks", s.runID)
			break
		}

		select {
		case <-ctx.Done():
			runErr = s.windDownCancelled(ctx, completionCh)
		case c := <-completionCh:
			s.handleCompletion(ctx, c)
		case <-trigger:
		}

		if runErr != nil {
			break
		}
	}

	s.bus.Close()
	s.stopRetryTimers()

	report := buildReport(s.runID, s.wf, s.attemptsSnapshot(), s.totalTokens.Load(), time.Since(startedAt), runErr)

	terminalType := EventWorkflowCompleted
	msg := "workflow completed"
	if report.Status == RunFailed {
		terminalType = EventWorkflowFailed
		msg = "workflow failed"
		if runErr != nil {
			msg = runErr.Error()
		}
	}
	s.emit(Event{Type: terminalType, Message: msg, Report: report})
	s.emitter.Close()

	return report, runErr
}

// setTrigger publishes the retry wake-up channel to timer callbacks.
func (s *Scheduler) setTrigger(trigger chan struct{}) {
	s.mu.Lock()
	s.trigger = trigger
	s.mu.Unlock()
}

// dispatch promotes ready tasks and launches them up to the concurrency
// bound. All state transitions happen here, under the loop's discipline.
func (s *Scheduler) dispatch(ctx context.Context, completionCh chan<- completion) {
	if ctx.Err() != nil {
		return
	}

	if !s.budget.CanStartNew() {
		s.logf("[run %s] token budget exhausted, not dispatching", s.runID)
		return
	}

	s.mu.Lock()
	slots := s.wf.EffectiveConcurrency() - len(s.running)
	s.mu.Unlock()

	if slots <= 0 {
		return
	}

	for _, task := range s.wf.Tasks {
		if slots == 0 {
			return
		}

		switch task.Status {
		case models.TaskStatusPending:
			if !s.depsSatisfied(task) {
				continue
			}
			task.Status = models.TaskStatusReady
			s.emit(Event{
				Type:    EventTaskQueued,
				TaskID:  task.ID,
				Message: fmt.Sprintf("task %s ready", task.ID),
			})
		case models.TaskStatusReady:
			s.mu.Lock()
			inBackoff := s.waiting[task.ID]
			s.mu.Unlock()
			if inBackoff {
				continue
			}
		default:
			continue
		}

		s.launch(ctx, task, completionCh)
		slots--
	}
}

// depsSatisfied implements the readiness rule: every dependency must be
// completed, except that a continue-on-error task also accepts failed,
// skipped or cancelled dependencies (it runs with partial context).
func (s *Scheduler) depsSatisfied(task *models.Task) bool {
	for _, depID := range task.DependsOn {
		dep := s.graph.GetTask(depID)
		if dep == nil {
			return false
		}
		if dep.Status == models.TaskStatusCompleted {
			continue
		}
		if dep.Status.Terminal() && task.ContinueOnError {
			continue
		}
		return false
	}
	return true
}

// launch marks the task running and hands it to a worker goroutine. The
// context is resolved before the goroutine starts so pool reads stay
// serialized with the dispatch loop.
func (s *Scheduler) launch(ctx context.Context, task *models.Task, completionCh chan<- completion) {
	s.mu.Lock()
	s.attempts[task.ID]++
	attempt := s.attempts[task.ID]
	s.mu.Unlock()

	now := time.Now()
	task.Status = models.TaskStatusRunning
	if task.StartedAt == nil {
		task.StartedAt = &now
	}

	s.emit(Event{
		Type:    EventTaskStarted,
		TaskID:  task.ID,
		Message: fmt.Sprintf("task %s started (attempt %d)", task.ID, attempt),
		Attempt: attempt,
	})

	var attemptCtx context.Context
	var cancelAttempt context.CancelFunc
	if timeout := task.Timeout(); timeout > 0 {
		attemptCtx, cancelAttempt = context.WithTimeout(ctx, timeout)
	} else {
		attemptCtx, cancelAttempt = context.WithCancel(ctx)
	}

	s.mu.Lock()
	s.running[task.ID] = cancelAttempt
	s.mu.Unlock()

	resolved := contextpool.Concat(s.contexts.ResolveFor(task))

	go func() {
		inv, err := s.registry.Resolve(task.AgentRef)

		var res *invoker.Result
		if err != nil {
			err = &invoker.InvocationError{Err: err, Retryable: false}
		} else {
			res, err = inv.Invoke(attemptCtx, task, resolved)
		}

		// A per-attempt deadline expiring while the run itself is alive
		// becomes a retryable timeout.
		if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = &TaskTimeoutError{TaskID: task.ID, Timeout: task.Timeout()}
		}

		completionCh <- completion{taskID: task.ID, result: res, err: err}
	}()
}

// handleCompletion processes one finished attempt.
func (s *Scheduler) handleCompletion(ctx context.Context, c completion) {
	s.mu.Lock()
	if cancelAttempt, ok := s.running[c.taskID]; ok {
		cancelAttempt()
		delete(s.running, c.taskID)
	}
	s.mu.Unlock()

	task := s.graph.GetTask(c.taskID)
	if task == nil {
		s.logf("[run %s] completion for unknown task %s", s.runID, c.taskID)
		return
	}

	if c.err == nil {
		s.completeTask(task, c.result)
		return
	}

	// The run itself went down while this attempt was in flight.
	if ctx.Err() != nil {
		s.finishTask(task, models.TaskStatusCancelled, "workflow cancelled")
		s.emit(Event{Type: EventTaskCancelled, TaskID: task.ID, Message: task.Error})
		return
	}

	retryable := invoker.Retryable(c.err)
	if _, isTimeout := c.err.(*TaskTimeoutError); isTimeout {
		retryable = true
	}

	if retryable && task.RetriesRemaining > 0 {
		s.scheduleRetry(task, c.err)
		return
	}

	s.failTask(task, c.err)
}

// completeTask records a success and unblocks dependents.
func (s *Scheduler) completeTask(task *models.Task, res *invoker.Result) {
	task.Result = &models.TaskResult{Output: res.Output, TokensUsed: res.TokensUsed}
	s.finishTask(task, models.TaskStatusCompleted, "")

	s.totalTokens.Add(res.TokensUsed)
	s.budget.Add(res.TokensUsed)
	s.contexts.Append(task.ID, res.Output, res.TokensUsed)
	s.graph.MarkComplete(task.ID)

	s.emit(Event{
		Type:    EventTaskCompleted,
		TaskID:  task.ID,
		Message: fmt.Sprintf("task %s completed", task.ID),
	})

	if status := s.budget.Check(); status == BudgetWarning {
		used, budget, _ := s.budget.Usage()
		s.logf("[run %s] token budget warning: %d/%d used", s.runID, used, budget)
	}
}

// scheduleRetry re-queues the task after an exponential backoff delay.
func (s *Scheduler) scheduleRetry(task *models.Task, cause error) {
	task.RetriesRemaining--

	s.mu.Lock()
	attempt := s.attempts[task.ID]
	s.waiting[task.ID] = true
	s.mu.Unlock()

	delay := s.backoff.Delay(attempt)
	task.Status = models.TaskStatusReady

	s.emit(Event{
		Type:    EventTaskRetrying,
		TaskID:  task.ID,
		Err:     cause,
		Message: fmt.Sprintf("task %s retrying in %s (%d retries left)", task.ID, delay, task.RetriesRemaining),
		Attempt: attempt,
	})

	timer := time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.waiting, task.ID)
		delete(s.retryTimers, task.ID)
		trigger := s.trigger
		s.mu.Unlock()

		if trigger != nil {
			select {
			case trigger <- struct{}{}:
			default:
			}
		}
	})

	s.mu.Lock()
	s.retryTimers[task.ID] = timer
	s.mu.Unlock()
}

// failTask records a terminal failure and skips downstream work.
func (s *Scheduler) failTask(task *models.Task, cause error) {
	s.finishTask(task, models.TaskStatusFailed, cause.Error())
	s.emit(Event{
		Type:    EventTaskFailed,
		TaskID:  task.ID,
		Err:     cause,
		Message: fmt.Sprintf("task %s failed: %v", task.ID, cause),
	})
	s.skipDependents(task.ID)
}

// skipDependents marks pending dependents skipped, transitively, unless
// the dependent opted into continue-on-error.
func (s *Scheduler) skipDependents(failedID string) {
	for _, depID := range s.graph.GetDependents(failedID) {
		dep := s.graph.GetTask(depID)
		if dep == nil || dep.Status != models.TaskStatusPending || dep.ContinueOnError {
			continue
		}
		s.finishTask(dep, models.TaskStatusSkipped, fmt.Sprintf("dependency %s did not complete", failedID))
		s.emit(Event{
			Type:    EventTaskSkipped,
			TaskID:  dep.ID,
			Message: dep.Error,
		})
		s.skipDependents(dep.ID)
	}
}

// finishTask applies a terminal status and timestamp.
func (s *Scheduler) finishTask(task *models.Task, status models.TaskStatus, reason string) {
	now := time.Now()
	task.Status = status
	task.FinishedAt = &now
	if reason != "" {
		task.Error = reason
	}
}

// idle reports whether nothing is in flight and nothing is dispatchable.
func (s *Scheduler) idle() bool {
	s.mu.Lock()
	inflight := len(s.running)
	backoff := len(s.waiting)
	s.mu.Unlock()

	if inflight > 0 || backoff > 0 {
		return false
	}

	if !s.budget.CanStartNew() {
		return true
	}

	for _, task := range s.wf.Tasks {
		switch task.Status {
		case models.TaskStatusReady:
			return false
		case models.TaskStatusPending:
			if s.depsSatisfied(task) {
				return false
			}
		}
	}
	return true
}

// allTerminal reports whether every task reached a terminal status.
func (s *Scheduler) allTerminal() bool {
	for _, task := range s.wf.Tasks {
		if !task.Status.Terminal() {
			return false
		}
	}
	return true
}

// windDownExhaustedBudget skips the remaining runnable tasks once the
// token budget is spent. Returns true if a wind-down happened or nothing
// remained to skip.
func (s *Scheduler) windDownExhaustedBudget() bool {
	if s.budget.CanStartNew() {
		return false
	}

	for _, task := range s.wf.Tasks {
		if task.Status.Terminal() || task.Status == models.TaskStatusRunning {
			continue
		}
		s.finishTask(task, models.TaskStatusSkipped, "token budget exhausted")
		s.emit(Event{Type: EventTaskSkipped, TaskID: task.ID, Message: task.Error})
	}
	return true
}

// windDownCancelled handles workflow-level cancellation or deadline
// expiry: pending work is skipped immediately, in-flight attempts get a
// grace period to abort cooperatively, stragglers are hard-marked.
func (s *Scheduler) windDownCancelled(ctx context.Context, completionCh <-chan completion) error {
	reason := "cancelled by caller"
	if ctx.Err() == context.DeadlineExceeded {
		reason = "workflow deadline exceeded"
	}
	s.logf("[run %s] winding down: %s", s.runID, reason)

	for _, task := range s.wf.Tasks {
		switch task.Status {
		case models.TaskStatusPending, models.TaskStatusReady:
			s.finishTask(task, models.TaskStatusSkipped, reason)
			s.emit(Event{Type: EventTaskSkipped, TaskID: task.ID, Message: reason})
		}
	}

	deadline := time.NewTimer(cancelGrace)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		inflight := len(s.running)
		s.mu.Unlock()
		if inflight == 0 {
			break
		}

		select {
		case c := <-completionCh:
			s.mu.Lock()
			if cancelAttempt, ok := s.running[c.taskID]; ok {
				cancelAttempt()
				delete(s.running, c.taskID)
			}
			s.mu.Unlock()

			task := s.graph.GetTask(c.taskID)
			if task == nil {
				continue
			}
			if c.err == nil {
				// Finished just before the abort reached it; keep the result.
				s.completeTask(task, c.result)
				continue
			}
			s.finishTask(task, models.TaskStatusCancelled, reason)
			s.emit(Event{Type: EventTaskCancelled, TaskID: task.ID, Message: reason})

		case <-deadline.C:
			// Grace period expired: hard-mark whatever is still out there.
			s.mu.Lock()
			var stragglers []string
			for taskID := range s.running {
				stragglers = append(stragglers, taskID)
			}
			s.running = make(map[string]context.CancelFunc)
			s.mu.Unlock()

			for _, taskID := range stragglers {
				if task := s.graph.GetTask(taskID); task != nil {
					s.finishTask(task, models.TaskStatusCancelled, reason)
					s.emit(Event{Type: EventTaskCancelled, TaskID: task.ID, Message: reason})
				}
			}
		}
	}

	return &CancellationError{Reason: reason}
}

// stopRetryTimers cancels outstanding backoff timers at run end.
func (s *Scheduler) stopRetryTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.retryTimers {
		timer.Stop()
		delete(s.retryTimers, id)
	}
	s.waiting = make(map[string]bool)
}

// attemptsSnapshot copies the per-task attempt counts for the report.
func (s *Scheduler) attemptsSnapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.attempts))
	for k, v := range s.attempts {
		out[k] = v
	}
	return out
}
