package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vibeflow/orchestra/internal/invoker"
	"github.com/vibeflow/orchestra/pkg/models"
)

// fastBackoff keeps retry delays out of test wall time.
var fastBackoff = Backoff{Base: time.Millisecond, Factor: 2, Cap: 10 * time.Millisecond}

func newWorkflow(concurrency int, tasks ...*models.Task) *models.Workflow {
	return &models.Workflow{
		ID:          "wf-test",
		Tasks:       tasks,
		Concurrency: concurrency,
	}
}

func stubRegistry(s *invoker.Stub) *invoker.Registry {
	return invoker.NewRegistry(s)
}

func runToCompletion(t *testing.T, wf *models.Workflow, reg *invoker.Registry, opts ...Option) *Report {
	t.Helper()

	opts = append([]Option{WithBackoff(fastBackoff), WithEventBuffer(1024)}, opts...)
	sched, err := NewScheduler(wf, reg, opts...)
	if err != nil {
		t.Fatalf("scheduler setup failed: %v", err)
	}

	report, _ := sched.Run(context.Background())
	if report == nil {
		t.Fatal("expected a report")
	}
	return report
}

func TestSchedulerRejectsCycle(t *testing.T) {
	stub := invoker.NewStub()
	wf := newWorkflow(2,
		&models.Task{ID: "a", DependsOn: []string{"b"}},
		&models.Task{ID: "b", DependsOn: []string{"a"}},
	)

	_, err := NewScheduler(wf, stubRegistry(stub))
	if err == nil {
		t.Fatal("expected cycle to be rejected at submission")
	}
	if stub.TotalCalls() != 0 {
		t.Errorf("no task may be invoked for a cyclic graph, got %d calls", stub.TotalCalls())
	}
}

func TestSchedulerRejectsUnknownDependency(t *testing.T) {
	wf := newWorkflow(2, &models.Task{ID: "a", DependsOn: []string{"ghost"}})
	if _, err := NewScheduler(wf, stubRegistry(invoker.NewStub())); err == nil {
		t.Fatal("expected unknown dependency to be rejected")
	}
}

func TestSchedulerRejectsUnknownTerminalTask(t *testing.T) {
	wf := newWorkflow(2, &models.Task{ID: "a"})
	wf.TerminalTasks = []string{"missing"}
	if _, err := NewScheduler(wf, stubRegistry(invoker.NewStub())); err == nil {
		t.Fatal("expected unknown terminal task to be rejected")
	}
}

func TestSchedulerTerminatesOnDiamond(t *testing.T) {
	stub := invoker.NewStub()
	wf := newWorkflow(2,
		&models.Task{ID: "a"},
		&models.Task{ID: "b"},
		&models.Task{ID: "c", DependsOn: []string{"a", "b"}},
		&models.Task{ID: "d", DependsOn: []string{"c"}},
	)

	report := runToCompletion(t, wf, stubRegistry(stub))

	if report.Status != RunCompleted {
		t.Errorf("expected completed run, got %s (%s)", report.Status, report.Err)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		if report.Tasks[id].Status != models.TaskStatusCompleted {
			t.Errorf("task %s: expected completed, got %s", id, report.Tasks[id].Status)
		}
	}
	if report.TotalTokens == 0 {
		t.Error("expected nonzero total token usage")
	}
}

func TestDependentStartsAfterDependencyCompletes(t *testing.T) {
	stub := invoker.NewStub()
	// Randomized-ish delays: the dependency is slow, competitors fast.
	stub.Script("a", invoker.StubResponse{Output: "a", Delay: 40 * time.Millisecond})
	stub.Script("x", invoker.StubResponse{Output: "x", Delay: 5 * time.Millisecond})

	wf := newWorkflow(3,
		&models.Task{ID: "a"},
		&models.Task{ID: "x"},
		&models.Task{ID: "b", DependsOn: []string{"a"}},
	)

	sched, err := NewScheduler(wf, stubRegistry(stub), WithEventBuffer(1024))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := sched.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	var aDone, bStart time.Time
	for ev := range sched.Events() {
		switch {
		case ev.Type == EventTaskCompleted && ev.TaskID == "a":
			aDone = ev.Timestamp
		case ev.Type == EventTaskStarted && ev.TaskID == "b":
			bStart = ev.Timestamp
		}
	}

	if aDone.IsZero() || bStart.IsZero() {
		t.Fatal("missing expected events")
	}
	if bStart.Before(aDone) {
		t.Errorf("dependent started at %v before dependency completed at %v", bStart, aDone)
	}
}

func TestFailurePropagatesSkips(t *testing.T) {
	stub := invoker.NewStub()
	stub.Script("b", invoker.StubResponse{Err: errors.New("broken"), Retryable: false})

	// Scenario: A, B independent; C needs both; D needs C; bound 2.
	wf := newWorkflow(2,
		&models.Task{ID: "a"},
		&models.Task{ID: "b"},
		&models.Task{ID: "c", DependsOn: []string{"a", "b"}},
		&models.Task{ID: "d", DependsOn: []string{"c"}},
	)
	wf.TerminalTasks = []string{"d"}

	report := runToCompletion(t, wf, stubRegistry(stub))

	if got := report.Tasks["a"].Status; got != models.TaskStatusCompleted {
		t.Errorf("a: expected completed, got %s", got)
	}
	if got := report.Tasks["b"].Status; got != models.TaskStatusFailed {
		t.Errorf("b: expected failed, got %s", got)
	}
	for _, id := range []string{"c", "d"} {
		if got := report.Tasks[id].Status; got != models.TaskStatusSkipped {
			t.Errorf("%s: expected skipped, got %s", id, got)
		}
		if report.Tasks[id].Reason == "" {
			t.Errorf("%s: expected a human-readable skip reason", id)
		}
	}

	if report.Status != RunFailed {
		t.Errorf("expected failed run, got %s", report.Status)
	}
	if stub.TotalCalls() != 2 {
		t.Errorf("expected exactly 2 invocations (a, b), got %d", stub.TotalCalls())
	}
	if stub.Calls("c") != 0 || stub.Calls("d") != 0 {
		t.Error("skipped tasks must never be invoked")
	}
}

func TestContinueOnErrorRunsDespiteFailedDependency(t *testing.T) {
	stub := invoker.NewStub()
	stub.Script("flaky-dep", invoker.StubResponse{Err: errors.New("down"), Retryable: false})

	wf := newWorkflow(2,
		&models.Task{ID: "ok"},
		&models.Task{ID: "flaky-dep"},
		&models.Task{ID: "tolerant", DependsOn: []string{"ok", "flaky-dep"}, ContinueOnError: true},
		&models.Task{ID: "strict", DependsOn: []string{"flaky-dep"}},
	)

	report := runToCompletion(t, wf, stubRegistry(stub))

	if got := report.Tasks["tolerant"].Status; got != models.TaskStatusCompleted {
		t.Errorf("tolerant: expected completed with partial context, got %s", got)
	}
	if got := report.Tasks["strict"].Status; got != models.TaskStatusSkipped {
		t.Errorf("strict: expected skipped, got %s", got)
	}
	if stub.Calls("tolerant") != 1 {
		t.Errorf("expected tolerant invoked once, got %d", stub.Calls("tolerant"))
	}
}

// gaugeInvoker tracks the peak number of concurrent invocations.
type gaugeInvoker struct {
	delay   time.Duration
	current atomic.Int64
	peak    atomic.Int64
}

func (g *gaugeInvoker) Invoke(ctx context.Context, task *models.Task, resolvedContext string) (*invoker.Result, error) {
	cur := g.current.Add(1)
	for {
		peak := g.peak.Load()
		if cur <= peak || g.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	defer g.current.Add(-1)

	select {
	case <-time.After(g.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &invoker.Result{Output: task.ID, TokensUsed: 1}, nil
}

func TestConcurrencyBoundHolds(t *testing.T) {
	gauge := &gaugeInvoker{delay: 50 * time.Millisecond}

	var tasks []*models.Task
	for _, id := range []string{"t0", "t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8", "t9"} {
		tasks = append(tasks, &models.Task{ID: id})
	}
	wf := newWorkflow(3, tasks...)

	sched, err := NewScheduler(wf, invoker.NewRegistry(gauge), WithEventBuffer(1024))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	start := time.Now()
	report, err := sched.Run(context.Background())
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if peak := gauge.peak.Load(); peak > 3 {
		t.Errorf("running-set size exceeded bound: peak %d > 3", peak)
	}
	if report.Status != RunCompleted {
		t.Errorf("expected completed run, got %s", report.Status)
	}

	// 10 tasks of 50ms over 3 workers needs at least ceil(10/3)=4 rounds.
	if elapsed < 200*time.Millisecond {
		t.Errorf("run finished impossibly fast: %v", elapsed)
	}
	if elapsed > time.Second {
		t.Errorf("run took too long for 3-wide dispatch: %v", elapsed)
	}
}

func TestRetryableFailureEventuallyCompletes(t *testing.T) {
	stub := invoker.NewStub()
	stub.Script("flaky", invoker.StubResponse{Output: "done", FailuresBeforeSuccess: 2})

	wf := newWorkflow(1, &models.Task{ID: "flaky", MaxRetries: 3})
	report := runToCompletion(t, wf, stubRegistry(stub))

	if got := report.Tasks["flaky"].Status; got != models.TaskStatusCompleted {
		t.Errorf("expected completed after retries, got %s", got)
	}
	if got := report.Tasks["flaky"].Attempts; got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestRetriesExhaustedFails(t *testing.T) {
	stub := invoker.NewStub()
	stub.Script("flaky", invoker.StubResponse{Output: "never", FailuresBeforeSuccess: 10})

	wf := newWorkflow(1, &models.Task{ID: "flaky", MaxRetries: 2})
	report := runToCompletion(t, wf, stubRegistry(stub))

	if got := report.Tasks["flaky"].Status; got != models.TaskStatusFailed {
		t.Errorf("expected failed after exhausting retries, got %s", got)
	}
	if got := report.Tasks["flaky"].Attempts; got != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", got)
	}
}

func TestNonRetryableFailureDoesNotRetry(t *testing.T) {
	stub := invoker.NewStub()
	stub.Script("doomed", invoker.StubResponse{Err: errors.New("bad input"), Retryable: false})

	wf := newWorkflow(1, &models.Task{ID: "doomed", MaxRetries: 5})
	report := runToCompletion(t, wf, stubRegistry(stub))

	if got := report.Tasks["doomed"].Status; got != models.TaskStatusFailed {
		t.Errorf("expected failed, got %s", got)
	}
	if stub.Calls("doomed") != 1 {
		t.Errorf("terminal error must not be retried, got %d calls", stub.Calls("doomed"))
	}
}

func TestTaskTimeoutIsRetryable(t *testing.T) {
	stub := invoker.NewStub()
	stub.Script("slow", invoker.StubResponse{Output: "late", Delay: 200 * time.Millisecond})

	wf := newWorkflow(1, &models.Task{ID: "slow", TimeoutMs: 20, MaxRetries: 1})
	report := runToCompletion(t, wf, stubRegistry(stub))

	// Both attempts time out; the task fails with a timeout reason.
	tr := report.Tasks["slow"]
	if tr.Status != models.TaskStatusFailed {
		t.Errorf("expected failed, got %s", tr.Status)
	}
	if tr.Attempts != 2 {
		t.Errorf("expected timeout retried once (2 attempts), got %d", tr.Attempts)
	}
}

func TestWorkflowDeadlineCancelsRun(t *testing.T) {
	stub := invoker.NewStub()
	stub.Script("slow", invoker.StubResponse{Output: "late", Delay: 500 * time.Millisecond})

	wf := newWorkflow(2,
		&models.Task{ID: "slow"},
		&models.Task{ID: "after", DependsOn: []string{"slow"}},
	)
	wf.TimeoutMs = 50

	sched, err := NewScheduler(wf, stubRegistry(stub), WithEventBuffer(1024))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	report, runErr := sched.Run(context.Background())
	if runErr == nil {
		t.Fatal("expected run-level cancellation error")
	}
	var ce *CancellationError
	if !errors.As(runErr, &ce) {
		t.Fatalf("expected CancellationError, got %T", runErr)
	}

	if report.Status != RunFailed {
		t.Errorf("expected failed run, got %s", report.Status)
	}
	if got := report.Tasks["slow"].Status; got != models.TaskStatusCancelled {
		t.Errorf("in-flight task: expected cancelled, got %s", got)
	}
	if got := report.Tasks["after"].Status; got != models.TaskStatusSkipped {
		t.Errorf("pending task: expected skipped, got %s", got)
	}
}

func TestStopCancelsRun(t *testing.T) {
	stub := invoker.NewStub()
	stub.Script("slow", invoker.StubResponse{Output: "late", Delay: 2 * time.Second})

	wf := newWorkflow(1, &models.Task{ID: "slow"})
	sched, err := NewScheduler(wf, stubRegistry(stub), WithEventBuffer(1024))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var report *Report
	var runErr error
	go func() {
		defer wg.Done()
		report, runErr = sched.Run(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	sched.Stop()
	wg.Wait()

	if runErr == nil {
		t.Fatal("expected cancellation error from stopped run")
	}
	if got := report.Tasks["slow"].Status; got != models.TaskStatusCancelled {
		t.Errorf("expected cancelled, got %s", got)
	}
}

func TestDeterministicFinalStatuses(t *testing.T) {
	build := func() (*models.Workflow, *invoker.Stub) {
		stub := invoker.NewStub()
		stub.Script("b", invoker.StubResponse{Err: errors.New("broken"), Retryable: false})
		wf := newWorkflow(2,
			&models.Task{ID: "a"},
			&models.Task{ID: "b"},
			&models.Task{ID: "c", DependsOn: []string{"a", "b"}},
			&models.Task{ID: "d", DependsOn: []string{"a"}},
		)
		return wf, stub
	}

	wf1, stub1 := build()
	first := runToCompletion(t, wf1, stubRegistry(stub1))

	wf2, stub2 := build()
	second := runToCompletion(t, wf2, stubRegistry(stub2))

	for id, tr := range first.Tasks {
		if second.Tasks[id].Status != tr.Status {
			t.Errorf("task %s: statuses differ across identical runs: %s vs %s",
				id, tr.Status, second.Tasks[id].Status)
		}
	}
	if first.Status != second.Status {
		t.Errorf("run statuses differ: %s vs %s", first.Status, second.Status)
	}
}

func TestNonTerminalFailureReportsPartialSuccess(t *testing.T) {
	stub := invoker.NewStub()
	stub.Script("side", invoker.StubResponse{Err: errors.New("broken"), Retryable: false})

	wf := newWorkflow(2,
		&models.Task{ID: "main"},
		&models.Task{ID: "side"},
	)
	wf.TerminalTasks = []string{"main"}

	report := runToCompletion(t, wf, stubRegistry(stub))

	if report.Status != RunCompleted {
		t.Errorf("expected partial success to report completed, got %s", report.Status)
	}
	if got := report.Tasks["side"].Status; got != models.TaskStatusFailed {
		t.Errorf("side: expected failed in per-task detail, got %s", got)
	}
	if _, ok := report.TerminalOutputs["main"]; !ok {
		t.Error("expected terminal output for main")
	}
}

func TestTokenBudgetWindsDown(t *testing.T) {
	stub := invoker.NewStub()
	stub.Script("first", invoker.StubResponse{Output: "big", Tokens: 1000})

	wf := newWorkflow(1,
		&models.Task{ID: "first"},
		&models.Task{ID: "second", DependsOn: []string{"first"}},
	)
	wf.TokenBudget = 500

	report := runToCompletion(t, wf, stubRegistry(stub))

	if got := report.Tasks["first"].Status; got != models.TaskStatusCompleted {
		t.Errorf("first: expected completed, got %s", got)
	}
	if got := report.Tasks["second"].Status; got != models.TaskStatusSkipped {
		t.Errorf("second: expected skipped after budget exhaustion, got %s", got)
	}
	if stub.Calls("second") != 0 {
		t.Error("budget-skipped task must not be invoked")
	}
}

func TestPerTaskEventOrdering(t *testing.T) {
	stub := invoker.NewStub()
	wf := newWorkflow(2,
		&models.Task{ID: "a"},
		&models.Task{ID: "b", DependsOn: []string{"a"}},
	)

	sched, err := NewScheduler(wf, stubRegistry(stub), WithEventBuffer(1024))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := sched.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	perTask := make(map[string][]EventType)
	var sawTerminal bool
	for ev := range sched.Events() {
		if ev.TaskID != "" {
			perTask[ev.TaskID] = append(perTask[ev.TaskID], ev.Type)
		}
		if ev.Type == EventWorkflowCompleted {
			sawTerminal = true
			if ev.Report == nil {
				t.Error("terminal event must carry the report")
			}
		}
	}

	if !sawTerminal {
		t.Fatal("missing workflow terminal event")
	}
	for id, seq := range perTask {
		want := []EventType{EventTaskQueued, EventTaskStarted, EventTaskCompleted}
		if len(seq) != len(want) {
			t.Fatalf("task %s: unexpected event count %v", id, seq)
		}
		for i := range want {
			if seq[i] != want[i] {
				t.Errorf("task %s: event %d = %s, want %s", id, i, seq[i], want[i])
			}
		}
	}
}

func TestWithLoggerCapturesRunTraces(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "debug.log")
	logger, err := NewDebugLogger(logPath)
	if err != nil {
		t.Fatalf("logger setup: %v", err)
	}

	stub := invoker.NewStub()
	stub.Script("big", invoker.StubResponse{Output: "big", Tokens: 90})

	wf := newWorkflow(1, &models.Task{ID: "big"})
	wf.TokenBudget = 100

	runToCompletion(t, wf, stubRegistry(stub), WithLogger(logger))

	if err := logger.Close(); err != nil {
		t.Fatalf("close logger: %v", err)
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read debug log: %v", err)
	}
	if !strings.Contains(string(data), "token budget warning") {
		t.Errorf("expected budget warning trace in debug log, got:\n%s", data)
	}
}

func TestDeadlineWindDownLeavesNoPendingTasks(t *testing.T) {
	// A join task behind a fan-in whose dependencies finish right at the
	// workflow deadline. However the completions interleave with the
	// deadline firing, every task must end terminal and a failed report
	// must carry a run-level error.
	for i := 0; i < 20; i++ {
		stub := invoker.NewStub()
		var tasks []*models.Task
		var deps []string
		for j := 0; j < 8; j++ {
			id := fmt.Sprintf("w%d", j)
			stub.Script(id, invoker.StubResponse{Output: id, Delay: 15 * time.Millisecond})
			tasks = append(tasks, &models.Task{ID: id})
			deps = append(deps, id)
		}
		tasks = append(tasks, &models.Task{ID: "join", DependsOn: deps})

		wf := newWorkflow(8, tasks...)
		wf.TimeoutMs = 15

		sched, err := NewScheduler(wf, stubRegistry(stub), WithEventBuffer(1024))
		if err != nil {
			t.Fatalf("setup: %v", err)
		}
		report, runErr := sched.Run(context.Background())
		if report == nil {
			t.Fatal("expected a report")
		}

		for id, tr := range report.Tasks {
			if !tr.Status.Terminal() {
				t.Fatalf("iteration %d: task %s left in non-terminal status %s", i, id, tr.Status)
			}
		}
		if report.Status == RunFailed && runErr == nil && report.Err == "" {
			t.Fatalf("iteration %d: failed run without a recorded cause", i)
		}
		if runErr == nil && report.Status != RunCompleted {
			t.Fatalf("iteration %d: nil run error but report says %s (%s)", i, report.Status, report.Err)
		}
	}
}

// signalInvoker runs an arbitrary function as an invoker, used to
// exercise bus signaling from inside a run.
type signalInvoker struct {
	fn func(ctx context.Context, task *models.Task, resolvedContext string) (*invoker.Result, error)
}

func (f *signalInvoker) Invoke(ctx context.Context, task *models.Task, resolvedContext string) (*invoker.Result, error) {
	return f.fn(ctx, task, resolvedContext)
}

func TestTasksSignalOverBus(t *testing.T) {
	reg := stubRegistry(invoker.NewStub())

	wf := newWorkflow(2,
		&models.Task{ID: "producer", AgentRef: "producer"},
		&models.Task{ID: "consumer", AgentRef: "consumer", DependsOn: []string{"producer"}},
	)

	sched, err := NewScheduler(wf, reg, WithEventBuffer(1024))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	// Invokers capture the run's bus at registration time; the
	// subscription exists before any task runs so no message is lost.
	b := sched.Bus()
	sub := b.Subscribe("handoff")
	defer sub.Unsubscribe()

	reg.Register("producer", &signalInvoker{fn: func(ctx context.Context, task *models.Task, _ string) (*invoker.Result, error) {
		b.Publish("handoff", "artifact ready")
		return &invoker.Result{Output: "produced", TokensUsed: 1}, nil
	}})

	var received string
	reg.Register("consumer", &signalInvoker{fn: func(ctx context.Context, task *models.Task, _ string) (*invoker.Result, error) {
		msg, err := sub.Receive(ctx)
		if err != nil {
			return nil, err
		}
		received = msg.Payload
		return &invoker.Result{Output: "consumed", TokensUsed: 1}, nil
	}})

	report, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != RunCompleted {
		t.Fatalf("expected completed run, got %s (%s)", report.Status, report.Err)
	}
	if received != "artifact ready" {
		t.Errorf("consumer received %q, want the producer's payload", received)
	}
}

func TestRunCannotStartTwice(t *testing.T) {
	wf := newWorkflow(1, &models.Task{ID: "a"})
	sched, err := NewScheduler(wf, stubRegistry(invoker.NewStub()), WithEventBuffer(16))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	if _, err := sched.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := sched.Run(context.Background()); err == nil {
		t.Fatal("expected second run to be rejected")
	}
}
