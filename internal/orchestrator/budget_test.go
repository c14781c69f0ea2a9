package orchestrator

import "testing"

func TestBudgetStatusProgression(t *testing.T) {
	h := NewBudgetHandler(1000)

	if got := h.Check(); got != BudgetOK {
		t.Errorf("fresh handler: got %s, want OK", got)
	}

	h.Add(790)
	if got := h.Check(); got != BudgetOK {
		t.Errorf("at 79%%: got %s, want OK", got)
	}

	h.Add(10)
	if got := h.Check(); got != BudgetWarning {
		t.Errorf("at 80%%: got %s, want Warning", got)
	}

	h.Add(200)
	if got := h.Check(); got != BudgetExhausted {
		t.Errorf("at 100%%: got %s, want Exhausted", got)
	}
	if h.CanStartNew() {
		t.Error("exhausted budget must block new dispatch")
	}
}

func TestBudgetUnlimitedWhenZero(t *testing.T) {
	h := NewBudgetHandler(0)
	h.Add(1_000_000)
	if got := h.Check(); got != BudgetOK {
		t.Errorf("unlimited budget: got %s, want OK", got)
	}
	if !h.CanStartNew() {
		t.Error("unlimited budget must never block dispatch")
	}
}

func TestBudgetUsage(t *testing.T) {
	h := NewBudgetHandler(200)
	h.Add(50)

	used, budget, pct := h.Usage()
	if used != 50 || budget != 200 {
		t.Errorf("Usage() = (%d, %d), want (50, 200)", used, budget)
	}
	if pct != 0.25 {
		t.Errorf("Usage() percentage = %f, want 0.25", pct)
	}
}

func TestBudgetWarningThresholdClamped(t *testing.T) {
	h := NewBudgetHandler(100)
	h.SetWarningThreshold(-0.5)
	h.Add(1)
	if got := h.Check(); got != BudgetWarning {
		t.Errorf("threshold clamped to 0: got %s, want Warning", got)
	}
}
