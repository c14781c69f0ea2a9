package orchestrator

import "sync"

// BudgetStatus represents the current state of budget consumption.
type BudgetStatus int

const (
	// BudgetOK indicates usage is below the warning threshold (<80%).
	BudgetOK BudgetStatus = iota
	// BudgetWarning indicates usage is between warning and exhaustion (80-99%).
	BudgetWarning
	// BudgetExhausted indicates the budget is fully consumed (>=100%).
	BudgetExhausted
)

// String returns a human-readable representation of the budget status.
func (s BudgetStatus) String() string {
	switch s {
	case BudgetOK:
		return "OK"
	case BudgetWarning:
		return "Warning"
	case BudgetExhausted:
		return "Exhausted"
	default:
		return "Unknown"
	}
}

// DefaultWarningThreshold is the default percentage at which warnings begin.
const DefaultWarningThreshold = 0.80

// BudgetHandler monitors token usage against a run's token budget. When
// the budget is exhausted the scheduler stops dispatching new tasks and
// lets in-flight invocations finish.
type BudgetHandler struct {
	// budget is the maximum allowed tokens. Zero or negative disables the cap.
	budget int64
	// used is the current token consumption.
	used int64
	// warningThreshold is the fraction (0.0-1.0) at which warnings begin.
	warningThreshold float64
	// mu protects mutable state.
	mu sync.RWMutex
}

// NewBudgetHandler creates a BudgetHandler with the specified token budget.
func NewBudgetHandler(budget int64) *BudgetHandler {
	return &BudgetHandler{
		budget:           budget,
		warningThreshold: DefaultWarningThreshold,
	}
}

// Add records tokens consumed by a completed invocation.
func (h *BudgetHandler) Add(tokens int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.used += tokens
}

// Check returns the current budget status based on usage percentage.
func (h *BudgetHandler) Check() BudgetStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.budget <= 0 {
		return BudgetOK
	}

	percentage := float64(h.used) / float64(h.budget)
	if percentage >= 1.0 {
		return BudgetExhausted
	}
	if percentage >= h.warningThreshold {
		return BudgetWarning
	}
	return BudgetOK
}

// CanStartNew returns false once the budget is exhausted, blocking new
// task dispatch while in-flight work completes.
func (h *BudgetHandler) CanStartNew() bool {
	return h.Check() != BudgetExhausted
}

// Usage returns used tokens, the budget, and the usage fraction (0.0-1.0).
func (h *BudgetHandler) Usage() (used, budget int64, percentage float64) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	used = h.used
	budget = h.budget
	if budget > 0 {
		percentage = float64(used) / float64(budget)
	}
	return used, budget, percentage
}

// SetWarningThreshold sets the warning threshold fraction, clamped to [0, 1].
func (h *BudgetHandler) SetWarningThreshold(threshold float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}
	h.warningThreshold = threshold
}
