// Package contextpool maintains the evolving store of prior task outputs
// made available to later tasks, under one of three sharing strategies.
package contextpool

import (
	"strings"
	"sync"

	"github.com/vibeflow/orchestra/internal/graph"
	"github.com/vibeflow/orchestra/pkg/models"
)

// DefaultTokenThreshold is the pool size at which eviction starts.
const DefaultTokenThreshold = 150_000

// Entry is one completed task's contribution to the pool.
type Entry struct {
	// SourceTaskID is the task that produced this content.
	SourceTaskID string
	// Content is the task output carried into later prompts.
	Content string
	// Tokens is the estimated or API-reported token count of Content.
	Tokens int64
	// Seq is the insertion order within the pool.
	Seq int
}

// Estimator converts content into an estimated token count. Used when
// the invoker did not report usage for an output.
type Estimator interface {
	Estimate(content string) int64
}

// LengthEstimator is the default length-based heuristic: roughly one
// token per four characters.
type LengthEstimator struct {
	// CharsPerToken is the divisor; values < 1 fall back to 4.
	CharsPerToken int
}

// Estimate implements Estimator.
func (e LengthEstimator) Estimate(content string) int64 {
	per := e.CharsPerToken
	if per < 1 {
		per = 4
	}
	n := int64(len(content)) / int64(per)
	if n < 1 && len(content) > 0 {
		n = 1
	}
	return n
}

// Manager owns a workflow's context pool. All mutations and reads go
// through a single mutex so concurrent task completions in the same
// wave remain correct.
type Manager struct {
	mu sync.Mutex
	// strategy selects how entries are resolved per task.
	strategy models.ContextStrategy
	// graph is consulted for dependency edges and task statuses when
	// resolving visibility and eviction protection.
	graph *graph.DependencyGraph
	// entries is the ordered pool, oldest first.
	entries []*Entry
	// total is the running token total, recomputed on every insert and evict.
	total int64
	// threshold is the eviction trigger.
	threshold int64
	// seq is the next insertion sequence number.
	seq int
	// estimator supplies token counts for unreported outputs.
	estimator Estimator
	// onEvict, if set, is called for every evicted entry.
	onEvict func(Entry)
}

// NewManager creates a Manager for one workflow run.
func NewManager(strategy models.ContextStrategy, g *graph.DependencyGraph) *Manager {
	return &Manager{
		strategy:  strategy,
		graph:     g,
		threshold: DefaultTokenThreshold,
		estimator: LengthEstimator{},
	}
}

// SetThreshold overrides the eviction threshold. Values <= 0 disable eviction.
func (m *Manager) SetThreshold(threshold int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threshold = threshold
}

// SetEstimator replaces the token estimator.
func (m *Manager) SetEstimator(e Estimator) {
	if e == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.estimator = e
}

// SetOnEvict registers a callback invoked (outside the pool lock) for
// each evicted entry.
func (m *Manager) SetOnEvict(fn func(Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = fn
}

// Append records a completed task's output. Every completed task appends
// exactly one entry. When tokens <= 0 the estimator supplies a count.
// Appending may trigger an eviction pass.
func (m *Manager) Append(sourceTaskID, content string, tokens int64) {
	m.mu.Lock()

	if tokens <= 0 {
		tokens = m.estimator.Estimate(content)
	}

	m.entries = append(m.entries, &Entry{
		SourceTaskID: sourceTaskID,
		Content:      content,
		Tokens:       tokens,
		Seq:          m.seq,
	})
	m.seq++
	m.total += tokens

	evicted := m.evictLocked()
	onEvict := m.onEvict
	m.mu.Unlock()

	if onEvict != nil {
		for _, e := range evicted {
			onEvict(e)
		}
	}
}

// evictLocked removes oldest entries until the running total is back
// under the threshold. Entries whose source task is a direct dependency
// of any task still pending, ready or running are protected regardless
// of age. Caller must hold m.mu.
func (m *Manager) evictLocked() []Entry {
	if m.threshold <= 0 || m.total <= m.threshold {
		return nil
	}

	protected := m.protectedSourcesLocked()

	var evicted []Entry
	kept := m.entries[:0]
	for _, e := range m.entries {
		if m.total <= m.threshold || protected[e.SourceTaskID] {
			kept = append(kept, e)
			continue
		}
		m.total -= e.Tokens
		evicted = append(evicted, *e)
	}
	m.entries = kept
	return evicted
}

// protectedSourcesLocked returns the set of source task IDs whose output
// is still needed by an unfinished dependent.
func (m *Manager) protectedSourcesLocked() map[string]bool {
	protected := make(map[string]bool)
	if m.graph == nil {
		return protected
	}

	for _, e := range m.entries {
		for _, depID := range m.graph.GetDependents(e.SourceTaskID) {
			task := m.graph.GetTask(depID)
			if task == nil {
				continue
			}
			switch task.Status {
			case models.TaskStatusPending, models.TaskStatusReady, models.TaskStatusRunning:
				protected[e.SourceTaskID] = true
			}
		}
	}
	return protected
}

// ResolveFor returns the context entries visible to the given task under
// the pool's strategy, in insertion order. The returned slice is a copy.
func (m *Manager) ResolveFor(task *models.Task) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.strategy {
	case models.ContextIsolated:
		return m.filterLocked(directDepSet(task))
	case models.ContextHierarchical:
		return m.filterLocked(m.hierarchicalSetLocked(task))
	default:
		// Shared: the entire pool in insertion order.
		out := make([]Entry, len(m.entries))
		for i, e := range m.entries {
			out[i] = *e
		}
		return out
	}
}

// filterLocked copies entries whose source is in the visible set.
func (m *Manager) filterLocked(visible map[string]bool) []Entry {
	var out []Entry
	for _, e := range m.entries {
		if visible[e.SourceTaskID] {
			out = append(out, *e)
		}
	}
	return out
}

// directDepSet returns the task's direct dependencies as a set.
func directDepSet(task *models.Task) map[string]bool {
	set := make(map[string]bool, len(task.DependsOn))
	for _, depID := range task.DependsOn {
		set[depID] = true
	}
	return set
}

// hierarchicalSetLocked walks the declared parent chain: a task sees its
// parent's accumulated context plus its own dependency outputs. Siblings
// under the same parent never appear in each other's sets.
func (m *Manager) hierarchicalSetLocked(task *models.Task) map[string]bool {
	visible := directDepSet(task)
	if m.graph == nil {
		return visible
	}

	for cur := task; cur != nil && cur.Parent != ""; {
		parent := m.graph.GetTask(cur.Parent)
		if parent == nil {
			break
		}
		visible[parent.ID] = true
		for _, depID := range parent.DependsOn {
			visible[depID] = true
		}
		cur = parent
	}
	return visible
}

// Concat joins entries into a single prompt-ready context block.
func Concat(entries []Entry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(e.Content)
	}
	return b.String()
}

// TotalTokens returns the pool's running token total.
func (m *Manager) TotalTokens() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Len returns the number of entries currently in the pool.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
