// Package graph provides the task dependency graph used for workflow
// validation and readiness tracking.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vibeflow/orchestra/pkg/models"
)

// GraphErrorKind classifies graph validation failures.
type GraphErrorKind string

const (
	// ErrKindUnknownDependency indicates a dependency referencing a task
	// that does not exist in the workflow.
	ErrKindUnknownDependency GraphErrorKind = "unknown_dependency"
	// ErrKindCycle indicates a circular dependency.
	ErrKindCycle GraphErrorKind = "cycle"
)

// GraphError is returned synchronously at submission time. A workflow
// that produces a GraphError never starts.
type GraphError struct {
	// Kind classifies the failure.
	Kind GraphErrorKind
	// TaskID is the task whose declaration triggered the error.
	TaskID string
	// DependencyID is the unresolved reference, for unknown_dependency errors.
	DependencyID string
	// Cycle holds the full cycle path (first node repeated last), for cycle errors.
	Cycle []string
}

// Error implements the error interface.
func (e *GraphError) Error() string {
	switch e.Kind {
	case ErrKindUnknownDependency:
		return fmt.Sprintf("task %s depends on unknown task %s", e.TaskID, e.DependencyID)
	case ErrKindCycle:
		return fmt.Sprintf("circular dependency: %s", strings.Join(e.Cycle, " -> "))
	default:
		return fmt.Sprintf("graph error: %s", e.Kind)
	}
}

// DependencyGraph is a directed acyclic graph of task dependencies.
// Tasks are nodes, and edges represent "blocked by" relationships.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// edges maps task ID to IDs of tasks it depends on.
	edges map[string][]string
	// order preserves submission order for deterministic iteration.
	order []string
	// completed tracks which tasks have been marked complete.
	completed map[string]bool
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:     make(map[string]*models.Task),
		edges:     make(map[string][]string),
		completed: make(map[string]bool),
	}
}

// Build constructs the graph from a workflow's tasks. It fails with a
// GraphError when a dependency references an unknown task or the
// dependency relation contains a cycle.
func (g *DependencyGraph) Build(tasks []*models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, task := range tasks {
		if _, dup := g.nodes[task.ID]; dup {
			return fmt.Errorf("duplicate task id %s", task.ID)
		}
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
		g.order = append(g.order, task.ID)
	}

	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return &GraphError{Kind: ErrKindUnknownDependency, TaskID: task.ID, DependencyID: depID}
			}
			g.edges[task.ID] = append(g.edges[task.ID], depID)
		}
	}

	if cycle := g.findCycleLocked(); cycle != nil {
		return &GraphError{Kind: ErrKindCycle, Cycle: cycle}
	}

	return nil
}

// findCycleLocked runs a depth-first search with white/gray/black coloring
// and returns the full cycle path when a back edge is found, nil otherwise.
// Caller must hold g.mu.
func (g *DependencyGraph) findCycleLocked() []string {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = 1
		stack = append(stack, id)

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Back edge. Slice the stack from the first occurrence of
				// depID and close the loop.
				for i, s := range stack {
					if s == depID {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, depID)
					}
				}
			case 0:
				if cycle := visit(depID); cycle != nil {
					return cycle
				}
			}
		}

		colors[id] = 2
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, id := range g.order {
		if colors[id] == 0 {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}

	return nil
}

// Waves computes topological layers with Kahn's algorithm: wave N holds
// every task whose dependencies all sit in earlier waves. Used for
// validation and wall-time estimation only; dispatch is driven by the
// dynamic ready set, so a task never waits on an entire synthetic layer.
func (g *DependencyGraph) Waves() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.edges[id])
	}

	remaining := len(g.nodes)
	var waves [][]string

	for remaining > 0 {
		var wave []string
		for _, id := range g.order {
			if deg, ok := indegree[id]; ok && deg == 0 {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			if cycle := g.findCycleLocked(); cycle != nil {
				return nil, &GraphError{Kind: ErrKindCycle, Cycle: cycle}
			}
			return nil, fmt.Errorf("graph stalled with %d unresolved tasks", remaining)
		}

		sort.Strings(wave)
		for _, id := range wave {
			delete(indegree, id)
		}
		for id := range indegree {
			for _, depID := range g.edges[id] {
				for _, done := range wave {
					if depID == done {
						indegree[id]--
					}
				}
			}
		}

		waves = append(waves, wave)
		remaining -= len(wave)
	}

	return waves, nil
}

// GetReady returns task IDs whose dependencies are all completed and that
// are still pending. These tasks can be dispatched in parallel.
func (g *DependencyGraph) GetReady() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, id := range g.order {
		task := g.nodes[id]
		if g.completed[id] || task.Status != models.TaskStatusPending {
			continue
		}

		allDepsComplete := true
		for _, depID := range g.edges[id] {
			if !g.completed[depID] {
				allDepsComplete = false
				break
			}
		}
		if allDepsComplete {
			ready = append(ready, id)
		}
	}
	return ready
}

// MarkComplete marks a task as completed, unblocking its dependents for
// subsequent GetReady calls.
func (g *DependencyGraph) MarkComplete(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed[taskID] = true
}

// GetTask returns the task for a given ID, or nil if not found.
func (g *DependencyGraph) GetTask(taskID string) *models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// GetDependencies returns the IDs of tasks the given task depends on.
func (g *DependencyGraph) GetDependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[taskID]
}

// GetDependents returns the IDs of tasks that directly depend on the given task.
func (g *DependencyGraph) GetDependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for _, id := range g.order {
		for _, depID := range g.edges[id] {
			if depID == taskID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}

// TransitiveDependents returns every task downstream of the given task,
// directly or through intermediate dependents.
func (g *DependencyGraph) TransitiveDependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	frontier := []string{taskID}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for _, id := range g.order {
			if seen[id] {
				continue
			}
			for _, depID := range g.edges[id] {
				if depID == next {
					seen[id] = true
					frontier = append(frontier, id)
					break
				}
			}
		}
	}

	var out []string
	for _, id := range g.order {
		if seen[id] {
			out = append(out, id)
		}
	}
	return out
}
