// Package template loads workflow definitions from YAML files and
// expands ${param} placeholders from a caller-supplied parameter map.
package template

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vibeflow/orchestra/pkg/models"
)

// TaskDef is one task entry in a workflow template.
type TaskDef struct {
	// ID is the unique task identifier.
	ID string `yaml:"id"`
	// Agent is the capability key resolved against the invoker registry.
	Agent string `yaml:"agent"`
	// Inputs are named prompt inputs; values may contain ${param} references.
	Inputs map[string]string `yaml:"inputs"`
	// DependsOn lists task IDs whose outputs this task needs.
	DependsOn []string `yaml:"depends_on"`
	// Parent is the hierarchical-context parent task ID.
	Parent string `yaml:"parent"`
	// MaxRetries is the retry allowance for retryable failures.
	MaxRetries int `yaml:"max_retries"`
	// TimeoutMs is the per-attempt timeout in milliseconds.
	TimeoutMs int `yaml:"timeout_ms"`
	// ContinueOnError lets the task run with partial context after a
	// dependency fails.
	ContinueOnError bool `yaml:"continue_on_error"`
}

// Template is a parsed workflow definition.
type Template struct {
	// ID names the workflow.
	ID string `yaml:"id"`
	// Concurrency bounds simultaneous task execution.
	Concurrency int `yaml:"concurrency"`
	// ContextStrategy is shared, isolated or hierarchical.
	ContextStrategy string `yaml:"context_strategy"`
	// TimeoutMs is the whole-workflow deadline in milliseconds.
	TimeoutMs int `yaml:"timeout_ms"`
	// TokenBudget caps total token consumption; zero means unlimited.
	TokenBudget int64 `yaml:"token_budget"`
	// Terminal lists the task IDs whose outputs are the workflow's results.
	Terminal []string `yaml:"terminal"`
	// Tasks are the workflow's task definitions.
	Tasks []TaskDef `yaml:"tasks"`
}

// paramRef matches ${name} placeholders in input values.
var paramRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses a workflow template file.
func Load(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading template %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a workflow template from YAML bytes.
func Parse(data []byte) (*Template, error) {
	tpl := &Template{}
	if err := yaml.Unmarshal(data, tpl); err != nil {
		return nil, fmt.Errorf("parsing template: %w", err)
	}
	if err := tpl.validate(); err != nil {
		return nil, err
	}
	return tpl, nil
}

// validate checks structural requirements before graph construction.
// Dependency and cycle checks belong to the graph builder.
func (t *Template) validate() error {
	if t.ID == "" {
		return fmt.Errorf("template missing workflow id")
	}
	if len(t.Tasks) == 0 {
		return fmt.Errorf("template %s defines no tasks", t.ID)
	}

	if t.ContextStrategy != "" {
		if !models.ContextStrategy(t.ContextStrategy).Valid() {
			return fmt.Errorf("template %s: unknown context strategy %q", t.ID, t.ContextStrategy)
		}
	}

	seen := make(map[string]bool, len(t.Tasks))
	for i, task := range t.Tasks {
		if task.ID == "" {
			return fmt.Errorf("template %s: task %d missing id", t.ID, i)
		}
		if seen[task.ID] {
			return fmt.Errorf("template %s: duplicate task id %s", t.ID, task.ID)
		}
		seen[task.ID] = true
		if task.MaxRetries < 0 {
			return fmt.Errorf("template %s: task %s has negative max_retries", t.ID, task.ID)
		}
	}

	for _, tid := range t.Terminal {
		if !seen[tid] {
			return fmt.Errorf("template %s: terminal task %s not defined", t.ID, tid)
		}
	}

	return nil
}

// Instantiate builds a Workflow from the template, substituting
// ${param} references in input values. Every referenced parameter must
// be present in params; unreferenced params are ignored.
func (t *Template) Instantiate(params map[string]string) (*models.Workflow, error) {
	wf := &models.Workflow{
		ID:              t.ID,
		Concurrency:     t.Concurrency,
		ContextStrategy: models.ContextStrategy(t.ContextStrategy),
		TimeoutMs:       t.TimeoutMs,
		TokenBudget:     t.TokenBudget,
		TerminalTasks:   append([]string(nil), t.Terminal...),
	}

	for _, def := range t.Tasks {
		task := &models.Task{
			ID:              def.ID,
			AgentRef:        def.Agent,
			DependsOn:       append([]string(nil), def.DependsOn...),
			Parent:          def.Parent,
			MaxRetries:      def.MaxRetries,
			TimeoutMs:       def.TimeoutMs,
			ContinueOnError: def.ContinueOnError,
		}

		if len(def.Inputs) > 0 {
			task.PromptInputs = make(map[string]string, len(def.Inputs))
			for key, value := range def.Inputs {
				expanded, err := substitute(value, params)
				if err != nil {
					return nil, fmt.Errorf("task %s input %s: %w", def.ID, key, err)
				}
				task.PromptInputs[key] = expanded
			}
		}

		wf.Tasks = append(wf.Tasks, task)
	}

	return wf, nil
}

// Params returns the sorted set of parameter names the template references.
func (t *Template) Params() []string {
	seen := make(map[string]bool)
	var names []string
	for _, def := range t.Tasks {
		for _, value := range def.Inputs {
			for _, m := range paramRef.FindAllStringSubmatch(value, -1) {
				if !seen[m[1]] {
					seen[m[1]] = true
					names = append(names, m[1])
				}
			}
		}
	}
	sort.Strings(names)
	return names
}

// substitute expands ${name} references from params, erroring on any
// reference with no binding.
func substitute(value string, params map[string]string) (string, error) {
	var missing []string
	expanded := paramRef.ReplaceAllStringFunc(value, func(ref string) string {
		name := paramRef.FindStringSubmatch(ref)[1]
		bound, ok := params[name]
		if !ok {
			missing = append(missing, name)
			return ref
		}
		return bound
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("unbound parameter %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}
