package orchestration

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hiapplyco/apply-agents/pkg/models"
)

// ValidationResult is the outcome of validating a workflow definition.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// WorkflowValidator checks definitions for structural problems before the
// orchestrator accepts them: required fields, unique step ids, resolvable
// dependencies, an acyclic graph and registered agent types.
type WorkflowValidator struct {
	validate   *validator.Validate
	agentTypes map[models.AgentType]bool
}

// NewWorkflowValidator creates a validator accepting the given agent
// types.
func NewWorkflowValidator(agentTypes ...models.AgentType) *WorkflowValidator {
	known := make(map[models.AgentType]bool, len(agentTypes))
	for _, t := range agentTypes {
		known[t] = true
	}
	return &WorkflowValidator{
		validate:   validator.New(),
		agentTypes: known,
	}
}

// Validate returns every problem found; an empty error list means the
// definition is safe to execute.
func (v *WorkflowValidator) Validate(def *models.WorkflowDefinition) *ValidationResult {
	result := &ValidationResult{Valid: true}
	fail := func(format string, args ...interface{}) {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
	}

	if def == nil {
		fail("workflow definition is nil")
		return result
	}

	if err := v.validate.Struct(def); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range errs {
				fail("field %s failed %q validation", fe.Namespace(), fe.Tag())
			}
		} else {
			fail("definition validation: %v", err)
		}
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if step == nil {
			fail("step list contains a nil step")
			continue
		}
		if seen[step.ID] {
			fail("duplicate step id: %s", step.ID)
		}
		seen[step.ID] = true

		if len(v.agentTypes) > 0 && !v.agentTypes[step.AgentType] {
			fail("step %s references unregistered agent type %q", step.ID, step.AgentType)
		}
	}

	for _, step := range def.Steps {
		if step == nil {
			continue
		}
		for _, dep := range step.Dependencies {
			if !seen[dep] {
				fail("step %s depends on undefined step %q", step.ID, dep)
			}
			if dep == step.ID {
				fail("step %s depends on itself", step.ID)
			}
		}
		for _, h := range step.OnFailure {
			if !seen[h] {
				fail("step %s names undefined failure handler %q", step.ID, h)
			}
		}
	}

	if result.Valid {
		if cycle := findCycle(def); len(cycle) > 0 {
			fail("cycle: %s", strings.Join(cycle, " ↔ "))
		}
	}

	return result
}

// findCycle runs Kahn's algorithm; any steps left unprocessed form the
// cycle, returned in stable order.
func findCycle(def *models.WorkflowDefinition) []string {
	indegree := make(map[string]int, len(def.Steps))
	dependents := make(map[string][]string, len(def.Steps))

	for _, step := range def.Steps {
		if step == nil {
			continue
		}
		if _, ok := indegree[step.ID]; !ok {
			indegree[step.ID] = 0
		}
		for _, dep := range step.Dependencies {
			indegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	queue := make([]string, 0, len(indegree))
	for _, step := range def.Steps {
		if step != nil && indegree[step.ID] == 0 {
			queue = append(queue, step.ID)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed == len(indegree) {
		return nil
	}

	var cycle []string
	for id, deg := range indegree {
		if deg > 0 {
			cycle = append(cycle, id)
		}
	}
	sort.Strings(cycle)
	return cycle
}
