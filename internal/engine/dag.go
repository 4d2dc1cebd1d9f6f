package engine

import (
	"fmt"

	"github.com/arvensis/weft/pkg/schema"
)

// DAG is the in-memory directed acyclic graph representation of a workflow.
// Built from a WorkflowDefinition, used by the Scheduler to determine
// dependency order.
type DAG struct {
	Steps   map[string]*schema.StepDefinition // step ID → definition
	Edges   map[string][]string               // step ID → dependencies (needs)
	Reverse map[string][]string               // step ID → dependents (who needs me)
	Sorted  []string                          // topological order
	Roots   []string                          // steps with no dependencies
}

// validStepTypes is the set of recognized step types.
var validStepTypes = map[schema.StepType]bool{
	schema.StepTypeShell:       true,
	schema.StepTypeLLM:         true,
	schema.StepTypeSleep:       true,
	schema.StepTypeHuman:       true,
	schema.StepTypeMemory:      true,
	schema.StepTypeSubWorkflow: true,
	schema.StepTypeJoin:        true,
	schema.StepTypeDynamic:     true,
}

// ParseDAG parses a WorkflowDefinition into an executable DAG.
// It validates the definition, builds adjacency lists, performs topological
// sorting using Kahn's algorithm, and detects cycles.
func ParseDAG(def *schema.WorkflowDefinition) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	dag := &DAG{
		Steps:   make(map[string]*schema.StepDefinition, len(def.Steps)),
		Edges:   make(map[string][]string, len(def.Steps)),
		Reverse: make(map[string][]string, len(def.Steps)),
	}

	// First pass: register all steps and check for duplicates.
	for i := range def.Steps {
		step := &def.Steps[i]

		if step.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("step at index %d has empty ID", i))
		}

		if _, exists := dag.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
		}

		// Default step type to shell when empty.
		if step.Type == "" {
			step.Type = schema.StepTypeShell
		}

		if !validStepTypes[step.Type] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has unknown type: %s", step.ID, step.Type)
		}

		dag.Steps[step.ID] = step
	}

	// Second pass: validate step-type-specific constraints.
	for _, step := range dag.Steps {
		if err := validateStepConfig(step); err != nil {
			return nil, err
		}
	}

	// Third pass: build adjacency lists and validate dependencies.
	for id, step := range dag.Steps {
		seen := make(map[string]bool, len(step.Needs))
		deps := make([]string, 0, len(step.Needs))
		for _, dep := range step.Needs {
			if _, exists := dag.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s needs non-existent step: %s", id, dep)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s needs itself", id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has duplicate need: %s", id, dep)
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
		dag.Edges[id] = deps
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dag.Steps))
	for id := range dag.Steps {
		inDegree[id] = len(dag.Edges[id])
	}

	// Queue steps with in-degree 0 (roots).
	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	// Sort roots for deterministic ordering.
	sortStrings(queue)
	dag.Roots = make([]string, len(queue))
	copy(dag.Roots, queue)

	sorted := make([]string, 0, len(dag.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		// For each dependent of this node, decrement its in-degree.
		dependents := make([]string, len(dag.Reverse[node]))
		copy(dependents, dag.Reverse[node])
		sortStrings(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(dag.Steps) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle")
	}

	dag.Sorted = sorted

	return dag, nil
}

// validateStepConfig checks type-specific constraints on a step definition.
func validateStepConfig(step *schema.StepDefinition) error {
	switch step.Type {
	case schema.StepTypeShell:
		if step.Run == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "shell step %s has no run command", step.ID)
		}

	case schema.StepTypeLLM:
		if step.Prompt == "" && step.Agent == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "llm step %s has no prompt or agent", step.ID)
		}

	case schema.StepTypeSleep:
		if step.DurationMS <= 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "sleep step %s must have duration_ms > 0", step.ID)
		}

	case schema.StepTypeHuman:
		if step.Question == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "human step %s has no question", step.ID)
		}

	case schema.StepTypeMemory:
		if step.MemoryOp != "store" && step.MemoryOp != "search" {
			return schema.NewErrorf(schema.ErrCodeValidation, "memory step %s must set memory_op to store or search", step.ID)
		}
		if step.MemoryOp == "store" && step.Text == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "memory step %s (store) has no text", step.ID)
		}
		if step.MemoryOp == "search" && step.Query == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "memory step %s (search) has no query", step.ID)
		}

	case schema.StepTypeSubWorkflow:
		if step.Workflow == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "sub_workflow step %s has no workflow reference", step.ID)
		}

	case schema.StepTypeJoin:
		if len(step.Needs) == 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "join step %s has no needs to join", step.ID)
		}

	case schema.StepTypeDynamic:
		if step.DynamicExpr == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "dynamic step %s has no dynamic_expr", step.ID)
		}
	}

	if step.Foreach != "" && step.Concurrency < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %s has negative concurrency", step.ID)
	}

	return nil
}

// sortStrings sorts a slice of strings in-place using insertion sort.
// Used for small slices to avoid importing the sort package.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
