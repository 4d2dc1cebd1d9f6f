package validation

import (
	"fmt"

	"github.com/arvensis/weft/pkg/schema"
)

// validateSemantic performs semantic analysis on the workflow definition:
// needs[] references, per-step-type required fields, pool references, and
// sanity bounds on recovery policies.
func validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	for i := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStepSemantic(&def.Steps[i], path, stepIDs, def.Pools, result)
	}

	if def.OnTimeout != "" && !isValidTimeoutStrategy(def.OnTimeout) {
		result.AddError("on_timeout", schema.ErrCodeValidation,
			fmt.Sprintf("unknown on_timeout strategy %q; expected fail, suspend, or cancel", def.OnTimeout))
	}

	for name, expr := range def.Outputs {
		if expr == "" {
			result.AddError(fmt.Sprintf("outputs[%s]", name), schema.ErrCodeValidation,
				"output expression must not be empty")
		}
	}

	return result
}

func isValidTimeoutStrategy(s string) bool {
	switch s {
	case "fail", "suspend", "cancel":
		return true
	default:
		return false
	}
}

func isValidErrorEscape(s string) bool {
	switch s {
	case "fail", "skip", "continue":
		return true
	default:
		return false
	}
}

// validateStepSemantic checks a single step: needs[] references, self-reference,
// per-type required fields, pool reference, and recovery-policy bounds.
func validateStepSemantic(step *schema.StepDefinition, path string, stepIDs map[string]bool, pools map[string]int, result *schema.ValidationResult) {
	stepType := step.Type
	if stepType == "" {
		stepType = schema.StepTypeShell
	}

	for j, dep := range step.Needs {
		if dep == step.ID {
			result.AddError(fmt.Sprintf("%s.needs[%d]", path, j), schema.ErrCodeValidation,
				fmt.Sprintf("step %q cannot depend on itself", step.ID))
			continue
		}
		if !stepIDs[dep] {
			result.AddError(fmt.Sprintf("%s.needs[%d]", path, j), schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", dep))
		}
	}

	if step.Pool != "" && pools != nil {
		if _, ok := pools[step.Pool]; !ok {
			result.AddWarning(path+".pool", schema.ErrCodeValidation,
				fmt.Sprintf("pool %q is not declared in the workflow's pools map", step.Pool))
		}
	}

	if step.OnError != "" && !isValidErrorEscape(step.OnError) {
		result.AddError(path+".on_error", schema.ErrCodeValidation,
			fmt.Sprintf("unknown on_error strategy %q; expected fail, skip, or continue", step.OnError))
	}

	validateStepTypeFields(step, stepType, path, result)

	if step.Retry != nil && step.Retry.MaxAttempts > 10 {
		result.AddWarning(path+".retry.max_attempts", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", step.Retry.MaxAttempts))
	}
	if step.Reflexion != nil && step.Reflexion.Limit > 5 {
		result.AddWarning(path+".reflexion.limit", schema.ErrCodeValidation,
			fmt.Sprintf("high reflexion limit (%d) may cause excessive LLM spend", step.Reflexion.Limit))
	}
	if step.AutoHeal != nil && step.AutoHeal.Agent == "" {
		result.AddError(path+".auto_heal.agent", schema.ErrCodeValidation,
			"auto_heal requires an agent")
	}
	if step.QualityGate != nil && step.QualityGate.Agent == "" {
		result.AddError(path+".quality_gate.agent", schema.ErrCodeValidation,
			"quality_gate requires an agent")
	}
}

// validateStepTypeFields checks the fields required by each step type,
// mirroring the inline-field-per-type layout of StepDefinition.
func validateStepTypeFields(step *schema.StepDefinition, stepType schema.StepType, path string, result *schema.ValidationResult) {
	switch stepType {
	case schema.StepTypeShell:
		if step.Run == "" {
			result.AddError(path+".run", schema.ErrCodeValidation, "shell step requires run")
		}
	case schema.StepTypeLLM:
		if step.Prompt == "" {
			result.AddError(path+".prompt", schema.ErrCodeValidation, "llm step requires prompt")
		}
	case schema.StepTypeSleep:
		if step.DurationMS <= 0 {
			result.AddError(path+".duration_ms", schema.ErrCodeValidation, "sleep step requires a positive duration_ms")
		}
	case schema.StepTypeHuman:
		if step.Question == "" {
			result.AddError(path+".question", schema.ErrCodeValidation, "human step requires question")
		}
	case schema.StepTypeMemory:
		switch step.MemoryOp {
		case "store":
			if step.Text == "" {
				result.AddError(path+".text", schema.ErrCodeValidation, "memory store step requires text")
			}
		case "search":
			if step.Query == "" {
				result.AddError(path+".query", schema.ErrCodeValidation, "memory search step requires query")
			}
		default:
			result.AddError(path+".memory_op", schema.ErrCodeValidation,
				fmt.Sprintf("unknown memory_op %q; expected store or search", step.MemoryOp))
		}
	case schema.StepTypeSubWorkflow:
		if step.Workflow == "" {
			result.AddError(path+".workflow", schema.ErrCodeValidation, "sub_workflow step requires workflow")
		}
	case schema.StepTypeJoin:
		if len(step.Needs) < 1 {
			result.AddWarning(path+".needs", schema.ErrCodeValidation, "join step has no needs to join")
		}
	case schema.StepTypeDynamic:
		if step.DynamicExpr == "" {
			result.AddError(path+".dynamic_expr", schema.ErrCodeValidation, "dynamic step requires dynamic_expr")
		}
	default:
		result.AddError(path+".type", schema.ErrCodeValidation, fmt.Sprintf("unknown step type %q", stepType))
	}
}
