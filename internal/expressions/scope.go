package expressions

import (
	"encoding/json"
	"sync"

	"github.com/arvensis/weft/pkg/schema"
)

// ScopeBuilder constructs InterpolationScopes with proper variable isolation.
// It enforces:
//   - Step outputs are immutable after completion (frozen on insert).
//   - Append-only: new step results are added as steps complete.
//   - Loop variables (item, index) are scoped per foreach iteration.
//   - Parallel branch variables are isolated from sibling branches.
type ScopeBuilder struct {
	mu     sync.RWMutex
	steps  map[string]*StepContext // step ID -> frozen result
	inputs map[string]any          // workflow input params (immutable after init)
	env    map[string]string       // process/step environment overlay (immutable after init)

	// item/index hold the current foreach iteration variables.
	// index is nil when not inside a foreach iteration.
	item  any
	index *int

	memory []any // memory.search results bound for this step, if any
}

// NewScopeBuilder creates a ScopeBuilder initialized with workflow-level data.
// inputs and env are deep-copied to prevent external mutation.
func NewScopeBuilder(inputs map[string]any, env map[string]string) *ScopeBuilder {
	return &ScopeBuilder{
		steps:  make(map[string]*StepContext),
		inputs: deepCopyMap(inputs),
		env:    copyStringMap(env),
	}
}

// AddStepResult registers a completed step's result. The output is frozen
// (deep-copied) at the time of insertion. Subsequent calls with the same
// stepID are rejected -- step results are immutable after completion.
func (sb *ScopeBuilder) AddStepResult(stepID string, sc *StepContext) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.steps[stepID]; exists {
		return schema.NewErrorf(schema.ErrCodeInterpolation,
			"step %q result already registered; step results are immutable after completion", stepID)
	}

	frozen := &StepContext{
		Output:  deepCopyAny(sc.Output),
		Outputs: deepCopyAny(sc.Outputs),
		Status:  sc.Status,
		Error:   sc.Error,
		Items:   sc.Items,
	}
	sb.steps[stepID] = frozen
	return nil
}

// AddStepOutput is a convenience wrapper over AddStepResult for callers that
// only have a raw JSON output and a terminal success status.
func (sb *ScopeBuilder) AddStepOutput(stepID string, output json.RawMessage) error {
	var parsed any
	if len(output) > 0 {
		if err := json.Unmarshal(output, &parsed); err != nil {
			return schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot parse step %q output: %s", stepID, err.Error())
		}
	}
	return sb.AddStepResult(stepID, &StepContext{Output: parsed, Status: schema.StepStatusSuccess})
}

// Build creates an InterpolationScope snapshot. Step outputs, inputs, env,
// item and memory are copied, so mutating the returned scope does not
// change the builder; a foreach step's Items entries are shared.
func (sb *ScopeBuilder) Build() *InterpolationScope {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	steps := make(map[string]*StepContext, len(sb.steps))
	for id, sc := range sb.steps {
		steps[id] = &StepContext{
			Output:  deepCopyAny(sc.Output),
			Outputs: deepCopyAny(sc.Outputs),
			Status:  sc.Status,
			Error:   sc.Error,
			Items:   sc.Items,
		}
	}

	scope := &InterpolationScope{
		Steps:  steps,
		Inputs: deepCopyMap(sb.inputs),
		Env:    copyStringMap(sb.env),
		Item:   deepCopyAny(sb.item),
	}
	if sb.memory != nil {
		scope.Memory = deepCopyAny(sb.memory).([]any)
	}
	if sb.index != nil {
		idx := *sb.index
		scope.Index = &idx
	}
	return scope
}

// WithLoopVars returns a child ScopeBuilder scoped to one foreach iteration.
// The child shares the same steps/inputs/env but has its own item/index.
func (sb *ScopeBuilder) WithLoopVars(item any, index int) *ScopeBuilder {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	idx := index
	return &ScopeBuilder{
		steps:  sb.steps, // shared (append-only, safe)
		inputs: sb.inputs,
		env:    sb.env,
		item:   deepCopyAny(item),
		index:  &idx,
		memory: sb.memory,
	}
}

// WithMemory returns a child ScopeBuilder carrying the given memory.search
// results into the "memory" namespace.
func (sb *ScopeBuilder) WithMemory(results []any) *ScopeBuilder {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return &ScopeBuilder{
		steps:  sb.steps,
		inputs: sb.inputs,
		env:    sb.env,
		item:   sb.item,
		index:  sb.index,
		memory: results,
	}
}

// ForParallelBranch returns a child ScopeBuilder for an independently
// scheduled branch. The child gets a snapshot of current step results but
// has its own isolated step map so branch-local completions do not leak to
// siblings until explicitly merged.
func (sb *ScopeBuilder) ForParallelBranch() *ScopeBuilder {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	steps := make(map[string]*StepContext, len(sb.steps))
	for id, sc := range sb.steps {
		steps[id] = sc
	}

	return &ScopeBuilder{
		steps:  steps,
		inputs: sb.inputs,
		env:    sb.env,
	}
}

// MergeBranchOutputs merges completed step results from a parallel branch
// back into the parent scope. Only new step IDs are added; existing ones
// are preserved (immutability rule).
func (sb *ScopeBuilder) MergeBranchOutputs(branch *ScopeBuilder) {
	branch.mu.RLock()
	branchSteps := branch.steps
	branch.mu.RUnlock()

	sb.mu.Lock()
	defer sb.mu.Unlock()

	for stepID, sc := range branchSteps {
		if _, exists := sb.steps[stepID]; !exists {
			sb.steps[stepID] = sc
		}
	}
}

// StepOutputs returns a read-only copy of the current step outputs, keyed by
// step ID, for callers (e.g. workflow-level `outputs` resolution) that only
// need the plain output value.
func (sb *ScopeBuilder) StepOutputs() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	out := make(map[string]any, len(sb.steps))
	for id, sc := range sb.steps {
		out[id] = sc.Output
	}
	return out
}

// --- copy utilities ---

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
