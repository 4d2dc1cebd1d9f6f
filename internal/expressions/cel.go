package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/arvensis/weft/pkg/schema"
)

// CELEngine implements the Engine interface using Google's Common Expression Language.
// It evaluates step conditions, switch/if routing, and guard expressions.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a new CEL expression engine with a sandboxed
// environment for evaluating `if` gate conditions. The environment exposes
// the same namespaces available to interpolation (minus secrets, which
// never need to gate a condition and should not be exposed to a bare
// boolean expression's error messages):
//   - steps:  map(string, dyn) — {output, outputs, status, error} per step ID
//   - inputs: map(string, dyn) — workflow input parameters
//   - env:    map(string, string) — step environment overlay
//   - item:   dyn — current foreach iteration value
//   - index:  int — current foreach iteration index
//   - memory: list(dyn) — bound memory.search results
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("steps", mapType),
		cel.Variable("inputs", mapType),
		cel.Variable("env", mapType),
		cel.Variable("item", cel.DynType),
		cel.Variable("index", cel.DynType),
		cel.Variable("memory", cel.ListType(cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates it
// against the provided data. The data map should contain keys matching the
// environment variables: steps, inputs, env, item, index, memory.
//
// Returns the evaluation result or an EngineError with clear, actionable messages.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	// Build activation with defaults for missing keys to avoid CEL runtime errors.
	activation := buildActivation(data)

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// buildActivation creates the evaluation activation map from the data.
// Missing keys default to zero values of the right shape to prevent CEL
// runtime nil-ref errors.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, 6)

	for _, key := range []string{"steps", "inputs", "env"} {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	if v, ok := data["item"]; ok {
		activation["item"] = v
	} else {
		activation["item"] = nil
	}
	if v, ok := data["index"]; ok {
		activation["index"] = v
	} else {
		activation["index"] = nil
	}
	if v, ok := data["memory"]; ok && v != nil {
		activation["memory"] = v
	} else {
		activation["memory"] = []any{}
	}

	return activation
}

// ScopeToCELData converts an InterpolationScope into the flat map CEL
// activations expect (see NewCELEngine's namespace list).
func ScopeToCELData(scope *InterpolationScope) map[string]any {
	steps := make(map[string]any, len(scope.Steps))
	for id, sc := range scope.Steps {
		entry := map[string]any{
			"output":  sc.Output,
			"outputs": sc.Outputs,
			"status":  string(sc.Status),
			"error":   sc.Error,
		}
		steps[id] = entry
	}

	data := map[string]any{
		"steps":  steps,
		"inputs": scope.Inputs,
		"env":    stringMapToAny(scope.Env),
		"item":   scope.Item,
		"memory": scope.Memory,
	}
	if scope.Index != nil {
		data["index"] = *scope.Index
	}
	return data
}

func stringMapToAny(m map[string]string) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
