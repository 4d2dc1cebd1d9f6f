package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arvensis/weft/internal/secrets"
	"github.com/arvensis/weft/pkg/schema"
)

// StepContext is what a step's entry in the "steps" namespace exposes to
// later expressions, per §4.1. Items is only populated for a foreach step.
type StepContext struct {
	Output  any               `json:"output"`
	Outputs any               `json:"outputs,omitempty"`
	Status  schema.StepStatus `json:"status"`
	Error   string            `json:"error,omitempty"`
	Items   []*StepContext    `json:"items,omitempty"`
}

// InterpolationScope holds all data available for variable resolution
// during evaluation of one step: inputs, secrets, env, steps, item, index,
// memory — exactly the context keys named in §4.1.
type InterpolationScope struct {
	Inputs  map[string]any        // workflow input params
	Env     map[string]string     // process/step environment overlay
	Steps   map[string]*StepContext // step ID -> {output, outputs, status, error, items?}
	Item    any                   // current foreach iteration value (nil outside foreach)
	Index   *int                  // current foreach iteration index (nil outside foreach)
	Memory  []any                 // memory.search results bound for the step, if any
}

// Interpolator resolves ${{...}} references in step fields.
// Two-pass: first resolves non-secret variables, second resolves secrets —
// so a secret value is never subject to the general traversal error paths
// (which would otherwise leak its shape through error messages).
type Interpolator struct {
	vault secrets.Vault
}

// NewInterpolator creates a new Interpolator with an optional Vault for
// secret resolution. A nil vault means ${{secrets.*}} always fails to
// resolve — acceptable for workflows that declare no secrets.
func NewInterpolator(vault secrets.Vault) *Interpolator {
	return &Interpolator{vault: vault}
}

// EvaluateString replaces every ${{ expr }} fragment in tpl with the
// stringified evaluation of expr; literal text outside the markers is
// preserved verbatim. Per §4.1.
func (interp *Interpolator) EvaluateString(ctx context.Context, tpl string, scope *InterpolationScope) (string, error) {
	resolved, err := interp.resolvePass(ctx, tpl, scope, false)
	if err != nil {
		return "", err
	}
	resolved, err = interp.resolvePass(ctx, resolved, scope, true)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// Evaluate implements §4.1's `evaluate`: if tpl is a single ${{ ... }}
// fragment with nothing else around it, the native (possibly non-string)
// evaluation is returned; otherwise it behaves as EvaluateString.
func (interp *Interpolator) Evaluate(ctx context.Context, tpl string, scope *InterpolationScope) (any, error) {
	if expr, ok := soleExpression(tpl); ok {
		if strings.HasPrefix(strings.TrimSpace(expr), "secrets.") {
			return interp.resolveSecret(ctx, strings.TrimSpace(expr))
		}
		return interp.resolveExpr(ctx, strings.TrimSpace(expr), scope)
	}
	return interp.EvaluateString(ctx, tpl, scope)
}

// soleExpression reports whether tpl is exactly one ${{ ... }} fragment
// with no other literal text before or after it.
func soleExpression(tpl string) (string, bool) {
	trimmed := strings.TrimSpace(tpl)
	if !strings.HasPrefix(trimmed, "${{") || !strings.HasSuffix(trimmed, "}}") {
		return "", false
	}
	inner := trimmed[3 : len(trimmed)-2]
	if strings.Contains(inner, "${{") {
		return "", false
	}
	return inner, true
}

// Resolve performs two-pass interpolation on raw JSON params, preserved
// from the donor's step-config interpolation path (sub_workflow input
// mapping and llm tool-call arguments still carry JSON blobs).
func (interp *Interpolator) Resolve(ctx context.Context, raw json.RawMessage, scope *InterpolationScope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	resolved, err := interp.resolvePass(ctx, string(raw), scope, false)
	if err != nil {
		return nil, err
	}
	resolved, err = interp.resolvePass(ctx, resolved, scope, true)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resolved), nil
}

func (interp *Interpolator) resolvePass(ctx context.Context, input string, scope *InterpolationScope, secretPass bool) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if expr == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}

		isSecret := strings.HasPrefix(expr, "secrets.")

		if secretPass && !isSecret {
			result.WriteString(input[i+idx : end+2])
			i = end + 2
			continue
		}
		if !secretPass && isSecret {
			result.WriteString(input[i+idx : end+2])
			i = end + 2
			continue
		}

		var val any
		var err error
		if isSecret {
			val, err = interp.resolveSecret(ctx, expr)
		} else {
			val, err = interp.resolveExpr(ctx, expr, scope)
		}
		if err != nil {
			return "", err
		}

		result.WriteString(marshalInline(val))
		i = end + 2
	}

	return result.String(), nil
}

// resolveExpr resolves one bracket-path expression against the context
// namespaces named in §4.1: inputs, env, steps, item, index, memory.
// secrets is handled separately, before this is ever reached, since it is
// resolved in its own pass.
func (interp *Interpolator) resolveExpr(ctx context.Context, expr string, scope *InterpolationScope) (any, error) {
	if bannedIdentifier(expr) {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"identifier %q is not reachable from the expression context", expr)
	}

	parts := strings.SplitN(expr, ".", 2)
	namespace := parts[0]

	switch namespace {
	case "steps":
		return interp.resolveSteps(expr, scope)
	case "inputs":
		return interp.resolveInputs(expr, scope)
	case "env":
		return interp.resolveEnv(expr, scope)
	case "item":
		return interp.resolveItem(expr, scope)
	case "index":
		if len(parts) > 1 {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "index has no fields, got %q", expr)
		}
		if scope.Index == nil {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "index referenced outside a foreach iteration")
		}
		return *scope.Index, nil
	case "memory":
		return scope.Memory, nil
	default:
		available := []string{"steps", "inputs", "env", "item", "index", "memory", "secrets"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// bannedIdentifier rejects host-global identifiers per §4.1's sandbox rule:
// Array constructor, String.prototype.repeat, or anything else that isn't
// one of the context namespaces reachable through resolveExpr's switch.
func bannedIdentifier(expr string) bool {
	head := expr
	if idx := strings.IndexAny(expr, ".[("); idx != -1 {
		head = expr[:idx]
	}
	switch head {
	case "Array", "String", "Object", "Function", "eval", "globalThis", "process", "require":
		return true
	default:
		return false
	}
}

func (interp *Interpolator) resolveSteps(expr string, scope *InterpolationScope) (any, error) {
	parts := strings.SplitN(expr, ".", 3) // [steps, id, rest...]
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: expected steps.<id>[.field]", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	stepID := parts[1]
	if scope.Steps == nil {
		return nil, interp.missingStepErr(expr, stepID, scope)
	}
	sc, ok := scope.Steps[stepID]
	if !ok {
		return nil, interp.missingStepErr(expr, stepID, scope)
	}

	if len(parts) == 2 {
		return sc, nil
	}

	field := parts[2]
	head, rest, hasRest := cutFirstSegment(field)
	switch head {
	case "output":
		if !hasRest {
			return sc.Output, nil
		}
		return interp.traversePath(sc.Output, rest, expr)
	case "outputs":
		if !hasRest {
			return sc.Outputs, nil
		}
		return interp.traversePath(sc.Outputs, rest, expr)
	case "status":
		return string(sc.Status), nil
	case "error":
		return sc.Error, nil
	case "items":
		return sc.Items, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: unknown field %q (expected output, outputs, status, error, items)", expr, head).
			WithDetails(map[string]any{"expression": expr})
	}
}

func cutFirstSegment(path string) (head, rest string, hasRest bool) {
	if i := strings.IndexByte(path, '.'); i != -1 {
		return path[:i], path[i+1:], true
	}
	return path, "", false
}

func (interp *Interpolator) resolveInputs(expr string, scope *InterpolationScope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid input reference %q: expected inputs.<name>", expr).
			WithDetails(map[string]any{"expression": expr})
	}
	return interp.resolveFromMap(scope.Inputs, parts[1], expr, "input")
}

func (interp *Interpolator) resolveEnv(expr string, scope *InterpolationScope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid env reference %q: expected env.<name>", expr).
			WithDetails(map[string]any{"expression": expr})
	}
	if scope.Env == nil {
		return "", nil
	}
	return scope.Env[parts[1]], nil
}

func (interp *Interpolator) resolveItem(expr string, scope *InterpolationScope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if scope.Index == nil && scope.Item == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"item referenced outside a foreach iteration")
	}
	if len(parts) == 1 {
		return scope.Item, nil
	}
	return interp.traversePath(scope.Item, parts[1], expr)
}

func (interp *Interpolator) resolveSecret(ctx context.Context, expr string) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid secret reference %q: expected secrets.<KEY>", expr).
			WithDetails(map[string]any{"expression": expr})
	}
	key := parts[1]

	if interp.vault == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve secret %q: no vault configured", key).
			WithDetails(map[string]any{"expression": expr})
	}

	val, err := interp.vault.Resolve(ctx, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"failed to resolve secret %q: %s", key, err.Error()).
			WithDetails(map[string]any{"expression": expr}).WithCause(err)
	}
	return string(val), nil
}

func (interp *Interpolator) resolveFromMap(data map[string]any, fieldPath, expr, namespace string) (any, error) {
	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}
	return interp.traversePath(data, fieldPath, expr)
}

func (interp *Interpolator) traversePath(root any, path, expr string) (any, error) {
	if path == "" {
		return root, nil
	}
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(mapKeys(v), ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": mapKeys(v)})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}
	return current, nil
}

func (interp *Interpolator) missingStepErr(expr, id string, scope *InterpolationScope) *schema.EngineError {
	available := make([]string, 0, len(scope.Steps))
	for k := range scope.Steps {
		available = append(available, k)
	}
	sortStrings(available)
	return schema.NewErrorf(schema.ErrCodeInterpolation,
		"step %q not found in ${{%s}}; available steps: [%s]", id, expr, strings.Join(available, ", ")).
		WithDetails(map[string]any{"expression": expr, "available_steps": available})
}

func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortStrings(keys)
	return keys
}

func sortStrings(keys []string) {
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
}

// HasInterpolation checks if a raw JSON blob contains any ${{...}} references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}

// DetectCircularRefs checks for circular ${{steps.<id>...}} references among
// a set of step definitions being scheduled together (used before dispatch
// to fail fast rather than deadlock on an unsatisfiable needs[] cycle
// introduced purely through expressions rather than declared `needs`).
func DetectCircularRefs(steps map[string]*schema.StepDefinition) error {
	refs := make(map[string]map[string]bool)

	for id, step := range steps {
		found := make(map[string]bool)
		for _, s := range []string{step.Run, step.Prompt, step.If, step.Foreach, step.Question, step.Text, step.Query, step.Workflow} {
			for ref := range extractStepRefs(s) {
				found[ref] = true
			}
		}
		if inputsJSON, err := json.Marshal(step.Inputs); err == nil {
			for ref := range extractStepRefs(string(inputsJSON)) {
				found[ref] = true
			}
		}
		if len(found) > 0 {
			refs[id] = found
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(refs))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for dep := range refs[id] {
			switch color[dep] {
			case gray:
				return schema.NewErrorf(schema.ErrCodeInterpolation,
					"circular variable reference detected: %s -> %s", id, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for id := range refs {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func extractStepRefs(s string) map[string]bool {
	refs := make(map[string]bool)
	for {
		idx := strings.Index(s, "${{steps.")
		if idx == -1 {
			break
		}
		rest := s[idx+len("${{steps."):]
		dotIdx := strings.IndexByte(rest, '.')
		closeIdx := strings.Index(rest, "}}")
		if closeIdx == -1 {
			break
		}
		var stepID string
		if dotIdx != -1 && dotIdx < closeIdx {
			stepID = rest[:dotIdx]
		} else {
			stepID = rest[:closeIdx]
		}
		stepID = strings.TrimSpace(stepID)
		if stepID != "" {
			refs[stepID] = true
		}
		s = rest[closeIdx+2:]
	}
	return refs
}
