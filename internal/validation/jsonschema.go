package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/arvensis/weft/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://weft.dev/schemas/workflow.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "name": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "inputs": { "type": "object" },
    "input_schema": {},
    "outputs": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "concurrency": { "type": "integer", "minimum": 0 },
    "pools": {
      "type": "object",
      "additionalProperties": { "type": "integer", "minimum": 1 }
    },
    "timeout": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    },
    "on_timeout": {
      "type": "string",
      "enum": ["fail", "suspend", "cancel"]
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["shell", "llm", "sleep", "human", "memory", "sub_workflow", "join", "dynamic"]
        },
        "needs": {
          "type": "array",
          "items": { "type": "string" }
        },
        "if": { "type": "string" },
        "foreach": { "type": "string" },
        "concurrency": { "type": "integer", "minimum": 0 },
        "pool": { "type": "string" },
        "retry": { "$ref": "#/$defs/retry" },
        "reflexion": { "$ref": "#/$defs/reflexion" },
        "auto_heal": { "$ref": "#/$defs/auto_heal" },
        "quality_gate": { "$ref": "#/$defs/quality_gate" },
        "input_schema": {},
        "output_schema": {},
        "timeout_ms": { "type": "integer", "minimum": 0 },

        "run": { "type": "string" },
        "env": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "cwd": { "type": "string" },

        "agent": { "type": "string" },
        "prompt": { "type": "string" },
        "tools": {
          "type": "array",
          "items": { "type": "string" }
        },
        "mcp_servers": {
          "type": "array",
          "items": { "type": "string" }
        },
        "max_iterations": { "type": "integer", "minimum": 0 },
        "max_agent_handoffs": { "type": "integer", "minimum": 0 },

        "duration_ms": { "type": "integer", "minimum": 0 },

        "question": { "type": "string" },

        "memory_op": { "type": "string", "enum": ["store", "search"] },
        "text": { "type": "string" },
        "query": { "type": "string" },
        "top_k": { "type": "integer", "minimum": 0 },

        "workflow": { "type": "string" },
        "inputs": { "type": "object" },
        "output_mapping": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },

        "dynamic_expr": { "type": "string" },

        "on_error": { "type": "string" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 0 },
        "backoff": {
          "type": "string",
          "enum": ["none", "linear", "exponential", "constant"]
        },
        "initial_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "factor": { "type": "number" },
        "max_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    },
    "reflexion": {
      "type": "object",
      "required": ["limit"],
      "properties": {
        "limit": { "type": "integer", "minimum": 0 },
        "hint": { "type": "string" },
        "agent": { "type": "string" }
      },
      "additionalProperties": false
    },
    "auto_heal": {
      "type": "object",
      "required": ["max_attempts", "agent"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 0 },
        "agent": { "type": "string" }
      },
      "additionalProperties": false
    },
    "quality_gate": {
      "type": "object",
      "required": ["max_attempts", "agent"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 0 },
        "agent": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements the Validator interface using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache and compiler for dynamic schema compilation.
	mu       sync.RWMutex
	compiler *jsonschema.Compiler
	cache    map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://opcode.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://opcode.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		compiler:       newInputCompiler(),
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}

	// Structural checks that JSON Schema cannot express: duplicate step IDs.
	seen := make(map[string]struct{}, len(def.Steps))
	for _, step := range def.Steps {
		if _, exists := seen[step.ID]; exists {
			return schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = struct{}{}
	}

	return nil
}

// ValidateInput validates input data against a JSON Schema provided as raw bytes.
// The schema is compiled and cached for subsequent calls with the same schema.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	// Convert input to JSON-compatible value (json.Number for numbers).
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toEngineError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("opcode://input-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := newInputCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// newInputCompiler creates a Compiler configured for input/output validation.
func newInputCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// with clear, actionable messages for agent consumption.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations for agent-friendly error reporting.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
