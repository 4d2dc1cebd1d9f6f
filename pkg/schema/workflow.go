package schema

import "encoding/json"

// WorkflowDefinition is the JSON-serializable workflow format.
// Agents provide this via weft.run (inline) or weft.define (template).
type WorkflowDefinition struct {
	Name        string            `json:"name,omitempty"`
	Steps       []StepDefinition  `json:"steps"`
	Inputs      map[string]any    `json:"inputs,omitempty"`
	InputSchema json.RawMessage   `json:"input_schema,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty"` // name -> ${{ }} expression
	Concurrency int               `json:"concurrency,omitempty"` // 0 = unbounded by workflow
	Pools       map[string]int    `json:"pools,omitempty"`       // pool name -> capacity
	Timeout     string            `json:"timeout,omitempty"`
	OnTimeout   string            `json:"on_timeout,omitempty"` // fail | suspend | cancel (default: fail)
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// StepDefinition describes a single step in a workflow.
//
// Shared fields apply to every step type; the type-specific fields (Run,
// Prompt, Tools, ...) are only meaningful for the matching StepType and are
// carried inline rather than behind a nested Config blob, so that recovery
// wrappers can patch individual whitelisted fields (run, prompt, inputs)
// without round-tripping an opaque JSON blob.
type StepDefinition struct {
	ID   string   `json:"id"`
	Type StepType `json:"type,omitempty"` // default: shell

	Needs       []string           `json:"needs,omitempty"`
	If          string             `json:"if,omitempty"`      // gate expression, ${{ }} or bare
	Foreach     string             `json:"foreach,omitempty"` // iterable expression
	Concurrency int                `json:"concurrency,omitempty"`
	Pool        string             `json:"pool,omitempty"`
	Retry       *RetryPolicy       `json:"retry,omitempty"`
	Reflexion   *ReflexionPolicy   `json:"reflexion,omitempty"`
	AutoHeal    *AutoHealPolicy    `json:"auto_heal,omitempty"`
	QualityGate *QualityGatePolicy `json:"quality_gate,omitempty"`
	InputSchema  json.RawMessage   `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage   `json:"output_schema,omitempty"`
	TimeoutMS    int64             `json:"timeout_ms,omitempty"`

	// shell
	Run string            `json:"run,omitempty"`
	Env map[string]string `json:"env,omitempty"`
	Cwd string            `json:"cwd,omitempty"`

	// llm
	Agent            string   `json:"agent,omitempty"`
	Prompt           string   `json:"prompt,omitempty"`
	Tools            []string `json:"tools,omitempty"`
	MCPServers       []string `json:"mcp_servers,omitempty"`
	MaxIterations    int      `json:"max_iterations,omitempty"`
	MaxAgentHandoffs int      `json:"max_agent_handoffs,omitempty"`

	// sleep
	DurationMS int64 `json:"duration_ms,omitempty"`

	// human
	Question string `json:"question,omitempty"`

	// memory
	MemoryOp string `json:"memory_op,omitempty"` // store | search
	Text     string `json:"text,omitempty"`
	Query    string `json:"query,omitempty"`
	TopK     int    `json:"top_k,omitempty"`

	// sub_workflow
	Workflow      string            `json:"workflow,omitempty"` // template name or inline ref
	Inputs        map[string]any    `json:"inputs,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty"`

	// dynamic
	DynamicExpr string `json:"dynamic_expr,omitempty"` // resolves to one of the other types at dispatch time

	// escape hatch evaluated after recovery wrappers are exhausted
	OnError string `json:"on_error,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeShell       StepType = "shell"
	StepTypeLLM         StepType = "llm"
	StepTypeSleep       StepType = "sleep"
	StepTypeHuman       StepType = "human"
	StepTypeMemory      StepType = "memory"
	StepTypeSubWorkflow StepType = "sub_workflow"
	StepTypeJoin        StepType = "join"
	StepTypeDynamic     StepType = "dynamic"
)

// RetryPolicy configures retry behavior for a step.
type RetryPolicy struct {
	MaxAttempts  int     `json:"max_attempts"`
	Backoff      string  `json:"backoff,omitempty"` // none | constant | linear | exponential (default: none)
	InitialDelay string  `json:"initial_delay,omitempty"`
	Factor       float64 `json:"factor,omitempty"`
	MaxDelay     string  `json:"max_delay,omitempty"`
}

// ReflexionPolicy drives an internal LLM call to patch a failing step.
type ReflexionPolicy struct {
	Limit int    `json:"limit"`
	Hint  string `json:"hint,omitempty"`
	Agent string `json:"agent,omitempty"`
}

// AutoHealPolicy introduces a sibling healer step to patch a failing step.
type AutoHealPolicy struct {
	MaxAttempts int    `json:"max_attempts"`
	Agent       string `json:"agent"`
}

// QualityGatePolicy reviews a successful step's output and may force a rerun.
type QualityGatePolicy struct {
	MaxAttempts int    `json:"max_attempts"`
	Agent       string `json:"agent"`
}

// patchableFields is the whitelist recovery wrappers may ever apply to a
// step definition. id and type are never patchable (security invariant,
// §4.9); everything else not in this set is also left untouched even if
// present in a patch.
var patchableFields = map[string]bool{
	"run":    true,
	"prompt": true,
	"inputs": true,
}

// IsPatchableField reports whether a reflexion/auto_heal patch is allowed to
// modify the named step field.
func IsPatchableField(name string) bool {
	return patchableFields[name]
}
