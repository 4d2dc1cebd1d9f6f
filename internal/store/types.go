package store

import (
	"encoding/json"
	"time"

	"github.com/arvensis/weft/pkg/schema"
)

// Run is the persisted representation of one workflow execution.
type Run struct {
	ID              string                    `json:"id"`
	WorkflowName    string                    `json:"workflow_name,omitempty"`
	TemplateName    string                    `json:"template_name,omitempty"`
	TemplateVersion string                    `json:"template_version,omitempty"`
	Definition      schema.WorkflowDefinition `json:"definition"`
	Status          schema.RunStatus          `json:"status"`
	AgentID         string                    `json:"agent_id,omitempty"`
	ParentRunID     string                    `json:"parent_run_id,omitempty"`
	Inputs          map[string]any            `json:"inputs,omitempty"`
	Outputs         json.RawMessage           `json:"outputs,omitempty"`
	Error           json.RawMessage           `json:"error,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
	StartedAt       *time.Time                `json:"started_at,omitempty"`
	EndedAt         *time.Time                `json:"ended_at,omitempty"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// Event is an immutable entry in the append-only execution trace.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// StepExecution is the materialized record of one step attempt — or, for a
// foreach iteration, one child attempt. IterationIndex is nil for the
// parent record of a non-foreach step (or a foreach step's own roll-up
// row) and 0..N-1 for each fan-out child.
type StepExecution struct {
	ID             string            `json:"id"`
	RunID          string            `json:"run_id"`
	StepID         string            `json:"step_id"`
	IterationIndex *int              `json:"iteration_index,omitempty"`
	Status         schema.StepStatus `json:"status"`
	Attempt        int               `json:"attempt"`
	Input          json.RawMessage   `json:"input,omitempty"`
	Output         json.RawMessage   `json:"output,omitempty"`
	Error          json.RawMessage   `json:"error,omitempty"`
	Usage          json.RawMessage   `json:"usage,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
	DurationMs     int64             `json:"duration_ms,omitempty"`
}

// RunContext stores metadata scoped to a run, carried over from the
// donor's workflow-context bookkeeping for reflexion/auto_heal hints and
// llm-step conversational memory.
type RunContext struct {
	RunID           string          `json:"run_id"`
	AgentID         string          `json:"agent_id,omitempty"`
	OriginalIntent  string          `json:"original_intent,omitempty"`
	AccumulatedData json.RawMessage `json:"accumulated_data,omitempty"`
	AgentNotes      string          `json:"agent_notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Suspension parks a step awaiting an external event, per §4.5's
// suspensions table: a human/llm-ask suspension, or a step waiting on
// storeEvent delivery.
type Suspension struct {
	RunID     string    `json:"run_id"`
	StepID    string    `json:"step_id"`
	EventName string    `json:"event_name"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingDecision is a suspended human/llm-ask step's durable record,
// generalized from the donor's reasoning-node decision into the spec's
// suspension model; resolved by a Signal.
type PendingDecision struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	StepID     string          `json:"step_id"`
	AgentID    string          `json:"agent_id,omitempty"`
	Context    json.RawMessage `json:"context"`
	Options    json.RawMessage `json:"options,omitempty"`
	Fallback   string          `json:"fallback,omitempty"`
	Status     string          `json:"status"` // pending | resolved | cancelled
	Resolution json.RawMessage `json:"resolution,omitempty"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	TimeoutAt  *time.Time      `json:"timeout_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Resolution is the agent/human answer to a PendingDecision.
type Resolution struct {
	DecisionID     string         `json:"decision_id"`
	ChosenOptionID string         `json:"chosen_option_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	ResolvedAt     time.Time      `json:"resolved_at"`
}

// MemoryEntry is one embedded record in the process-wide memory table used
// by `memory` steps.
type MemoryEntry struct {
	ID        string          `json:"id"`
	Text      string          `json:"text"`
	Embedding []float32       `json:"embedding"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// WorkflowTemplate is a reusable, named WorkflowDefinition registered for
// sub_workflow references and scheduled jobs.
type WorkflowTemplate struct {
	Name         string                    `json:"name"`
	Version      string                    `json:"version"`
	Description  string                    `json:"description,omitempty"`
	Definition   schema.WorkflowDefinition `json:"definition"`
	InputSchema  json.RawMessage           `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage           `json:"output_schema,omitempty"`
	AgentID      string                    `json:"agent_id,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// ScheduledJob is a cron-triggered sub_workflow run.
type ScheduledJob struct {
	ID              string          `json:"id"`
	TemplateName    string          `json:"template_name"`
	TemplateVersion string          `json:"template_version,omitempty"`
	CronExpression  string          `json:"cron_expression"`
	Params          json.RawMessage `json:"params,omitempty"`
	AgentID         string          `json:"agent_id,omitempty"`
	Enabled         bool            `json:"enabled"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus   string          `json:"last_run_status,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// AuditEntry is an append-only record of every Signal and external event
// delivered to a run, distinct from the step-execution trace.
type AuditEntry struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	AgentID   string          `json:"agent_id,omitempty"`
	Action    string          `json:"action"`
	StepID    string          `json:"step_id,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status  *schema.RunStatus `json:"status,omitempty"`
	AgentID string            `json:"agent_id,omitempty"`
	Since   *time.Time        `json:"since,omitempty"`
	Limit   int               `json:"limit,omitempty"`
	Offset  int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status    *schema.RunStatus `json:"status,omitempty"`
	Outputs   json.RawMessage   `json:"outputs,omitempty"`
	Error     json.RawMessage   `json:"error,omitempty"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID     string     `json:"run_id,omitempty"`
	StepID    string     `json:"step_id,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// DecisionFilter specifies criteria for listing pending decisions.
type DecisionFilter struct {
	RunID   string `json:"run_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// TemplateFilter specifies criteria for listing templates.
type TemplateFilter struct {
	Name    string `json:"name,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool  `json:"enabled,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// IterationFilter specifies how getStepIterations loads a foreach step's
// children — includeOutput is false for the cheap countStepIterations
// check against the large-foreach (>500) hydration guard.
type IterationFilter struct {
	IncludeOutput bool `json:"include_output,omitempty"`
}
