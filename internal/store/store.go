package store

import "context"

// Store defines the durable persistence layer for runs, step executions,
// and their supporting tables (§4.5 and §3.1). All implementations must be
// safe for concurrent use; the reference implementation (libsql.go) is a
// single-writer embedded file.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Step executions
	CreateStep(ctx context.Context, exec *StepExecution) error
	StartStep(ctx context.Context, execID string) error
	CompleteStep(ctx context.Context, execID string, status string, output, errPayload, usage []byte) error
	GetMainStep(ctx context.Context, runID, stepID string) (*StepExecution, error)
	GetStepIterations(ctx context.Context, runID, stepID string, filter IterationFilter) ([]*StepExecution, error)
	CountStepIterations(ctx context.Context, runID, stepID string) (int, error)
	ListStepExecutions(ctx context.Context, runID string) ([]*StepExecution, error)

	// Event sourcing (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Run context
	UpsertRunContext(ctx context.Context, runCtx *RunContext) error
	GetRunContext(ctx context.Context, runID string) (*RunContext, error)

	// External events / suspensions
	StoreEvent(ctx context.Context, runID, name string, data []byte) error
	Suspend(ctx context.Context, s *Suspension) error
	GetSuspendedStepsForEvent(ctx context.Context, name string) ([]*Suspension, error)
	ClearSuspension(ctx context.Context, runID, stepID string) error

	// Pending decisions (human / llm-ask suspension)
	CreateDecision(ctx context.Context, dec *PendingDecision) error
	ResolveDecision(ctx context.Context, id string, resolution *Resolution) error
	CancelDecision(ctx context.Context, id string) error
	ListPendingDecisions(ctx context.Context, filter DecisionFilter) ([]*PendingDecision, error)

	// Memory (process-wide vector store for `memory` steps)
	StoreMemory(ctx context.Context, entry *MemoryEntry) error
	SearchMemory(ctx context.Context, embedding []float32, topK int) ([]*MemoryEntry, error)

	// Templates
	StoreTemplate(ctx context.Context, tpl *WorkflowTemplate) error
	GetTemplate(ctx context.Context, name string, version string) (*WorkflowTemplate, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*WorkflowTemplate, error)

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Audit trail
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, runID string) ([]*AuditEntry, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
