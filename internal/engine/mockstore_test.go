package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/arvensis/weft/internal/store"
	"github.com/arvensis/weft/pkg/schema"
)

// mockStore is a minimal in-memory store.Store for exercising the Runner
// without a real libsql file. It is deliberately not concurrent-safe beyond
// a single coarse mutex — good enough for driving one or two runs in a test.
type mockStore struct {
	mu sync.Mutex

	runs      map[string]*store.Run
	steps     map[string][]*store.StepExecution // runID -> executions, append order
	events    []*store.Event
	runCtxs   map[string]*store.RunContext
	suspends  map[string]*store.Suspension // runID+stepID -> suspension
	decisions map[string]*store.PendingDecision
	memory    []*store.MemoryEntry
	templates map[string]*store.WorkflowTemplate // name@version
	jobs      map[string]*store.ScheduledJob
	audit     []*store.AuditEntry
}

func newMockStore() *mockStore {
	return &mockStore{
		runs:      make(map[string]*store.Run),
		steps:     make(map[string][]*store.StepExecution),
		runCtxs:   make(map[string]*store.RunContext),
		suspends:  make(map[string]*store.Suspension),
		decisions: make(map[string]*store.PendingDecision),
		templates: make(map[string]*store.WorkflowTemplate),
		jobs:      make(map[string]*store.ScheduledJob),
	}
}

func (m *mockStore) CreateRun(_ context.Context, run *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *mockStore) GetRun(_ context.Context, id string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", id)
	}
	cp := *run
	return &cp, nil
}

func (m *mockStore) UpdateRun(_ context.Context, id string, update store.RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Outputs != nil {
		run.Outputs = update.Outputs
	}
	if update.Error != nil {
		run.Error = update.Error
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.EndedAt != nil {
		run.EndedAt = update.EndedAt
	}
	run.UpdatedAt = time.Now()
	return nil
}

func (m *mockStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Run
	for _, r := range m.runs {
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		if filter.AgentID != "" && r.AgentID != filter.AgentID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) DeleteRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, id)
	delete(m.steps, id)
	return nil
}

func (m *mockStore) CreateStep(_ context.Context, exec *store.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *exec
	m.steps[exec.RunID] = append(m.steps[exec.RunID], &cp)
	return nil
}

func (m *mockStore) findStep(execID string) *store.StepExecution {
	for _, execs := range m.steps {
		for _, e := range execs {
			if e.ID == execID {
				return e
			}
		}
	}
	return nil
}

func (m *mockStore) StartStep(_ context.Context, execID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.findStep(execID)
	if e == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step execution %s not found", execID)
	}
	now := time.Now()
	e.StartedAt = &now
	return nil
}

func (m *mockStore) CompleteStep(_ context.Context, execID string, status string, output, errPayload, usage []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.findStep(execID)
	if e == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step execution %s not found", execID)
	}
	e.Status = schema.StepStatus(status)
	e.Output = output
	e.Error = errPayload
	e.Usage = usage
	now := time.Now()
	e.EndedAt = &now
	if e.StartedAt != nil {
		e.DurationMs = now.Sub(*e.StartedAt).Milliseconds()
	}
	return nil
}

func (m *mockStore) GetMainStep(_ context.Context, runID, stepID string) (*store.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *store.StepExecution
	for _, e := range m.steps[runID] {
		if e.StepID != stepID || e.IterationIndex != nil {
			continue
		}
		if latest == nil || e.Attempt >= latest.Attempt {
			latest = e
		}
	}
	if latest == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step %s not found", stepID)
	}
	cp := *latest
	return &cp, nil
}

func (m *mockStore) GetStepIterations(_ context.Context, runID, stepID string, filter store.IterationFilter) ([]*store.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.StepExecution
	for _, e := range m.steps[runID] {
		if e.StepID != stepID || e.IterationIndex == nil {
			continue
		}
		cp := *e
		if !filter.IncludeOutput {
			cp.Output = nil
		}
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) CountStepIterations(_ context.Context, runID, stepID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.steps[runID] {
		if e.StepID == stepID && e.IterationIndex != nil {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) ListStepExecutions(_ context.Context, runID string) ([]*store.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.StepExecution, len(m.steps[runID]))
	for i, e := range m.steps[runID] {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *mockStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Sequence = int64(len(m.events) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

func (m *mockStore) GetEvents(_ context.Context, runID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, e := range m.events {
		if e.RunID == runID && e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) GetEventsByType(_ context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, e := range m.events {
		if e.Type != eventType {
			continue
		}
		if filter.RunID != "" && e.RunID != filter.RunID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *mockStore) UpsertRunContext(_ context.Context, runCtx *store.RunContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *runCtx
	m.runCtxs[runCtx.RunID] = &cp
	return nil
}

func (m *mockStore) GetRunContext(_ context.Context, runID string) (*store.RunContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.runCtxs[runID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run context %s not found", runID)
	}
	cp := *rc
	return &cp, nil
}

func (m *mockStore) StoreEvent(_ context.Context, runID, name string, data []byte) error {
	return nil
}

func (m *mockStore) Suspend(_ context.Context, s *store.Suspension) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.suspends[s.RunID+"/"+s.StepID] = &cp
	return nil
}

func (m *mockStore) GetSuspendedStepsForEvent(_ context.Context, name string) ([]*store.Suspension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Suspension
	for _, s := range m.suspends {
		if s.EventName == name {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockStore) ClearSuspension(_ context.Context, runID, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.suspends, runID+"/"+stepID)
	return nil
}

func (m *mockStore) CreateDecision(_ context.Context, dec *store.PendingDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *dec
	m.decisions[dec.ID] = &cp
	return nil
}

func (m *mockStore) ResolveDecision(_ context.Context, id string, resolution *store.Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "decision %s not found", id)
	}
	payload, _ := json.Marshal(resolution.Payload)
	d.Status = "resolved"
	d.Resolution = payload
	d.ResolvedBy = resolution.ResolvedBy
	resolvedAt := resolution.ResolvedAt
	d.ResolvedAt = &resolvedAt
	return nil
}

func (m *mockStore) CancelDecision(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "decision %s not found", id)
	}
	d.Status = "cancelled"
	return nil
}

func (m *mockStore) ListPendingDecisions(_ context.Context, filter store.DecisionFilter) ([]*store.PendingDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.PendingDecision
	for _, d := range m.decisions {
		if filter.RunID != "" && d.RunID != filter.RunID {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) StoreMemory(_ context.Context, entry *store.MemoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.memory = append(m.memory, &cp)
	return nil
}

func (m *mockStore) SearchMemory(_ context.Context, embedding []float32, topK int) ([]*store.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.MemoryEntry, 0, topK)
	for _, e := range m.memory {
		if len(out) >= topK {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *mockStore) StoreTemplate(_ context.Context, tpl *store.WorkflowTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tpl
	m.templates[tpl.Name+"@"+tpl.Version] = &cp
	return nil
}

func (m *mockStore) GetTemplate(_ context.Context, name string, version string) (*store.WorkflowTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tpl, ok := m.templates[name+"@"+version]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %s@%s not found", name, version)
	}
	cp := *tpl
	return &cp, nil
}

func (m *mockStore) ListTemplates(_ context.Context, filter store.TemplateFilter) ([]*store.WorkflowTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.WorkflowTemplate
	for _, t := range m.templates {
		if filter.Name != "" && t.Name != filter.Name {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *mockStore) CreateScheduledJob(_ context.Context, job *store.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *mockStore) GetScheduledJob(_ context.Context, id string) (*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "job %s not found", id)
	}
	cp := *j
	return &cp, nil
}

func (m *mockStore) UpdateScheduledJob(_ context.Context, id string, update store.ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %s not found", id)
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		j.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		j.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockStore) ListScheduledJobs(_ context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ScheduledJob
	for _, j := range m.jobs {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (m *mockStore) DeleteScheduledJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *mockStore) AppendAudit(_ context.Context, entry *store.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.audit) + 1)
	cp := *entry
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *mockStore) ListAudit(_ context.Context, runID string) ([]*store.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.AuditEntry
	for _, a := range m.audit {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockStore) Migrate(_ context.Context) error { return nil }
func (m *mockStore) Vacuum(_ context.Context) error  { return nil }
func (m *mockStore) Close() error                    { return nil }

var _ store.Store = (*mockStore)(nil)
