package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arvensis/weft/internal/actions"
	"github.com/arvensis/weft/internal/expressions"
	"github.com/arvensis/weft/internal/isolation"
	"github.com/arvensis/weft/internal/llm"
	"github.com/arvensis/weft/internal/mcpclient"
	"github.com/arvensis/weft/internal/redact"
	"github.com/arvensis/weft/internal/secrets"
	"github.com/arvensis/weft/internal/store"
	"github.com/arvensis/weft/internal/validation"
	"github.com/arvensis/weft/pkg/schema"
)

// DefaultMaxOutputBytes bounds how much of a step's raw output (shell
// stdout/stderr, llm transcript) is retained before truncation.
const DefaultMaxOutputBytes = 1 << 20 // 1 MiB

// DefaultGlobalConcurrency bounds how many steps may run at once across a
// single run when the workflow definition sets no concurrency of its own.
const DefaultGlobalConcurrency = 8

// RunnerConfig wires a Runner's dependencies. Store is the only required
// field; everything else has a defaulting or nil-safe fallback so a Runner
// built for shell-only workflows doesn't need an LLM configured.
type RunnerConfig struct {
	Store store.Store

	// PoolManager gates step concurrency by pool name. Nil creates one
	// with DefaultGlobalConcurrency as the default pool capacity.
	PoolManager *PoolManager
	// GlobalConcurrency bounds concurrent step dispatch when a workflow
	// sets no Concurrency of its own.
	GlobalConcurrency int

	// Reasoner drives reflexion/quality_gate LLM calls. With nil, a step's
	// reflexion stage fails with a validation error and its quality gate is
	// recorded as unmet.
	Reasoner Reasoner
	// Model backs llm steps' completions directly. Nil makes any llm step
	// fail with ErrCodeActionUnavailable.
	Model  llm.LanguageModel
	Agents *llm.AgentRegistry
	// Actions is the tool registry llm steps expose to the model.
	Actions actions.ActionRegistry
	// MCP resolves an llm step's mcp_servers into extra tools for that
	// step's call only. Nil makes any mcp_servers entry fail closed with
	// ErrCodeActionUnavailable rather than silently dropping the tools.
	MCP *mcpclient.Manager

	Vault    secrets.Vault
	Redactor *redact.Redactor
	// MaxOutputBytes bounds retained shell/llm output. 0 = DefaultMaxOutputBytes.
	MaxOutputBytes int64

	Isolator      isolation.Isolator
	DefaultLimits isolation.ResourceLimits

	// ModelRateLimit caps llm-step model calls to N/sec with burst
	// ModelRateBurst. 0 disables rate limiting.
	ModelRateLimit float64
	ModelRateBurst int

	// Embedder turns memory step text into a vector for storage/search.
	// Nil makes memory steps fail with ErrCodeActionUnavailable.
	Embedder func(ctx context.Context, text string) ([]float32, error)

	// Logger receives operational warnings (e.g. the large-foreach hydration
	// guard tripping). Nil defaults to slog.Default().
	Logger *slog.Logger
}

// Runner executes workflow definitions against a durable store, driving
// steps through the scheduler, recovery chain, and per-type dispatch until
// the run reaches a terminal or paused state.
type Runner struct {
	store     store.Store
	pool      *PoolManager
	cap       int
	reasoner  Reasoner
	model     llm.LanguageModel
	agents    *llm.AgentRegistry
	acts      actions.ActionRegistry
	mcp       *mcpclient.Manager
	vault     secrets.Vault
	redactor  *redact.Redactor
	maxOutput int64
	isolator  isolation.Isolator
	limits    isolation.ResourceLimits
	embed     func(ctx context.Context, text string) ([]float32, error)
	circuits  *CircuitBreakerRegistry
	limiter   *RateLimiter
	logger    *slog.Logger

	interp    *expressions.Interpolator
	cel       *expressions.CELEngine
	expr      *expressions.ExprEngine
	jq        *expressions.GoJQEngine
	validator *validation.JSONSchemaValidator

	mu     sync.Mutex
	active map[string]*runState
}

// runState tracks one in-flight run so Signal/Cancel can reach it while
// its drive loop is executing.
type runState struct {
	run     *store.Run
	dag     *DAG
	sched   *Scheduler
	scope   *expressions.ScopeBuilder
	signals chan *schema.Signal
	cancel  context.CancelFunc
}

// NewRunner builds a Runner from cfg, defaulting an absent PoolManager,
// CEL engine, and interpolator.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "runner requires a store")
	}
	pool := cfg.PoolManager
	if pool == nil {
		pool = NewPoolManager(nil, DefaultGlobalConcurrency)
	}
	cap := cfg.GlobalConcurrency
	if cap <= 0 {
		cap = DefaultGlobalConcurrency
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build cel engine: %v", err)
	}
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build schema validator: %v", err)
	}
	var limiter *RateLimiter
	if cfg.ModelRateLimit > 0 {
		limiter = NewRateLimiter(cfg.ModelRateLimit, cfg.ModelRateBurst)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		store:     cfg.Store,
		pool:      pool,
		cap:       cap,
		reasoner:  cfg.Reasoner,
		model:     cfg.Model,
		agents:    cfg.Agents,
		acts:      cfg.Actions,
		mcp:       cfg.MCP,
		vault:     cfg.Vault,
		redactor:  cfg.Redactor,
		maxOutput: maxOutput,
		isolator:  cfg.Isolator,
		limits:    cfg.DefaultLimits,
		embed:     cfg.Embedder,
		circuits:  NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig()),
		limiter:   limiter,
		logger:    logger,
		interp:    expressions.NewInterpolator(cfg.Vault),
		cel:       celEngine,
		expr:      expressions.NewExprEngine(),
		jq:        expressions.NewGoJQEngine(),
		validator: validator,
		active:    make(map[string]*runState),
	}, nil
}

// RunOptions parameterizes a fresh Run call.
type RunOptions struct {
	RunID        string
	WorkflowName string
	Inputs       map[string]any
	AgentID      string
	ParentRunID  string
}

// Run parses def into a DAG, persists a new Run record, and drives it to
// completion (or pause, on the first suspending human step).
func (r *Runner) Run(ctx context.Context, def *schema.WorkflowDefinition, opts RunOptions) (*store.Run, error) {
	dag, err := ParseDAG(def)
	if err != nil {
		return nil, err
	}
	if err := r.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}

	inputs := mergeInputs(def.Inputs, opts.Inputs)
	if len(def.InputSchema) > 0 {
		if err := r.validator.ValidateInput(inputs, def.InputSchema); err != nil {
			return nil, err
		}
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	now := time.Now()
	run := &store.Run{
		ID:           runID,
		WorkflowName: opts.WorkflowName,
		Definition:   *def,
		Status:       schema.RunStatusPending,
		AgentID:      opts.AgentID,
		ParentRunID:  opts.ParentRunID,
		Inputs:       inputs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create run: %v", err)
	}

	return r.execute(ctx, run, dag, nil)
}

// RunFromTemplate resolves a stored template by name and version (empty
// version means latest) and runs it as a top-level run. It satisfies
// scheduler.SubWorkflowRunner for cron-triggered scheduled jobs, mirroring
// how runSubWorkflow resolves a sub_workflow step's target template.
func (r *Runner) RunFromTemplate(ctx context.Context, templateName, version string, params map[string]any, agentID string) error {
	tpl, err := r.store.GetTemplate(ctx, templateName, version)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "template %q@%q: %v", templateName, version, err)
	}

	run, err := r.Run(ctx, &tpl.Definition, RunOptions{
		WorkflowName: tpl.Name,
		Inputs:       params,
		AgentID:      agentID,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "run scheduled template %q: %v", templateName, err).WithCause(err)
	}
	if run.Status != schema.RunStatusCompleted && run.Status != schema.RunStatusPaused {
		return schema.NewErrorf(schema.ErrCodeStepFailed, "scheduled run %q ended %s", run.ID, run.Status)
	}
	return nil
}

// Resume rebuilds a run's DAG and scheduler from persisted step executions
// (there is no event-replay path; completed-step state comes straight from
// the step_executions table) and re-enters the drive loop. A step recorded
// Suspended is treated as not-yet-completed so it is re-dispatched; its
// dispatch function detects an already-resolved decision and short-circuits
// instead of suspending again.
func (r *Runner) Resume(ctx context.Context, runID string) (*store.Run, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load run: %v", err)
	}
	if run.Status == schema.RunStatusCompleted || run.Status == schema.RunStatusFailed || run.Status == schema.RunStatusCancelled {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is already terminal (%s)", runID, run.Status)
	}

	dag, err := ParseDAG(&run.Definition)
	if err != nil {
		return nil, err
	}

	execs, err := r.store.ListStepExecutions(ctx, runID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list step executions: %v", err)
	}

	scope := expressions.NewScopeBuilder(run.Inputs, nil)
	byStep := make(map[string]*store.StepExecution)
	for _, ex := range execs {
		if ex.IterationIndex != nil {
			continue // foreach children are hydrated separately, via GetStepIterations
		}
		if prev, ok := byStep[ex.StepID]; ok && prev.Attempt >= ex.Attempt {
			continue
		}
		byStep[ex.StepID] = ex
	}
	var completed []string
	for stepID, ex := range byStep {
		def := dag.Steps[stepID]
		if def != nil && def.Foreach != "" {
			sc, derived, ready := r.hydrateForeachStep(ctx, runID, stepID, ex)
			if !ready || !derived.IsCompleted() {
				continue
			}
			completed = append(completed, stepID)
			_ = scope.AddStepResult(stepID, sc)
			continue
		}
		if !ex.Status.IsCompleted() {
			continue
		}
		completed = append(completed, stepID)
		var out any
		if len(ex.Output) > 0 {
			_ = json.Unmarshal(ex.Output, &out)
		}
		_ = scope.AddStepResult(stepID, &expressions.StepContext{Output: out, Status: ex.Status})
	}

	if run.Status == schema.RunStatusPaused {
		runFSM := NewRunFSM(r.store)
		if err := runFSM.Transition(ctx, run.ID, schema.RunStatusPaused, schema.RunStatusRunning); err != nil {
			return nil, err
		}
		run.Status = schema.RunStatusRunning
		_ = r.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &run.Status})
	}

	return r.driveExisting(ctx, run, dag, completed, scope)
}

// maxHydratedForeachIterations bounds how many iteration outputs Resume
// loads into memory at once; a fan-out past this size hydrates statuses
// only, per §4.5's large-foreach guard.
const maxHydratedForeachIterations = 500

// hydrateForeachStep reconstructs a foreach step's StepContext from its
// persisted iteration rows: items[i] mirrors each iteration's own
// StepExecution, output/outputs aggregate the same way RunForeach's result
// does, and the derived status promotes a running/pending parent row to
// success in memory (never written back) once every iteration is
// success/skipped, or to failed if any iteration failed. The bool return is
// false when there isn't enough persisted state yet to say anything (no
// iteration rows and no completed parent row) — the step is left untouched
// for this drive loop pass.
func (r *Runner) hydrateForeachStep(ctx context.Context, runID, stepID string, main *store.StepExecution) (*expressions.StepContext, schema.StepStatus, bool) {
	count, err := r.store.CountStepIterations(ctx, runID, stepID)
	if err != nil || count == 0 {
		if !main.Status.IsCompleted() {
			return nil, main.Status, false
		}
		// No iteration rows survive (a run persisted before per-iteration
		// rows existed, or the fan-out was empty). Fall back to the
		// __foreachItems hint embedded in the parent row's own output.
		var parentOut struct {
			Output  any            `json:"output"`
			Outputs map[string]any `json:"outputs"`
			Items   []any          `json:"__foreachItems"`
		}
		if len(main.Output) > 0 {
			_ = json.Unmarshal(main.Output, &parentOut)
		}
		out := parentOut.Output
		if out == nil && parentOut.Items != nil {
			out = parentOut.Items
		}
		return &expressions.StepContext{Output: out, Outputs: parentOut.Outputs, Status: main.Status}, main.Status, true
	}

	large := count > maxHydratedForeachIterations
	iterations, err := r.store.GetStepIterations(ctx, runID, stepID, store.IterationFilter{IncludeOutput: !large})
	if err != nil {
		if !main.Status.IsCompleted() {
			return nil, main.Status, false
		}
		return &expressions.StepContext{Status: main.Status}, main.Status, true
	}
	sort.Slice(iterations, func(i, j int) bool {
		return iterationIndexOf(iterations[i]) < iterationIndexOf(iterations[j])
	})

	if large {
		r.logger.Warn("foreach hydration skipping individual outputs for a large fan-out",
			"run_id", runID, "step_id", stepID, "iterations", count)
	}

	items := make([]*expressions.StepContext, len(iterations))
	outputs := make([]any, len(iterations))
	allTerminalGood := true
	anyFailed := false
	for i, it := range iterations {
		var out any
		if !large && len(it.Output) > 0 {
			_ = json.Unmarshal(it.Output, &out)
		}
		var errStr string
		if len(it.Error) > 0 {
			var e map[string]string
			_ = json.Unmarshal(it.Error, &e)
			errStr = e["error"]
		}
		items[i] = &expressions.StepContext{Output: out, Status: it.Status, Error: errStr}
		outputs[i] = out
		switch it.Status {
		case schema.StepStatusFailed:
			anyFailed = true
		case schema.StepStatusSuccess, schema.StepStatusSkipped:
		default:
			allTerminalGood = false
		}
	}

	derived := main.Status
	switch {
	case anyFailed:
		derived = schema.StepStatusFailed
	case allTerminalGood:
		derived = schema.StepStatusSuccess
	default:
		derived = schema.StepStatusRunning
	}

	sc := &expressions.StepContext{Status: derived, Items: items}
	if large {
		sc.Output = []any{}
		sc.Outputs = map[string]any{}
	} else {
		sc.Output = outputs
		if merged := mergeObjectOutputs(outputs); merged != nil {
			sc.Outputs = merged
		}
	}
	return sc, derived, derived.IsCompleted()
}

func iterationIndexOf(ex *store.StepExecution) int {
	if ex.IterationIndex == nil {
		return -1
	}
	return *ex.IterationIndex
}

func (r *Runner) execute(ctx context.Context, run *store.Run, dag *DAG, completed []string) (*store.Run, error) {
	scope := expressions.NewScopeBuilder(run.Inputs, nil)

	runFSM := NewRunFSM(r.store)
	if err := runFSM.Transition(ctx, run.ID, schema.RunStatusPending, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	now := time.Now()
	run.Status = schema.RunStatusRunning
	run.StartedAt = &now
	if err := r.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &run.Status, StartedAt: &now}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "update run: %v", err)
	}

	return r.driveExisting(ctx, run, dag, completed, scope)
}

// stepOutcome is what a per-step dispatch goroutine reports back to the
// drive loop.
type stepOutcome struct {
	stepID    string
	status    schema.StepStatus
	err       error
	fatal     bool // an unhandled ("fail") error; must fail the whole run
	suspended bool
}

// driveExisting runs the needs-satisfied dispatch loop for run/dag/scope,
// treating stepIDs in completed as already satisfied. It returns once the
// run reaches Completed, Failed, Cancelled, or Paused.
func (r *Runner) driveExisting(ctx context.Context, run *store.Run, dag *DAG, completed []string, scope *expressions.ScopeBuilder) (*store.Run, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if run.Definition.Timeout != "" {
		if dur, err := time.ParseDuration(run.Definition.Timeout); err == nil {
			var timeoutCancel context.CancelFunc
			runCtx, timeoutCancel = context.WithTimeout(runCtx, dur)
			defer timeoutCancel()
		}
	}

	sched := NewScheduler(dag, completed)
	rs := &runState{run: run, dag: dag, sched: sched, scope: scope, signals: make(chan *schema.Signal, 16), cancel: cancel}

	r.mu.Lock()
	r.active[run.ID] = rs
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, run.ID)
		r.mu.Unlock()
	}()

	runFSM := NewRunFSM(r.store)
	stepFSM := NewStepFSM(r.store)

	stepStates := make(map[string]schema.StepStatus, len(dag.Steps))
	for id := range dag.Steps {
		stepStates[id] = schema.StepStatusPending
	}
	for _, id := range completed {
		stepStates[id] = schema.StepStatusSuccess
	}

	globalCap := r.cap
	if run.Definition.Concurrency > 0 {
		globalCap = run.Definition.Concurrency
	}

	results := make(chan stepOutcome, len(dag.Steps)+1)
	running := 0
	stopDispatch := false
	var runErr error
	paused := false
	wasCancelRequested := false

	for {
		if !stopDispatch {
			for _, id := range sched.GetRunnableSteps(running, globalCap) {
				step := dag.Steps[id]
				sched.StartStep(id)
				running++
				stepStates[id] = schema.StepStatusRunning
				go r.runOne(runCtx, rs, stepFSM, step, results)
			}
		}

		if running == 0 {
			if sched.IsComplete() || stopDispatch {
				break
			}
			// Nothing runnable and nothing running, but the scheduler
			// isn't done: an on_error="continue" failure permanently
			// blocked every remaining step's needs. Skip what's left so
			// the run converges instead of spinning forever.
			r.skipBlocked(runCtx, rs, stepFSM, stepStates)
			continue
		}

		select {
		case out := <-results:
			running--
			stepStates[out.stepID] = out.status
			switch {
			case out.suspended:
				paused = true
				stopDispatch = true
			case out.status.IsCompleted():
				sched.MarkStepComplete(out.stepID)
			default:
				sched.MarkStepFailed(out.stepID)
				if out.fatal && runErr == nil {
					runErr = out.err
					stopDispatch = true
				}
			}
		case <-runCtx.Done():
			if runErr == nil {
				runErr = runCtx.Err()
			}
			wasCancelRequested = true
			stopDispatch = true
		}
	}

	outputs, outErr := r.resolveOutputs(runCtx, run, scope)
	if outErr != nil && runErr == nil && !wasCancelRequested {
		runErr = outErr
	}

	endedAt := time.Now()
	switch {
	case paused:
		run.Status = schema.RunStatusPaused
		_ = r.store.UpdateRun(context.Background(), run.ID, store.RunUpdate{Status: &run.Status})
		_ = runFSM.Transition(context.Background(), run.ID, schema.RunStatusRunning, schema.RunStatusPaused)
		return run, nil
	case wasCancelRequested:
		_ = CancelRun(context.Background(), runFSM, stepFSM, run.ID, run.Status, stepStates)
		run.Status = schema.RunStatusCancelled
		run.EndedAt = &endedAt
		_ = r.store.UpdateRun(context.Background(), run.ID, store.RunUpdate{Status: &run.Status, EndedAt: &endedAt})
		return run, runErr
	case runErr != nil:
		run.Status = schema.RunStatusFailed
		run.EndedAt = &endedAt
		errPayload, _ := json.Marshal(map[string]string{"error": runErr.Error()})
		run.Error = errPayload
		_ = r.store.UpdateRun(context.Background(), run.ID, store.RunUpdate{Status: &run.Status, EndedAt: &endedAt, Error: errPayload})
		_ = runFSM.Transition(context.Background(), run.ID, schema.RunStatusRunning, schema.RunStatusFailed)
		return run, runErr
	default:
		run.Status = schema.RunStatusCompleted
		run.EndedAt = &endedAt
		run.Outputs = outputs
		_ = r.store.UpdateRun(context.Background(), run.ID, store.RunUpdate{Status: &run.Status, EndedAt: &endedAt, Outputs: outputs})
		_ = runFSM.Transition(context.Background(), run.ID, schema.RunStatusRunning, schema.RunStatusCompleted)
		return run, nil
	}
}

// skipBlocked transitions every non-terminal pending step to Skipped and
// marks it complete in the scheduler, guaranteeing the drive loop's
// pending set empties within one more pass.
func (r *Runner) skipBlocked(ctx context.Context, rs *runState, stepFSM *StepFSM, stepStates map[string]schema.StepStatus) {
	st := rs.sched.Status()
	for _, id := range st.Pending {
		cur := stepStates[id]
		if cur.IsTerminal() {
			continue
		}
		if err := stepFSM.Transition(ctx, rs.run.ID, id, cur, schema.StepStatusSkipped); err != nil {
			continue
		}
		stepStates[id] = schema.StepStatusSkipped
		rs.sched.MarkStepComplete(id)
		execID := uuid.New().String()
		_ = r.store.CreateStep(ctx, &store.StepExecution{ID: execID, RunID: rs.run.ID, StepID: id, Status: schema.StepStatusSkipped})
		_ = r.store.StartStep(ctx, execID)
		_ = r.store.CompleteStep(ctx, execID, string(schema.StepStatusSkipped), nil, nil, nil)
		_ = rs.scope.AddStepResult(id, &expressions.StepContext{Status: schema.StepStatusSkipped})
	}
}

// resolveOutputs evaluates a workflow's Outputs map (name -> ${{ }} expr)
// against the final scope.
func (r *Runner) resolveOutputs(ctx context.Context, run *store.Run, scope *expressions.ScopeBuilder) (json.RawMessage, error) {
	if len(run.Definition.Outputs) == 0 {
		return nil, nil
	}
	built := scope.Build()
	out := make(map[string]any, len(run.Definition.Outputs))
	for name, expr := range run.Definition.Outputs {
		val, err := r.interp.Evaluate(ctx, expr, built)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "resolve output %q: %v", name, err)
		}
		out[name] = val
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchema, "marshal outputs: %v", err)
	}
	return raw, nil
}

func mergeInputs(defaults, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Cancel requests cooperative cancellation of an active run. The run's
// drive loop notices runCtx.Done(), stops dispatching new steps, waits for
// in-flight steps to unwind, then cascades a Skipped transition over every
// step that never got to run via CancelRun.
func (r *Runner) Cancel(ctx context.Context, runID string) error {
	r.mu.Lock()
	rs, ok := r.active[runID]
	r.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s is not active", runID)
	}
	rs.cancel()
	return nil
}

// Signal delivers an external Signal to a run's suspended step (human
// answer, llm.ask reply, or a storeEvent-style external event). If the run
// isn't in-process, it resolves the matching PendingDecision/Suspension
// directly so the next Resume picks it up.
func (r *Runner) Signal(ctx context.Context, runID string, sig *schema.Signal) error {
	payload, _ := json.Marshal(sig)
	_ = r.store.AppendEvent(ctx, &store.Event{RunID: runID, StepID: sig.StepID, Type: schema.EventSignalReceived, Payload: payload})
	_ = r.store.AppendAudit(ctx, &store.AuditEntry{RunID: runID, Action: string(sig.Type), StepID: sig.StepID, Details: payload})

	r.mu.Lock()
	rs, active := r.active[runID]
	r.mu.Unlock()
	if active {
		select {
		case rs.signals <- sig:
		default:
			return schema.NewError(schema.ErrCodeSignalFailed, "signal queue full")
		}
	}

	switch sig.Type {
	case schema.SignalEvent:
		return r.resolveExternalEvent(ctx, runID, sig)
	case schema.SignalAnswer, schema.SignalDecision, schema.SignalData:
		return r.resolveDecision(ctx, runID, sig)
	case schema.SignalCancel:
		if active {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is not active to cancel", runID)
	default:
		return nil
	}
}

func (r *Runner) resolveExternalEvent(ctx context.Context, runID string, sig *schema.Signal) error {
	data, _ := json.Marshal(sig.Payload)
	if err := r.store.StoreEvent(ctx, runID, sig.EventName, data); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "store event: %v", err)
	}
	suspended, err := r.store.GetSuspendedStepsForEvent(ctx, sig.EventName)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "get suspended steps: %v", err)
	}
	for _, s := range suspended {
		if s.RunID != runID {
			continue
		}
		_ = r.store.ClearSuspension(ctx, s.RunID, s.StepID)
	}
	return nil
}

func (r *Runner) resolveDecision(ctx context.Context, runID string, sig *schema.Signal) error {
	decisions, err := r.store.ListPendingDecisions(ctx, store.DecisionFilter{RunID: runID, Status: "pending"})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "list pending decisions: %v", err)
	}
	for _, d := range decisions {
		if sig.StepID != "" && d.StepID != sig.StepID {
			continue
		}
		res := &store.Resolution{
			DecisionID: d.ID,
			Payload:    sig.Payload,
			ResolvedBy: sig.Reasoning,
			ResolvedAt: time.Now(),
		}
		if chosen, ok := sig.Payload["chosen_option_id"].(string); ok {
			res.ChosenOptionID = chosen
		}
		if err := r.store.ResolveDecision(ctx, d.ID, res); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "resolve decision: %v", err)
		}
		_ = r.store.ClearSuspension(ctx, runID, d.StepID)
	}
	return nil
}

// Status returns a snapshot of a run's current persisted state.
func (r *Runner) Status(ctx context.Context, runID string) (*store.Run, []*store.StepExecution, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeStore, "load run: %v", err)
	}
	execs, err := r.store.ListStepExecutions(ctx, runID)
	if err != nil {
		return run, nil, schema.NewErrorf(schema.ErrCodeStore, "list step executions: %v", err)
	}
	return run, execs, nil
}

// --- per-step dispatch driver ---

func (r *Runner) runOne(ctx context.Context, rs *runState, stepFSM *StepFSM, step *schema.StepDefinition, results chan<- stepOutcome) {
	scope := rs.scope.Build()

	if step.If != "" {
		pass, err := r.evalCondition(ctx, step.If, scope)
		if err != nil {
			results <- r.finishFailed(ctx, rs, stepFSM, step, schema.NewErrorf(schema.ErrCodeExpression, "evaluate if: %v", err).WithStep(step.ID))
			return
		}
		ok, isBool := pass.(bool)
		if !isBool {
			results <- r.finishFailed(ctx, rs, stepFSM, step, schema.NewErrorf(schema.ErrCodeExpression, "if expression did not evaluate to a bool, got %T", pass).WithStep(step.ID))
			return
		}
		if !ok {
			results <- r.finishSkipped(ctx, rs, stepFSM, step)
			return
		}
	}

	if err := stepFSM.Transition(ctx, rs.run.ID, step.ID, schema.StepStatusPending, schema.StepStatusRunning); err != nil {
		results <- stepOutcome{stepID: step.ID, status: schema.StepStatusFailed, err: err, fatal: true}
		return
	}

	poolName := step.Pool
	if poolName == "" {
		poolName = DefaultPoolForStepType(step.Type)
	}
	release, err := r.pool.Acquire(ctx, poolName, AcquireOptions{})
	if err != nil {
		results <- r.finishFailed(ctx, rs, stepFSM, step, schema.NewErrorf(schema.ErrCodeExecution, "acquire pool %q: %v", poolName, err).WithStep(step.ID))
		return
	}
	defer release()

	if step.Type == schema.StepTypeHuman {
		results <- r.runHumanSuspendable(ctx, rs, stepFSM, step)
		return
	}

	execID := uuid.New().String()
	inputSnapshot, _ := json.Marshal(stepInputSnapshot(step))
	_ = r.store.CreateStep(ctx, &store.StepExecution{ID: execID, RunID: rs.run.ID, StepID: step.ID, Status: schema.StepStatusPending, Input: inputSnapshot})
	_ = r.store.StartStep(ctx, execID)

	var output any
	var stepErr error

	if step.Foreach != "" {
		output, stepErr = r.runForeachStep(ctx, rs, step)
	} else {
		runner := r.dispatchStep(rs, scope, step.ID)
		wrapper := NewRecoveryWrapper(runner, r.reasoner)
		output, stepErr, _ = wrapper.Execute(ctx, step)
	}

	var suspend *StepSuspendedError
	if errors.As(stepErr, &suspend) {
		results <- r.recordSuspend(ctx, rs, stepFSM, step, execID, suspend)
		return
	}

	if stepErr != nil {
		results <- r.recordFailure(ctx, rs, stepFSM, step, execID, stepErr)
		return
	}
	results <- r.recordSuccess(ctx, rs, stepFSM, step, execID, output)
}

func stepInputSnapshot(step *schema.StepDefinition) map[string]any {
	switch step.Type {
	case schema.StepTypeShell:
		return map[string]any{"run": step.Run, "cwd": step.Cwd}
	case schema.StepTypeLLM:
		return map[string]any{"agent": step.Agent, "prompt": step.Prompt}
	case schema.StepTypeSleep:
		return map[string]any{"duration_ms": step.DurationMS}
	case schema.StepTypeHuman:
		return map[string]any{"question": step.Question}
	case schema.StepTypeMemory:
		return map[string]any{"memory_op": step.MemoryOp, "text": step.Text, "query": step.Query}
	case schema.StepTypeSubWorkflow:
		return map[string]any{"workflow": step.Workflow, "inputs": step.Inputs}
	case schema.StepTypeDynamic:
		return map[string]any{"dynamic_expr": step.DynamicExpr}
	default:
		return nil
	}
}

// evalCondition evaluates an If/Foreach-style expression. A ${{ }}-wrapped
// expression goes through the interpolator (namespace paths, secrets); a
// bare expression is treated as CEL, per StepDefinition.If's doc comment.
func (r *Runner) evalCondition(ctx context.Context, expr string, scope *expressions.InterpolationScope) (any, error) {
	if strings.Contains(expr, "${{") {
		return r.interp.Evaluate(ctx, expr, scope)
	}
	return r.cel.Evaluate(ctx, expr, expressions.ScopeToCELData(scope))
}

func (r *Runner) finishSkipped(ctx context.Context, rs *runState, stepFSM *StepFSM, step *schema.StepDefinition) stepOutcome {
	_ = stepFSM.Transition(ctx, rs.run.ID, step.ID, schema.StepStatusPending, schema.StepStatusSkipped)
	execID := uuid.New().String()
	_ = r.store.CreateStep(ctx, &store.StepExecution{ID: execID, RunID: rs.run.ID, StepID: step.ID, Status: schema.StepStatusSkipped})
	_ = r.store.StartStep(ctx, execID)
	_ = r.store.CompleteStep(ctx, execID, string(schema.StepStatusSkipped), nil, nil, nil)
	_ = rs.scope.AddStepResult(step.ID, &expressions.StepContext{Status: schema.StepStatusSkipped})
	return stepOutcome{stepID: step.ID, status: schema.StepStatusSkipped}
}

func (r *Runner) finishFailed(ctx context.Context, rs *runState, stepFSM *StepFSM, step *schema.StepDefinition, err error) stepOutcome {
	_ = stepFSM.Transition(ctx, rs.run.ID, step.ID, schema.StepStatusPending, schema.StepStatusFailed)
	execID := uuid.New().String()
	errPayload, _ := json.Marshal(map[string]string{"error": err.Error()})
	_ = r.store.CreateStep(ctx, &store.StepExecution{ID: execID, RunID: rs.run.ID, StepID: step.ID, Status: schema.StepStatusFailed})
	_ = r.store.StartStep(ctx, execID)
	_ = r.store.CompleteStep(ctx, execID, string(schema.StepStatusFailed), nil, errPayload, nil)
	_ = rs.scope.AddStepResult(step.ID, &expressions.StepContext{Status: schema.StepStatusFailed, Error: err.Error()})
	return stepOutcome{stepID: step.ID, status: schema.StepStatusFailed, err: err, fatal: true}
}

func (r *Runner) recordSuccess(ctx context.Context, rs *runState, stepFSM *StepFSM, step *schema.StepDefinition, execID string, output any) stepOutcome {
	if step.OutputSchema != nil {
		if err := r.validator.ValidateInput(toMapOrWrap(output), step.OutputSchema); err != nil {
			return r.recordFailure(ctx, rs, stepFSM, step, execID, err)
		}
	}

	redacted := output
	if r.redactor != nil {
		redacted = r.redactor.RedactValue(output)
	}
	outJSON, err := json.Marshal(redacted)
	if err != nil {
		outJSON, _ = json.Marshal(fmt.Sprintf("%v", redacted))
	}

	_ = stepFSM.Transition(ctx, rs.run.ID, step.ID, schema.StepStatusRunning, schema.StepStatusSuccess)
	_ = r.store.CompleteStep(ctx, execID, string(schema.StepStatusSuccess), outJSON, nil, nil)
	_ = rs.scope.AddStepResult(step.ID, &expressions.StepContext{Output: redacted, Status: schema.StepStatusSuccess})
	return stepOutcome{stepID: step.ID, status: schema.StepStatusSuccess}
}

func toMapOrWrap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}

func (r *Runner) recordFailure(ctx context.Context, rs *runState, stepFSM *StepFSM, step *schema.StepDefinition, execID string, stepErr error) stepOutcome {
	res, err := HandleStepError(ctx, r.store, rs.run.ID, step.ID, step.OnError, stepErr)
	if err != nil {
		res = &ErrorHandlerResult{Handled: false, StepStatus: schema.StepStatusFailed}
	}
	_ = stepFSM.Transition(ctx, rs.run.ID, step.ID, schema.StepStatusRunning, res.StepStatus)
	errPayload, _ := json.Marshal(map[string]string{"error": stepErr.Error()})
	_ = r.store.CompleteStep(ctx, execID, string(res.StepStatus), nil, errPayload, nil)
	_ = rs.scope.AddStepResult(step.ID, &expressions.StepContext{Status: res.StepStatus, Error: stepErr.Error()})

	return stepOutcome{stepID: step.ID, status: res.StepStatus, err: stepErr, fatal: !res.Handled}
}

func (r *Runner) recordSuspend(ctx context.Context, rs *runState, stepFSM *StepFSM, step *schema.StepDefinition, execID string, s *StepSuspendedError) stepOutcome {
	_ = stepFSM.Transition(ctx, rs.run.ID, step.ID, schema.StepStatusRunning, schema.StepStatusSuspended)
	_ = r.store.CompleteStep(ctx, execID, string(schema.StepStatusSuspended), nil, nil, nil)
	_ = r.store.Suspend(ctx, &store.Suspension{RunID: rs.run.ID, StepID: step.ID, EventName: s.EventName})
	return stepOutcome{stepID: step.ID, status: schema.StepStatusSuspended, suspended: true}
}

// StepSuspendedError is returned by a step dispatch function to park a
// step (human question, llm.ask tool call) awaiting an external Signal.
// engine.IsRetryableError treats it as non-retryable so RecoveryWrapper
// propagates it immediately instead of retrying/reflecting on it.
type StepSuspendedError struct {
	DecisionID string
	EventName  string
}

func (e *StepSuspendedError) Error() string { return "step suspended pending external signal" }
