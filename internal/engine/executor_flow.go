package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arvensis/weft/internal/actions"
	"github.com/arvensis/weft/internal/expressions"
	"github.com/arvensis/weft/internal/isolation"
	"github.com/arvensis/weft/internal/llm"
	"github.com/arvensis/weft/internal/redact"
	"github.com/arvensis/weft/internal/store"
	"github.com/arvensis/weft/pkg/schema"
)

const (
	defaultMaxLLMIterations = 10
	defaultMaxAgentHandoffs = 10
	askToolName             = "ask"
)

// dispatchStep returns a StepRunner closure for stepID's type. The closure
// is handed to a RecoveryWrapper, which may invoke it repeatedly with
// progressively patched step definitions — so the switch reads step.Type
// from the argument on each call, not from a value captured up front.
func (r *Runner) dispatchStep(rs *runState, scope *expressions.InterpolationScope, stepID string) StepRunner {
	return func(ctx context.Context, step *schema.StepDefinition) (any, error) {
		switch step.Type {
		case schema.StepTypeShell:
			return r.runShell(ctx, scope, step)
		case schema.StepTypeLLM:
			return r.runLLM(ctx, rs, scope, step)
		case schema.StepTypeSleep:
			return r.runSleep(ctx, step)
		case schema.StepTypeMemory:
			return r.runMemory(ctx, step)
		case schema.StepTypeSubWorkflow:
			return r.runSubWorkflow(ctx, rs, step)
		case schema.StepTypeJoin:
			return r.runJoin(step, scope)
		case schema.StepTypeDynamic:
			return r.runDynamic(ctx, rs, scope, step)
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s: no dispatcher for type %s", stepID, step.Type).WithStep(stepID)
		}
	}
}

// --- shell ---

func (r *Runner) runShell(ctx context.Context, scope *expressions.InterpolationScope, step *schema.StepDefinition) (any, error) {
	runCmd, err := r.interp.EvaluateString(ctx, step.Run, scope)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "interpolate run: %v", err).WithStep(step.ID)
	}
	cwd, err := r.interp.EvaluateString(ctx, step.Cwd, scope)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "interpolate cwd: %v", err).WithStep(step.ID)
	}

	env := make([]string, 0, len(step.Env))
	for k, v := range step.Env {
		val, err := r.interp.EvaluateString(ctx, v, scope)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "interpolate env %q: %v", k, err).WithStep(step.ID)
		}
		env = append(env, k+"="+val)
	}

	limits := r.limits
	if step.TimeoutMS > 0 {
		limits.Timeout = time.Duration(step.TimeoutMS) * time.Millisecond
	}
	if cwd != "" {
		if err := limits.ValidatePath(cwd, isolation.PathAccessRead); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodePathDenied, "cwd %q: %v", cwd, err).WithStep(step.ID)
		}
	}

	cmdCtx := ctx
	if limits.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cmdCtx, "bash", "-c", runCmd)
	if cwd != "" {
		cmd.Dir = cwd
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var cleanup func()
	if r.isolator != nil {
		wrapped, done, err := r.isolator.Wrap(cmdCtx, cmd, limits)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "isolate shell step: %v", err).WithStep(step.ID)
		}
		cmd = wrapped
		cleanup = done
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "stdout pipe: %v", err).WithStep(step.ID)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "stderr pipe: %v", err).WithStep(step.ID)
	}

	if err := cmd.Start(); err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "start shell step: %v", err).WithStep(step.ID)
	}

	var wg sync.WaitGroup
	var outStr, errStr string
	wg.Add(2)
	go func() { defer wg.Done(); outStr = r.captureStream(stdout) }()
	go func() { defer wg.Done(); errStr = r.captureStream(stderr) }()
	wg.Wait()

	waitErr := cmd.Wait()
	if cleanup != nil {
		cleanup()
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "run shell step: %v", waitErr).WithStep(step.ID)
		}
	}

	output := map[string]any{"stdout": outStr, "stderr": errStr, "code": exitCode}
	if exitCode != 0 {
		return output, schema.NewErrorf(schema.ErrCodeExecution, "shell step %q exited %d", step.ID, exitCode).
			WithStep(step.ID).
			WithDetails(map[string]any{"stdout": outStr, "stderr": errStr, "code": exitCode})
	}
	return output, nil
}

// captureStream reads pipe to completion through the redaction/limiter
// pipeline and returns the final captured (redacted, truncated) text.
func (r *Runner) captureStream(pipe io.Reader) string {
	limiter := redact.NewOutputLimiter(int(r.maxOutput))
	var buf *redact.RedactionBuffer
	if r.redactor != nil {
		buf = redact.NewRedactionBuffer(r.redactor)
	}

	chunk := make([]byte, 4096)
	for {
		n, err := pipe.Read(chunk)
		if n > 0 {
			text := string(chunk[:n])
			if buf != nil {
				limiter.Write(buf.Write(text))
			} else {
				limiter.Write(text)
			}
		}
		if err != nil {
			break
		}
	}
	if buf != nil {
		limiter.Write(buf.Flush())
	}
	limiter.Flush()
	return limiter.String()
}

// --- llm ---

func (r *Runner) runLLM(ctx context.Context, rs *runState, scope *expressions.InterpolationScope, step *schema.StepDefinition) (any, error) {
	if r.model == nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "llm step %s: no model configured", step.ID).WithStep(step.ID)
	}

	// A step resuming from a suspended "ask" tool call returns the human's
	// answer directly rather than replaying the tool-calling loop with it
	// injected as a tool result — one round-trip per llm step is the case
	// this supports; a multi-turn conversation across a suspend does not
	// survive resume.
	if d := r.findDecision(ctx, rs.run.ID, step.ID); d != nil && d.Status == "resolved" {
		var payload map[string]any
		_ = json.Unmarshal(d.Resolution, &payload)
		return map[string]any{"answer": payload}, nil
	}

	agentName := step.Agent
	systemPrompt := ""
	model := ""
	var allowed map[string]bool
	if agentName != "" && r.agents != nil {
		if def, ok := r.agents.Get(agentName); ok {
			systemPrompt = def.SystemPrompt
			model = def.Model
			if def.Tools != nil {
				allowed = toSet(def.Tools)
			}
		}
	}
	if len(step.Tools) > 0 {
		allowed = toSet(step.Tools)
	}

	prompt, err := r.interp.EvaluateString(ctx, step.Prompt, scope)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "interpolate prompt: %v", err).WithStep(step.ID)
	}

	var mcpActs []actions.Action
	if len(step.MCPServers) > 0 {
		if r.mcp == nil {
			return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "llm step %s: mcp_servers set but no mcp manager configured", step.ID).WithStep(step.ID)
		}
		var mcpErr error
		mcpActs, mcpErr = r.mcp.Actions(ctx, step.MCPServers)
		if mcpErr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "llm step %s: %v", step.ID, mcpErr).WithStep(step.ID)
		}
	}

	tools := r.toolSpecs(allowed, mcpActs)
	tools = append(tools, llm.ToolSpec{
		Name:        askToolName,
		Description: "Ask a human a question and suspend this step until it is answered.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"question":{"type":"string"}},"required":["question"]}`),
	})

	messages := []llm.Message{{Role: llm.RoleUser, Content: prompt}}

	maxIter := step.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxLLMIterations
	}
	maxHandoffs := step.MaxAgentHandoffs
	if maxHandoffs <= 0 {
		maxHandoffs = defaultMaxAgentHandoffs
	}
	handoffs := 0

	for i := 0; i < maxIter; i++ {
		if r.limiter != nil {
			if err := r.limiter.Acquire(ctx); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeRateLimited, "llm rate limit: %v", err).WithStep(step.ID)
			}
		}
		breakerKey := "llm:" + agentName
		if r.circuits != nil {
			if err := r.circuits.AllowRequest(breakerKey); err != nil {
				return nil, err
			}
		}

		resp, completeErr := r.model.Complete(ctx, llm.CompletionRequest{Model: model, System: systemPrompt, Messages: messages, Tools: tools})
		if r.circuits != nil {
			if completeErr != nil {
				r.circuits.RecordFailure(breakerKey)
			} else {
				r.circuits.RecordSuccess(breakerKey)
			}
		}
		if completeErr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "model completion: %v", completeErr).WithStep(step.ID)
		}

		if resp.FinishReason != llm.FinishToolCalls || len(resp.Message.ToolCalls) == 0 {
			return r.finishLLMOutput(step, resp.Message.Content)
		}

		messages = append(messages, resp.Message)
		for _, tc := range resp.Message.ToolCalls {
			switch tc.Name {
			case askToolName:
				question, _ := tc.Arguments["question"].(string)
				if question == "" {
					question = step.Question
				}
				return nil, r.suspendForAsk(ctx, rs, step, question)
			case "handoff":
				target, _ := tc.Arguments["agent"].(string)
				if handoffs >= maxHandoffs || r.agents == nil {
					messages = append(messages, llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, Name: tc.Name, Content: `{"error":"handoff unavailable"}`})
					continue
				}
				def, ok := r.agents.Get(target)
				if !ok {
					messages = append(messages, llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, Name: tc.Name, Content: fmt.Sprintf(`{"error":"unknown agent %q"}`, target)})
					continue
				}
				systemPrompt, model, agentName = def.SystemPrompt, def.Model, target
				handoffs++
				messages = append(messages, llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, Name: tc.Name, Content: fmt.Sprintf(`{"handed_off_to":%q}`, target)})
			default:
				result, err := r.callAction(ctx, tc, mcpActs)
				if err != nil {
					messages = append(messages, llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, Name: tc.Name, Content: fmt.Sprintf(`{"error":%q}`, err.Error())})
					continue
				}
				messages = append(messages, llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, Name: tc.Name, Content: string(result)})
			}
		}
	}

	return nil, schema.NewErrorf(schema.ErrCodeExecution, "llm step %s exceeded max_iterations (%d) without a final answer", step.ID, maxIter).WithStep(step.ID)
}

func (r *Runner) finishLLMOutput(step *schema.StepDefinition, content string) (any, error) {
	if step.OutputSchema == nil {
		return map[string]any{"content": content}, nil
	}
	raw, err := llm.ExtractJSON(content)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchema, "llm step %s: %v", step.ID, err).WithStep(step.ID)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchema, "llm step %s: decode json output: %v", step.ID, err).WithStep(step.ID)
	}
	return out, nil
}

// toolSpecs builds the tool list an llm step offers the model: the
// registry's actions (filtered by allowed, nil meaning all) plus extra
// (this call's resolved mcp_servers tools, which bypass the allowed filter
// since a step names its mcp servers explicitly).
func (r *Runner) toolSpecs(allowed map[string]bool, extra []actions.Action) []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(extra))
	for _, action := range extra {
		sc := action.Schema()
		specs = append(specs, llm.ToolSpec{Name: action.Name(), Description: sc.Description, InputSchema: sc.InputSchema})
	}
	if r.acts == nil {
		return specs
	}
	infos := r.acts.List()
	for _, info := range infos {
		if allowed != nil && !allowed[info.Name] {
			continue
		}
		action, err := r.acts.Get(info.Name)
		if err != nil {
			continue
		}
		sc := action.Schema()
		specs = append(specs, llm.ToolSpec{Name: info.Name, Description: sc.Description, InputSchema: sc.InputSchema})
	}
	return specs
}

func findAction(extra []actions.Action, name string) actions.Action {
	for _, action := range extra {
		if action.Name() == name {
			return action
		}
	}
	return nil
}

func (r *Runner) callAction(ctx context.Context, tc llm.ToolCall, extra []actions.Action) (json.RawMessage, error) {
	action := findAction(extra, tc.Name)
	if action == nil {
		if r.acts == nil {
			return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "tool %q: no action registry configured", tc.Name)
		}
		var err error
		action, err = r.acts.Get(tc.Name)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "tool %q: %v", tc.Name, err)
		}
	}
	if err := action.Validate(tc.Arguments); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "tool %q: %v", tc.Name, err)
	}

	breakerKey := "action:" + tc.Name
	if r.circuits != nil {
		if err := r.circuits.AllowRequest(breakerKey); err != nil {
			return nil, err
		}
	}
	out, execErr := action.Execute(ctx, actions.ActionInput{Params: tc.Arguments})
	if r.circuits != nil {
		if execErr != nil {
			r.circuits.RecordFailure(breakerKey)
		} else {
			r.circuits.RecordSuccess(breakerKey)
		}
	}
	if execErr != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "tool %q: %v", tc.Name, execErr)
	}
	return out.Data, nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

// --- sleep ---

func (r *Runner) runSleep(ctx context.Context, step *schema.StepDefinition) (any, error) {
	d := time.Duration(step.DurationMS) * time.Millisecond
	select {
	case <-time.After(d):
		return map[string]any{"slept_ms": step.DurationMS}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// --- human / llm.ask suspension ---

// findDecision returns the pending decision most recently opened for
// runID/stepID, if any — resolved or still pending.
func (r *Runner) findDecision(ctx context.Context, runID, stepID string) *store.PendingDecision {
	decisions, err := r.store.ListPendingDecisions(ctx, store.DecisionFilter{RunID: runID})
	if err != nil {
		return nil
	}
	var found *store.PendingDecision
	for _, d := range decisions {
		if d.StepID != stepID {
			continue
		}
		if found == nil || d.CreatedAt.After(found.CreatedAt) {
			found = d
		}
	}
	return found
}

// runHumanSuspendable handles the human step type's full execution
// lifecycle. It bypasses RecoveryWrapper entirely — a human question isn't
// something retry/reflexion/auto_heal apply to — and, unlike every other
// step type, is responsible for its own CreateStep/StartStep bookkeeping
// since runOne returns before doing that for StepTypeHuman.
func (r *Runner) runHumanSuspendable(ctx context.Context, rs *runState, stepFSM *StepFSM, step *schema.StepDefinition) stepOutcome {
	execID := uuid.New().String()
	inputSnapshot, _ := json.Marshal(stepInputSnapshot(step))
	_ = r.store.CreateStep(ctx, &store.StepExecution{ID: execID, RunID: rs.run.ID, StepID: step.ID, Status: schema.StepStatusPending, Input: inputSnapshot})
	_ = r.store.StartStep(ctx, execID)

	if err := stepFSM.Transition(ctx, rs.run.ID, step.ID, schema.StepStatusPending, schema.StepStatusRunning); err != nil {
		return r.recordFailure(ctx, rs, stepFSM, step, execID, err)
	}

	if d := r.findDecision(ctx, rs.run.ID, step.ID); d != nil {
		if d.Status != "resolved" {
			return r.recordSuspend(ctx, rs, stepFSM, step, execID, &StepSuspendedError{DecisionID: d.ID, EventName: "decision:" + d.ID})
		}
		var payload map[string]any
		_ = json.Unmarshal(d.Resolution, &payload)
		return r.recordSuccess(ctx, rs, stepFSM, step, execID, map[string]any{"answer": payload})
	}

	question, err := r.interp.EvaluateString(ctx, step.Question, rs.scope.Build())
	if err != nil {
		question = step.Question
	}
	decisionID := uuid.New().String()
	ctxPayload, _ := json.Marshal(map[string]any{"question": question})
	decision := &store.PendingDecision{
		ID:        decisionID,
		RunID:     rs.run.ID,
		StepID:    step.ID,
		AgentID:   rs.run.AgentID,
		Context:   ctxPayload,
		Status:    "pending",
		CreatedAt: time.Now(),
	}
	if err := r.store.CreateDecision(ctx, decision); err != nil {
		return r.recordFailure(ctx, rs, stepFSM, step, execID, schema.NewErrorf(schema.ErrCodeStore, "create decision: %v", err).WithStep(step.ID))
	}
	eventPayload, _ := json.Marshal(map[string]any{"decision_id": decisionID, "question": question})
	_ = r.store.AppendEvent(ctx, &store.Event{RunID: rs.run.ID, StepID: step.ID, Type: schema.EventDecisionRequested, Payload: eventPayload})

	return r.recordSuspend(ctx, rs, stepFSM, step, execID, &StepSuspendedError{DecisionID: decisionID, EventName: "decision:" + decisionID})
}

// suspendForAsk mirrors runHumanSuspendable's decision bookkeeping for an
// llm step's "ask" tool call, without the step-execution lifecycle (the
// caller's own CreateStep/StartStep already covers that).
func (r *Runner) suspendForAsk(ctx context.Context, rs *runState, step *schema.StepDefinition, question string) error {
	if d := r.findDecision(ctx, rs.run.ID, step.ID); d != nil && d.Status != "resolved" {
		return &StepSuspendedError{DecisionID: d.ID, EventName: "decision:" + d.ID}
	}

	decisionID := uuid.New().String()
	ctxPayload, _ := json.Marshal(map[string]any{"question": question})
	decision := &store.PendingDecision{
		ID:        decisionID,
		RunID:     rs.run.ID,
		StepID:    step.ID,
		AgentID:   rs.run.AgentID,
		Context:   ctxPayload,
		Status:    "pending",
		CreatedAt: time.Now(),
	}
	if err := r.store.CreateDecision(ctx, decision); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create ask decision: %v", err).WithStep(step.ID)
	}
	eventPayload, _ := json.Marshal(map[string]any{"decision_id": decisionID, "question": question})
	_ = r.store.AppendEvent(ctx, &store.Event{RunID: rs.run.ID, StepID: step.ID, Type: schema.EventDecisionRequested, Payload: eventPayload})

	return &StepSuspendedError{DecisionID: decisionID, EventName: "decision:" + decisionID}
}

// --- memory ---

func (r *Runner) runMemory(ctx context.Context, step *schema.StepDefinition) (any, error) {
	if r.embed == nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "memory step %s: no embedder configured", step.ID).WithStep(step.ID)
	}
	switch step.MemoryOp {
	case "store":
		vec, err := r.embed(ctx, step.Text)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "embed text: %v", err).WithStep(step.ID)
		}
		entry := &store.MemoryEntry{ID: uuid.New().String(), Text: step.Text, Embedding: vec, CreatedAt: time.Now()}
		if err := r.store.StoreMemory(ctx, entry); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "store memory: %v", err).WithStep(step.ID)
		}
		return map[string]any{"id": entry.ID}, nil
	case "search":
		vec, err := r.embed(ctx, step.Query)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "embed query: %v", err).WithStep(step.ID)
		}
		topK := step.TopK
		if topK <= 0 {
			topK = 5
		}
		results, err := r.store.SearchMemory(ctx, vec, topK)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "search memory: %v", err).WithStep(step.ID)
		}
		out := make([]any, len(results))
		for i, e := range results {
			out[i] = map[string]any{"id": e.ID, "text": e.Text}
		}
		return out, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "memory step %s: unknown memory_op %q", step.ID, step.MemoryOp).WithStep(step.ID)
	}
}

// --- sub_workflow ---

func (r *Runner) runSubWorkflow(ctx context.Context, rs *runState, step *schema.StepDefinition) (any, error) {
	name, version := step.Workflow, ""
	if idx := strings.LastIndex(step.Workflow, "@"); idx > 0 {
		name, version = step.Workflow[:idx], step.Workflow[idx+1:]
	}
	tpl, err := r.store.GetTemplate(ctx, name, version)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "sub_workflow %q: %v", step.Workflow, err).WithStep(step.ID)
	}

	inputs := make(map[string]any, len(step.Inputs))
	for k, v := range step.Inputs {
		inputs[k] = v
	}

	childRun, err := r.Run(ctx, &tpl.Definition, RunOptions{
		WorkflowName: tpl.Name,
		Inputs:       inputs,
		AgentID:      rs.run.AgentID,
		ParentRunID:  rs.run.ID,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "run sub_workflow %q: %v", step.Workflow, err).WithStep(step.ID)
	}
	if childRun.Status != schema.RunStatusCompleted {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "sub_workflow %q ended %s", step.Workflow, childRun.Status).WithStep(step.ID)
	}

	var childOutputs map[string]any
	if len(childRun.Outputs) > 0 {
		_ = json.Unmarshal(childRun.Outputs, &childOutputs)
	}
	if len(step.OutputMapping) == 0 {
		return childOutputs, nil
	}
	mapped := make(map[string]any, len(step.OutputMapping))
	for outName, childKey := range step.OutputMapping {
		mapped[outName] = childOutputs[childKey]
	}
	return mapped, nil
}

// --- join ---

// runJoin has no work of its own beyond recording which of its needs
// completed — the scheduler already guarantees Needs are all terminal by
// the time a join step is runnable. The failed-need check below is
// defensive: the scheduler only dispatches a step once every need is
// success or skipped, so a need that failed (including under
// on_error="continue") leaves the join undispatched, and the drive loop
// records it as skipped.
func (r *Runner) runJoin(step *schema.StepDefinition, scope *expressions.InterpolationScope) (any, error) {
	completed := make([]string, 0, len(step.Needs))
	for _, need := range step.Needs {
		if sc, ok := scope.Steps[need]; ok && sc.Status == schema.StepStatusFailed {
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "join step %s: dependency %q failed", step.ID, need).WithStep(step.ID)
		}
		completed = append(completed, need)
	}
	return map[string]any{"completed": completed}, nil
}

// --- dynamic ---

// runDynamic resolves dynamic_expr into a concrete step definition on every
// dispatch attempt, then delegates to that type's own runner. Because
// resolution happens fresh each call, a reflexion/auto_heal patch to
// dynamic_expr itself takes effect the same way a patch to run/prompt
// would for a static step.
func (r *Runner) runDynamic(ctx context.Context, rs *runState, scope *expressions.InterpolationScope, step *schema.StepDefinition) (any, error) {
	resolved, err := r.evalCondition(ctx, step.DynamicExpr, scope)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "resolve dynamic_expr: %v", err).WithStep(step.ID)
	}
	obj, ok := resolved.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeSchema, "dynamic_expr for step %s must resolve to an object, got %T", step.ID, resolved).WithStep(step.ID)
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchema, "marshal resolved dynamic step: %v", err).WithStep(step.ID)
	}
	var resolvedStep schema.StepDefinition
	if err := json.Unmarshal(raw, &resolvedStep); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchema, "decode resolved dynamic step: %v", err).WithStep(step.ID)
	}
	resolvedStep.ID = step.ID
	if resolvedStep.Type == "" || resolvedStep.Type == schema.StepTypeDynamic {
		return nil, schema.NewErrorf(schema.ErrCodeSchema, "dynamic_expr for step %s must resolve to a concrete, non-dynamic type", step.ID).WithStep(step.ID)
	}

	runner := r.dispatchStep(rs, scope, resolvedStep.ID)
	return runner(ctx, &resolvedStep)
}

// --- foreach ---

// runForeachStep fans a step's iterable out across RunForeach, giving each
// iteration its own loop-variable scope and its own recovery chain — a
// retry policy on a foreach step retries the failing iteration alone, not
// the whole fan-out.
func (r *Runner) runForeachStep(ctx context.Context, rs *runState, step *schema.StepDefinition) (any, error) {
	scope := rs.scope.Build()
	items, err := r.evalCondition(ctx, step.Foreach, scope)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "evaluate foreach: %v", err).WithStep(step.ID)
	}
	iterable, ok := items.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeSchema, "foreach expression for step %s did not resolve to a list, got %T", step.ID, items).WithStep(step.ID)
	}

	poolName := step.Pool
	if poolName == "" {
		poolName = DefaultPoolForStepType(step.Type)
	}

	startPayload, _ := json.Marshal(map[string]any{"count": len(iterable)})
	_ = r.store.AppendEvent(ctx, &store.Event{RunID: rs.run.ID, StepID: step.ID, Type: schema.EventForeachStarted, Payload: startPayload})

	task := func(ctx context.Context, item any, index int) (any, error) {
		iterIndex := index
		iterScope := rs.scope.WithLoopVars(item, index)
		built := iterScope.Build()
		runner := r.dispatchStep(rs, built, step.ID)
		wrapper := NewRecoveryWrapper(runner, r.reasoner)

		execID := uuid.New().String()
		inputSnapshot, _ := json.Marshal(map[string]any{"item": item, "index": index})
		_ = r.store.CreateStep(ctx, &store.StepExecution{
			ID: execID, RunID: rs.run.ID, StepID: step.ID, IterationIndex: &iterIndex,
			Status: schema.StepStatusPending, Input: inputSnapshot,
		})
		_ = r.store.StartStep(ctx, execID)

		out, err, _ := wrapper.Execute(ctx, step)

		if err != nil {
			errPayload, _ := json.Marshal(map[string]string{"error": err.Error()})
			_ = r.store.CompleteStep(ctx, execID, string(schema.StepStatusFailed), nil, errPayload, nil)
			return out, err
		}
		redacted := out
		if r.redactor != nil {
			redacted = r.redactor.RedactValue(out)
		}
		outJSON, mErr := json.Marshal(redacted)
		if mErr != nil {
			outJSON, _ = json.Marshal(fmt.Sprintf("%v", redacted))
		}
		_ = r.store.CompleteStep(ctx, execID, string(schema.StepStatusSuccess), outJSON, nil, nil)
		return out, nil
	}

	result := RunForeach(ctx, iterable, step.Concurrency, r.pool, poolName, task)

	donePayload, _ := json.Marshal(map[string]any{"count": len(iterable), "failed": result.FailedCount()})
	_ = r.store.AppendEvent(ctx, &store.Event{RunID: rs.run.ID, StepID: step.ID, Type: schema.EventForeachCompleted, Payload: donePayload})

	// __foreachItems mirrors the per-iteration outputs into the parent row's
	// own output JSON — an opaque hydration hint the donor's persisted-output
	// idiom already relies on, read back only when Resume rebuilds this
	// step's StepContext.
	output := map[string]any{"output": result.Output, "outputs": result.Outputs, "__foreachItems": result.Output}
	if aggErr := result.AggregateError(); aggErr != nil {
		return output, schema.NewErrorf(schema.ErrCodeAggregate, "foreach step %s: %v", step.ID, aggErr).WithStep(step.ID)
	}
	return output, nil
}
