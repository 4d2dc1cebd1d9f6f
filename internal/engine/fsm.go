package engine

import (
	"context"
	"sync"

	"github.com/arvensis/weft/internal/store"
	"github.com/arvensis/weft/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Run FSM ---

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM manages run lifecycle state transitions.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a new RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a run state transition.
// It emits the corresponding event via the appender. The caller (Runner) is
// responsible for persisting the new status to the store.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := runEventType(to); eventType != "" {
		event := &store.Event{
			RunID: runID,
			Type:  eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	case schema.RunStatusPaused:
		return schema.EventRunPaused
	default:
		return ""
	}
}

// --- Step FSM ---

type stepHookKey struct {
	from, to schema.StepStatus
}

// StepFSM manages step execution lifecycle state transitions.
type StepFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[stepHookKey][]TransitionHook
	after    map[stepHookKey][]TransitionHook
}

// NewStepFSM creates a new StepFSM that emits events via the given appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{
		appender: appender,
		before:   make(map[stepHookKey][]TransitionHook),
		after:    make(map[stepHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a step state transition.
// It emits the corresponding event via the appender. Retries do not change
// StepStatus (a step stays Running across retry attempts); callers emit
// EventStepRetryAttempt directly rather than going through the FSM.
func (f *StepFSM) Transition(ctx context.Context, runID, stepID string, from, to schema.StepStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := stepHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := stepEventType(to); eventType != "" {
		event := &store.Event{
			RunID:  runID,
			StepID: stepID,
			Type:   eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
				WithStep(stepID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	allowed, ok := ValidStepTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusSuccess:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	case schema.StepStatusSuspended:
		return schema.EventStepSuspended
	default:
		return ""
	}
}

// --- Cancel Cascade ---

// CancelRun transitions a run to cancelled and skips all non-terminal steps.
// stepStates is a map of step_id -> current StepStatus for all known steps
// of the run.
func CancelRun(ctx context.Context, runFSM *RunFSM, stepFSM *StepFSM, runID string, currentStatus schema.RunStatus, stepStates map[string]schema.StepStatus) error {
	if err := runFSM.Transition(ctx, runID, currentStatus, schema.RunStatusCancelled); err != nil {
		return err
	}

	for stepID, status := range stepStates {
		if status.IsTerminal() {
			continue
		}
		if canSkip(status) {
			if err := stepFSM.Transition(ctx, runID, stepID, status, schema.StepStatusSkipped); err != nil {
				return err
			}
		}
	}
	return nil
}

func canSkip(s schema.StepStatus) bool {
	return isValidStepTransition(s, schema.StepStatusSkipped)
}

// --- Transition tables ---

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusRunning:   {schema.RunStatusPaused, schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusPaused:    {schema.RunStatusRunning, schema.RunStatusCancelled, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// ValidStepTransitions defines the allowed state transitions for step
// executions. A step has no Scheduled state: it goes straight from Pending
// to Running when the scheduler dispatches it.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusSuccess, schema.StepStatusFailed, schema.StepStatusSkipped, schema.StepStatusSuspended},
	schema.StepStatusSuspended: {schema.StepStatusRunning, schema.StepStatusFailed, schema.StepStatusSkipped},
	schema.StepStatusSuccess:   {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}
