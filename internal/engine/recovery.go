package engine

import (
	"context"
	"errors"

	"github.com/arvensis/weft/pkg/schema"
)

// StepRunner executes one step definition and returns its output. It is the
// same shape the Runner dispatches through; recovery wrappers call it
// repeatedly with progressively patched step definitions.
type StepRunner func(ctx context.Context, step *schema.StepDefinition) (any, error)

// ReviewResult is a quality gate reviewer's verdict on a step's output.
type ReviewResult struct {
	Approved    bool     `json:"approved"`
	Issues      []string `json:"issues,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Reasoner makes the internal LLM calls reflexion and qualityGate need.
// Unlike auto_heal, which patches a step via a regular sibling step run
// through StepRunner, these two never create a StepExecution row of their
// own — the call is internal bookkeeping, not a scheduled step.
type Reasoner interface {
	// Patch asks for a JSON patch to a failing step, given its definition,
	// the error it raised, and the policy's hint.
	Patch(ctx context.Context, step *schema.StepDefinition, failure error, hint string) (map[string]any, error)
	// Review asks whether a successful step's output is acceptable.
	Review(ctx context.Context, step *schema.StepDefinition, output any) (*ReviewResult, error)
}

// RecoveryWrapper sequences retry -> reflexion -> auto_heal -> qualityGate
// around a StepRunner, per step's opted-in policies. Every stage is
// skipped when its policy is nil.
type RecoveryWrapper struct {
	run      StepRunner
	reasoner Reasoner
}

// NewRecoveryWrapper builds a wrapper around run. reasoner may be nil if
// the workflow uses no reflexion/quality_gate policies. With a nil
// reasoner, a step's reflexion stage fails with a validation error and its
// quality gate is reported as attempted but unmet, rather than panicking.
func NewRecoveryWrapper(run StepRunner, reasoner Reasoner) *RecoveryWrapper {
	return &RecoveryWrapper{run: run, reasoner: reasoner}
}

// GateOutcome records whether a qualityGate policy was ultimately
// satisfied — exposed so the caller can persist an "unmet gate" marker
// even when the step is otherwise treated as successful.
type GateOutcome struct {
	Attempted bool
	Met       bool
	Issues    []string
}

// Execute runs step through the full recovery chain and returns its final
// output, any unresolved error, and the quality gate's outcome (zero value
// if the step declares no quality_gate policy).
func (w *RecoveryWrapper) Execute(ctx context.Context, step *schema.StepDefinition) (any, error, GateOutcome) {
	out, err := w.runWithRetry(ctx, step)

	var suspend *StepSuspendedError
	if errors.As(err, &suspend) {
		return out, err, GateOutcome{}
	}

	if err != nil && step.Reflexion != nil {
		out, err = w.runReflexion(ctx, step, err)
	}

	if err != nil && step.AutoHeal != nil {
		out, err = w.runAutoHeal(ctx, step, err)
	}

	if err != nil {
		return out, err, GateOutcome{}
	}

	if step.QualityGate == nil {
		return out, nil, GateOutcome{}
	}

	out, gate := w.runQualityGate(ctx, step, out)
	return out, nil, gate
}

// runWithRetry runs step, reattempting on failure per its RetryPolicy with
// the shared backoff helpers. A nil policy means exactly one attempt.
func (w *RecoveryWrapper) runWithRetry(ctx context.Context, step *schema.StepDefinition) (any, error) {
	policy := step.Retry
	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}

	var out any
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(policy, attempt-1)
			if waitErr := WaitForBackoff(ctx, delay); waitErr != nil {
				return nil, waitErr
			}
		}

		out, err = w.run(ctx, step)
		if err == nil {
			return out, nil
		}
		if !IsRetryableError(err) {
			return nil, err
		}
	}
	return out, err
}

// runReflexion asks the reasoner for a patch up to Limit times, re-driving
// the step (through the full retry policy again, since a patched step is a
// fresh attempt) after each one, stopping at the first success.
func (w *RecoveryWrapper) runReflexion(ctx context.Context, step *schema.StepDefinition, failure error) (any, error) {
	policy := step.Reflexion
	if w.reasoner == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "reflexion policy set but no reasoner configured").WithStep(step.ID)
	}

	var out any
	err := failure
	for attempt := 0; attempt < policy.Limit && err != nil; attempt++ {
		patch, patchErr := w.reasoner.Patch(ctx, step, err, policy.Hint)
		if patchErr != nil {
			return nil, patchErr
		}

		patched := applyPatch(step, patch)
		out, err = w.runWithRetry(ctx, patched)
	}
	return out, err
}

// runAutoHeal introduces a "<id>-healer" llm sibling step whose output is
// parsed as a patch object and applied to the failing step, up to
// MaxAttempts times.
func (w *RecoveryWrapper) runAutoHeal(ctx context.Context, step *schema.StepDefinition, failure error) (any, error) {
	policy := step.AutoHeal

	var out any
	err := failure
	for attempt := 0; attempt < policy.MaxAttempts && err != nil; attempt++ {
		healer := &schema.StepDefinition{
			ID:     step.ID + "-healer",
			Type:   schema.StepTypeLLM,
			Agent:  policy.Agent,
			Prompt: healerPrompt(step, err),
		}

		healOut, healErr := w.run(ctx, healer)
		if healErr != nil {
			return nil, healErr
		}

		patch, ok := healOut.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeSchema, "auto_heal healer output is not an object patch").WithStep(step.ID)
		}

		patched := applyPatch(step, patch)
		out, err = w.runWithRetry(ctx, patched)
	}
	return out, err
}

// healerPrompt builds the healer step's prompt describing the failing step
// and its error, for the configured agent to propose a patch for.
func healerPrompt(step *schema.StepDefinition, failure error) string {
	return "Step \"" + step.ID + "\" (type " + string(step.Type) + ") failed: " + failure.Error() +
		". Respond with a JSON object patching only the run, prompt, or inputs fields."
}

// runQualityGate reviews out and, if rejected, reruns step with the
// reviewer's issues/suggestions appended to its prompt, up to MaxAttempts
// times. After exhaustion it accepts the last output and reports the gate
// as unmet rather than failing the step outright.
func (w *RecoveryWrapper) runQualityGate(ctx context.Context, step *schema.StepDefinition, out any) (any, GateOutcome) {
	policy := step.QualityGate
	current := out
	var lastReview *ReviewResult
	if w.reasoner == nil {
		return current, GateOutcome{Attempted: true, Met: false, Issues: []string{"quality_gate policy set but no reasoner configured"}}
	}

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		review, err := w.reasoner.Review(ctx, step, current)
		if err != nil {
			return current, GateOutcome{Attempted: true, Met: false, Issues: []string{err.Error()}}
		}
		lastReview = review
		if review.Approved {
			return current, GateOutcome{Attempted: true, Met: true}
		}

		rerunStep := *step
		rerunStep.Prompt = appendReviewFeedback(step.Prompt, review)
		rerunOut, rerunErr := w.run(ctx, &rerunStep)
		if rerunErr != nil {
			return current, GateOutcome{Attempted: true, Met: false, Issues: review.Issues}
		}
		current = rerunOut
	}

	outcome := GateOutcome{Attempted: true, Met: false}
	if lastReview != nil {
		outcome.Issues = lastReview.Issues
	}
	return current, outcome
}

func appendReviewFeedback(prompt string, review *ReviewResult) string {
	feedback := prompt + "\n\nA reviewer rejected the previous attempt."
	for _, issue := range review.Issues {
		feedback += "\nIssue: " + issue
	}
	for _, suggestion := range review.Suggestions {
		feedback += "\nSuggestion: " + suggestion
	}
	return feedback
}

// applyPatch returns a copy of step with only whitelisted fields (run,
// prompt, inputs) overwritten from patch. id and type are never touched
// regardless of what the patch contains — the security invariant recovery
// wrappers must never violate.
func applyPatch(step *schema.StepDefinition, patch map[string]any) *schema.StepDefinition {
	patched := *step
	for field, val := range patch {
		if !schema.IsPatchableField(field) {
			continue
		}
		switch field {
		case "run":
			if s, ok := val.(string); ok {
				patched.Run = s
			}
		case "prompt":
			if s, ok := val.(string); ok {
				patched.Prompt = s
			}
		case "inputs":
			if m, ok := val.(map[string]any); ok {
				patched.Inputs = m
			}
		}
	}
	return &patched
}
