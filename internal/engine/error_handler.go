package engine

import (
	"context"
	"encoding/json"

	"github.com/arvensis/weft/internal/store"
	"github.com/arvensis/weft/pkg/schema"
)

// ErrorHandlerResult describes the outcome of applying a step's on_error
// escape hatch after recovery (retry/reflexion/auto_heal/quality_gate) has
// been exhausted and the step still failed.
type ErrorHandlerResult struct {
	// Handled is true if the failure was absorbed and the run should not fail.
	Handled bool
	// StepStatus is the terminal status to record for the step.
	StepStatus schema.StepStatus
}

// HandleStepError applies a step's on_error field (fail, skip, continue) to
// a terminal step failure and logs the decision as an event. An empty
// on_error defaults to "fail".
func HandleStepError(
	ctx context.Context,
	eventLog EventAppender,
	runID, stepID, onError string,
	stepErr error,
) (*ErrorHandlerResult, error) {
	if onError == "" {
		onError = "fail"
	}

	payload, _ := json.Marshal(map[string]any{
		"on_error": onError,
		"step_id":  stepID,
		"error":    stepErr.Error(),
	})
	_ = eventLog.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		StepID:  stepID,
		Type:    schema.EventErrorHandlerInvoked,
		Payload: payload,
	})

	switch onError {
	case "skip":
		_ = eventLog.AppendEvent(ctx, &store.Event{
			RunID:   runID,
			StepID:  stepID,
			Type:    schema.EventStepIgnored,
			Payload: payload,
		})
		return &ErrorHandlerResult{Handled: true, StepStatus: schema.StepStatusSkipped}, nil

	case "continue":
		return &ErrorHandlerResult{Handled: true, StepStatus: schema.StepStatusFailed}, nil

	case "fail":
		return &ErrorHandlerResult{Handled: false, StepStatus: schema.StepStatusFailed}, nil

	default:
		return &ErrorHandlerResult{Handled: false, StepStatus: schema.StepStatusFailed}, nil
	}
}
