package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arvensis/weft/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore,
// primarily replay: reconstructing step_executions state purely from the
// append-only events table, used by hydration to verify a run's persisted
// step rows agree with its trace.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent delegates to the store, which already assigns sequence
// numbers transactionally.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for a run with sequence > since, ordered by
// sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayEvents replays all events for a run and returns the reconstructed
// step execution states, keyed by step ID. Iteration children (events
// carrying a step_id of the form "<id>#<n>") are kept distinct from their
// parent's roll-up row.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) (map[string]*StepExecution, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return make(map[string]*StepExecution), nil
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	states := make(map[string]*StepExecution)

	for _, e := range events {
		if e.StepID == "" {
			continue
		}

		se, ok := states[e.StepID]
		if !ok {
			se = &StepExecution{
				RunID:  runID,
				StepID: e.StepID,
				Status: schema.StepStatusPending,
			}
			states[e.StepID] = se
		}

		switch e.Type {
		case schema.EventStepStarted:
			se.Status = schema.StepStatusRunning
			ts := e.Timestamp
			se.StartedAt = &ts

		case schema.EventStepCompleted:
			se.Status = schema.StepStatusSuccess
			ts := e.Timestamp
			se.EndedAt = &ts
			se.Output = e.Payload
			if se.StartedAt != nil {
				se.DurationMs = ts.Sub(*se.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			se.Status = schema.StepStatusFailed
			se.Error = e.Payload

		case schema.EventStepSkipped:
			se.Status = schema.StepStatusSkipped

		case schema.EventStepRetryAttempt:
			se.Attempt++

		case schema.EventStepSuspended, schema.EventDecisionRequested:
			se.Status = schema.StepStatusSuspended

		case schema.EventDecisionResolved:
			// The pending decision's resolution is recorded on the
			// pending_decisions row itself; resuming the suspended step is
			// the Runner's job, not replay's.
		}
	}

	return states, nil
}

// SnapshotPayload extracts typed data from an event payload.
type SnapshotPayload struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}
