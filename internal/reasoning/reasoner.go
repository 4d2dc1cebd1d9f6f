// Package reasoning supplies the internal LLM calls the engine's recovery
// chain needs for reflexion and quality_gate policies. It never runs a
// step of its own — engine.RecoveryWrapper calls Patch/Review directly as
// bookkeeping around a step's real execution.
package reasoning

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arvensis/weft/internal/engine"
	"github.com/arvensis/weft/internal/llm"
	"github.com/arvensis/weft/pkg/schema"
)

// LLMReasoner implements engine.Reasoner against a LanguageModel handle,
// resolving each policy's named agent through an AgentRegistry for its
// system prompt and model.
type LLMReasoner struct {
	Model  llm.LanguageModel
	Agents *llm.AgentRegistry
}

// NewLLMReasoner builds a reasoner. agents may be nil, in which case every
// call falls back to an unnamed system prompt and the model's default.
func NewLLMReasoner(model llm.LanguageModel, agents *llm.AgentRegistry) *LLMReasoner {
	return &LLMReasoner{Model: model, Agents: agents}
}

func (r *LLMReasoner) resolve(agentName string) (systemPrompt, model string) {
	if r.Agents == nil {
		return "", ""
	}
	def, ok := r.Agents.Get(agentName)
	if !ok {
		return "", ""
	}
	return def.SystemPrompt, def.Model
}

// Patch asks the reflexion agent for a JSON object patching the step's
// run/prompt/inputs fields so a retry might succeed.
func (r *LLMReasoner) Patch(ctx context.Context, step *schema.StepDefinition, failure error, hint string) (map[string]any, error) {
	agentName := ""
	if step.Reflexion != nil {
		agentName = step.Reflexion.Agent
	}
	systemPrompt, model := r.resolve(agentName)

	prompt := fmt.Sprintf(
		"Step %q (type %s) failed: %s\n\nHint: %s\n\n"+
			"Respond with ONLY a JSON object patching one or more of the "+
			"fields \"run\", \"prompt\", \"inputs\" so a retry might succeed. "+
			"Do not include any field you don't want to change.",
		step.ID, step.Type, failure.Error(), hint,
	)

	resp, err := r.Model.Complete(ctx, llm.CompletionRequest{
		Model:  model,
		System: systemPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "reflexion patch call failed: %v", err).WithStep(step.ID)
	}

	raw, err := llm.ExtractJSON(resp.Message.Content)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchema, "reflexion patch response is not JSON: %v", err).WithStep(step.ID)
	}

	var patch map[string]any
	if err := json.Unmarshal(raw, &patch); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchema, "reflexion patch is not a JSON object: %v", err).WithStep(step.ID)
	}
	for field := range patch {
		if !schema.IsPatchableField(field) {
			delete(patch, field)
		}
	}
	return patch, nil
}

// Review asks the quality_gate agent whether a step's output is
// acceptable, returning its verdict and any issues/suggestions.
func (r *LLMReasoner) Review(ctx context.Context, step *schema.StepDefinition, output any) (*engine.ReviewResult, error) {
	agentName := ""
	if step.QualityGate != nil {
		agentName = step.QualityGate.Agent
	}
	systemPrompt, model := r.resolve(agentName)

	outputJSON, err := json.Marshal(output)
	if err != nil {
		outputJSON = []byte(fmt.Sprintf("%v", output))
	}

	prompt := fmt.Sprintf(
		"Step %q (type %s) produced this output:\n%s\n\n"+
			"Respond with ONLY a JSON object of the form "+
			"{\"approved\": bool, \"issues\": [string], \"suggestions\": [string]}.",
		step.ID, step.Type, string(outputJSON),
	)

	resp, err := r.Model.Complete(ctx, llm.CompletionRequest{
		Model:  model,
		System: systemPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "quality gate review call failed: %v", err).WithStep(step.ID)
	}

	raw, err := llm.ExtractJSON(resp.Message.Content)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchema, "quality gate response is not JSON: %v", err).WithStep(step.ID)
	}

	var review engine.ReviewResult
	if err := json.Unmarshal(raw, &review); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchema, "quality gate response is not a verdict object: %v", err).WithStep(step.ID)
	}
	return &review, nil
}
