package validation

import (
	"testing"

	"github.com/arvensis/weft/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Cycle detection ---

func TestDAG_NoCycle_Linear(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "a"},
			{ID: "b", Needs: []string{"a"}},
			{ID: "c", Needs: []string{"b"}},
		},
	}
	result := validateDAG(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestDAG_NoCycle_Diamond(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "a"},
			{ID: "b", Needs: []string{"a"}},
			{ID: "c", Needs: []string{"a"}},
			{ID: "d", Needs: []string{"b", "c"}},
		},
	}
	result := validateDAG(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestDAG_SimpleCycle(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "a", Needs: []string{"c"}},
			{ID: "b", Needs: []string{"a"}},
			{ID: "c", Needs: []string{"b"}},
		},
	}
	result := validateDAG(def)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
}

func TestDAG_SelfCycle(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "a", Needs: []string{"a"}},
		},
	}
	result := validateDAG(def)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
}

func TestDAG_ComplexCycle(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "a"},
			{ID: "b", Needs: []string{"a", "d"}},
			{ID: "c", Needs: []string{"b"}},
			{ID: "d", Needs: []string{"c"}},
		},
	}
	result := validateDAG(def)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
}

// --- Reachability ---

func TestDAG_AllReachable(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "root"},
			{ID: "child", Needs: []string{"root"}},
		},
	}
	result := validateDAG(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestDAG_DisconnectedRoots(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "root1"},
			{ID: "root2"},
			{ID: "child", Needs: []string{"root1"}},
		},
	}
	result := validateDAG(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings, "all steps reachable from some root")
}

func TestDAG_SingleStep(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "only"},
		},
	}
	result := validateDAG(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestDAG_UnreachableFromInvalidDep(t *testing.T) {
	// Step "island" depends on "ghost" which doesn't exist.
	// Semantic catches the bad ref; DAG skips invalid refs and sees "island" as a root.
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "root"},
			{ID: "island", Needs: []string{"ghost"}},
		},
	}
	result := validateDAG(def)
	assert.True(t, result.Valid())
	// "island" is reachable as root since "ghost" is filtered out.
	assert.Empty(t, result.Warnings)
}

func TestDAG_SkipsDuplicateDeps(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "a"},
			{ID: "b", Needs: []string{"a", "a", "a"}},
		},
	}
	result := validateDAG(def)
	assert.True(t, result.Valid())
}
