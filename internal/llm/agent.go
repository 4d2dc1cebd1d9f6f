package llm

import (
	"sync"

	"github.com/arvensis/weft/pkg/schema"
)

// AgentDefinition names a system prompt, model, and tool allowlist an llm
// step's `agent` field resolves to.
type AgentDefinition struct {
	Name         string
	Model        string
	SystemPrompt string
	Tools        []string // action names available to this agent; nil = all registered
}

// AgentRegistry maps agent names to their definitions.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]AgentDefinition
}

// NewAgentRegistry creates an empty AgentRegistry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]AgentDefinition)}
}

// Register adds or replaces an agent definition.
func (r *AgentRegistry) Register(def AgentDefinition) error {
	if def.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[def.Name] = def
	return nil
}

// Get retrieves an agent definition by name.
func (r *AgentRegistry) Get(name string) (AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[name]
	return def, ok
}

// DefaultAgent is used when a step names no `agent`.
const DefaultAgent = "default"
