package relay

// ExecutionContext identifies which agent in a (possibly nested) agent tree
// produced an event. It is created once per Agent.Run and extended, never
// mutated, when a sub-agent is invoked.
type ExecutionContext struct {
	// AgentName is the plain agent name.
	AgentName string `json:"agent_name"`
	// AgentID is the hierarchical id: the parent's id (when present), the
	// agent name, and an 8-hex random suffix, joined with "-".
	AgentID string `json:"agent_id"`
	// ParentAgentID is the invoking agent's id. Empty at the root.
	ParentAgentID string `json:"parent_agent_id,omitempty"`
	// AgentChain lists agent names from the root to this agent.
	AgentChain []string `json:"agent_chain"`
	// Depth is 0 at the root and parent.Depth+1 for sub-agents.
	Depth int `json:"depth"`
}

// NewExecutionContext creates a root execution context for the named agent.
func NewExecutionContext(name string) *ExecutionContext {
	return &ExecutionContext{
		AgentName:  name,
		AgentID:    name + "-" + randHex8(),
		AgentChain: []string{name},
	}
}

// Child derives the execution context for a sub-agent invoked by this one.
// The chain is copied; the parent context is unchanged.
func (ec *ExecutionContext) Child(name string) *ExecutionContext {
	chain := make([]string, len(ec.AgentChain)+1)
	copy(chain, ec.AgentChain)
	chain[len(ec.AgentChain)] = name
	return &ExecutionContext{
		AgentName:     name,
		AgentID:       ec.AgentID + "-" + name + "-" + randHex8(),
		ParentAgentID: ec.AgentID,
		AgentChain:    chain,
		Depth:         ec.Depth + 1,
	}
}

// IsSubAgent reports whether this context belongs to a nested agent.
func (ec *ExecutionContext) IsSubAgent() bool { return ec.Depth > 0 }
