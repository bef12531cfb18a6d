package relay

import "encoding/json"

// LoopState is the immutable per-iteration state of a run. Every mutation
// produces a new instance; the loop goroutine is the only writer, so copies
// are cheap shallow clones with fresh slice headers.
type LoopState struct {
	// RunID identifies the run.
	RunID string
	// ConversationID is the backing thread's id.
	ConversationID string
	// AgentName is the executing agent's name.
	AgentName string
	// Iteration is 0-based.
	Iteration int
	// Messages is the conversation to send to the model this iteration.
	Messages []Message
	// Options are the effective model options for this iteration.
	Options ChatOptions
	// LastResponse is the most recent assistant message, nil before the
	// first LLM call completes.
	LastResponse *Message
	// LastToolCalls and LastToolResults describe the most recent tool pass.
	LastToolCalls   []Part
	LastToolResults []Part
	// ConsecutiveErrors counts error iterations since the last success.
	ConsecutiveErrors int
	// CompletedFunctions lists tool names invoked so far this turn.
	CompletedFunctions []string

	// middleware holds per-middleware state values keyed by middleware
	// name. Values are opaque to the engine.
	middleware map[string]any
	// pending holds state transforms scheduled during the current hook
	// sequence, folded in by applyPending.
	pending []stateTransform
}

type stateTransform struct {
	key string
	fn  func(prev any) any
}

func newLoopState(runID, conversationID, agentName string, messages []Message, opts ChatOptions) *LoopState {
	return &LoopState{
		RunID:          runID,
		ConversationID: conversationID,
		AgentName:      agentName,
		Messages:       messages,
		Options:        opts,
		middleware:     make(map[string]any),
	}
}

// clone returns a shallow copy with independent slice headers and an
// independent middleware map. Message values themselves are immutable.
func (s *LoopState) clone() *LoopState {
	out := *s
	out.Messages = append([]Message(nil), s.Messages...)
	out.LastToolCalls = append([]Part(nil), s.LastToolCalls...)
	out.LastToolResults = append([]Part(nil), s.LastToolResults...)
	out.CompletedFunctions = append([]string(nil), s.CompletedFunctions...)
	out.middleware = make(map[string]any, len(s.middleware))
	for k, v := range s.middleware {
		out.middleware[k] = v
	}
	out.pending = append([]stateTransform(nil), s.pending...)
	return &out
}

// NextIteration produces the state for the following iteration with the
// given message list.
func (s *LoopState) NextIteration(messages []Message) *LoopState {
	out := s.clone()
	out.Iteration = s.Iteration + 1
	out.Messages = append([]Message(nil), messages...)
	return out
}

func (s *LoopState) withMessages(messages []Message) *LoopState {
	out := s.clone()
	out.Messages = messages
	return out
}

func (s *LoopState) withResponse(m *Message) *LoopState {
	out := s.clone()
	out.LastResponse = m
	out.LastToolCalls = nil
	if m != nil {
		out.LastToolCalls = m.ToolCalls()
	}
	return out
}

func (s *LoopState) withToolResults(results []Part, completed []string) *LoopState {
	out := s.clone()
	out.LastToolResults = results
	out.CompletedFunctions = append(out.CompletedFunctions, completed...)
	return out
}

func (s *LoopState) withConsecutiveErrors(n int) *LoopState {
	out := s.clone()
	out.ConsecutiveErrors = n
	return out
}

// MiddlewareValue returns the state value owned by the named middleware,
// or nil when none has been set.
func (s *LoopState) MiddlewareValue(key string) any {
	return s.middleware[key]
}

// scheduleUpdate appends a state transform to the pending list. The
// transform runs when the pipeline folds pending updates at the end of the
// current hook method.
func (s *LoopState) scheduleUpdate(key string, fn func(prev any) any) *LoopState {
	out := s.clone()
	out.pending = append(out.pending, stateTransform{key: key, fn: fn})
	return out
}

// applyPending folds scheduled transforms into a new state. Each transform
// receives the previous value for its key (nil when unset); transforms for
// the same key compose in schedule order.
func (s *LoopState) applyPending() *LoopState {
	if len(s.pending) == 0 {
		return s
	}
	out := s.clone()
	for _, t := range out.pending {
		out.middleware[t.key] = t.fn(out.middleware[t.key])
	}
	out.pending = nil
	return out
}

// --- serialization ---

// LoopStateSnapshot is the serializable form of LoopState carried by
// execution checkpoints. Middleware values are JSON-encoded; pending
// transforms are functions and are never serialized — checkpoints are taken
// at pipeline boundaries where the pending list is empty.
type LoopStateSnapshot struct {
	RunID              string                     `json:"run_id"`
	ConversationID     string                     `json:"conversation_id"`
	AgentName          string                     `json:"agent_name"`
	Iteration          int                        `json:"iteration"`
	Messages           []Message                  `json:"messages"`
	Options            ChatOptions                `json:"options"`
	LastResponse       *Message                   `json:"last_response,omitempty"`
	LastToolCalls      []Part                     `json:"last_tool_calls,omitempty"`
	LastToolResults    []Part                     `json:"last_tool_results,omitempty"`
	ConsecutiveErrors  int                        `json:"consecutive_errors"`
	CompletedFunctions []string                   `json:"completed_functions,omitempty"`
	MiddlewareState    map[string]json.RawMessage `json:"middleware_state,omitempty"`
}

// toSnapshot converts the state for checkpointing. Middleware values that
// fail to marshal are skipped; middlewares that need checkpoint durability
// must keep JSON-encodable state.
func (s *LoopState) toSnapshot() LoopStateSnapshot {
	snap := LoopStateSnapshot{
		RunID:              s.RunID,
		ConversationID:     s.ConversationID,
		AgentName:          s.AgentName,
		Iteration:          s.Iteration,
		Messages:           append([]Message(nil), s.Messages...),
		Options:            s.Options.clone(),
		LastResponse:       s.LastResponse,
		LastToolCalls:      append([]Part(nil), s.LastToolCalls...),
		LastToolResults:    append([]Part(nil), s.LastToolResults...),
		ConsecutiveErrors:  s.ConsecutiveErrors,
		CompletedFunctions: append([]string(nil), s.CompletedFunctions...),
	}
	if len(s.middleware) > 0 {
		snap.MiddlewareState = make(map[string]json.RawMessage, len(s.middleware))
		for k, v := range s.middleware {
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			snap.MiddlewareState[k] = raw
		}
	}
	return snap
}

// loopStateFromSnapshot restores a LoopState. Middleware values come back as
// json.RawMessage; owning middlewares decode them on first access.
func loopStateFromSnapshot(snap LoopStateSnapshot) *LoopState {
	s := &LoopState{
		RunID:              snap.RunID,
		ConversationID:     snap.ConversationID,
		AgentName:          snap.AgentName,
		Iteration:          snap.Iteration,
		Messages:           append([]Message(nil), snap.Messages...),
		Options:            snap.Options,
		LastResponse:       snap.LastResponse,
		LastToolCalls:      append([]Part(nil), snap.LastToolCalls...),
		LastToolResults:    append([]Part(nil), snap.LastToolResults...),
		ConsecutiveErrors:  snap.ConsecutiveErrors,
		CompletedFunctions: append([]string(nil), snap.CompletedFunctions...),
		middleware:         make(map[string]any, len(snap.MiddlewareState)),
	}
	for k, raw := range snap.MiddlewareState {
		s.middleware[k] = raw
	}
	return s
}
