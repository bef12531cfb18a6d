package relay

import "encoding/json"

// EventType identifies the kind of an engine event.
type EventType string

const (
	// EventTurnStarted opens a message turn.
	EventTurnStarted EventType = "turn-started"
	// EventTurnCompleted closes a message turn. FinalMessage carries the
	// terminal assistant message; Calls lists every tool call made during
	// the turn; Err is set when the turn stopped at the iteration cap or the
	// error budget, or ended on a run error (provider failure, cancellation,
	// hook failure).
	EventTurnCompleted EventType = "turn-completed"
	// EventIterationStarted opens loop iteration Iteration.
	EventIterationStarted EventType = "iteration-started"
	// EventIterationCompleted closes loop iteration Iteration with
	// FinishReason.
	EventIterationCompleted EventType = "iteration-completed"
	// EventTextDelta carries an incremental assistant text chunk.
	EventTextDelta EventType = "text-delta"
	// EventReasoningDelta carries an incremental reasoning text chunk.
	EventReasoningDelta EventType = "reasoning-delta"
	// EventToolCallStart signals the model opened a tool call.
	EventToolCallStart EventType = "tool-call-start"
	// EventToolCallArgsDelta carries a partial tool-argument fragment.
	EventToolCallArgsDelta EventType = "tool-call-args-delta"
	// EventToolCallResult carries the outcome of a completed tool call.
	EventToolCallResult EventType = "tool-call-result"
	// EventRequest asks an outside party for input (human-in-the-loop).
	// RequestID correlates the eventual response; Name identifies the
	// requesting middleware.
	EventRequest EventType = "request"
	// EventResponse answers a prior request. Injected from outside via
	// Run.Respond, never emitted by the engine itself.
	EventResponse EventType = "response"
	// EventMiddlewareProgress reports middleware progress text.
	EventMiddlewareProgress EventType = "middleware-progress"
	// EventMiddlewareError reports a non-fatal middleware failure.
	EventMiddlewareError EventType = "middleware-error"
	// EventForkCompleted reports a finished thread fork.
	EventForkCompleted EventType = "fork-completed"
	// EventCustom wraps a user-defined payload implementing CustomPayload.
	EventCustom EventType = "custom"
)

// CustomPayload marks a user-defined event payload carried by EventCustom
// events.
type CustomPayload interface {
	CustomEvent()
}

// Event is one engine event. A single struct with a Type discriminant keeps
// consumers free of type assertions; only the fields relevant to each Type
// are set.
//
// Seq is assigned when the event is written to a channel and increases
// monotonically per channel. Context is attached automatically on emit when
// the emitting agent has one; a caller-provided context is never
// overwritten.
type Event struct {
	Type    EventType         `json:"type"`
	Seq     uint64            `json:"seq"`
	Context *ExecutionContext `json:"context,omitempty"`

	// RunID identifies the run that produced the event.
	RunID string `json:"run_id,omitempty"`
	// MessageID identifies the in-flight assistant message for stream
	// deltas.
	MessageID string `json:"message_id,omitempty"`
	// Iteration is the 0-based loop iteration for iteration events.
	Iteration int `json:"iteration,omitempty"`
	// FinishReason is set on iteration-completed events.
	FinishReason FinishReason `json:"finish_reason,omitempty"`

	// CallID and Name identify the tool call for tool events; Name is the
	// middleware name for request/progress/error events.
	CallID string `json:"call_id,omitempty"`
	Name   string `json:"name,omitempty"`
	// Text carries delta text and progress messages.
	Text string `json:"text,omitempty"`
	// Args carries tool-call arguments. The engine leaves it empty on its own
	// events: tool-call-start carries only CallID and Name, and
	// tool-call-args-delta carries its raw fragment in Text.
	Args json.RawMessage `json:"args,omitempty"`
	// Result carries the tool result for tool-call-result events.
	Result json.RawMessage `json:"result,omitempty"`
	// Err carries an error description for failed tool calls, middleware
	// errors, and error-terminated turns.
	Err string `json:"error,omitempty"`

	// RequestID correlates request and response events.
	RequestID string `json:"request_id,omitempty"`
	// Payload carries the request or response body.
	Payload json.RawMessage `json:"payload,omitempty"`

	// FinalMessage and Calls are set on turn-completed events.
	FinalMessage *Message `json:"final_message,omitempty"`
	Calls        []Part   `json:"calls,omitempty"`

	// Custom is the user payload for custom events.
	Custom CustomPayload `json:"custom,omitempty"`
}
