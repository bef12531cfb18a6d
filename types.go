package relay

import "encoding/json"

// --- Messages ---

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// PartKind identifies the kind of a message content part.
type PartKind string

const (
	// PartText is plain assistant or user text.
	PartText PartKind = "text"
	// PartReasoning is model reasoning text (thinking), kept separate from
	// user-visible output.
	PartReasoning PartKind = "reasoning"
	// PartToolCall is a tool invocation requested by the model.
	PartToolCall PartKind = "tool-call"
	// PartToolResult is the recorded outcome of a tool invocation.
	PartToolResult PartKind = "tool-result"
)

// Part is one ordered content part of a Message. Exactly the fields relevant
// to its Kind are set: Text for text/reasoning parts, CallID/Name/Args for
// tool calls, CallID/Result/Error for tool results.
type Part struct {
	Kind   PartKind        `json:"kind"`
	Text   string          `json:"text,omitempty"`
	CallID string          `json:"call_id,omitempty"`
	Name   string          `json:"name,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Message is one entry in a conversation thread. Messages are immutable once
// appended to a thread; Parts must not be mutated after construction.
type Message struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
	CreatedAt int64  `json:"created_at"`
	// Model identifies the model that produced an assistant message.
	// Empty for user, system, and tool messages.
	Model string `json:"model,omitempty"`
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns the message's tool-call parts in order.
func (m Message) ToolCalls() []Part {
	var calls []Part
	for _, p := range m.Parts {
		if p.Kind == PartToolCall {
			calls = append(calls, p)
		}
	}
	return calls
}

// clone returns a deep copy of the message. Part byte slices are copied so
// snapshots never share backing arrays with live messages.
func (m Message) clone() Message {
	out := m
	out.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		out.Parts[i] = p
		if len(p.Args) > 0 {
			out.Parts[i].Args = append(json.RawMessage(nil), p.Args...)
		}
		if len(p.Result) > 0 {
			out.Parts[i].Result = append(json.RawMessage(nil), p.Result...)
		}
	}
	return out
}

// --- Message constructors ---

func UserMessage(text string) Message {
	return Message{ID: NewID(), Role: RoleUser, Parts: []Part{{Kind: PartText, Text: text}}, CreatedAt: NowUnix()}
}

func SystemMessage(text string) Message {
	return Message{ID: NewID(), Role: RoleSystem, Parts: []Part{{Kind: PartText, Text: text}}, CreatedAt: NowUnix()}
}

func AssistantMessage(text string) Message {
	return Message{ID: NewID(), Role: RoleAssistant, Parts: []Part{{Kind: PartText, Text: text}}, CreatedAt: NowUnix()}
}

// ToolResultMessage records the outcome of one tool call.
func ToolResultMessage(callID, name string, result json.RawMessage) Message {
	return Message{ID: NewID(), Role: RoleTool, Parts: []Part{{Kind: PartToolResult, CallID: callID, Name: name, Result: result}}, CreatedAt: NowUnix()}
}

// ToolErrorMessage records a failed tool call; the model sees the error text
// on the next iteration.
func ToolErrorMessage(callID, name, errText string) Message {
	return Message{ID: NewID(), Role: RoleTool, Parts: []Part{{Kind: PartToolResult, CallID: callID, Name: name, Error: errText}}, CreatedAt: NowUnix()}
}

// --- LLM protocol types ---

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ChatOptions carries per-call model parameters. The zero value means
// "provider defaults".
type ChatOptions struct {
	Model          string           `json:"model,omitempty"`
	Temperature    *float64         `json:"temperature,omitempty"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	ResponseFormat json.RawMessage  `json:"response_format,omitempty"` // JSON Schema for structured output
	Tools          []ToolDefinition `json:"tools,omitempty"`
}

// clone returns a copy whose Tools slice is independent of the receiver's.
func (o ChatOptions) clone() ChatOptions {
	out := o
	if len(o.Tools) > 0 {
		out.Tools = append([]ToolDefinition(nil), o.Tools...)
	}
	return out
}

// ChatRequest is the input to a Provider stream call.
type ChatRequest struct {
	Messages []Message   `json:"messages"`
	Options  ChatOptions `json:"options"`
}

// Usage tracks token consumption reported by the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// FinishReason reports why the provider stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishOther         FinishReason = "other"
)

// UpdateKind identifies the kind of a streamed provider update.
type UpdateKind string

const (
	UpdateRoleSet        UpdateKind = "role_set"
	UpdateTextDelta      UpdateKind = "text_delta"
	UpdateReasoningDelta UpdateKind = "reasoning_delta"
	UpdateToolCallDelta  UpdateKind = "tool_call_delta"
	UpdateFinish         UpdateKind = "finish"
	// UpdateError terminates a stream with a provider failure. No further
	// updates follow it.
	UpdateError UpdateKind = "error"
)

// ProviderUpdate is one unit of a streamed model response. Providers emit at
// least one finish update per stream and never block the stream waiting for
// tool execution; the loop owns that.
type ProviderUpdate struct {
	Kind UpdateKind `json:"kind"`
	// Role is set for role_set updates.
	Role string `json:"role,omitempty"`
	// Text carries the fragment for text_delta and reasoning_delta updates.
	Text string `json:"text,omitempty"`
	// CallID and Name identify the tool call a tool_call_delta belongs to.
	// A delta that opens a new call sets both; argument continuations may
	// set only CallID.
	CallID string `json:"call_id,omitempty"`
	Name   string `json:"name,omitempty"`
	// ArgsDelta is a partial tool-argument JSON fragment. Fragments are not
	// guaranteed to be valid JSON on their own.
	ArgsDelta string `json:"args_delta,omitempty"`
	// Reason and Usage are set for finish updates.
	Reason FinishReason `json:"reason,omitempty"`
	Usage  *Usage       `json:"usage,omitempty"`
	// Err carries the failure for error updates.
	Err error `json:"-"`
}
