package relay

import (
	"context"
	"encoding/json"
	"time"
)

// --- scope ---

// ScopeKind orders middleware applicability from least to most specific.
type ScopeKind int

const (
	ScopeGlobal ScopeKind = iota
	ScopePlugin
	ScopeSkill
	ScopeFunction
)

// Scope restricts a middleware to a set of call sites. Global middlewares
// run everywhere; plugin, skill, and function scopes match tool metadata at
// function hooks and never fire at turn or iteration level.
type Scope struct {
	Kind   ScopeKind
	Target string
}

// GlobalScope applies everywhere.
func GlobalScope() Scope { return Scope{Kind: ScopeGlobal} }

// PluginScope applies to tools whose plugin metadata equals name.
func PluginScope(name string) Scope { return Scope{Kind: ScopePlugin, Target: name} }

// SkillScope applies to tools in the named skill, and to the skill's
// container tool itself.
func SkillScope(name string) Scope { return Scope{Kind: ScopeSkill, Target: name} }

// FunctionScope applies to the named tool only.
func FunctionScope(name string) Scope { return Scope{Kind: ScopeFunction, Target: name} }

// callSite describes where in the loop a hook fires. The zero value is a
// turn- or iteration-level site with no function.
type callSite struct {
	functionName     string
	pluginName       string
	skillName        string
	isSkillContainer bool
}

func (s Scope) appliesTo(site callSite) bool {
	switch s.Kind {
	case ScopeGlobal:
		return true
	case ScopePlugin:
		return site.pluginName != "" && s.Target == site.pluginName
	case ScopeSkill:
		if site.isSkillContainer && s.Target == site.functionName {
			return true
		}
		return site.skillName != "" && s.Target == site.skillName
	case ScopeFunction:
		return site.functionName != "" && s.Target == site.functionName
	}
	return false
}

func (s Scope) specificity() int { return int(s.Kind) }

// --- middleware contract ---

// LLMNext produces the inner stream of an ExecuteLLM onion layer. The
// innermost next is the provider call itself.
type LLMNext func(ctx context.Context) (<-chan ProviderUpdate, error)

// Middleware observes and steers the agent loop through lifecycle hooks.
// Embed NoopMiddleware and override what you need.
//
// Pre-hooks (BeforeMessageTurn, BeforeIteration, BeforeToolExecution,
// BeforeFunction) run in scope-specificity order, post-hooks (AfterFunction,
// AfterIteration, AfterMessageTurn) in exact reverse. A hook may mutate the
// context, set control flags, schedule state updates, emit events, or block
// on WaitForResponse. Returning an error aborts the current pre-hook
// sequence; post-hooks still run with the error recorded on the context.
//
// ExecuteLLM composes as an onion with the last-registered applicable
// middleware outermost. A layer must forward the inner stream, replace it
// wholesale, or decorate it; dropping it silently starves the loop.
type Middleware interface {
	// Name identifies the middleware. It keys scheduled state updates and
	// thread-persistent state slots.
	Name() string

	BeforeMessageTurn(ctx context.Context, mc *MiddlewareContext) error
	AfterMessageTurn(ctx context.Context, mc *MiddlewareContext) error
	BeforeIteration(ctx context.Context, mc *MiddlewareContext) error
	AfterIteration(ctx context.Context, mc *MiddlewareContext) error
	BeforeToolExecution(ctx context.Context, mc *MiddlewareContext) error
	BeforeFunction(ctx context.Context, mc *MiddlewareContext) error
	AfterFunction(ctx context.Context, mc *MiddlewareContext) error
	ExecuteLLM(ctx context.Context, mc *MiddlewareContext, next LLMNext) (<-chan ProviderUpdate, error)
}

// NoopMiddleware provides default no-op hooks. ExecuteLLM forwards to next.
type NoopMiddleware struct{}

func (NoopMiddleware) BeforeMessageTurn(context.Context, *MiddlewareContext) error   { return nil }
func (NoopMiddleware) AfterMessageTurn(context.Context, *MiddlewareContext) error    { return nil }
func (NoopMiddleware) BeforeIteration(context.Context, *MiddlewareContext) error     { return nil }
func (NoopMiddleware) AfterIteration(context.Context, *MiddlewareContext) error      { return nil }
func (NoopMiddleware) BeforeToolExecution(context.Context, *MiddlewareContext) error { return nil }
func (NoopMiddleware) BeforeFunction(context.Context, *MiddlewareContext) error      { return nil }
func (NoopMiddleware) AfterFunction(context.Context, *MiddlewareContext) error       { return nil }

func (NoopMiddleware) ExecuteLLM(ctx context.Context, _ *MiddlewareContext, next LLMNext) (<-chan ProviderUpdate, error) {
	return next(ctx)
}

// --- middleware context ---

// MiddlewareContext is the mutable facade a hook sees: the current loop
// state, the call site, control flags, and the event/rendezvous surface.
// One context lives for the duration of a hook sequence; the pipeline stamps
// the executing middleware's identity before each hook call.
type MiddlewareContext struct {
	agentName       string
	coordinator     *Coordinator
	thread          *ConversationThread
	state           *LoopState
	execCtx         *ExecutionContext
	middlewareName  string
	responseTimeout time.Duration
	site            callSite

	// FunctionName, PluginName, SkillName, and IsSkillContainer describe
	// the current call site at function hooks; empty elsewhere.
	FunctionName     string
	PluginName       string
	SkillName        string
	IsSkillContainer bool
	// FunctionCallID is the model-assigned id of the current tool call.
	FunctionCallID string
	// FunctionRequiresPermission mirrors the tool's permission flag so
	// permission middlewares know which calls to gate.
	FunctionRequiresPermission bool
	// FunctionArguments are the raw call arguments. BeforeFunction hooks
	// may replace them.
	FunctionArguments json.RawMessage
	// FunctionResult is the tool result. BeforeFunction hooks populate it
	// when blocking execution; AfterFunction hooks may transform it.
	FunctionResult json.RawMessage
	// FunctionError is the tool invocation error, if any.
	FunctionError error

	// Response is the assistant message accumulated from the LLM stream.
	// A middleware that sets SkipLLMCall should populate it, otherwise the
	// iteration completes with an empty response.
	Response *Message

	// Exception carries the failure being unwound through post-hooks.
	Exception error

	// Control flags, applied after the hook sequence that set them.
	SkipLLMCall            bool
	SkipToolExecution      bool
	BlockFunctionExecution bool
}

// AgentName returns the executing agent's name.
func (mc *MiddlewareContext) AgentName() string { return mc.agentName }

// RunID returns the current run id.
func (mc *MiddlewareContext) RunID() string { return mc.state.RunID }

// Iteration returns the 0-based loop iteration.
func (mc *MiddlewareContext) Iteration() int { return mc.state.Iteration }

// State returns the current immutable loop state.
func (mc *MiddlewareContext) State() *LoopState { return mc.state }

// Thread returns the backing conversation thread.
func (mc *MiddlewareContext) Thread() *ConversationThread { return mc.thread }

// ExecutionContext returns the run's execution context.
func (mc *MiddlewareContext) ExecutionContext() *ExecutionContext { return mc.execCtx }

// Messages returns the messages bound for the model this iteration.
func (mc *MiddlewareContext) Messages() []Message { return mc.state.Messages }

// SetMessages replaces the messages bound for the model this iteration.
func (mc *MiddlewareContext) SetMessages(messages []Message) {
	mc.state = mc.state.withMessages(messages)
}

// Options returns the effective model options.
func (mc *MiddlewareContext) Options() ChatOptions { return mc.state.Options }

// SetOptions replaces the effective model options.
func (mc *MiddlewareContext) SetOptions(opts ChatOptions) {
	next := mc.state.clone()
	next.Options = opts
	mc.state = next
}

// Emit publishes an event on the run's coordinator. Emits that lose the
// race with run shutdown are dropped and counted, never surfaced.
func (mc *MiddlewareContext) Emit(evt Event) {
	if evt.RunID == "" {
		evt.RunID = mc.state.RunID
	}
	if evt.Name == "" && (evt.Type == EventRequest || evt.Type == EventMiddlewareProgress || evt.Type == EventMiddlewareError) {
		evt.Name = mc.middlewareName
	}
	_ = mc.coordinator.Emit(evt)
}

// EmitProgress publishes a middleware progress message.
func (mc *MiddlewareContext) EmitProgress(text string) {
	mc.Emit(Event{Type: EventMiddlewareProgress, Text: text})
}

// WaitForResponse emits a request event carrying payload and blocks until a
// response of type want is injected via Run.Respond, the timeout expires, or
// ctx is canceled. Returns the generated request id's matching event.
// Timeout <= 0 uses the run's response timeout.
func (mc *MiddlewareContext) WaitForResponse(ctx context.Context, payload json.RawMessage, want EventType, timeout time.Duration) (Event, error) {
	requestID := NewID()
	pending, err := mc.coordinator.OpenRequest(requestID, want)
	if err != nil {
		return Event{}, err
	}
	mc.Emit(Event{Type: EventRequest, RequestID: requestID, Payload: payload})
	if timeout <= 0 {
		timeout = mc.responseTimeout
	}
	return pending.Wait(ctx, timeout)
}

// UpdateState schedules a transform of this middleware's loop-state slot.
// Transforms are collected during the hook and folded in when the hook
// method returns; later middlewares in the same hook sequence observe the
// folded value.
func (mc *MiddlewareContext) UpdateState(fn func(prev any) any) {
	mc.state = mc.state.scheduleUpdate(mc.middlewareName, fn)
}

// StateValue returns this middleware's loop-state slot, nil when unset.
func (mc *MiddlewareContext) StateValue() any {
	return mc.state.MiddlewareValue(mc.middlewareName)
}
