package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// --- provider mocks ---

// scriptedProvider replays one update script per Stream call. Tests script
// each loop iteration's model output up front.
type scriptedProvider struct {
	mu       sync.Mutex
	scripts  [][]ProviderUpdate
	calls    int
	requests []ChatRequest
}

func newScriptedProvider(scripts ...[]ProviderUpdate) *scriptedProvider {
	return &scriptedProvider{scripts: scripts}
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(_ context.Context, req ChatRequest) (<-chan ProviderUpdate, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if idx >= len(p.scripts) {
		return nil, errors.New("no scripted response for call")
	}
	script := p.scripts[idx]
	ch := make(chan ProviderUpdate, len(script))
	for _, u := range script {
		ch <- u
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) lastRequest() ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return ChatRequest{}
	}
	return p.requests[len(p.requests)-1]
}

// errorProvider fails every Stream call.
type errorProvider struct{ err error }

func (p *errorProvider) Name() string { return "broken" }
func (p *errorProvider) Stream(context.Context, ChatRequest) (<-chan ProviderUpdate, error) {
	return nil, p.err
}

// Script builders.

func textScript(text string) []ProviderUpdate {
	return []ProviderUpdate{
		{Kind: UpdateTextDelta, Text: text},
		{Kind: UpdateFinish, Reason: FinishStop},
	}
}

func toolCallScript(callID, name, args string) []ProviderUpdate {
	return []ProviderUpdate{
		{Kind: UpdateToolCallDelta, CallID: callID, Name: name},
		{Kind: UpdateToolCallDelta, CallID: callID, ArgsDelta: args},
		{Kind: UpdateFinish, Reason: FinishToolCalls},
	}
}

// --- tool mocks ---

// addTool returns a FuncTool that sums two integers.
func addTool() Tool {
	type addArgs struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	return NewFuncTool("add", "Add two numbers", func(_ context.Context, _ *ToolContext, args json.RawMessage) (json.RawMessage, error) {
		var in addArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return json.Marshal(in.A + in.B)
	})
}

// failTool always fails.
func failTool() Tool {
	return NewFuncTool("fail", "Always fails", func(context.Context, *ToolContext, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("tool broken")
	})
}

// --- middleware mocks ---

// recordingMiddleware appends "<name>:<hook>" to a shared log on every hook
// and delegates behavior overrides to optional callbacks.
type recordingMiddleware struct {
	NoopMiddleware
	name string
	log  *hookLog

	onBeforeIteration   func(ctx context.Context, mc *MiddlewareContext) error
	onBeforeFunction    func(ctx context.Context, mc *MiddlewareContext) error
	onAfterFunction     func(ctx context.Context, mc *MiddlewareContext) error
	onBeforeToolExec    func(ctx context.Context, mc *MiddlewareContext) error
	onAfterMessageTurn  func(ctx context.Context, mc *MiddlewareContext) error
	onBeforeMessageTurn func(ctx context.Context, mc *MiddlewareContext) error
	onExecuteLLM        func(ctx context.Context, mc *MiddlewareContext, next LLMNext) (<-chan ProviderUpdate, error)
}

// hookLog is a concurrency-safe invocation log shared across middlewares.
type hookLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *hookLog) add(entry string) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func (l *hookLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (m *recordingMiddleware) Name() string { return m.name }

func (m *recordingMiddleware) record(hook string) {
	if m.log != nil {
		m.log.add(m.name + ":" + hook)
	}
}

func (m *recordingMiddleware) BeforeMessageTurn(ctx context.Context, mc *MiddlewareContext) error {
	m.record("before-turn")
	if m.onBeforeMessageTurn != nil {
		return m.onBeforeMessageTurn(ctx, mc)
	}
	return nil
}

func (m *recordingMiddleware) AfterMessageTurn(ctx context.Context, mc *MiddlewareContext) error {
	m.record("after-turn")
	if m.onAfterMessageTurn != nil {
		return m.onAfterMessageTurn(ctx, mc)
	}
	return nil
}

func (m *recordingMiddleware) BeforeIteration(ctx context.Context, mc *MiddlewareContext) error {
	m.record("before-iteration")
	if m.onBeforeIteration != nil {
		return m.onBeforeIteration(ctx, mc)
	}
	return nil
}

func (m *recordingMiddleware) AfterIteration(ctx context.Context, mc *MiddlewareContext) error {
	m.record("after-iteration")
	return nil
}

func (m *recordingMiddleware) BeforeToolExecution(ctx context.Context, mc *MiddlewareContext) error {
	m.record("before-tool-execution")
	if m.onBeforeToolExec != nil {
		return m.onBeforeToolExec(ctx, mc)
	}
	return nil
}

func (m *recordingMiddleware) BeforeFunction(ctx context.Context, mc *MiddlewareContext) error {
	m.record("before-function")
	if m.onBeforeFunction != nil {
		return m.onBeforeFunction(ctx, mc)
	}
	return nil
}

func (m *recordingMiddleware) AfterFunction(ctx context.Context, mc *MiddlewareContext) error {
	m.record("after-function")
	if m.onAfterFunction != nil {
		return m.onAfterFunction(ctx, mc)
	}
	return nil
}

func (m *recordingMiddleware) ExecuteLLM(ctx context.Context, mc *MiddlewareContext, next LLMNext) (<-chan ProviderUpdate, error) {
	m.record("execute-llm")
	if m.onExecuteLLM != nil {
		return m.onExecuteLLM(ctx, mc, next)
	}
	return next(ctx)
}

// --- engine logger mock ---

// recordingEngineLogger captures per-operation log records for assertions.
type recordingEngineLogger struct {
	mu         sync.Mutex
	tools      []string // "<name>:<status>"
	iterations []int
	turns      []string // error text per turn, "" for clean
}

func (l *recordingEngineLogger) ToolExecuted(_ context.Context, tool, _ string, _ time.Duration, _ int, errText string) {
	status := "ok"
	if errText != "" {
		status = "error"
	}
	l.mu.Lock()
	l.tools = append(l.tools, tool+":"+status)
	l.mu.Unlock()
}

func (l *recordingEngineLogger) IterationCompleted(_ context.Context, _ string, iteration int, _ FinishReason, _ time.Duration) {
	l.mu.Lock()
	l.iterations = append(l.iterations, iteration)
	l.mu.Unlock()
}

func (l *recordingEngineLogger) TurnCompleted(_ context.Context, _, _ string, _ int, errText string) {
	l.mu.Lock()
	l.turns = append(l.turns, errText)
	l.mu.Unlock()
}

// --- event helpers ---

// drainRun collects every event from the run with a timeout guard and waits
// for completion.
func drainRun(t *testing.T, run *Run) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case evt, ok := <-run.Events():
			if !ok {
				select {
				case <-run.Done():
				case <-timeout:
					t.Fatal("run did not complete after event stream closed")
				}
				return events
			}
			events = append(events, evt)
		case <-timeout:
			t.Fatalf("timed out draining events; got %d so far", len(events))
		}
	}
}

func eventsOfType(events []Event, t EventType) []Event {
	var out []Event
	for _, e := range events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
