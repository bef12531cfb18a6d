package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/invopop/jsonschema"
)

// Tool metadata keys the pipeline reads when computing middleware scope.
const (
	// MetaPlugin names the plugin a tool belongs to.
	MetaPlugin = "plugin"
	// MetaSkill names the skill a tool belongs to.
	MetaSkill = "skill"
	// MetaSkillContainer marks a tool that is itself a skill container;
	// any non-empty value counts.
	MetaSkillContainer = "skill_container"
	// MetaThread names a metadata key for a per-session sub-agent's thread
	// id. The engine does not read it: SubAgentTool takes the thread id
	// from the "thread" field of its call arguments.
	MetaThread = "thread"
)

// Tool is an agent capability. Argument JSON must decode to an object; the
// tool enforces anything stricter than its published schema itself.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage
	// RequiresPermission marks tools that a permission middleware should
	// gate behind a request/response rendezvous. The engine itself applies
	// no policy.
	RequiresPermission() bool
	// Metadata returns opaque scoping metadata (see Meta* keys). May be
	// nil.
	Metadata() map[string]string
	// Invoke executes the tool. tc exposes event emission, response
	// rendezvous, and the current execution context; everything else about
	// the run is deliberately out of reach.
	Invoke(ctx context.Context, tc *ToolContext, args json.RawMessage) (json.RawMessage, error)
}

// ToolContext is the narrow slice of the run a tool may touch.
type ToolContext struct {
	coordinator     *Coordinator
	execCtx         *ExecutionContext
	runID           string
	responseTimeout time.Duration
}

// Emit publishes an event on the run's coordinator.
func (tc *ToolContext) Emit(evt Event) error {
	if evt.RunID == "" {
		evt.RunID = tc.runID
	}
	return tc.coordinator.Emit(evt)
}

// WaitForResponse emits nothing itself; it opens a rendezvous slot for
// requestID and blocks until a response of type want is injected, the
// timeout expires, or ctx is canceled. Timeout <= 0 uses the run's response
// timeout.
func (tc *ToolContext) WaitForResponse(ctx context.Context, requestID string, want EventType, timeout time.Duration) (Event, error) {
	pending, err := tc.coordinator.OpenRequest(requestID, want)
	if err != nil {
		return Event{}, err
	}
	if timeout <= 0 {
		timeout = tc.responseTimeout
	}
	return pending.Wait(ctx, timeout)
}

// ExecutionContext returns the invoking agent's execution context.
func (tc *ToolContext) ExecutionContext() *ExecutionContext { return tc.execCtx }

// RunID returns the current run id.
func (tc *ToolContext) RunID() string { return tc.runID }

// --- registry ---

// ToolRegistry holds tools by name and produces their definitions for the
// model. Registration order is preserved in Definitions.
type ToolRegistry struct {
	tools  []Tool
	byName map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{byName: make(map[string]Tool)}
}

// Add registers a tool. A later registration with the same name replaces
// the earlier one.
func (r *ToolRegistry) Add(t Tool) {
	if _, exists := r.byName[t.Name()]; exists {
		for i, cur := range r.tools {
			if cur.Name() == t.Name() {
				r.tools[i] = t
				break
			}
		}
	} else {
		r.tools = append(r.tools, t)
	}
	r.byName[t.Name()] = t
}

// Get resolves a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Definitions returns model-facing definitions for all registered tools.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return defs
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int { return len(r.tools) }

// --- closure-backed tool ---

// ToolFunc is the invocation function of a FuncTool.
type ToolFunc func(ctx context.Context, tc *ToolContext, args json.RawMessage) (json.RawMessage, error)

// FuncTool adapts a closure into a Tool.
type FuncTool struct {
	name               string
	description        string
	schema             json.RawMessage
	requiresPermission bool
	metadata           map[string]string
	fn                 ToolFunc
}

// ToolOption configures a FuncTool.
type ToolOption func(*FuncTool)

// WithSchema sets the argument JSON Schema.
func WithSchema(schema json.RawMessage) ToolOption {
	return func(t *FuncTool) { t.schema = schema }
}

// WithPermissionRequired marks the tool as permission-gated.
func WithPermissionRequired() ToolOption {
	return func(t *FuncTool) { t.requiresPermission = true }
}

// WithToolMetadata sets scoping metadata.
func WithToolMetadata(md map[string]string) ToolOption {
	return func(t *FuncTool) { t.metadata = md }
}

// NewFuncTool creates a Tool from a closure. Without WithSchema the tool
// publishes an open object schema.
func NewFuncTool(name, description string, fn ToolFunc, opts ...ToolOption) *FuncTool {
	t := &FuncTool{
		name:        name,
		description: description,
		schema:      json.RawMessage(`{"type":"object"}`),
		fn:          fn,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *FuncTool) Name() string                { return t.name }
func (t *FuncTool) Description() string         { return t.description }
func (t *FuncTool) Schema() json.RawMessage     { return t.schema }
func (t *FuncTool) RequiresPermission() bool    { return t.requiresPermission }
func (t *FuncTool) Metadata() map[string]string { return t.metadata }

func (t *FuncTool) Invoke(ctx context.Context, tc *ToolContext, args json.RawMessage) (json.RawMessage, error) {
	return t.fn(ctx, tc, args)
}

var _ Tool = (*FuncTool)(nil)

// SchemaFor derives a JSON Schema from a Go argument struct, so FuncTool
// authors don't hand-write schemas.
func SchemaFor[T any]() json.RawMessage {
	r := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(new(T))
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}
