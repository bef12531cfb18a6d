package relay

import (
	"context"
	"encoding/json"
	"sync"
)

// ThreadMode selects how a sub-agent's conversation thread is managed
// across invocations.
type ThreadMode int

const (
	// ThreadStateless gives every invocation a fresh thread, discarded on
	// return. Safe for concurrent invocations.
	ThreadStateless ThreadMode = iota
	// ThreadShared reuses a single thread across invocations. Invocations
	// are serialized internally; the mode is not meant for concurrent use.
	ThreadShared
	// ThreadPerSession resolves an externally managed thread from the
	// call's thread id.
	ThreadPerSession
)

// ThreadResolver supplies the thread for a per-session sub-agent call.
type ThreadResolver func(ctx context.Context, threadID string) (*ConversationThread, error)

// SubAgentTool exposes a child agent as a tool. Invoking it runs the child
// until its turn completes and returns the final assistant text; the child's
// events bubble to the invoking agent's coordinator with the child's
// execution context intact, so the root caller sees them interleaved with
// its own.
type SubAgentTool struct {
	child    *Agent
	mode     ThreadMode
	resolver ThreadResolver
	metadata map[string]string

	mu     sync.Mutex
	shared *ConversationThread
}

// SubAgentOption configures a SubAgentTool.
type SubAgentOption func(*SubAgentTool)

// WithThreadMode sets the thread mode; ThreadStateless is the default.
func WithThreadMode(mode ThreadMode) SubAgentOption {
	return func(t *SubAgentTool) { t.mode = mode }
}

// WithThreadResolver sets the resolver for ThreadPerSession mode.
func WithThreadResolver(fn ThreadResolver) SubAgentOption {
	return func(t *SubAgentTool) { t.resolver = fn }
}

// WithSubAgentMetadata sets scoping metadata on the tool.
func WithSubAgentMetadata(md map[string]string) SubAgentOption {
	return func(t *SubAgentTool) { t.metadata = md }
}

// NewSubAgentTool wraps a child agent as a tool.
func NewSubAgentTool(child *Agent, opts ...SubAgentOption) *SubAgentTool {
	t := &SubAgentTool{child: child}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *SubAgentTool) Name() string        { return t.child.Name() }
func (t *SubAgentTool) Description() string { return t.child.Description() }

func (t *SubAgentTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task": {
				"type": "string",
				"description": "The task for the agent to carry out"
			},
			"thread": {
				"type": "string",
				"description": "Session thread id (per-session agents only)"
			}
		},
		"required": ["task"]
	}`)
}

func (t *SubAgentTool) RequiresPermission() bool    { return false }
func (t *SubAgentTool) Metadata() map[string]string { return t.metadata }

type subAgentArgs struct {
	Task   string `json:"task"`
	Thread string `json:"thread,omitempty"`
}

// Invoke runs the child agent to completion and returns its final assistant
// text as the tool result.
func (t *SubAgentTool) Invoke(ctx context.Context, tc *ToolContext, args json.RawMessage) (json.RawMessage, error) {
	var in subAgentArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, &ErrInvalidArgument{Reason: "sub-agent arguments: " + err.Error()}
	}
	if in.Task == "" {
		return nil, &ErrInvalidArgument{Reason: "sub-agent task is required"}
	}

	thread, release, err := t.selectThread(ctx, in.Thread)
	if err != nil {
		return nil, err
	}
	if release != nil {
		defer release()
	}

	run, err := t.child.Run(ctx, thread, []Message{UserMessage(in.Task)},
		withParent(tc.coordinator, tc.execCtx))
	if err != nil {
		return nil, err
	}

	// The child's local stream must be drained for its pump to make
	// progress; the parent already received every event via bubbling.
	for range run.Events() {
	}
	<-run.Done()

	if err := run.Err(); err != nil {
		return nil, err
	}
	var text string
	if final := run.Final(); final != nil {
		text = final.Text()
	}
	return json.Marshal(text)
}

// selectThread picks the child thread per the configured mode. The release
// func, when non-nil, must be called after the invocation completes.
func (t *SubAgentTool) selectThread(ctx context.Context, threadID string) (*ConversationThread, func(), error) {
	switch t.mode {
	case ThreadShared:
		// Serialize shared-thread invocations; the thread is not safe for
		// concurrent turns.
		t.mu.Lock()
		if t.shared == nil {
			t.shared = NewThread(WithDisplayName(t.child.Name()))
		}
		return t.shared, t.mu.Unlock, nil
	case ThreadPerSession:
		if t.resolver == nil {
			return nil, nil, &ErrInvalidArgument{Reason: "per-session sub-agent has no thread resolver"}
		}
		if threadID == "" {
			return nil, nil, &ErrInvalidArgument{Reason: "per-session sub-agent call without thread id"}
		}
		thread, err := t.resolver(ctx, threadID)
		if err != nil {
			return nil, nil, err
		}
		return thread, nil, nil
	default:
		return NewThread(), nil, nil
	}
}

var _ Tool = (*SubAgentTool)(nil)
