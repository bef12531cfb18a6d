package relay

import (
	"encoding/json"
	"sync"
)

// DefaultBranch is the active branch of a new thread.
const DefaultBranch = "main"

// ConversationThread is the authoritative conversation state: an append-only
// message log, branch pointers, per-middleware persistent state, and — while
// a run is in flight — the current execution state.
//
// Concurrent writers are serialized internally; Messages returns a
// point-in-time copy, never a live view.
type ConversationThread struct {
	mu              sync.Mutex
	id              string
	displayName     string
	messages        []Message
	activeBranch    string
	branches        map[string]string // branch name -> checkpoint id
	middlewareState map[string]any
	execState       *LoopState
	checkpointID    string
	createdAt       int64
	lastActivity    int64
}

// ThreadOption configures a new thread.
type ThreadOption func(*ConversationThread)

// WithThreadID sets an explicit conversation id.
func WithThreadID(id string) ThreadOption {
	return func(t *ConversationThread) { t.id = id }
}

// WithDisplayName sets the display name.
func WithDisplayName(name string) ThreadOption {
	return func(t *ConversationThread) { t.displayName = name }
}

// WithActiveBranch sets the active branch name.
func WithActiveBranch(name string) ThreadOption {
	return func(t *ConversationThread) { t.activeBranch = name }
}

// NewThread creates an empty thread on the main branch.
func NewThread(opts ...ThreadOption) *ConversationThread {
	t := &ConversationThread{
		id:              NewID(),
		activeBranch:    DefaultBranch,
		branches:        make(map[string]string),
		middlewareState: make(map[string]any),
		createdAt:       NowUnix(),
		lastActivity:    NowUnix(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ConversationID returns the thread id. It is preserved across
// serialization round-trips.
func (t *ConversationThread) ConversationID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// DisplayName returns the display name.
func (t *ConversationThread) DisplayName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.displayName
}

// ActiveBranch returns the active branch name.
func (t *ConversationThread) ActiveBranch() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeBranch
}

// AddMessage appends one message and bumps LastActivity. Messages are
// immutable once appended; within a branch the log is append-only.
func (t *ConversationThread) AddMessage(m Message) {
	t.mu.Lock()
	t.messages = append(t.messages, m)
	t.lastActivity = NowUnix()
	t.mu.Unlock()
}

// AddMessages appends messages in order.
func (t *ConversationThread) AddMessages(ms []Message) {
	if len(ms) == 0 {
		return
	}
	t.mu.Lock()
	t.messages = append(t.messages, ms...)
	t.lastActivity = NowUnix()
	t.mu.Unlock()
}

// Messages returns a copy of the message log. The returned slice is owned
// by the caller.
func (t *ConversationThread) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.messages...)
}

// MessageCount returns the number of messages.
func (t *ConversationThread) MessageCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// SetMiddlewareState stores a per-middleware persistent value under key.
// Values are JSON-encoded at serialization time.
func (t *ConversationThread) SetMiddlewareState(key string, value any) {
	t.mu.Lock()
	t.middlewareState[key] = value
	t.lastActivity = NowUnix()
	t.mu.Unlock()
}

// GetMiddlewareState returns the value stored under key. After a thread is
// restored from a snapshot the value is a json.RawMessage the owning
// middleware decodes.
func (t *ConversationThread) GetMiddlewareState(key string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.middlewareState[key]
	return v, ok
}

// TryAddBranch records a branch pointer. Returns false when the branch name
// is already taken.
func (t *ConversationThread) TryAddBranch(name, checkpointID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.branches[name]; exists {
		return false
	}
	t.branches[name] = checkpointID
	return true
}

// Branches returns a copy of the branch pointer map.
func (t *ConversationThread) Branches() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.branches))
	for k, v := range t.branches {
		out[k] = v
	}
	return out
}

// CurrentCheckpointID returns the id of the last stored checkpoint, empty
// when none has been stored.
func (t *ConversationThread) CurrentCheckpointID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkpointID
}

// SetCurrentCheckpointID records a stored checkpoint id. Call only after the
// store reports success.
func (t *ConversationThread) SetCurrentCheckpointID(id string) {
	t.mu.Lock()
	t.checkpointID = id
	t.mu.Unlock()
}

// HasExecutionState reports whether a run's execution state is attached.
func (t *ConversationThread) HasExecutionState() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.execState != nil
}

// setExecutionState attaches (or with nil, clears) the in-flight loop state.
// Owned by the agent loop.
func (t *ConversationThread) setExecutionState(s *LoopState) {
	t.mu.Lock()
	t.execState = s
	t.mu.Unlock()
}

// LastActivity returns the unix time of the last mutation.
func (t *ConversationThread) LastActivity() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

// ToSnapshot captures conversation-level state only: messages, branches,
// display name, and middleware persistent state. Execution state is always
// excluded.
func (t *ConversationThread) ToSnapshot() ThreadSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := ThreadSnapshot{
		ConversationID: t.id,
		DisplayName:    t.displayName,
		ActiveBranch:   t.activeBranch,
		Messages:       make([]Message, len(t.messages)),
		CreatedAt:      t.createdAt,
		LastActivity:   t.lastActivity,
	}
	for i, m := range t.messages {
		snap.Messages[i] = m.clone()
	}
	if len(t.branches) > 0 {
		snap.Branches = make(map[string]string, len(t.branches))
		for k, v := range t.branches {
			snap.Branches[k] = v
		}
	}
	if len(t.middlewareState) > 0 {
		snap.MiddlewareState = make(map[string]json.RawMessage, len(t.middlewareState))
		for k, v := range t.middlewareState {
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			snap.MiddlewareState[k] = raw
		}
	}
	return snap
}

// ToExecutionCheckpoint captures the snapshot plus the full loop state.
// Fails with ErrNoExecutionState when no run is attached.
func (t *ConversationThread) ToExecutionCheckpoint() (ExecutionCheckpoint, error) {
	t.mu.Lock()
	exec := t.execState
	t.mu.Unlock()
	if exec == nil {
		return ExecutionCheckpoint{}, ErrNoExecutionState
	}
	return ExecutionCheckpoint{
		Snapshot:       t.ToSnapshot(),
		ExecutionState: exec.toSnapshot(),
	}, nil
}

// FromSnapshot reconstructs a thread from a snapshot. Middleware state
// values are restored as json.RawMessage.
func FromSnapshot(snap ThreadSnapshot) *ConversationThread {
	t := &ConversationThread{
		id:              snap.ConversationID,
		displayName:     snap.DisplayName,
		activeBranch:    snap.ActiveBranch,
		messages:        append([]Message(nil), snap.Messages...),
		branches:        make(map[string]string, len(snap.Branches)),
		middlewareState: make(map[string]any, len(snap.MiddlewareState)),
		createdAt:       snap.CreatedAt,
		lastActivity:    snap.LastActivity,
	}
	if t.activeBranch == "" {
		t.activeBranch = DefaultBranch
	}
	for k, v := range snap.Branches {
		t.branches[k] = v
	}
	for k, raw := range snap.MiddlewareState {
		t.middlewareState[k] = raw
	}
	return t
}

// FromExecutionCheckpoint reconstructs a thread with its loop state
// attached, ready for resumption.
func FromExecutionCheckpoint(cp ExecutionCheckpoint) *ConversationThread {
	t := FromSnapshot(cp.Snapshot)
	t.execState = loopStateFromSnapshot(cp.ExecutionState)
	return t
}
