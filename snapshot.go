package relay

import "encoding/json"

// ThreadSnapshot is the serializable, conversation-level view of a thread.
// It never contains execution state; ExecutionCheckpoint adds that under the
// "execution_state" key.
type ThreadSnapshot struct {
	ConversationID  string                     `json:"conversation_id"`
	DisplayName     string                     `json:"display_name,omitempty"`
	ActiveBranch    string                     `json:"active_branch"`
	Branches        map[string]string          `json:"branches,omitempty"`
	Messages        []Message                  `json:"messages"`
	MiddlewareState map[string]json.RawMessage `json:"middleware_state,omitempty"`
	CreatedAt       int64                      `json:"created_at"`
	LastActivity    int64                      `json:"last_activity"`
}

// Serialize encodes the snapshot as JSON.
func (s ThreadSnapshot) Serialize() ([]byte, error) {
	return json.Marshal(s)
}

// DeserializeSnapshot decodes a snapshot produced by Serialize.
func DeserializeSnapshot(data []byte) (ThreadSnapshot, error) {
	var s ThreadSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return ThreadSnapshot{}, err
	}
	return s, nil
}

// ExecutionCheckpoint is a snapshot plus the full loop state of an in-flight
// run, enough to resume execution where it paused.
type ExecutionCheckpoint struct {
	Snapshot       ThreadSnapshot    `json:"snapshot"`
	ExecutionState LoopStateSnapshot `json:"execution_state"`
}

// Serialize encodes the checkpoint as JSON.
func (c ExecutionCheckpoint) Serialize() ([]byte, error) {
	return json.Marshal(c)
}

// DeserializeCheckpoint decodes a checkpoint produced by Serialize.
func DeserializeCheckpoint(data []byte) (ExecutionCheckpoint, error) {
	var c ExecutionCheckpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return ExecutionCheckpoint{}, err
	}
	return c, nil
}
