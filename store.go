package relay

import "context"

// SnapshotMetadata annotates a stored snapshot or checkpoint.
type SnapshotMetadata struct {
	// Source names what produced the entry (e.g. "turn-end", "fork",
	// "manual").
	Source string `json:"source,omitempty"`
	// Step is the loop iteration at capture time, when applicable.
	Step int `json:"step,omitempty"`
	// MessageIndex is the message count at capture time.
	MessageIndex int `json:"message_index,omitempty"`
	// BranchName is the thread's active branch at capture time.
	BranchName string `json:"branch_name,omitempty"`
}

// ManifestEntry describes one stored snapshot or checkpoint of a thread.
type ManifestEntry struct {
	ID           string `json:"id"`
	IsSnapshot   bool   `json:"is_snapshot"`
	Source       string `json:"source,omitempty"`
	Step         int    `json:"step,omitempty"`
	MessageIndex int    `json:"message_index,omitempty"`
	BranchName   string `json:"branch_name,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// ThreadStore abstracts snapshot and checkpoint persistence. The store
// subpackages provide filesystem, SQLite, and Postgres implementations.
//
// Load operations return ErrNotFound when the id is unknown.
type ThreadStore interface {
	// SaveThread persists the thread's current snapshot as the thread's
	// live state (distinct from the immutable snapshot history).
	SaveThread(ctx context.Context, t *ConversationThread) error
	// SaveSnapshot stores an immutable snapshot and returns its id.
	SaveSnapshot(ctx context.Context, threadID string, snap ThreadSnapshot, meta SnapshotMetadata) (string, error)
	// LoadSnapshot retrieves a stored snapshot by id.
	LoadSnapshot(ctx context.Context, threadID, id string) (ThreadSnapshot, error)
	// SaveCheckpoint stores an execution checkpoint and returns its id.
	SaveCheckpoint(ctx context.Context, threadID string, cp ExecutionCheckpoint, meta SnapshotMetadata) (string, error)
	// LoadCheckpoint retrieves a stored checkpoint by id.
	LoadCheckpoint(ctx context.Context, threadID, id string) (ExecutionCheckpoint, error)
	// GetManifest lists the thread's stored entries, oldest first.
	GetManifest(ctx context.Context, threadID string) ([]ManifestEntry, error)
	// DeleteSnapshots removes the identified snapshots/checkpoints.
	DeleteSnapshots(ctx context.Context, threadID string, ids []string) error
	// PruneSnapshots keeps the most recent keepLatest entries and deletes
	// the rest.
	PruneSnapshots(ctx context.Context, threadID string, keepLatest int) error
	// Close releases store resources.
	Close() error
}

// ErrNotFound is returned by ThreadStore loads for unknown ids.
type ErrNotFound struct {
	Kind string // "thread", "snapshot", "checkpoint"
	ID   string
}

func (e *ErrNotFound) Error() string {
	return e.Kind + " not found: " + e.ID
}
