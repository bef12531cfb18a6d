package relay

import (
	"context"
	"encoding/json"
	"log/slog"
)

// ForkCompletedPayload is the payload of a fork-completed event.
type ForkCompletedPayload struct {
	SourceID   string `json:"source_id"`
	ForkID     string `json:"fork_id"`
	Branch     string `json:"branch"`
	SnapshotID string `json:"snapshot_id"`
}

// Brancher is the external branching service: it materializes forks and
// copies from stored snapshots. Forks always start from a snapshot — never a
// checkpoint — so the new thread carries no execution state.
type Brancher struct {
	store  ThreadStore
	logger *slog.Logger
}

// BrancherOption configures a Brancher.
type BrancherOption func(*Brancher)

// WithBrancherLogger sets a structured logger.
func WithBrancherLogger(l *slog.Logger) BrancherOption {
	return func(b *Brancher) { b.logger = l }
}

// NewBrancher creates a branching service over the given store.
func NewBrancher(store ThreadStore, opts ...BrancherOption) *Brancher {
	b := &Brancher{store: store, logger: nopLogger}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Fork snapshots the source thread, stores the snapshot, and materializes a
// new thread (new conversation id) on the named branch. The source thread
// records the branch pointer; a fork-completed event is emitted on the
// coordinator when one is supplied.
func (b *Brancher) Fork(ctx context.Context, source *ConversationThread, branchName string, coordinator *Coordinator) (*ConversationThread, error) {
	if branchName == "" {
		return nil, &ErrInvalidArgument{Reason: "empty branch name"}
	}

	snap := source.ToSnapshot()
	snapshotID, err := b.store.SaveSnapshot(ctx, source.ConversationID(), snap, SnapshotMetadata{
		Source:       "fork",
		MessageIndex: len(snap.Messages),
		BranchName:   branchName,
	})
	if err != nil {
		return nil, err
	}

	if !source.TryAddBranch(branchName, snapshotID) {
		return nil, &ErrInvalidArgument{Reason: "branch already exists: " + branchName}
	}

	fork := FromSnapshot(snap)
	fork.id = NewID()
	fork.activeBranch = branchName

	if err := b.store.SaveThread(ctx, fork); err != nil {
		return nil, err
	}

	b.logger.Info("thread forked",
		"source", source.ConversationID(),
		"fork", fork.ConversationID(),
		"branch", branchName,
		"snapshot_id", snapshotID)

	if coordinator != nil {
		payload, _ := json.Marshal(ForkCompletedPayload{
			SourceID:   source.ConversationID(),
			ForkID:     fork.ConversationID(),
			Branch:     branchName,
			SnapshotID: snapshotID,
		})
		_ = coordinator.Emit(Event{Type: EventForkCompleted, Name: branchName, Payload: payload})
	}
	return fork, nil
}

// Copy duplicates a thread in place: same messages and middleware state,
// new conversation id, same active branch.
func (b *Brancher) Copy(ctx context.Context, source *ConversationThread) (*ConversationThread, error) {
	snap := source.ToSnapshot()
	cp := FromSnapshot(snap)
	cp.id = NewID()
	if err := b.store.SaveThread(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}
