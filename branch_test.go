package relay

import (
	"context"
	"testing"
	"time"
)

// memStore is a minimal in-memory ThreadStore for branch tests.
type memStore struct {
	threads   map[string]ThreadSnapshot
	snapshots map[string]ThreadSnapshot
}

func newMemStore() *memStore {
	return &memStore{
		threads:   make(map[string]ThreadSnapshot),
		snapshots: make(map[string]ThreadSnapshot),
	}
}

func (s *memStore) SaveThread(_ context.Context, t *ConversationThread) error {
	s.threads[t.ConversationID()] = t.ToSnapshot()
	return nil
}

func (s *memStore) SaveSnapshot(_ context.Context, _ string, snap ThreadSnapshot, _ SnapshotMetadata) (string, error) {
	id := NewID()
	s.snapshots[id] = snap
	return id, nil
}

func (s *memStore) LoadSnapshot(_ context.Context, _ string, id string) (ThreadSnapshot, error) {
	snap, ok := s.snapshots[id]
	if !ok {
		return ThreadSnapshot{}, &ErrNotFound{Kind: "snapshot", ID: id}
	}
	return snap, nil
}

func (s *memStore) SaveCheckpoint(context.Context, string, ExecutionCheckpoint, SnapshotMetadata) (string, error) {
	return NewID(), nil
}

func (s *memStore) LoadCheckpoint(_ context.Context, _ string, id string) (ExecutionCheckpoint, error) {
	return ExecutionCheckpoint{}, &ErrNotFound{Kind: "checkpoint", ID: id}
}

func (s *memStore) GetManifest(context.Context, string) ([]ManifestEntry, error) { return nil, nil }
func (s *memStore) DeleteSnapshots(context.Context, string, []string) error      { return nil }
func (s *memStore) PruneSnapshots(context.Context, string, int) error            { return nil }
func (s *memStore) Close() error                                                  { return nil }

func TestBrancherFork(t *testing.T) {
	store := newMemStore()
	b := NewBrancher(store)

	source := NewThread(WithDisplayName("origin"))
	source.AddMessage(UserMessage("hello"))
	source.AddMessage(AssistantMessage("hi"))

	coordinator := NewCoordinator()
	coordinator.bind("brancher", nil)

	fork, err := b.Fork(context.Background(), source, "experiment", coordinator)
	if err != nil {
		t.Fatal(err)
	}
	coordinator.Close()

	if fork.ConversationID() == source.ConversationID() {
		t.Error("fork shares the source's conversation id")
	}
	if fork.ActiveBranch() != "experiment" {
		t.Errorf("fork branch = %q", fork.ActiveBranch())
	}
	if fork.MessageCount() != 2 {
		t.Errorf("fork messages = %d, want 2", fork.MessageCount())
	}
	if fork.HasExecutionState() {
		t.Error("fork carries execution state")
	}
	if _, ok := source.Branches()["experiment"]; !ok {
		t.Error("source did not record the branch pointer")
	}

	// Fork-completed event emitted.
	var events []Event
	timeout := time.After(time.Second)
	for {
		var ok bool
		var e Event
		select {
		case e, ok = <-coordinator.Events():
		case <-timeout:
			t.Fatal("timed out")
		}
		if !ok {
			break
		}
		events = append(events, e)
	}
	forks := eventsOfType(events, EventForkCompleted)
	if len(forks) != 1 {
		t.Fatalf("fork-completed count = %d", len(forks))
	}

	// Duplicate branch name rejected.
	if _, err := b.Fork(context.Background(), source, "experiment", nil); err == nil {
		t.Error("duplicate branch accepted")
	}
}

func TestBrancherCopy(t *testing.T) {
	store := newMemStore()
	b := NewBrancher(store)

	source := NewThread()
	source.AddMessage(UserMessage("hello"))
	cp, err := b.Copy(context.Background(), source)
	if err != nil {
		t.Fatal(err)
	}
	if cp.ConversationID() == source.ConversationID() {
		t.Error("copy shares the source's conversation id")
	}
	if cp.MessageCount() != 1 {
		t.Errorf("copy messages = %d", cp.MessageCount())
	}
	if cp.ActiveBranch() != source.ActiveBranch() {
		t.Errorf("copy branch = %q", cp.ActiveBranch())
	}
}
