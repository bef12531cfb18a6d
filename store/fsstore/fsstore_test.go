package fsstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	relay "github.com/nevindra/relay"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir())
}

func sampleSnapshot() relay.ThreadSnapshot {
	th := relay.NewThread(relay.WithThreadID("t1"), relay.WithDisplayName("demo"))
	th.AddMessage(relay.UserMessage("hello"))
	th.AddMessage(relay.AssistantMessage("hi"))
	return th.ToSnapshot()
}

func TestFSStoreSnapshotRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.SaveSnapshot(ctx, "t1", sampleSnapshot(), relay.SnapshotMetadata{Source: "turn-end", MessageIndex: 2})
	if err != nil {
		t.Fatal(err)
	}

	// Conforming layout: threads/<threadId>/<id>.snapshot.json.
	if _, err := os.Stat(filepath.Join(s.root, "threads", "t1", id+".snapshot.json")); err != nil {
		t.Errorf("snapshot file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.root, "threads", "t1", "manifest.json")); err != nil {
		t.Errorf("manifest missing: %v", err)
	}

	snap, err := s.LoadSnapshot(ctx, "t1", id)
	if err != nil {
		t.Fatal(err)
	}
	if snap.ConversationID != "t1" || len(snap.Messages) != 2 {
		t.Errorf("loaded snapshot = %+v", snap)
	}
}

func TestFSStoreCheckpointRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp := relay.ExecutionCheckpoint{
		Snapshot:       sampleSnapshot(),
		ExecutionState: relay.LoopStateSnapshot{RunID: "r1", AgentName: "a", Iteration: 2},
	}
	id, err := s.SaveCheckpoint(ctx, "t1", cp, relay.SnapshotMetadata{Source: "pause", Step: 2})
	if err != nil {
		t.Fatal(err)
	}

	// Checkpoints use the bare .json name.
	if _, err := os.Stat(filepath.Join(s.root, "threads", "t1", id+".json")); err != nil {
		t.Errorf("checkpoint file missing: %v", err)
	}

	loaded, err := s.LoadCheckpoint(ctx, "t1", id)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ExecutionState.RunID != "r1" || loaded.ExecutionState.Iteration != 2 {
		t.Errorf("loaded checkpoint state = %+v", loaded.ExecutionState)
	}
}

func TestFSStoreManifestOrderAndKinds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.SaveSnapshot(ctx, "t1", sampleSnapshot(), relay.SnapshotMetadata{Source: "one"})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.SaveCheckpoint(ctx, "t1", relay.ExecutionCheckpoint{Snapshot: sampleSnapshot()}, relay.SnapshotMetadata{Source: "two"})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := s.GetManifest(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("manifest entries = %d", len(entries))
	}
	if entries[0].ID != id1 || !entries[0].IsSnapshot {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].ID != id2 || entries[1].IsSnapshot {
		t.Errorf("entry 1 = %+v", entries[1])
	}
}

func TestFSStoreDeleteAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.SaveSnapshot(ctx, "t1", sampleSnapshot(), relay.SnapshotMetadata{})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	if err := s.DeleteSnapshots(ctx, "t1", []string{ids[0]}); err != nil {
		t.Fatal(err)
	}
	entries, _ := s.GetManifest(ctx, "t1")
	if len(entries) != 4 {
		t.Fatalf("after delete: %d entries", len(entries))
	}
	var notFound *relay.ErrNotFound
	if _, err := s.LoadSnapshot(ctx, "t1", ids[0]); !errors.As(err, &notFound) {
		t.Errorf("deleted snapshot load = %v, want ErrNotFound", err)
	}

	if err := s.PruneSnapshots(ctx, "t1", 2); err != nil {
		t.Fatal(err)
	}
	entries, _ = s.GetManifest(ctx, "t1")
	if len(entries) != 2 {
		t.Fatalf("after prune: %d entries", len(entries))
	}
	// The newest two survive.
	if entries[0].ID != ids[3] || entries[1].ID != ids[4] {
		t.Errorf("pruned to %+v, want the latest ids", entries)
	}
}

func TestFSStoreSaveThread(t *testing.T) {
	s := newTestStore(t)
	th := relay.NewThread(relay.WithThreadID("t9"))
	th.AddMessage(relay.UserMessage("hi"))

	if err := s.SaveThread(context.Background(), th); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(s.root, "threads", "t9", "thread.json")); err != nil {
		t.Errorf("thread.json missing: %v", err)
	}
}

func TestFSStoreNotFound(t *testing.T) {
	s := newTestStore(t)
	var notFound *relay.ErrNotFound
	if _, err := s.LoadSnapshot(context.Background(), "t1", "ghost"); !errors.As(err, &notFound) {
		t.Errorf("LoadSnapshot = %v, want ErrNotFound", err)
	}
	if _, err := s.LoadCheckpoint(context.Background(), "t1", "ghost"); !errors.As(err, &notFound) {
		t.Errorf("LoadCheckpoint = %v, want ErrNotFound", err)
	}
}
