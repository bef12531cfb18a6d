package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	relay "github.com/nevindra/relay"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "relay.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSnapshot() relay.ThreadSnapshot {
	th := relay.NewThread(relay.WithThreadID("t1"))
	th.AddMessage(relay.UserMessage("hello"))
	return th.ToSnapshot()
}

func TestSQLiteSnapshotRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.SaveSnapshot(ctx, "t1", sampleSnapshot(), relay.SnapshotMetadata{Source: "turn-end", MessageIndex: 1, BranchName: "main"})
	if err != nil {
		t.Fatal(err)
	}
	snap, err := s.LoadSnapshot(ctx, "t1", id)
	if err != nil {
		t.Fatal(err)
	}
	if snap.ConversationID != "t1" || len(snap.Messages) != 1 {
		t.Errorf("loaded snapshot = %+v", snap)
	}

	// A snapshot id does not resolve as a checkpoint.
	var notFound *relay.ErrNotFound
	if _, err := s.LoadCheckpoint(ctx, "t1", id); !errors.As(err, &notFound) {
		t.Errorf("LoadCheckpoint on snapshot id = %v, want ErrNotFound", err)
	}
}

func TestSQLiteCheckpointRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp := relay.ExecutionCheckpoint{
		Snapshot:       sampleSnapshot(),
		ExecutionState: relay.LoopStateSnapshot{RunID: "r1", Iteration: 3, ConsecutiveErrors: 1},
	}
	id, err := s.SaveCheckpoint(ctx, "t1", cp, relay.SnapshotMetadata{Source: "pause", Step: 3})
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := s.LoadCheckpoint(ctx, "t1", id)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ExecutionState.RunID != "r1" || loaded.ExecutionState.Iteration != 3 {
		t.Errorf("loaded state = %+v", loaded.ExecutionState)
	}
}

func TestSQLiteManifest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SaveSnapshot(ctx, "t1", sampleSnapshot(), relay.SnapshotMetadata{Source: "one"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveCheckpoint(ctx, "t1", relay.ExecutionCheckpoint{Snapshot: sampleSnapshot()}, relay.SnapshotMetadata{Source: "two"}); err != nil {
		t.Fatal(err)
	}
	// Other threads don't leak into the manifest.
	if _, err := s.SaveSnapshot(ctx, "t2", sampleSnapshot(), relay.SnapshotMetadata{}); err != nil {
		t.Fatal(err)
	}

	entries, err := s.GetManifest(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	snapshots := 0
	for _, e := range entries {
		if e.IsSnapshot {
			snapshots++
		}
	}
	if snapshots != 1 {
		t.Errorf("snapshot entries = %d, want 1", snapshots)
	}
}

func TestSQLiteDeleteAndPrune(t *testing.T) {
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

	if err := s.DeleteSnapshots(ctx, "t1", ids[:2]); err != nil {
		t.Fatal(err)
	}
	entries, _ := s.GetManifest(ctx, "t1")
	if len(entries) != 3 {
		t.Fatalf("after delete: %d entries", len(entries))
	}

	if err := s.PruneSnapshots(ctx, "t1", 1); err != nil {
		t.Fatal(err)
	}
	entries, _ = s.GetManifest(ctx, "t1")
	if len(entries) != 1 {
		t.Fatalf("after prune: %d entries", len(entries))
	}
}

func TestSQLiteSaveThreadUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	th := relay.NewThread(relay.WithThreadID("t1"))
	th.AddMessage(relay.UserMessage("one"))
	if err := s.SaveThread(ctx, th); err != nil {
		t.Fatal(err)
	}
	th.AddMessage(relay.AssistantMessage("two"))
	if err := s.SaveThread(ctx, th); err != nil {
		t.Fatal(err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM threads WHERE id = 't1'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("thread rows = %d, want 1 (upsert)", count)
	}
}
