// Package fsstore implements relay.ThreadStore on the local filesystem
// using the conforming layout:
//
//	threads/<threadId>/<id>.snapshot.json  — ThreadSnapshot
//	threads/<threadId>/<id>.json           — ExecutionCheckpoint
//	threads/<threadId>/manifest.json       — ordered manifest entries
//	threads/<threadId>/thread.json         — the thread's live snapshot
package fsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	relay "github.com/nevindra/relay"
)

// Store implements relay.ThreadStore on a local directory.
type Store struct {
	root   string
	logger *slog.Logger
	mu     sync.Mutex // serializes manifest read-modify-write
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// New creates a Store rooted at dir. The directory is created on first
// write.
func New(dir string, opts ...StoreOption) *Store {
	s := &Store{root: dir, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ relay.ThreadStore = (*Store)(nil)

func (s *Store) threadDir(threadID string) string {
	return filepath.Join(s.root, "threads", threadID)
}

func (s *Store) manifestPath(threadID string) string {
	return filepath.Join(s.threadDir(threadID), "manifest.json")
}

// SaveThread writes the thread's live snapshot to thread.json.
func (s *Store) SaveThread(ctx context.Context, t *relay.ConversationThread) error {
	snap := t.ToSnapshot()
	data, err := snap.Serialize()
	if err != nil {
		return fmt.Errorf("serialize thread %s: %w", t.ConversationID(), err)
	}
	dir := s.threadDir(t.ConversationID())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, "thread.json"), data)
}

// SaveSnapshot stores an immutable snapshot and appends a manifest entry.
func (s *Store) SaveSnapshot(ctx context.Context, threadID string, snap relay.ThreadSnapshot, meta relay.SnapshotMetadata) (string, error) {
	data, err := snap.Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize snapshot: %w", err)
	}
	id := relay.NewID()
	dir := s.threadDir(threadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := writeFileAtomic(filepath.Join(dir, id+".snapshot.json"), data); err != nil {
		return "", err
	}
	if err := s.appendManifest(threadID, relay.ManifestEntry{
		ID:           id,
		IsSnapshot:   true,
		Source:       meta.Source,
		Step:         meta.Step,
		MessageIndex: meta.MessageIndex,
		BranchName:   meta.BranchName,
		Timestamp:    relay.NowUnix(),
	}); err != nil {
		return "", err
	}
	s.logger.Debug("snapshot saved", "thread", threadID, "id", id, "bytes", len(data))
	return id, nil
}

// LoadSnapshot retrieves a stored snapshot by id.
func (s *Store) LoadSnapshot(ctx context.Context, threadID, id string) (relay.ThreadSnapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.threadDir(threadID), id+".snapshot.json"))
	if os.IsNotExist(err) {
		return relay.ThreadSnapshot{}, &relay.ErrNotFound{Kind: "snapshot", ID: id}
	}
	if err != nil {
		return relay.ThreadSnapshot{}, err
	}
	return relay.DeserializeSnapshot(data)
}

// SaveCheckpoint stores an execution checkpoint and appends a manifest
// entry.
func (s *Store) SaveCheckpoint(ctx context.Context, threadID string, cp relay.ExecutionCheckpoint, meta relay.SnapshotMetadata) (string, error) {
	data, err := cp.Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize checkpoint: %w", err)
	}
	id := relay.NewID()
	dir := s.threadDir(threadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := writeFileAtomic(filepath.Join(dir, id+".json"), data); err != nil {
		return "", err
	}
	if err := s.appendManifest(threadID, relay.ManifestEntry{
		ID:           id,
		IsSnapshot:   false,
		Source:       meta.Source,
		Step:         meta.Step,
		MessageIndex: meta.MessageIndex,
		BranchName:   meta.BranchName,
		Timestamp:    relay.NowUnix(),
	}); err != nil {
		return "", err
	}
	s.logger.Debug("checkpoint saved", "thread", threadID, "id", id, "bytes", len(data))
	return id, nil
}

// LoadCheckpoint retrieves a stored checkpoint by id.
func (s *Store) LoadCheckpoint(ctx context.Context, threadID, id string) (relay.ExecutionCheckpoint, error) {
	data, err := os.ReadFile(filepath.Join(s.threadDir(threadID), id+".json"))
	if os.IsNotExist(err) {
		return relay.ExecutionCheckpoint{}, &relay.ErrNotFound{Kind: "checkpoint", ID: id}
	}
	if err != nil {
		return relay.ExecutionCheckpoint{}, err
	}
	return relay.DeserializeCheckpoint(data)
}

// GetManifest lists the thread's stored entries, oldest first.
func (s *Store) GetManifest(ctx context.Context, threadID string) ([]relay.ManifestEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readManifest(threadID)
}

// DeleteSnapshots removes the identified entries and their files.
func (s *Store) DeleteSnapshots(ctx context.Context, threadID string, ids []string) error {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readManifest(threadID)
	if err != nil {
		return err
	}
	var kept []relay.ManifestEntry
	for _, e := range entries {
		if !drop[e.ID] {
			kept = append(kept, e)
			continue
		}
		path := filepath.Join(s.threadDir(threadID), e.ID+".json")
		if e.IsSnapshot {
			path = filepath.Join(s.threadDir(threadID), e.ID+".snapshot.json")
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return s.writeManifest(threadID, kept)
}

// PruneSnapshots keeps the keepLatest most recent entries.
func (s *Store) PruneSnapshots(ctx context.Context, threadID string, keepLatest int) error {
	s.mu.Lock()
	entries, err := s.readManifest(threadID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if keepLatest < 0 {
		keepLatest = 0
	}
	if len(entries) <= keepLatest {
		return nil
	}
	var ids []string
	for _, e := range entries[:len(entries)-keepLatest] {
		ids = append(ids, e.ID)
	}
	return s.DeleteSnapshots(ctx, threadID, ids)
}

// Close is a no-op for the filesystem store.
func (s *Store) Close() error { return nil }

// --- manifest helpers ---

func (s *Store) appendManifest(threadID string, entry relay.ManifestEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readManifest(threadID)
	if err != nil {
		return err
	}
	entries = append(entries, entry)
	return s.writeManifest(threadID, entries)
}

func (s *Store) readManifest(threadID string) ([]relay.ManifestEntry, error) {
	data, err := os.ReadFile(s.manifestPath(threadID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []relay.ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse manifest for %s: %w", threadID, err)
	}
	return entries, nil
}

func (s *Store) writeManifest(threadID string, entries []relay.ManifestEntry) error {
	if entries == nil {
		entries = []relay.ManifestEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.manifestPath(threadID), data)
}

// writeFileAtomic writes via a temp file and rename so readers never see a
// partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
