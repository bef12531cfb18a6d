// Package sqlite implements relay.ThreadStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	relay "github.com/nevindra/relay"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger. When set, the store emits debug logs
// for saved snapshots and checkpoints; loads are not logged.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements relay.ThreadStore backed by a local SQLite file.
// Snapshots and checkpoints are stored as JSON blobs; the manifest is a
// query over the entries table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ relay.ThreadStore = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath. A single shared
// connection serializes all writers, eliminating SQLITE_BUSY errors from
// concurrent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that cannot happen.
		panic(fmt.Sprintf("sqlite: open %s: %v", dbPath, err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates the schema. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			is_snapshot INTEGER NOT NULL,
			payload TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			step INTEGER NOT NULL DEFAULT 0,
			message_index INTEGER NOT NULL DEFAULT 0,
			branch_name TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_thread ON entries(thread_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init schema: %w", err)
		}
	}
	return nil
}

// SaveThread upserts the thread's live snapshot.
func (s *Store) SaveThread(ctx context.Context, t *relay.ConversationThread) error {
	snap := t.ToSnapshot()
	data, err := snap.Serialize()
	if err != nil {
		return fmt.Errorf("sqlite: serialize thread %s: %w", t.ConversationID(), err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (id, snapshot, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		t.ConversationID(), string(data), relay.NowUnix())
	return err
}

func (s *Store) saveEntry(ctx context.Context, threadID string, isSnapshot bool, payload []byte, meta relay.SnapshotMetadata) (string, error) {
	id := relay.NewID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (id, thread_id, is_snapshot, payload, source, step, message_index, branch_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, threadID, boolToInt(isSnapshot), string(payload),
		meta.Source, meta.Step, meta.MessageIndex, meta.BranchName, relay.NowUnix())
	if err != nil {
		return "", err
	}
	s.logger.Debug("entry saved", "thread", threadID, "id", id, "snapshot", isSnapshot, "bytes", len(payload))
	return id, nil
}

// SaveSnapshot stores an immutable snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, threadID string, snap relay.ThreadSnapshot, meta relay.SnapshotMetadata) (string, error) {
	data, err := snap.Serialize()
	if err != nil {
		return "", fmt.Errorf("sqlite: serialize snapshot: %w", err)
	}
	return s.saveEntry(ctx, threadID, true, data, meta)
}

// LoadSnapshot retrieves a stored snapshot by id.
func (s *Store) LoadSnapshot(ctx context.Context, threadID, id string) (relay.ThreadSnapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM entries WHERE id = ? AND thread_id = ? AND is_snapshot = 1`,
		id, threadID).Scan(&payload)
	if err == sql.ErrNoRows {
		return relay.ThreadSnapshot{}, &relay.ErrNotFound{Kind: "snapshot", ID: id}
	}
	if err != nil {
		return relay.ThreadSnapshot{}, err
	}
	return relay.DeserializeSnapshot([]byte(payload))
}

// SaveCheckpoint stores an execution checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, threadID string, cp relay.ExecutionCheckpoint, meta relay.SnapshotMetadata) (string, error) {
	data, err := cp.Serialize()
	if err != nil {
		return "", fmt.Errorf("sqlite: serialize checkpoint: %w", err)
	}
	return s.saveEntry(ctx, threadID, false, data, meta)
}

// LoadCheckpoint retrieves a stored checkpoint by id.
func (s *Store) LoadCheckpoint(ctx context.Context, threadID, id string) (relay.ExecutionCheckpoint, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM entries WHERE id = ? AND thread_id = ? AND is_snapshot = 0`,
		id, threadID).Scan(&payload)
	if err == sql.ErrNoRows {
		return relay.ExecutionCheckpoint{}, &relay.ErrNotFound{Kind: "checkpoint", ID: id}
	}
	if err != nil {
		return relay.ExecutionCheckpoint{}, err
	}
	return relay.DeserializeCheckpoint([]byte(payload))
}

// GetManifest lists the thread's stored entries, oldest first.
func (s *Store) GetManifest(ctx context.Context, threadID string) ([]relay.ManifestEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, is_snapshot, source, step, message_index, branch_name, created_at
		FROM entries WHERE thread_id = ? ORDER BY created_at, id`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []relay.ManifestEntry
	for rows.Next() {
		var e relay.ManifestEntry
		var isSnap int
		if err := rows.Scan(&e.ID, &isSnap, &e.Source, &e.Step, &e.MessageIndex, &e.BranchName, &e.Timestamp); err != nil {
			return nil, err
		}
		e.IsSnapshot = isSnap != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteSnapshots removes the identified entries.
func (s *Store) DeleteSnapshots(ctx context.Context, threadID string, ids []string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM entries WHERE id = ? AND thread_id = ?`, id, threadID); err != nil {
			return err
		}
	}
	return nil
}

// PruneSnapshots keeps the keepLatest most recent entries.
func (s *Store) PruneSnapshots(ctx context.Context, threadID string, keepLatest int) error {
	if keepLatest < 0 {
		keepLatest = 0
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM entries WHERE thread_id = ? AND id NOT IN (
			SELECT id FROM entries WHERE thread_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		)`, threadID, threadID, keepLatest)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
