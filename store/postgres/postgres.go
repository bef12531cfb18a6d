// Package postgres implements relay.ThreadStore using PostgreSQL with JSONB
// payloads.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	relay "github.com/nevindra/relay"
)

// StoreOption configures a Postgres Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements relay.ThreadStore backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ relay.ThreadStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool; Store.Close does not close it.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates the tables and indexes. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relay_threads (
			id TEXT PRIMARY KEY,
			snapshot JSONB NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS relay_entries (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			is_snapshot BOOLEAN NOT NULL,
			payload JSONB NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			step INTEGER NOT NULL DEFAULT 0,
			message_index INTEGER NOT NULL DEFAULT 0,
			branch_name TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relay_entries_thread
			ON relay_entries (thread_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init schema: %w", err)
		}
	}
	return nil
}

// SaveThread upserts the thread's live snapshot.
func (s *Store) SaveThread(ctx context.Context, t *relay.ConversationThread) error {
	snap := t.ToSnapshot()
	data, err := snap.Serialize()
	if err != nil {
		return fmt.Errorf("postgres: serialize thread %s: %w", t.ConversationID(), err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO relay_threads (id, snapshot, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at`,
		t.ConversationID(), data, relay.NowUnix())
	return err
}

func (s *Store) saveEntry(ctx context.Context, threadID string, isSnapshot bool, payload []byte, meta relay.SnapshotMetadata) (string, error) {
	id := relay.NewID()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_entries (id, thread_id, is_snapshot, payload, source, step, message_index, branch_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, threadID, isSnapshot, payload,
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
		return "", fmt.Errorf("postgres: serialize snapshot: %w", err)
	}
	return s.saveEntry(ctx, threadID, true, data, meta)
}

// LoadSnapshot retrieves a stored snapshot by id.
func (s *Store) LoadSnapshot(ctx context.Context, threadID, id string) (relay.ThreadSnapshot, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM relay_entries WHERE id = $1 AND thread_id = $2 AND is_snapshot`,
		id, threadID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return relay.ThreadSnapshot{}, &relay.ErrNotFound{Kind: "snapshot", ID: id}
	}
	if err != nil {
		return relay.ThreadSnapshot{}, err
	}
	return relay.DeserializeSnapshot(payload)
}

// SaveCheckpoint stores an execution checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, threadID string, cp relay.ExecutionCheckpoint, meta relay.SnapshotMetadata) (string, error) {
	data, err := cp.Serialize()
	if err != nil {
		return "", fmt.Errorf("postgres: serialize checkpoint: %w", err)
	}
	return s.saveEntry(ctx, threadID, false, data, meta)
}

// LoadCheckpoint retrieves a stored checkpoint by id.
func (s *Store) LoadCheckpoint(ctx context.Context, threadID, id string) (relay.ExecutionCheckpoint, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM relay_entries WHERE id = $1 AND thread_id = $2 AND NOT is_snapshot`,
		id, threadID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return relay.ExecutionCheckpoint{}, &relay.ErrNotFound{Kind: "checkpoint", ID: id}
	}
	if err != nil {
		return relay.ExecutionCheckpoint{}, err
	}
	return relay.DeserializeCheckpoint(payload)
}

// GetManifest lists the thread's stored entries, oldest first.
func (s *Store) GetManifest(ctx context.Context, threadID string) ([]relay.ManifestEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, is_snapshot, source, step, message_index, branch_name, created_at
		FROM relay_entries WHERE thread_id = $1 ORDER BY created_at, id`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []relay.ManifestEntry
	for rows.Next() {
		var e relay.ManifestEntry
		if err := rows.Scan(&e.ID, &e.IsSnapshot, &e.Source, &e.Step, &e.MessageIndex, &e.BranchName, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteSnapshots removes the identified entries.
func (s *Store) DeleteSnapshots(ctx context.Context, threadID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM relay_entries WHERE thread_id = $1 AND id = ANY($2)`, threadID, ids)
	return err
}

// PruneSnapshots keeps the keepLatest most recent entries.
func (s *Store) PruneSnapshots(ctx context.Context, threadID string, keepLatest int) error {
	if keepLatest < 0 {
		keepLatest = 0
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM relay_entries WHERE thread_id = $1 AND id NOT IN (
			SELECT id FROM relay_entries WHERE thread_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2
		)`, threadID, keepLatest)
	return err
}

// Close is a no-op; the caller owns the pool.
func (s *Store) Close() error { return nil }
