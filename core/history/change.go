// Package history implements the append-only change ledger and the
// change-set DAG that records every tracked mutation in a plait store.
package history

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"

	"github.com/plaitext/plait/core/database"
	plaiterrors "github.com/plaitext/plait/core/errors"
)

// NoContentSnapshotID is the tombstone sentinel: a change pointing at
// it records the deletion of its entity.
const NoContentSnapshotID = "no-content"

const snapshotCacheSize = 1024

// Change is an immutable fact: one entity was set to one content
// snapshot. Changes are never updated or deleted once committed.
type Change struct {
	ID         string
	EntityID   string
	SchemaKey  string
	FileID     string
	PluginKey  string
	SnapshotID string
	CreatedAt  time.Time
}

// IsTombstone reports whether the change records a deletion.
func (c *Change) IsTombstone() bool {
	return c.SnapshotID == NoContentSnapshotID
}

// NewChange describes a change about to be recorded. A nil Snapshot
// records a tombstone.
type NewChange struct {
	EntityID  string
	SchemaKey string
	FileID    string
	PluginKey string
	Snapshot  []byte
}

// Store provides access to the change ledger and change-set DAG.
type Store struct {
	pool   *database.Pool
	logger *slog.Logger

	snapshots *lru.Cache[string, []byte]

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewStore creates a history store on the given pool.
func NewStore(pool *database.Pool, logger *slog.Logger) (*Store, error) {
	cache, err := lru.New[string, []byte](snapshotCacheSize)
	if err != nil {
		return nil, fmt.Errorf("snapshot cache: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		pool:      pool,
		logger:    logger,
		snapshots: cache,
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// Pool exposes the underlying pool for callers composing transactions.
func (s *Store) Pool() *database.Pool {
	return s.pool
}

// newChangeID returns a fresh ULID. ULIDs sort by creation time, which
// gives the ledger a total order used for last-writer-wins
// materialization.
func (s *Store) newChangeID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// SnapshotID returns the content address for a snapshot payload.
func SnapshotID(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

// RecordChange appends one change in its own transaction.
func (s *Store) RecordChange(ctx context.Context, nc NewChange) (*Change, error) {
	var change *Change
	err := s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		change, err = s.RecordChangeTx(ctx, tx, nc)
		return err
	})
	return change, err
}

// RecordChangeTx appends one change inside an existing transaction.
// Purely additive: it never touches existing rows beyond snapshot
// deduplication.
func (s *Store) RecordChangeTx(ctx context.Context, tx *sql.Tx, nc NewChange) (*Change, error) {
	snapshotID := NoContentSnapshotID
	if nc.Snapshot != nil {
		snapshotID = SnapshotID(nc.Snapshot)
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO snapshot (id, content) VALUES (?, ?)`,
			snapshotID, nc.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("insert snapshot: %w", err)
		}
		s.snapshots.Add(snapshotID, nc.Snapshot)
	}

	change := &Change{
		ID:         s.newChangeID(),
		EntityID:   nc.EntityID,
		SchemaKey:  nc.SchemaKey,
		FileID:     nc.FileID,
		PluginKey:  nc.PluginKey,
		SnapshotID: snapshotID,
		CreatedAt:  time.Now().UTC(),
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO change (id, entity_id, schema_key, file_id, plugin_key, snapshot_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		change.ID, change.EntityID, change.SchemaKey, change.FileID,
		change.PluginKey, change.SnapshotID, change.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("insert change: %w", err)
	}

	return change, nil
}

// GetChange fetches one change by id.
func (s *Store) GetChange(ctx context.Context, id string) (*Change, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, entity_id, schema_key, file_id, plugin_key, snapshot_id, created_at
		 FROM change WHERE id = ?`, id)

	change, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, &plaiterrors.DanglingReferenceError{Kind: "change", ID: id}
	}
	return change, err
}

// ListChangesByFile returns the full ledger for a file, oldest first.
func (s *Store) ListChangesByFile(ctx context.Context, fileID string) ([]*Change, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_id, schema_key, file_id, plugin_key, snapshot_id, created_at
		 FROM change WHERE file_id = ? ORDER BY id ASC`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanChanges(rows)
}

// GetSnapshot returns the content for a snapshot id. The tombstone
// sentinel yields nil content.
func (s *Store) GetSnapshot(ctx context.Context, id string) ([]byte, error) {
	if id == NoContentSnapshotID {
		return nil, nil
	}

	if content, ok := s.snapshots.Get(id); ok {
		return content, nil
	}

	var content []byte
	err := s.pool.QueryRow(ctx, `SELECT content FROM snapshot WHERE id = ?`, id).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, &plaiterrors.DanglingReferenceError{Kind: "snapshot", ID: id}
	}
	if err != nil {
		return nil, err
	}

	s.snapshots.Add(id, content)
	return content, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(row rowScanner) (*Change, error) {
	var change Change
	var createdAt int64

	err := row.Scan(&change.ID, &change.EntityID, &change.SchemaKey,
		&change.FileID, &change.PluginKey, &change.SnapshotID, &createdAt)
	if err != nil {
		return nil, err
	}

	change.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &change, nil
}

func scanChanges(rows *sql.Rows) ([]*Change, error) {
	var changes []*Change
	for rows.Next() {
		change, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

// Migrations returns the schema migrations owned by the history package.
func Migrations() []database.Migration {
	return []database.Migration{
		{
			Version:     1,
			Description: "change ledger and change-set DAG",
			Up: func(tx *sql.Tx) error {
				if _, err := tx.Exec(historySchema); err != nil {
					return err
				}
				// Tombstone snapshot row keeps the snapshot FK valid
				// for deletion changes.
				_, err := tx.Exec(`INSERT INTO snapshot (id, content) VALUES ('no-content', NULL)`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					DROP TABLE IF EXISTS change_set_label;
					DROP TABLE IF EXISTS label;
					DROP TABLE IF EXISTS change_set_edge;
					DROP TABLE IF EXISTS change_set_element;
					DROP TABLE IF EXISTS change_set;
					DROP TABLE IF EXISTS change;
					DROP TABLE IF EXISTS snapshot;
				`)
				return err
			},
		},
	}
}

const historySchema = `
	CREATE TABLE snapshot (
		id TEXT PRIMARY KEY,
		content BLOB
	);

	CREATE TABLE change (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		schema_key TEXT NOT NULL,
		file_id TEXT NOT NULL,
		plugin_key TEXT NOT NULL,
		snapshot_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (snapshot_id) REFERENCES snapshot(id)
	);

	CREATE INDEX idx_change_file ON change(file_id);
	CREATE INDEX idx_change_entity ON change(file_id, entity_id, schema_key);

	CREATE TABLE change_set (
		id TEXT PRIMARY KEY,
		immutable_elements INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE change_set_element (
		change_set_id TEXT NOT NULL,
		change_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		schema_key TEXT NOT NULL,
		file_id TEXT NOT NULL,
		PRIMARY KEY (change_set_id, change_id),
		FOREIGN KEY (change_set_id) REFERENCES change_set(id) ON DELETE CASCADE,
		FOREIGN KEY (change_id) REFERENCES change(id)
	);

	CREATE INDEX idx_element_entity ON change_set_element(change_set_id, entity_id, schema_key);

	CREATE TABLE change_set_edge (
		parent_id TEXT NOT NULL,
		child_id TEXT NOT NULL,
		PRIMARY KEY (parent_id, child_id),
		CHECK (parent_id != child_id),
		FOREIGN KEY (parent_id) REFERENCES change_set(id),
		FOREIGN KEY (child_id) REFERENCES change_set(id) ON DELETE CASCADE
	);

	CREATE INDEX idx_edge_child ON change_set_edge(child_id);

	CREATE TABLE label (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE change_set_label (
		change_set_id TEXT NOT NULL,
		label_id TEXT NOT NULL,
		PRIMARY KEY (change_set_id, label_id),
		FOREIGN KEY (change_set_id) REFERENCES change_set(id) ON DELETE CASCADE,
		FOREIGN KEY (label_id) REFERENCES label(id)
	);
`

