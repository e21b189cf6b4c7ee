// Package version implements named, mutable pointers (branches) into
// the change-set DAG, and the change proposal workflow layered on two
// of them.
package version

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/plaitext/plait/core/database"
	plaiterrors "github.com/plaitext/plait/core/errors"
	"github.com/plaitext/plait/core/events"
	"github.com/plaitext/plait/core/history"
)

// Version is a named pointer into the change-set DAG. ChangeSetID is
// the committed HEAD; WorkingChangeSetID is the mutable staging set
// accumulating uncommitted changes.
type Version struct {
	ID                 string
	Name               string // empty for anonymous versions
	ChangeSetID        string
	WorkingChangeSetID string
}

// Manager owns version pointers and proposals.
type Manager struct {
	pool    *database.Pool
	history *history.Store
	bus     *events.Bus
	logger  *slog.Logger
}

// NewManager creates a version manager. bus may be nil for embedders
// that do not care about events.
func NewManager(pool *database.Pool, hist *history.Store, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pool:    pool,
		history: hist,
		bus:     bus,
		logger:  logger,
	}
}

// CreateVersionOptions configures Create. Exactly one of FromVersionID
// and FromChangeSetID must be set.
type CreateVersionOptions struct {
	FromVersionID   string
	FromChangeSetID string
	Name            string
}

// Create creates a version pointing at the head of an existing version
// or at an explicit change set, with a fresh empty working set.
func (m *Manager) Create(ctx context.Context, opts CreateVersionOptions) (*Version, error) {
	headID, err := m.resolveHead(ctx, opts)
	if err != nil {
		return nil, err
	}

	if opts.Name != "" {
		if err := m.checkNameFree(ctx, opts.Name); err != nil {
			return nil, err
		}
	}

	var created *Version
	err = m.pool.Transaction(ctx, func(tx *sql.Tx) error {
		// Working sets are always mutable and start with no parent
		// edges; they never enter the committed DAG.
		working, err := m.history.CreateChangeSetTx(ctx, tx, history.CreateChangeSetOptions{})
		if err != nil {
			return err
		}

		created = &Version{
			ID:                 uuid.New().String(),
			Name:               opts.Name,
			ChangeSetID:        headID,
			WorkingChangeSetID: working.ID,
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO version (id, name, change_set_id, working_change_set_id) VALUES (?, ?, ?, ?)`,
			created.ID, nullable(created.Name), created.ChangeSetID, created.WorkingChangeSetID)
		if err != nil {
			if isUniqueViolation(err) {
				return &plaiterrors.DuplicateVersionNameError{Name: opts.Name}
			}
			return fmt.Errorf("insert version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publish(&events.Event{
		ID:        uuid.New().String(),
		EventType: events.EventTypeVersionCreated,
		Timestamp: time.Now(),
		VersionID: created.ID,
	})

	return created, nil
}

func (m *Manager) resolveHead(ctx context.Context, opts CreateVersionOptions) (string, error) {
	switch {
	case opts.FromVersionID != "":
		from, err := m.Get(ctx, opts.FromVersionID)
		if err != nil {
			return "", err
		}
		return from.ChangeSetID, nil
	case opts.FromChangeSetID != "":
		if _, err := m.history.GetChangeSet(ctx, opts.FromChangeSetID); err != nil {
			return "", err
		}
		return opts.FromChangeSetID, nil
	default:
		return "", fmt.Errorf("create version: either FromVersionID or FromChangeSetID is required")
	}
}

func (m *Manager) checkNameFree(ctx context.Context, name string) error {
	var count int
	err := m.pool.QueryRow(ctx, `SELECT COUNT(*) FROM version WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return &plaiterrors.DuplicateVersionNameError{Name: name}
	}
	return nil
}

// Get fetches a version by id.
func (m *Manager) Get(ctx context.Context, id string) (*Version, error) {
	return m.getWhere(ctx, `id = ?`, id, "version", id)
}

// GetByName fetches a version by its unique name.
func (m *Manager) GetByName(ctx context.Context, name string) (*Version, error) {
	return m.getWhere(ctx, `name = ?`, name, "version", name)
}

func (m *Manager) getWhere(ctx context.Context, where string, arg any, kind, ref string) (*Version, error) {
	row := m.pool.QueryRow(ctx,
		`SELECT id, name, change_set_id, working_change_set_id FROM version WHERE `+where, arg)

	version, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, &plaiterrors.DanglingReferenceError{Kind: kind, ID: ref}
	}
	return version, err
}

// List returns all versions, named ones first.
func (m *Manager) List(ctx context.Context) ([]*Version, error) {
	rows, err := m.pool.Query(ctx,
		`SELECT id, name, change_set_id, working_change_set_id
		 FROM version ORDER BY name IS NULL, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*Version
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

// Checkout moves a version's committed HEAD to an existing change set.
// The pointer move is a single-statement transaction, so readers never
// observe a version pointing at a half-created set.
func (m *Manager) Checkout(ctx context.Context, versionID, changeSetID string) error {
	if _, err := m.history.GetChangeSet(ctx, changeSetID); err != nil {
		return err
	}

	err := m.pool.Transaction(ctx, func(tx *sql.Tx) error {
		return m.moveHeadTx(ctx, tx, versionID, changeSetID)
	})
	if err != nil {
		return err
	}

	m.publish(&events.Event{
		ID:        uuid.New().String(),
		EventType: events.EventTypeCheckedOut,
		Timestamp: time.Now(),
		VersionID: versionID,
	})
	return nil
}

func (m *Manager) moveHeadTx(ctx context.Context, tx *sql.Tx, versionID, changeSetID string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE version SET change_set_id = ? WHERE id = ?`, changeSetID, versionID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &plaiterrors.DanglingReferenceError{Kind: "version", ID: versionID}
	}
	return nil
}

// AdvanceHeadFromTx moves a version's HEAD from an expected change set
// inside an existing transaction. Used by the settlement pipeline:
// the guard makes concurrent settlements serialize instead of silently
// overwriting each other's head. Fails with ErrHeadMoved when the head
// is no longer fromChangeSetID; the caller rolls back, re-reads the
// head, and retries.
func (m *Manager) AdvanceHeadFromTx(ctx context.Context, tx *sql.Tx, versionID, fromChangeSetID, toChangeSetID string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE version SET change_set_id = ? WHERE id = ? AND change_set_id = ?`,
		toChangeSetID, versionID, fromChangeSetID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return plaiterrors.ErrHeadMoved
	}
	return nil
}

// Switch makes the given version the active one.
func (m *Manager) Switch(ctx context.Context, versionID string) error {
	if _, err := m.Get(ctx, versionID); err != nil {
		return err
	}

	err := m.pool.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO active_version (id, version_id) VALUES (1, ?)
			 ON CONFLICT(id) DO UPDATE SET version_id = excluded.version_id`, versionID)
		return err
	})
	if err != nil {
		return err
	}

	m.publish(&events.Event{
		ID:        uuid.New().String(),
		EventType: events.EventTypeVersionSwitched,
		Timestamp: time.Now(),
		VersionID: versionID,
	})
	return nil
}

// Active returns the active version.
func (m *Manager) Active(ctx context.Context) (*Version, error) {
	row := m.pool.QueryRow(ctx,
		`SELECT v.id, v.name, v.change_set_id, v.working_change_set_id
		 FROM version v JOIN active_version a ON a.version_id = v.id`)

	version, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, plaiterrors.ErrNoActiveVersion
	}
	return version, err
}

// Delete removes a version and its working change set. Committed
// change sets stay in place: history is never garbage-collected, and
// sets may remain reachable from other versions' ancestry.
func (m *Manager) Delete(ctx context.Context, versionID string) error {
	version, err := m.Get(ctx, versionID)
	if err != nil {
		return err
	}

	active, err := m.Active(ctx)
	if err == nil && active.ID == versionID {
		return fmt.Errorf("cannot delete the active version %s", versionID)
	}

	err = m.pool.Transaction(ctx, func(tx *sql.Tx) error {
		return m.deleteTx(ctx, tx, version)
	})
	if err != nil {
		return err
	}

	m.publish(&events.Event{
		ID:        uuid.New().String(),
		EventType: events.EventTypeVersionDeleted,
		Timestamp: time.Now(),
		VersionID: versionID,
	})
	return nil
}

func (m *Manager) deleteTx(ctx context.Context, tx *sql.Tx, version *Version) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM version WHERE id = ?`, version.ID); err != nil {
		return err
	}
	// The working set never entered the committed DAG; drop it with
	// the version. Elements and edges cascade.
	_, err := tx.ExecContext(ctx, `DELETE FROM change_set WHERE id = ?`, version.WorkingChangeSetID)
	return err
}

func (m *Manager) publish(event *events.Event) {
	if m.bus != nil {
		m.bus.Publish(event)
	}
}

func scanVersion(row interface{ Scan(...any) error }) (*Version, error) {
	var version Version
	var name sql.NullString

	err := row.Scan(&version.ID, &name, &version.ChangeSetID, &version.WorkingChangeSetID)
	if err != nil {
		return nil, err
	}

	version.Name = name.String
	return &version, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Migrations returns the schema migrations owned by the version package.
func Migrations() []database.Migration {
	return []database.Migration{
		{
			Version:     2,
			Description: "versions, active version, change proposals",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(versionSchema)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					DROP TABLE IF EXISTS change_proposal;
					DROP TABLE IF EXISTS active_version;
					DROP TABLE IF EXISTS version;
				`)
				return err
			},
		},
	}
}

const versionSchema = `
	CREATE TABLE version (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE,
		change_set_id TEXT NOT NULL REFERENCES change_set(id),
		working_change_set_id TEXT NOT NULL UNIQUE REFERENCES change_set(id)
	);

	CREATE TABLE active_version (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version_id TEXT NOT NULL REFERENCES version(id)
	);

	CREATE TABLE change_proposal (
		id TEXT PRIMARY KEY,
		source_version_id TEXT NOT NULL,
		target_version_id TEXT NOT NULL REFERENCES version(id),
		status TEXT NOT NULL DEFAULT 'open',
		created_at INTEGER NOT NULL
	);
`
