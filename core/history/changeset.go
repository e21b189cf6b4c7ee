package history

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	plaiterrors "github.com/plaitext/plait/core/errors"
)

// ChangeSet groups changes and carries parent edges into the history
// DAG. Element membership is frozen at creation when ImmutableElements
// is set.
type ChangeSet struct {
	ID                string
	ImmutableElements bool
}

// ChangeSetElement is one membership row. Entity, schema, and file are
// denormalized from the change so consumers can query "what changed
// for entity X in set Y" without joining back to the ledger.
type ChangeSetElement struct {
	ChangeSetID string
	ChangeID    string
	EntityID    string
	SchemaKey   string
	FileID      string
}

// Label names a change set grouping (e.g. "checkpoint").
type Label struct {
	ID   string
	Name string
}

// CreateChangeSetOptions configures CreateChangeSet. Elements may be
// empty; Parents may be empty only for the root set of a store.
type CreateChangeSetOptions struct {
	// Elements are change ids to include as members.
	Elements []string

	// Parents are ids of existing change sets to link as parents.
	Parents []string

	// Labels are label names attached to the set (created on demand).
	Labels []string

	// ImmutableElements freezes membership at creation time.
	ImmutableElements bool
}

// CreateChangeSet creates a change set in a single transaction: row,
// elements, edges, and labels commit together or not at all.
func (s *Store) CreateChangeSet(ctx context.Context, opts CreateChangeSetOptions) (*ChangeSet, error) {
	var set *ChangeSet
	err := s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		set, err = s.CreateChangeSetTx(ctx, tx, opts)
		return err
	})
	return set, err
}

// CreateChangeSetTx is CreateChangeSet inside an existing transaction.
func (s *Store) CreateChangeSetTx(ctx context.Context, tx *sql.Tx, opts CreateChangeSetOptions) (*ChangeSet, error) {
	set := &ChangeSet{
		ID:                uuid.New().String(),
		ImmutableElements: opts.ImmutableElements,
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO change_set (id, immutable_elements) VALUES (?, ?)`,
		set.ID, boolToInt(set.ImmutableElements))
	if err != nil {
		return nil, fmt.Errorf("insert change set: %w", err)
	}

	if err := s.insertElements(ctx, tx, set.ID, opts.Elements); err != nil {
		return nil, err
	}

	// Edges only ever point from the new set to pre-existing parents,
	// which keeps the graph acyclic without any runtime cycle check.
	for _, parentID := range opts.Parents {
		if err := s.insertEdge(ctx, tx, parentID, set.ID); err != nil {
			return nil, err
		}
	}

	for _, name := range opts.Labels {
		if err := s.attachLabel(ctx, tx, set.ID, name); err != nil {
			return nil, err
		}
	}

	return set, nil
}

// AddChanges appends changes to a mutable change set. Fails with
// FrozenChangeSetError when the set was created with immutable
// elements.
func (s *Store) AddChanges(ctx context.Context, changeSetID string, changeIDs []string) error {
	return s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		return s.AddChangesTx(ctx, tx, changeSetID, changeIDs)
	})
}

// AddChangesTx is AddChanges inside an existing transaction.
func (s *Store) AddChangesTx(ctx context.Context, tx *sql.Tx, changeSetID string, changeIDs []string) error {
	var immutable int
	err := tx.QueryRowContext(ctx,
		`SELECT immutable_elements FROM change_set WHERE id = ?`, changeSetID).Scan(&immutable)
	if err == sql.ErrNoRows {
		return &plaiterrors.DanglingReferenceError{Kind: "change_set", ID: changeSetID}
	}
	if err != nil {
		return err
	}

	if immutable != 0 {
		return &plaiterrors.FrozenChangeSetError{ChangeSetID: changeSetID}
	}

	return s.insertElements(ctx, tx, changeSetID, changeIDs)
}

func (s *Store) insertElements(ctx context.Context, tx *sql.Tx, changeSetID string, changeIDs []string) error {
	for _, changeID := range changeIDs {
		row := tx.QueryRowContext(ctx,
			`SELECT entity_id, schema_key, file_id FROM change WHERE id = ?`, changeID)

		var entityID, schemaKey, fileID string
		err := row.Scan(&entityID, &schemaKey, &fileID)
		if err == sql.ErrNoRows {
			return &plaiterrors.DanglingReferenceError{Kind: "change", ID: changeID}
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO change_set_element
			 (change_set_id, change_id, entity_id, schema_key, file_id)
			 VALUES (?, ?, ?, ?, ?)`,
			changeSetID, changeID, entityID, schemaKey, fileID)
		if err != nil {
			return fmt.Errorf("insert element: %w", err)
		}
	}
	return nil
}

func (s *Store) insertEdge(ctx context.Context, tx *sql.Tx, parentID, childID string) error {
	var exists int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM change_set WHERE id = ?`, parentID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return &plaiterrors.DanglingReferenceError{Kind: "change_set", ID: parentID}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO change_set_edge (parent_id, child_id) VALUES (?, ?)`,
		parentID, childID)
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

func (s *Store) attachLabel(ctx context.Context, tx *sql.Tx, changeSetID, name string) error {
	labelID := uuid.New().String()
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO label (id, name) VALUES (?, ?)`, labelID, name)
	if err != nil {
		return err
	}

	// The insert may have been ignored; resolve the canonical id.
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM label WHERE name = ?`, name).Scan(&labelID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO change_set_label (change_set_id, label_id) VALUES (?, ?)`,
		changeSetID, labelID)
	return err
}

// GetChangeSet fetches one change set by id.
func (s *Store) GetChangeSet(ctx context.Context, id string) (*ChangeSet, error) {
	var immutable int
	err := s.pool.QueryRow(ctx,
		`SELECT immutable_elements FROM change_set WHERE id = ?`, id).Scan(&immutable)
	if err == sql.ErrNoRows {
		return nil, &plaiterrors.DanglingReferenceError{Kind: "change_set", ID: id}
	}
	if err != nil {
		return nil, err
	}

	return &ChangeSet{ID: id, ImmutableElements: immutable != 0}, nil
}

// Elements returns the membership rows of a change set.
func (s *Store) Elements(ctx context.Context, changeSetID string) ([]ChangeSetElement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT change_set_id, change_id, entity_id, schema_key, file_id
		 FROM change_set_element WHERE change_set_id = ? ORDER BY change_id`, changeSetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var elements []ChangeSetElement
	for rows.Next() {
		var el ChangeSetElement
		if err := rows.Scan(&el.ChangeSetID, &el.ChangeID, &el.EntityID, &el.SchemaKey, &el.FileID); err != nil {
			return nil, err
		}
		elements = append(elements, el)
	}
	return elements, rows.Err()
}

// ChangesInSet returns the full change rows belonging to a set.
func (s *Store) ChangesInSet(ctx context.Context, changeSetID string) ([]*Change, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.entity_id, c.schema_key, c.file_id, c.plugin_key, c.snapshot_id, c.created_at
		 FROM change c
		 JOIN change_set_element e ON e.change_id = c.id
		 WHERE e.change_set_id = ?
		 ORDER BY c.id`, changeSetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanChanges(rows)
}

// Labels returns the labels attached to a change set.
func (s *Store) Labels(ctx context.Context, changeSetID string) ([]Label, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT l.id, l.name FROM label l
		 JOIN change_set_label cl ON cl.label_id = l.id
		 WHERE cl.change_set_id = ? ORDER BY l.name`, changeSetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var labels []Label
	for rows.Next() {
		var label Label
		if err := rows.Scan(&label.ID, &label.Name); err != nil {
			return nil, err
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}

// Parents returns the parent ids of a change set.
func (s *Store) Parents(ctx context.Context, changeSetID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT parent_id FROM change_set_edge WHERE child_id = ? ORDER BY parent_id`, changeSetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanIDs(rows)
}

// Children returns the child ids of a change set.
func (s *Store) Children(ctx context.Context, changeSetID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT child_id FROM change_set_edge WHERE parent_id = ? ORDER BY child_id`, changeSetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
