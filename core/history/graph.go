package history

import (
	"context"

	plaiterrors "github.com/plaitext/plait/core/errors"
)

// Graph queries over the change-set DAG. The graph is acyclic by
// construction (edges are only written pointing at pre-existing
// parents), so traversals need a visited set only to deduplicate
// diamond histories, never to break cycles.

const ancestorsCTE = `
	WITH RECURSIVE anc(id) AS (
		SELECT parent_id FROM change_set_edge WHERE child_id = ?
		UNION
		SELECT e.parent_id FROM change_set_edge e JOIN anc a ON e.child_id = a.id
	)
	SELECT id FROM anc`

const descendantsCTE = `
	WITH RECURSIVE desc_(id) AS (
		SELECT child_id FROM change_set_edge WHERE parent_id = ?
		UNION
		SELECT e.child_id FROM change_set_edge e JOIN desc_ d ON e.parent_id = d.id
	)
	SELECT id FROM desc_`

// Ancestors returns all proper ancestors of a change set, deduplicated
// across diamond histories. The set itself is never included.
func (s *Store) Ancestors(ctx context.Context, changeSetID string) ([]string, error) {
	if err := s.requireChangeSet(ctx, changeSetID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, ancestorsCTE, changeSetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanIDs(rows)
}

// Descendants returns all proper descendants of a change set.
func (s *Store) Descendants(ctx context.Context, changeSetID string) ([]string, error) {
	if err := s.requireChangeSet(ctx, changeSetID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, descendantsCTE, changeSetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanIDs(rows)
}

// IsAncestorOf reports whether a is reachable from b via parent edges.
func (s *Store) IsAncestorOf(ctx context.Context, a, b string) (bool, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		WITH RECURSIVE anc(id) AS (
			SELECT parent_id FROM change_set_edge WHERE child_id = ?
			UNION
			SELECT e.parent_id FROM change_set_edge e JOIN anc a ON e.child_id = a.id
		)
		SELECT COUNT(*) FROM anc WHERE id = ?`, b, a).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ReachableOnlyFrom returns the change sets reachable from source
// (inclusive) but not reachable from target (inclusive). This is the
// set a proposal accept merges into the target.
func (s *Store) ReachableOnlyFrom(ctx context.Context, sourceID, targetID string) ([]string, error) {
	if err := s.requireChangeSet(ctx, sourceID); err != nil {
		return nil, err
	}
	if err := s.requireChangeSet(ctx, targetID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		WITH RECURSIVE
		src(id) AS (
			SELECT ?
			UNION
			SELECT e.parent_id FROM change_set_edge e JOIN src s ON e.child_id = s.id
		),
		tgt(id) AS (
			SELECT ?
			UNION
			SELECT e.parent_id FROM change_set_edge e JOIN tgt t ON e.child_id = t.id
		)
		SELECT id FROM src EXCEPT SELECT id FROM tgt`, sourceID, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanIDs(rows)
}

// CommonAncestor returns the nearest change set reachable from both a
// and b (inclusive on both sides), or "" when the two share no
// history. Nearest means minimal distance from a.
func (s *Store) CommonAncestor(ctx context.Context, a, b string) (string, error) {
	if err := s.requireChangeSet(ctx, a); err != nil {
		return "", err
	}
	if err := s.requireChangeSet(ctx, b); err != nil {
		return "", err
	}

	reachableFromB, err := s.reachableSet(ctx, b)
	if err != nil {
		return "", err
	}

	// BFS from a by depth; the first hit in b's reachable set is the
	// nearest common ancestor.
	walker := s.NewAncestorWalker(a)
	if reachableFromB[a] {
		return a, nil
	}

	for {
		id, ok, err := walker.Next(ctx)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", nil
		}
		if reachableFromB[id] {
			return id, nil
		}
	}
}

func (s *Store) reachableSet(ctx context.Context, changeSetID string) (map[string]bool, error) {
	ancestors, err := s.Ancestors(ctx, changeSetID)
	if err != nil {
		return nil, err
	}

	set := make(map[string]bool, len(ancestors)+1)
	set[changeSetID] = true
	for _, id := range ancestors {
		set[id] = true
	}
	return set, nil
}

func (s *Store) requireChangeSet(ctx context.Context, id string) error {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM change_set WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return err
	}
	if count == 0 {
		return &plaiterrors.DanglingReferenceError{Kind: "change_set", ID: id}
	}
	return nil
}

// =============================================================================
// AncestorWalker - lazy breadth-first traversal
// =============================================================================

// AncestorWalker walks proper ancestors lazily, one parent query per
// expanded node, yielding each change set at most once. Useful when a
// caller wants to stop early on large histories.
type AncestorWalker struct {
	store   *Store
	expand  []string // nodes whose parents have not been queried yet
	pending []string // discovered ancestors not yet yielded
	visited map[string]bool
}

// NewAncestorWalker starts a walk at the given change set. The start
// set itself is not yielded.
func (s *Store) NewAncestorWalker(changeSetID string) *AncestorWalker {
	return &AncestorWalker{
		store:   s,
		expand:  []string{changeSetID},
		visited: map[string]bool{changeSetID: true},
	}
}

// Next yields the next ancestor in breadth-first order. Returns
// ok=false when the walk is exhausted.
func (w *AncestorWalker) Next(ctx context.Context) (string, bool, error) {
	for len(w.pending) == 0 && len(w.expand) > 0 {
		current := w.expand[0]
		w.expand = w.expand[1:]

		parents, err := w.parentsOf(ctx, current)
		if err != nil {
			return "", false, err
		}

		for _, parent := range parents {
			if w.visited[parent] {
				continue
			}
			w.visited[parent] = true
			w.pending = append(w.pending, parent)
			w.expand = append(w.expand, parent)
		}
	}

	if len(w.pending) == 0 {
		return "", false, nil
	}

	next := w.pending[0]
	w.pending = w.pending[1:]
	return next, true, nil
}

func (w *AncestorWalker) parentsOf(ctx context.Context, id string) ([]string, error) {
	rows, err := w.store.pool.Query(ctx,
		`SELECT parent_id FROM change_set_edge WHERE child_id = ? ORDER BY parent_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parents []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		parents = append(parents, p)
	}
	return parents, rows.Err()
}
