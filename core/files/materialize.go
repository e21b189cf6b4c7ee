package files

import (
	"context"
	"fmt"
	"sort"

	"github.com/plaitext/plait/core/history"
	"github.com/plaitext/plait/core/plugin"
)

// FileState is one file's materialized content at a point in history.
type FileState struct {
	FileID string
	Path   string
	Data   []byte
}

// winningChangesQuery collects every change reachable from a head
// change set (inclusive) via its elements. Ordered by change id so
// the Go side can keep the last writer per entity; ULID change ids
// make lexicographic order creation order.
const winningChangesQuery = `
	WITH RECURSIVE anc(id) AS (
		SELECT ?
		UNION
		SELECT e.parent_id FROM change_set_edge e JOIN anc a ON e.child_id = a.id
	)
	SELECT c.id, c.entity_id, c.schema_key, c.file_id, c.plugin_key, c.snapshot_id
	FROM change_set_element el
	JOIN anc ON el.change_set_id = anc.id
	JOIN change c ON c.id = el.change_id
	ORDER BY c.id`

type winningChange struct {
	entityID  string
	schemaKey string
	pluginKey string
	snapshot  string
}

// StateAt materializes every file visible at the given change set:
// the last-written snapshot per entity across the head's ancestry,
// tombstones dropped, rendered back into bytes by the owning plugin.
// Files whose entities are all tombstoned do not appear.
func (s *Store) StateAt(ctx context.Context, changeSetID string) ([]FileState, error) {
	if _, err := s.history.GetChangeSet(ctx, changeSetID); err != nil {
		return nil, err
	}

	winners, err := s.collectWinners(ctx, changeSetID)
	if err != nil {
		return nil, err
	}

	states := make([]FileState, 0, len(winners))
	for fileID, entities := range winners {
		data, err := s.render(ctx, fileID, entities)
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}

		path, err := s.pathFor(ctx, fileID)
		if err != nil {
			return nil, err
		}
		states = append(states, FileState{FileID: fileID, Path: path, Data: data})
	}

	sort.Slice(states, func(i, j int) bool { return states[i].Path < states[j].Path })
	return states, nil
}

// FileStateAt materializes a single file at the given change set.
// Returns nil data when the file has no live entities there.
func (s *Store) FileStateAt(ctx context.Context, changeSetID, fileID string) ([]byte, error) {
	if _, err := s.history.GetChangeSet(ctx, changeSetID); err != nil {
		return nil, err
	}

	winners, err := s.collectWinners(ctx, changeSetID)
	if err != nil {
		return nil, err
	}
	return s.render(ctx, fileID, winners[fileID])
}

// collectWinners returns, per file, the last-written change for each
// (entity_id, schema_key) pair reachable from the head.
func (s *Store) collectWinners(ctx context.Context, changeSetID string) (map[string]map[string]winningChange, error) {
	rows, err := s.pool.Query(ctx, winningChangesQuery, changeSetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	winners := map[string]map[string]winningChange{}
	for rows.Next() {
		var id string
		var w winningChange
		var fileID string
		if err := rows.Scan(&id, &w.entityID, &w.schemaKey, &fileID, &w.pluginKey, &w.snapshot); err != nil {
			return nil, err
		}

		perFile := winners[fileID]
		if perFile == nil {
			perFile = map[string]winningChange{}
			winners[fileID] = perFile
		}
		// Rows arrive oldest first; the last write per entity wins.
		perFile[w.entityID+"\x00"+w.schemaKey] = w
	}
	return winners, rows.Err()
}

// render turns a file's winning entities into bytes. Tombstoned
// entities are dropped; a file with no live entities renders to nil.
func (s *Store) render(ctx context.Context, fileID string, entities map[string]winningChange) ([]byte, error) {
	if len(entities) == 0 {
		return nil, nil
	}

	var pluginKey string
	live := make([]plugin.Entity, 0, len(entities))
	for _, w := range entities {
		pluginKey = w.pluginKey
		if w.snapshot == history.NoContentSnapshotID {
			continue
		}

		content, err := s.history.GetSnapshot(ctx, w.snapshot)
		if err != nil {
			return nil, err
		}
		live = append(live, plugin.Entity{
			EntityID:  w.entityID,
			SchemaKey: w.schemaKey,
			Snapshot:  content,
		})
	}
	if len(live) == 0 {
		return nil, nil
	}

	owning, ok := s.registry.Get(pluginKey)
	if !ok {
		return nil, fmt.Errorf("file %s recorded by unknown plugin %q", fileID, pluginKey)
	}
	return owning.Render(live)
}

func (s *Store) pathFor(ctx context.Context, fileID string) (string, error) {
	var path string
	err := s.pool.QueryRow(ctx, `SELECT path FROM file WHERE id = ?`, fileID).Scan(&path)
	if err == nil {
		return path, nil
	}
	// The raw row may be gone (deleted file visible in older history);
	// fall back to the last path the queue saw.
	err = s.pool.QueryRow(ctx,
		`SELECT path FROM file_queue WHERE file_id = ? ORDER BY seq DESC LIMIT 1`, fileID).Scan(&path)
	if err == nil {
		return path, nil
	}
	return fileID, nil
}
