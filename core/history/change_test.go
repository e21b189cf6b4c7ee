package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/plaitext/plait/core/database"
	plaiterrors "github.com/plaitext/plait/core/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	pool, err := database.OpenPath(filepath.Join(t.TempDir(), "plait.db"), database.DefaultPoolConfig())
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	migrator := database.NewMigrator(pool, Migrations())
	if err := migrator.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store, err := NewStore(pool, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestRecordChange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("records a content change", func(t *testing.T) {
		change, err := store.RecordChange(ctx, NewChange{
			EntityID:  "row-1",
			SchemaKey: "csv_row",
			FileID:    "file-1",
			PluginKey: "csv",
			Snapshot:  []byte(`{"name":"Ada"}`),
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if change.ID == "" {
			t.Error("change should have an id")
		}
		if change.IsTombstone() {
			t.Error("content change should not be a tombstone")
		}

		content, err := store.GetSnapshot(ctx, change.SnapshotID)
		if err != nil {
			t.Fatalf("get snapshot: %v", err)
		}
		if string(content) != `{"name":"Ada"}` {
			t.Errorf("snapshot content: got %s", content)
		}
	})

	t.Run("records a tombstone", func(t *testing.T) {
		change, err := store.RecordChange(ctx, NewChange{
			EntityID:  "row-1",
			SchemaKey: "csv_row",
			FileID:    "file-1",
			PluginKey: "csv",
			Snapshot:  nil,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if !change.IsTombstone() {
			t.Error("nil snapshot should record a tombstone")
		}
		if change.SnapshotID != NoContentSnapshotID {
			t.Errorf("snapshot id: got %s", change.SnapshotID)
		}

		content, err := store.GetSnapshot(ctx, change.SnapshotID)
		if err != nil {
			t.Fatalf("get snapshot: %v", err)
		}
		if content != nil {
			t.Error("tombstone snapshot should have nil content")
		}
	})

	t.Run("deduplicates identical snapshots", func(t *testing.T) {
		c1, _ := store.RecordChange(ctx, NewChange{
			EntityID: "a", SchemaKey: "json_property", FileID: "f", PluginKey: "json",
			Snapshot: []byte(`"same"`),
		})
		c2, _ := store.RecordChange(ctx, NewChange{
			EntityID: "b", SchemaKey: "json_property", FileID: "f", PluginKey: "json",
			Snapshot: []byte(`"same"`),
		})

		if c1.SnapshotID != c2.SnapshotID {
			t.Error("identical content should share a snapshot")
		}

		var count int
		err := store.Pool().QueryRow(ctx,
			`SELECT COUNT(*) FROM snapshot WHERE id = ?`, c1.SnapshotID).Scan(&count)
		if err != nil || count != 1 {
			t.Errorf("expected exactly one snapshot row, got %d (err=%v)", count, err)
		}
	})

	t.Run("change ids are creation ordered", func(t *testing.T) {
		c1, _ := store.RecordChange(ctx, NewChange{
			EntityID: "x", SchemaKey: "s", FileID: "f2", PluginKey: "json", Snapshot: []byte("1"),
		})
		c2, _ := store.RecordChange(ctx, NewChange{
			EntityID: "x", SchemaKey: "s", FileID: "f2", PluginKey: "json", Snapshot: []byte("2"),
		})

		if !(c1.ID < c2.ID) {
			t.Errorf("ULIDs should order by creation: %s >= %s", c1.ID, c2.ID)
		}
	})
}

func TestGetChange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recorded, err := store.RecordChange(ctx, NewChange{
		EntityID: "e", SchemaKey: "s", FileID: "f", PluginKey: "json", Snapshot: []byte("v"),
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	fetched, err := store.GetChange(ctx, recorded.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched.EntityID != "e" || fetched.SchemaKey != "s" || fetched.FileID != "f" {
		t.Errorf("fetched change mismatch: %+v", fetched)
	}

	_, err = store.GetChange(ctx, "missing")
	if !plaiterrors.IsDangling(err) {
		t.Errorf("expected DanglingReferenceError, got %v", err)
	}
}

func TestListChangesByFile(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.RecordChange(ctx, NewChange{
			EntityID: "e", SchemaKey: "s", FileID: "listed", PluginKey: "json",
			Snapshot: []byte{byte('a' + i)},
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	_, _ = store.RecordChange(ctx, NewChange{
		EntityID: "e", SchemaKey: "s", FileID: "other", PluginKey: "json", Snapshot: []byte("z"),
	})

	changes, err := store.ListChangesByFile(ctx, "listed")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(changes))
	}
	for i := 1; i < len(changes); i++ {
		if !(changes[i-1].ID < changes[i].ID) {
			t.Error("changes should be ordered oldest first")
		}
	}
}
