package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plaitext/plait/core/database"
	plaiterrors "github.com/plaitext/plait/core/errors"
	"github.com/plaitext/plait/core/files"
	"github.com/plaitext/plait/core/history"
	"github.com/plaitext/plait/core/plugin"
	"github.com/plaitext/plait/core/queue"
	"github.com/plaitext/plait/core/version"
)

func newSyncedStore(t *testing.T, root string) *files.Store {
	t.Helper()
	ctx := context.Background()

	pool, err := database.OpenPath(filepath.Join(t.TempDir(), "plait.db"), database.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	var migrations []database.Migration
	migrations = append(migrations, history.Migrations()...)
	migrations = append(migrations, version.Migrations()...)
	migrations = append(migrations, files.Migrations()...)
	migrations = append(migrations, queue.Migrations()...)
	require.NoError(t, database.NewMigrator(pool, migrations).Migrate(ctx))

	hist, err := history.NewStore(pool, nil)
	require.NoError(t, err)

	queueStore := queue.NewStore(pool, nil, nil)
	return files.NewStore(pool, hist, plugin.DefaultRegistry(), queueStore, nil)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestSyncerAppliesExternalWrites(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := newSyncedStore(t, root)

	syncer, err := NewSyncer(SyncerOptions{
		Root: root,
		Watch: WatchConfig{
			Paths:    []string{root},
			Debounce: 20 * time.Millisecond,
		},
		Store: store,
	})
	require.NoError(t, err)

	require.NoError(t, syncer.Start(ctx))
	defer syncer.Stop()

	// Create.
	path := filepath.Join(root, "doc.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"v":1}`), 0o644))

	require.True(t, waitFor(t, 3*time.Second, func() bool {
		_, err := store.GetByPath(ctx, "doc.json")
		return err == nil
	}), "external create should reach the store")

	// Modify.
	require.NoError(t, os.WriteFile(path, []byte(`{"v":2}`), 0o644))

	require.True(t, waitFor(t, 3*time.Second, func() bool {
		file, err := store.GetByPath(ctx, "doc.json")
		return err == nil && string(file.Data) == `{"v":2}`
	}), "external modify should update the store")

	// Delete.
	require.NoError(t, os.Remove(path))

	require.True(t, waitFor(t, 3*time.Second, func() bool {
		_, err := store.GetByPath(ctx, "doc.json")
		return plaiterrors.IsDangling(err)
	}), "external delete should remove the store row")
}

func TestSyncerChecksumSource(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := newSyncedStore(t, root)

	_, err := store.Insert(ctx, "doc.json", []byte(`{"v":1}`), nil)
	require.NoError(t, err)

	syncer, err := NewSyncer(SyncerOptions{
		Root:  root,
		Watch: WatchConfig{Paths: []string{root}},
		Store: store,
	})
	require.NoError(t, err)

	sum, tracked := syncer.Checksum(ctx, "doc.json")
	require.True(t, tracked)
	require.Equal(t, DataChecksum([]byte(`{"v":1}`)), sum)

	_, tracked = syncer.Checksum(ctx, "ghost.json")
	require.False(t, tracked)
}
