package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".plait", "plait.db")

	pool, err := OpenPath(path, DefaultPoolConfig())
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	defer pool.Close()

	if pool.DB() == nil {
		t.Error("DB should not be nil")
	}
	if pool.Path() != path {
		t.Errorf("Path: got %s, want %s", pool.Path(), path)
	}
}

func TestPoolTransaction(t *testing.T) {
	pool, err := OpenPath(filepath.Join(t.TempDir(), "tx.db"), DefaultPoolConfig())
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	_, _ = pool.Exec(ctx, "CREATE TABLE tx_test (id INTEGER PRIMARY KEY, value INTEGER)")

	err = pool.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO tx_test (value) VALUES (?)", 100)
		return err
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}

	var value int
	err = pool.QueryRow(ctx, "SELECT value FROM tx_test WHERE id = 1").Scan(&value)
	if err != nil || value != 100 {
		t.Errorf("Transaction not committed: value=%d, err=%v", value, err)
	}

	err = pool.Transaction(ctx, func(tx *sql.Tx) error {
		_, _ = tx.Exec("INSERT INTO tx_test (value) VALUES (?)", 200)
		return sql.ErrNoRows
	})
	if err == nil {
		t.Error("Transaction should have failed")
	}

	var count int
	_ = pool.QueryRow(ctx, "SELECT COUNT(*) FROM tx_test").Scan(&count)
	if count != 1 {
		t.Errorf("Rollback failed: count=%d, want 1", count)
	}
}

func TestPoolForeignKeys(t *testing.T) {
	pool, err := OpenPath(filepath.Join(t.TempDir(), "fk.db"), DefaultPoolConfig())
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	_, _ = pool.Exec(ctx, `
		CREATE TABLE parent (id TEXT PRIMARY KEY);
		CREATE TABLE child (id TEXT PRIMARY KEY, parent_id TEXT NOT NULL REFERENCES parent(id));
	`)

	_, err = pool.Exec(ctx, "INSERT INTO child (id, parent_id) VALUES ('c1', 'missing')")
	if err == nil {
		t.Error("foreign key violation should fail")
	}
}

func TestPoolVersion(t *testing.T) {
	pool, err := OpenPath(filepath.Join(t.TempDir(), "v.db"), DefaultPoolConfig())
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	defer pool.Close()

	version, err := pool.Version()
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if version != 0 {
		t.Errorf("Initial version: got %d, want 0", version)
	}

	if err := pool.SetVersion(5); err != nil {
		t.Fatalf("SetVersion failed: %v", err)
	}

	version, _ = pool.Version()
	if version != 5 {
		t.Errorf("Version: got %d, want 5", version)
	}
}

func TestPoolIntegrityCheck(t *testing.T) {
	pool, err := OpenPath(filepath.Join(t.TempDir(), "i.db"), DefaultPoolConfig())
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	defer pool.Close()

	if err := pool.IntegrityCheck(); err != nil {
		t.Errorf("IntegrityCheck failed: %v", err)
	}
}

func TestMigrator(t *testing.T) {
	pool, err := OpenPath(filepath.Join(t.TempDir(), "m.db"), DefaultPoolConfig())
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	defer pool.Close()

	migrations := []Migration{
		{
			Version:     1,
			Description: "create snapshots",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec("CREATE TABLE snapshot (id TEXT PRIMARY KEY, content BLOB)")
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec("DROP TABLE snapshot")
				return err
			},
		},
		{
			Version:     2,
			Description: "add created_at",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec("ALTER TABLE snapshot ADD COLUMN created_at INTEGER")
				return err
			},
			Down: func(tx *sql.Tx) error {
				return nil
			},
		},
	}

	migrator := NewMigrator(pool, migrations)
	ctx := context.Background()

	if err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	version, _ := migrator.CurrentVersion()
	if version != 2 {
		t.Errorf("Version: got %d, want 2", version)
	}

	// re-running is a no-op
	if err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}

	pending, _ := migrator.PendingMigrations()
	if len(pending) != 0 {
		t.Errorf("Pending: got %d, want 0", len(pending))
	}
}

func TestAdvisoryLock(t *testing.T) {
	tmpDir := t.TempDir()

	lock, err := NewAdvisoryLock(tmpDir, "workspace")
	if err != nil {
		t.Fatalf("NewAdvisoryLock failed: %v", err)
	}

	ctx := context.Background()
	if err := lock.Acquire(ctx, 5*time.Second); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if !lock.IsHeld() {
		t.Error("Lock should be held")
	}

	lock2, _ := NewAdvisoryLock(tmpDir, "workspace")
	acquired, _ := lock2.TryAcquire()
	if acquired {
		t.Error("Second lock should not acquire")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	acquired, _ = lock2.TryAcquire()
	if !acquired {
		t.Error("Second lock should acquire after release")
	}
	lock2.Release()
}
