// Package files owns the tracked file table. Raw writes land here
// first; every mutation enqueues a file-queue entry in the same
// transaction, so history never misses a write.
package files

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/plaitext/plait/core/database"
	plaiterrors "github.com/plaitext/plait/core/errors"
	"github.com/plaitext/plait/core/history"
	"github.com/plaitext/plait/core/plugin"
	"github.com/plaitext/plait/core/queue"
)

// File is one tracked file's current raw state.
type File struct {
	ID       string
	Path     string
	Data     []byte
	Metadata []byte
}

// Store reads and mutates tracked files.
type Store struct {
	pool     *database.Pool
	history  *history.Store
	registry *plugin.Registry
	queue    *queue.Store
	logger   *slog.Logger
}

// NewStore creates a file store.
func NewStore(
	pool *database.Pool,
	hist *history.Store,
	registry *plugin.Registry,
	queueStore *queue.Store,
	logger *slog.Logger,
) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pool:     pool,
		history:  hist,
		registry: registry,
		queue:    queueStore,
		logger:   logger,
	}
}

// Insert adds a new tracked file and enqueues its settlement.
func (s *Store) Insert(ctx context.Context, path string, data, metadata []byte) (*File, error) {
	file := &File{
		ID:       uuid.New().String(),
		Path:     path,
		Data:     data,
		Metadata: metadata,
	}

	var seq int64
	err := s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO file (id, path, data, metadata) VALUES (?, ?, ?, ?)`,
			file.ID, file.Path, file.Data, file.Metadata)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return &plaiterrors.DuplicateFilePathError{Path: path}
			}
			return fmt.Errorf("insert file: %w", err)
		}

		seq, err = s.queue.EnqueueTx(ctx, tx, queue.NewEntry{
			FileID:        file.ID,
			Path:          file.Path,
			DataAfter:     data,
			MetadataAfter: metadata,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.queue.NotifyEnqueued(seq, file.ID, file.Path)
	return file, nil
}

// Update overwrites a file's raw state and enqueues the delta.
func (s *Store) Update(ctx context.Context, fileID string, data, metadata []byte) (*File, error) {
	current, err := s.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}

	var seq int64
	err = s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE file SET data = ?, metadata = ? WHERE id = ?`, data, metadata, fileID)
		if err != nil {
			return err
		}

		seq, err = s.queue.EnqueueTx(ctx, tx, queue.NewEntry{
			FileID:         fileID,
			Path:           current.Path,
			DataBefore:     current.Data,
			DataAfter:      data,
			MetadataBefore: current.Metadata,
			MetadataAfter:  metadata,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.queue.NotifyEnqueued(seq, fileID, current.Path)
	return &File{ID: fileID, Path: current.Path, Data: data, Metadata: metadata}, nil
}

// Delete removes a file's raw state. History keeps the tombstoned
// entities; only the current state goes away.
func (s *Store) Delete(ctx context.Context, fileID string) error {
	current, err := s.Get(ctx, fileID)
	if err != nil {
		return err
	}

	var seq int64
	err = s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM file WHERE id = ?`, fileID)
		if err != nil {
			return err
		}

		seq, err = s.queue.EnqueueTx(ctx, tx, queue.NewEntry{
			FileID:         fileID,
			Path:           current.Path,
			DataBefore:     current.Data,
			MetadataBefore: current.Metadata,
		})
		return err
	})
	if err != nil {
		return err
	}

	s.queue.NotifyEnqueued(seq, fileID, current.Path)
	return nil
}

// Get fetches a file by id.
func (s *Store) Get(ctx context.Context, fileID string) (*File, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, path, data, metadata FROM file WHERE id = ?`, fileID)
	return scanFile(row, fileID)
}

// GetByPath fetches a file by its unique path.
func (s *Store) GetByPath(ctx context.Context, path string) (*File, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, path, data, metadata FROM file WHERE path = ?`, path)
	return scanFile(row, path)
}

// List returns all tracked files ordered by path.
func (s *Store) List(ctx context.Context) ([]*File, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, path, data, metadata FROM file ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		var file File
		if err := rows.Scan(&file.ID, &file.Path, &file.Data, &file.Metadata); err != nil {
			return nil, err
		}
		files = append(files, &file)
	}
	return files, rows.Err()
}

func scanFile(row *sql.Row, ref string) (*File, error) {
	var file File
	err := row.Scan(&file.ID, &file.Path, &file.Data, &file.Metadata)
	if err == sql.ErrNoRows {
		return nil, &plaiterrors.DanglingReferenceError{Kind: "file", ID: ref}
	}
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// Migrations returns the schema migrations owned by the files package.
func Migrations() []database.Migration {
	return []database.Migration{
		{
			Version:     3,
			Description: "tracked files",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(fileSchema)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`DROP TABLE IF EXISTS file`)
				return err
			},
		},
	}
}

const fileSchema = `
	CREATE TABLE file (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL UNIQUE,
		data BLOB,
		metadata BLOB
	);
`
