// Package queue implements the file queue and its settlement
// pipeline: raw file writes are enqueued alongside the data write,
// then settled asynchronously into change records and change sets.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaitext/plait/core/database"
	plaiterrors "github.com/plaitext/plait/core/errors"
	"github.com/plaitext/plait/core/events"
)

// Entry statuses. Settled entries are deleted, not kept.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusError      = "error"
)

// Entry is one detected raw write awaiting settlement.
type Entry struct {
	Seq            int64
	FileID         string
	Path           string
	DataBefore     []byte
	DataAfter      []byte
	MetadataBefore []byte
	MetadataAfter  []byte
	Status         string
	Error          string
	CreatedAt      time.Time
}

// NewEntry describes a write to enqueue. Nil DataBefore marks a file
// creation, nil DataAfter a deletion.
type NewEntry struct {
	FileID         string
	Path           string
	DataBefore     []byte
	DataAfter      []byte
	MetadataBefore []byte
	MetadataAfter  []byte
}

// Store reads and mutates queue rows.
type Store struct {
	pool   *database.Pool
	bus    *events.Bus
	logger *slog.Logger
}

// NewStore creates a queue store. bus may be nil.
func NewStore(pool *database.Pool, bus *events.Bus, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, bus: bus, logger: logger}
}

// EnqueueTx inserts a pending entry inside the caller's transaction,
// so the data write and its queue entry commit together.
func (s *Store) EnqueueTx(ctx context.Context, tx *sql.Tx, entry NewEntry) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO file_queue
		 (file_id, path, data_before, data_after, metadata_before, metadata_after, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.FileID, entry.Path, entry.DataBefore, entry.DataAfter,
		entry.MetadataBefore, entry.MetadataAfter, StatusPending, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return res.LastInsertId()
}

// NotifyEnqueued wakes the processor after an enqueue transaction
// commits.
func (s *Store) NotifyEnqueued(seq int64, fileID, path string) {
	if s.bus == nil {
		return
	}
	event := events.NewEvent(events.EventTypeFileQueued)
	event.FileID = fileID
	event.Path = path
	event.QueueSeq = seq
	s.bus.Publish(event)
}

// Get fetches one entry by sequence number.
func (s *Store) Get(ctx context.Context, seq int64) (*Entry, error) {
	row := s.pool.QueryRow(ctx, selectEntry+` WHERE seq = ?`, seq)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, &plaiterrors.DanglingReferenceError{Kind: "queue_entry", ID: fmt.Sprint(seq)}
	}
	return entry, err
}

// List returns entries in sequence order, optionally filtered by
// status.
func (s *Store) List(ctx context.Context, status string) ([]*Entry, error) {
	query := selectEntry
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Retry flips an error entry back to pending and wakes the processor.
func (s *Store) Retry(ctx context.Context, seq int64) error {
	entry, err := s.Get(ctx, seq)
	if err != nil {
		return err
	}
	if entry.Status != StatusError {
		return fmt.Errorf("retry seq %d: status is %s, not %s", seq, entry.Status, StatusError)
	}

	err = s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE file_queue SET status = ?, error = '' WHERE seq = ? AND status = ?`,
			StatusPending, seq, StatusError)
		return err
	})
	if err != nil {
		return err
	}

	s.NotifyEnqueued(seq, entry.FileID, entry.Path)
	return nil
}

// Unsettled counts pending and processing entries. Error entries are
// excluded; they never settle on their own.
func (s *Store) Unsettled(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM file_queue WHERE status IN (?, ?)`,
		StatusPending, StatusProcessing).Scan(&count)
	return count, err
}

// settledPollInterval bounds the wake latency of Settled when no bus
// events arrive.
const settledPollInterval = 25 * time.Millisecond

// Settled blocks until no pending or processing entries remain. It
// returns immediately when the queue is already drained and never
// waits on error entries.
func (s *Store) Settled(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	if s.bus != nil {
		id := fmt.Sprintf("settled-%d", time.Now().UnixNano())
		s.bus.SubscribeFunc(id, []events.EventType{
			events.EventTypeEntrySettled,
			events.EventTypeEntryFailed,
			events.EventTypeQueueDrained,
		}, func(*events.Event) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		defer s.bus.Unsubscribe(id)
	}

	ticker := time.NewTicker(settledPollInterval)
	defer ticker.Stop()

	for {
		count, err := s.Unsettled(ctx)
		if err != nil {
			return err
		}
		if count == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

const selectEntry = `
	SELECT seq, file_id, path, data_before, data_after,
	       metadata_before, metadata_after, status, error, created_at
	FROM file_queue`

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var entry Entry
	var createdAt int64

	err := row.Scan(&entry.Seq, &entry.FileID, &entry.Path,
		&entry.DataBefore, &entry.DataAfter,
		&entry.MetadataBefore, &entry.MetadataAfter,
		&entry.Status, &entry.Error, &createdAt)
	if err != nil {
		return nil, err
	}

	entry.CreatedAt = time.Unix(createdAt, 0)
	return &entry, nil
}

// Migrations returns the schema migrations owned by the queue package.
func Migrations() []database.Migration {
	return []database.Migration{
		{
			Version:     4,
			Description: "file queue",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(queueSchema)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`DROP TABLE IF EXISTS file_queue`)
				return err
			},
		},
	}
}

const queueSchema = `
	CREATE TABLE file_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id TEXT NOT NULL,
		path TEXT NOT NULL,
		data_before BLOB,
		data_after BLOB,
		metadata_before BLOB,
		metadata_after BLOB,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX idx_queue_status ON file_queue(status);
	CREATE INDEX idx_queue_file ON file_queue(file_id);
`
