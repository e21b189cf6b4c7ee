package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaitext/plait/core/database"
	plaiterrors "github.com/plaitext/plait/core/errors"
	"github.com/plaitext/plait/core/events"
	"github.com/plaitext/plait/core/history"
	"github.com/plaitext/plait/core/plugin"
	"github.com/plaitext/plait/core/version"
)

// ProcessorConfig tunes the background settlement loop.
type ProcessorConfig struct {
	// Workers is the number of concurrent settlement workers.
	Workers int

	// PollInterval bounds wake latency when no bus events arrive.
	PollInterval time.Duration

	// BufferSize is the dispatch channel capacity.
	BufferSize int
}

// settleMaxRetries bounds how often one settlement retries after
// losing a head-advancement race. Each retry re-reads the head, so a
// loss only ever means another settlement committed.
const settleMaxRetries = 10

// DefaultProcessorConfig returns the default processor tuning.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Workers:      4,
		PollInterval: 50 * time.Millisecond,
		BufferSize:   256,
	}
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	defaults := DefaultProcessorConfig()
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaults.BufferSize
	}
	return c
}

// Processor drains the file queue in the background, converting each
// entry into change records and a change set committed to the active
// version. Entries for the same file are never settled concurrently,
// so a diff never runs against a stale before-state.
type Processor struct {
	store    *Store
	pool     *database.Pool
	history  *history.Store
	versions *version.Manager
	registry *plugin.Registry
	bus      *events.Bus
	config   ProcessorConfig
	logger   *slog.Logger

	jobs chan *Entry
	done chan *Entry // settled or failed, frees the file slot
	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewProcessor wires a settlement processor. bus may be nil; the
// processor then relies on polling alone.
func NewProcessor(
	store *Store,
	pool *database.Pool,
	hist *history.Store,
	versions *version.Manager,
	registry *plugin.Registry,
	bus *events.Bus,
	config ProcessorConfig,
	logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()

	return &Processor{
		store:    store,
		pool:     pool,
		history:  hist,
		versions: versions,
		registry: registry,
		bus:      bus,
		config:   config,
		logger:   logger,
		jobs:     make(chan *Entry, config.BufferSize),
		done:     make(chan *Entry, config.BufferSize),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start launches the dispatcher and workers. Safe to call once.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	if p.bus != nil {
		p.bus.SubscribeFunc("queue-processor", []events.EventType{events.EventTypeFileQueued},
			func(*events.Event) {
				select {
				case p.wake <- struct{}{}:
				default:
				}
			})
	}

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.wg.Add(1)
	go p.dispatch()
}

// Close stops the processor and waits for in-flight settlements.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Unsubscribe("queue-processor")
	}
	close(p.stop)
	p.wg.Wait()
}

// dispatch claims pending entries and hands them to workers, keeping
// at most one in-flight entry per file.
func (p *Processor) dispatch() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	inflight := map[string]bool{}

	for {
		p.claimPending(inflight)

		select {
		case <-p.stop:
			return
		case entry := <-p.done:
			delete(inflight, entry.FileID)
		case <-p.wake:
		case <-ticker.C:
		}

		// Drain completions before the next claim pass.
		for drained := false; !drained; {
			select {
			case entry := <-p.done:
				delete(inflight, entry.FileID)
			default:
				drained = true
			}
		}
	}
}

func (p *Processor) claimPending(inflight map[string]bool) {
	ctx := context.Background()

	entries, err := p.store.List(ctx, StatusPending)
	if err != nil {
		p.logger.Error("queue scan failed", slog.String("error", err.Error()))
		return
	}

	for _, entry := range entries {
		if inflight[entry.FileID] {
			continue
		}

		claimed, err := p.claim(ctx, entry.Seq)
		if err != nil {
			p.logger.Error("queue claim failed",
				slog.Int64("seq", entry.Seq), slog.String("error", err.Error()))
			continue
		}
		if !claimed {
			continue
		}

		inflight[entry.FileID] = true
		select {
		case p.jobs <- entry:
		case <-p.stop:
			return
		}
	}
}

// claim flips a pending entry to processing; false when another pass
// got there first.
func (p *Processor) claim(ctx context.Context, seq int64) (bool, error) {
	var claimed bool
	err := p.pool.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE file_queue SET status = ? WHERE seq = ? AND status = ?`,
			StatusProcessing, seq, StatusPending)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		claimed = affected == 1
		return err
	})
	return claimed, err
}

func (p *Processor) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stop:
			return
		case entry := <-p.jobs:
			p.settle(context.Background(), entry)
			select {
			case p.done <- entry:
			case <-p.stop:
				return
			}
		}
	}
}

// settle converts one entry into history. The change records, the
// change set, the version pointer move, and the entry deletion commit
// in a single transaction; failures mark the entry error and never
// block the rest of the queue.
func (p *Processor) settle(ctx context.Context, entry *Entry) {
	owning := p.registry.ForPath(entry.Path)
	if owning == nil {
		// Untracked format: the raw write stands, nothing to record.
		err := p.pool.Transaction(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM file_queue WHERE seq = ?`, entry.Seq)
			return err
		})
		if err != nil {
			p.fail(ctx, entry, err)
			return
		}
		p.notifySettled(ctx, entry, 0)
		return
	}

	deltas, err := owning.Diff(entry.DataBefore, entry.DataAfter)
	if err != nil {
		p.fail(ctx, entry, &plaiterrors.PluginDiffError{
			PluginKey: owning.Key(),
			FileID:    entry.FileID,
			Path:      entry.Path,
			Err:       err,
		})
		return
	}

	// Concurrent settlements of different files race on the head. The
	// guarded advance detects a stale read; the loser rolls back and
	// retries against the fresh head, so every settled change set stays
	// reachable.
	for attempt := 0; ; attempt++ {
		active, err := p.versions.Active(ctx)
		if err != nil {
			p.fail(ctx, entry, fmt.Errorf("resolve active version: %w", err))
			return
		}

		err = p.pool.Transaction(ctx, func(tx *sql.Tx) error {
			if len(deltas) > 0 {
				changeIDs := make([]string, 0, len(deltas))
				for _, delta := range deltas {
					change, err := p.history.RecordChangeTx(ctx, tx, history.NewChange{
						EntityID:  delta.EntityID,
						SchemaKey: delta.SchemaKey,
						FileID:    entry.FileID,
						PluginKey: owning.Key(),
						Snapshot:  delta.Snapshot,
					})
					if err != nil {
						return err
					}
					changeIDs = append(changeIDs, change.ID)
				}

				set, err := p.history.CreateChangeSetTx(ctx, tx, history.CreateChangeSetOptions{
					Elements:          changeIDs,
					Parents:           []string{active.ChangeSetID},
					ImmutableElements: true,
				})
				if err != nil {
					return err
				}

				if err := p.versions.AdvanceHeadFromTx(ctx, tx, active.ID, active.ChangeSetID, set.ID); err != nil {
					return err
				}
			}

			_, err := tx.ExecContext(ctx, `DELETE FROM file_queue WHERE seq = ?`, entry.Seq)
			return err
		})
		if err == nil {
			break
		}
		if errors.Is(err, plaiterrors.ErrHeadMoved) && attempt < settleMaxRetries {
			continue
		}
		p.fail(ctx, entry, err)
		return
	}

	p.notifySettled(ctx, entry, len(deltas))
}

func (p *Processor) notifySettled(ctx context.Context, entry *Entry, deltaCount int) {
	p.logger.Debug("queue entry settled",
		slog.Int64("seq", entry.Seq),
		slog.String("path", entry.Path),
		slog.Int("deltas", deltaCount))

	if p.bus != nil {
		event := events.NewEvent(events.EventTypeEntrySettled)
		event.FileID = entry.FileID
		event.Path = entry.Path
		event.QueueSeq = entry.Seq
		p.bus.Publish(event)
	}

	p.maybeDrained(ctx)
}

func (p *Processor) fail(ctx context.Context, entry *Entry, cause error) {
	err := p.pool.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE file_queue SET status = ?, error = ? WHERE seq = ?`,
			StatusError, cause.Error(), entry.Seq)
		return err
	})
	if err != nil {
		p.logger.Error("queue entry could not be marked failed",
			slog.Int64("seq", entry.Seq), slog.String("error", err.Error()))
	}

	p.logger.Warn("queue entry failed",
		slog.Int64("seq", entry.Seq),
		slog.String("path", entry.Path),
		slog.String("error", cause.Error()))

	if p.bus != nil {
		event := events.NewEvent(events.EventTypeEntryFailed)
		event.FileID = entry.FileID
		event.Path = entry.Path
		event.QueueSeq = entry.Seq
		event.Err = cause
		p.bus.Publish(event)
	}

	p.maybeDrained(ctx)
}

func (p *Processor) maybeDrained(ctx context.Context) {
	if p.bus == nil {
		return
	}
	count, err := p.store.Unsettled(ctx)
	if err == nil && count == 0 {
		p.bus.Publish(events.NewEvent(events.EventTypeQueueDrained))
	}
}
