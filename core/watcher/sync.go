package watcher

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	plaiterrors "github.com/plaitext/plait/core/errors"
	"github.com/plaitext/plait/core/events"
	"github.com/plaitext/plait/core/files"
)

// Syncer applies detected file system changes to the tracked file
// store, which enqueues them for settlement. Events from the watcher
// and the sweep funnel through one goroutine, so the store never sees
// two concurrent writes for the same detection burst.
type Syncer struct {
	root   string
	store  *files.Store
	bus    *events.Bus
	logger *slog.Logger

	watcher *FSWatcher
	sweeper *Sweeper

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SyncerOptions configures a Syncer. Sweep is optional.
type SyncerOptions struct {
	Root   string
	Watch  WatchConfig
	Sweep  *SweepConfig
	Store  *files.Store
	Bus    *events.Bus
	Logger *slog.Logger
}

// NewSyncer wires a syncer over a workspace root.
func NewSyncer(opts SyncerOptions) (*Syncer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fsWatcher, err := NewFSWatcher(opts.Watch)
	if err != nil {
		return nil, err
	}

	syncer := &Syncer{
		root:    opts.Root,
		store:   opts.Store,
		bus:     opts.Bus,
		logger:  opts.Logger,
		watcher: fsWatcher,
	}

	if opts.Sweep != nil {
		sweeper, err := NewSweeper(*opts.Sweep, syncer)
		if err != nil {
			return nil, err
		}
		syncer.sweeper = sweeper
	}

	return syncer, nil
}

// Checksum implements ChecksumSource over the tracked file store.
func (s *Syncer) Checksum(ctx context.Context, path string) (string, bool) {
	file, err := s.store.GetByPath(ctx, path)
	if err != nil {
		return "", false
	}
	return DataChecksum(file.Data), true
}

// Start launches detection. Runs until the context is cancelled or
// Stop is called.
func (s *Syncer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	watchEvents, err := s.watcher.Start(ctx)
	if err != nil {
		cancel()
		return err
	}

	var sweepEvents <-chan *FileEvent
	if s.sweeper != nil {
		sweepEvents, err = s.sweeper.Start(ctx)
		if err != nil {
			cancel()
			s.watcher.Stop()
			return err
		}
	}

	s.wg.Add(1)
	go s.run(ctx, watchEvents, sweepEvents)
	return nil
}

// Stop shuts detection down and waits for the apply loop.
func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.watcher.Stop()
	s.wg.Wait()
}

func (s *Syncer) run(ctx context.Context, watch, sweep <-chan *FileEvent) {
	defer s.wg.Done()

	for watch != nil || sweep != nil {
		select {
		case event, ok := <-watch:
			if !ok {
				watch = nil
				continue
			}
			s.apply(ctx, event)
		case event, ok := <-sweep:
			if !ok {
				sweep = nil
				continue
			}
			s.apply(ctx, event)
		case <-ctx.Done():
			return
		}
	}
}

// apply reconciles one event against the store.
func (s *Syncer) apply(ctx context.Context, event *FileEvent) {
	rel, err := filepath.Rel(s.root, event.Path)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	switch event.Operation {
	case OpDelete, OpRename:
		s.applyRemoval(ctx, rel)
	default:
		s.applyWrite(ctx, event.Path, rel)
	}
}

func (s *Syncer) applyWrite(ctx context.Context, abs, rel string) {
	data, err := os.ReadFile(abs)
	if err != nil {
		// Gone between detection and read; treat as a removal.
		s.applyRemoval(ctx, rel)
		return
	}

	existing, err := s.store.GetByPath(ctx, rel)
	switch {
	case plaiterrors.IsDangling(err):
		if _, err := s.store.Insert(ctx, rel, data, nil); err != nil {
			s.logger.Error("sync insert failed", slog.String("path", rel), slog.String("error", err.Error()))
			return
		}
	case err != nil:
		s.logger.Error("sync lookup failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	case bytes.Equal(existing.Data, data):
		return
	default:
		if _, err := s.store.Update(ctx, existing.ID, data, existing.Metadata); err != nil {
			s.logger.Error("sync update failed", slog.String("path", rel), slog.String("error", err.Error()))
			return
		}
	}

	s.notify(rel)
}

func (s *Syncer) applyRemoval(ctx context.Context, rel string) {
	existing, err := s.store.GetByPath(ctx, rel)
	if err != nil {
		return
	}
	if err := s.store.Delete(ctx, existing.ID); err != nil {
		s.logger.Error("sync delete failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	s.notify(rel)
}

func (s *Syncer) notify(rel string) {
	s.logger.Debug("external write synced", slog.String("path", rel))
	if s.bus != nil {
		event := events.NewEvent(events.EventTypeFileChanged)
		event.Path = rel
		s.bus.Publish(event)
	}
}
