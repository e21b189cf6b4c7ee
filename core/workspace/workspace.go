// Package workspace ties the SDK together: one handle owning the
// database pool, the event bus, the stores, and the background
// settlement processor for a single .plait workspace.
package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaitext/plait/core/config"
	"github.com/plaitext/plait/core/database"
	plaiterrors "github.com/plaitext/plait/core/errors"
	"github.com/plaitext/plait/core/events"
	"github.com/plaitext/plait/core/files"
	"github.com/plaitext/plait/core/history"
	"github.com/plaitext/plait/core/plugin"
	"github.com/plaitext/plait/core/queue"
	"github.com/plaitext/plait/core/storage"
	"github.com/plaitext/plait/core/version"
	"github.com/plaitext/plait/core/watcher"
)

// DefaultVersionName is the name of the version seeded at bootstrap.
const DefaultVersionName = "main"

const lockTimeout = 5 * time.Second

// Options configures Open.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// EnableWatch starts the file system syncer even when the config
	// file leaves watching off.
	EnableWatch bool
}

// Workspace is the embeddable SDK handle over one .plait store.
type Workspace struct {
	root    string
	project *storage.ProjectDirs
	cfg     *config.Config
	logger  *slog.Logger

	pool      *database.Pool
	lock      *database.AdvisoryLock
	bus       *events.Bus
	history   *history.Store
	versions  *version.Manager
	registry  *plugin.Registry
	queue     *queue.Store
	files     *files.Store
	processor *queue.Processor
	syncer    *watcher.Syncer

	mu     sync.Mutex
	closed bool
}

// Init creates a new workspace under dir and opens it.
func Init(ctx context.Context, dir string, opts Options) (*Workspace, error) {
	project := storage.ResolveProjectDirs(dir)
	if err := storage.EnsureStandardDir(project.Root); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	if err := config.Save(config.Default(), project.Config); err != nil {
		return nil, err
	}
	return Open(ctx, dir, opts)
}

// Open opens the workspace containing dir, walking upward to find the
// .plait directory, and starts the settlement processor.
func Open(ctx context.Context, dir string, opts Options) (*Workspace, error) {
	root, err := storage.FindWorkspaceRoot(dir)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	project := storage.ResolveProjectDirs(root)
	cfg, err := config.Load(project.Config)
	if err != nil {
		return nil, err
	}

	// The lock lives in the global state dir, keyed by the workspace
	// path hash, so it survives a wipe of .plait/ mid-session.
	dirs, err := storage.ResolveDirs()
	if err != nil {
		return nil, err
	}
	lockDir := dirs.StateDir("locks", storage.ProjectHash(root))
	if err := storage.EnsureDir(lockDir, 0o700); err != nil {
		return nil, err
	}

	lock, err := database.NewAdvisoryLock(lockDir, "workspace")
	if err != nil {
		return nil, err
	}
	if err := lock.Acquire(ctx, lockTimeout); err != nil {
		return nil, fmt.Errorf("workspace is locked by another process: %w", err)
	}

	pool, err := database.OpenPath(project.Database, database.DefaultPoolConfig())
	if err != nil {
		lock.Release()
		return nil, err
	}

	ws, err := assemble(ctx, root, project, cfg, pool, lock, logger, opts)
	if err != nil {
		pool.Close()
		lock.Release()
		return nil, err
	}
	return ws, nil
}

func assemble(
	ctx context.Context,
	root string,
	project *storage.ProjectDirs,
	cfg *config.Config,
	pool *database.Pool,
	lock *database.AdvisoryLock,
	logger *slog.Logger,
	opts Options,
) (*Workspace, error) {
	if err := database.NewMigrator(pool, Migrations()).Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	hist, err := history.NewStore(pool, logger)
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(cfg.Queue.BufferSize)
	bus.Start()

	versions := version.NewManager(pool, hist, bus, logger)
	queueStore := queue.NewStore(pool, bus, logger)
	fileStore := files.NewStore(pool, hist, registry, queueStore, logger)

	ws := &Workspace{
		root:     root,
		project:  project,
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		lock:     lock,
		bus:      bus,
		history:  hist,
		versions: versions,
		registry: registry,
		queue:    queueStore,
		files:    fileStore,
	}

	if err := ws.bootstrap(ctx); err != nil {
		bus.Close()
		return nil, err
	}

	ws.processor = queue.NewProcessor(queueStore, pool, hist, versions, registry, bus,
		queue.ProcessorConfig{
			Workers:      cfg.Queue.Workers,
			PollInterval: cfg.Queue.PollInterval,
			BufferSize:   cfg.Queue.BufferSize,
		}, logger)
	ws.processor.Start()

	if cfg.Watch.Enabled || opts.EnableWatch {
		if err := ws.startSyncer(ctx); err != nil {
			ws.processor.Close()
			bus.Close()
			return nil, err
		}
	}

	logger.Info("workspace opened", slog.String("root", root))
	return ws, nil
}

// Migrations returns every schema migration the workspace applies, in
// version order.
func Migrations() []database.Migration {
	var all []database.Migration
	all = append(all, history.Migrations()...)
	all = append(all, version.Migrations()...)
	all = append(all, files.Migrations()...)
	all = append(all, queue.Migrations()...)
	return all
}

// buildRegistry registers the built-in plugins with any config
// overrides applied.
func buildRegistry(cfg *config.Config) (*plugin.Registry, error) {
	for _, p := range cfg.Plugins {
		if p.Glob != "" {
			if err := plugin.ValidateGlob(p.Glob); err != nil {
				return nil, fmt.Errorf("plugin %s: %w", p.Key, err)
			}
		}
	}

	jsonGlob, csvGlob, mdGlob, uniqueColumn := "", "", "", ""
	if override, ok := cfg.PluginOverride(plugin.JSONPluginKey); ok {
		jsonGlob = override.Glob
	}
	if override, ok := cfg.PluginOverride(plugin.CSVPluginKey); ok {
		csvGlob = override.Glob
		uniqueColumn = override.UniqueColumn
	}
	if override, ok := cfg.PluginOverride(plugin.MarkdownPluginKey); ok {
		mdGlob = override.Glob
	}

	registry := plugin.NewRegistry()
	if err := registry.Register(plugin.NewJSONPlugin(jsonGlob)); err != nil {
		return nil, err
	}
	if err := registry.Register(plugin.NewCSVPlugin(csvGlob, uniqueColumn)); err != nil {
		return nil, err
	}
	if err := registry.Register(plugin.NewMarkdownPlugin(mdGlob)); err != nil {
		return nil, err
	}
	return registry, nil
}

// bootstrap seeds the root change set, the main version, and the
// active pointer on first open. Re-opening is a no-op.
func (w *Workspace) bootstrap(ctx context.Context) error {
	_, err := w.versions.Active(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, plaiterrors.ErrNoActiveVersion) {
		return err
	}

	root, err := w.history.CreateChangeSet(ctx, history.CreateChangeSetOptions{
		ImmutableElements: true,
		Labels:            []string{"root"},
	})
	if err != nil {
		return err
	}

	main, err := w.versions.Create(ctx, version.CreateVersionOptions{
		FromChangeSetID: root.ID,
		Name:            DefaultVersionName,
	})
	if err != nil {
		return err
	}

	if err := w.versions.Switch(ctx, main.ID); err != nil {
		return err
	}

	w.logger.Info("workspace bootstrapped",
		slog.String("root_change_set", root.ID),
		slog.String("main_version", main.ID))
	return nil
}

func (w *Workspace) startSyncer(ctx context.Context) error {
	sweep := &watcher.SweepConfig{
		Interval:        30 * time.Second,
		SampleRate:      watcher.DefaultSampleRate,
		Root:            w.root,
		ExcludePatterns: w.cfg.Watch.ExcludePatterns,
	}

	syncer, err := watcher.NewSyncer(watcher.SyncerOptions{
		Root: w.root,
		Watch: watcher.WatchConfig{
			Paths:           []string{w.root},
			ExcludePatterns: w.cfg.Watch.ExcludePatterns,
			Debounce:        w.cfg.Watch.DebounceDuration(),
		},
		Sweep:  sweep,
		Store:  w.files,
		Bus:    w.bus,
		Logger: w.logger,
	})
	if err != nil {
		return err
	}
	if err := syncer.Start(ctx); err != nil {
		return err
	}

	w.syncer = syncer
	return nil
}

// =============================================================================
// Pass-through API
// =============================================================================

// Root returns the workspace root directory.
func (w *Workspace) Root() string { return w.root }

// Config returns the loaded configuration.
func (w *Workspace) Config() *config.Config { return w.cfg }

// Files returns the tracked file store.
func (w *Workspace) Files() *files.Store { return w.files }

// Versions returns the version manager, which also owns proposals.
func (w *Workspace) Versions() *version.Manager { return w.versions }

// History returns the change store.
func (w *Workspace) History() *history.Store { return w.history }

// Queue returns the file queue store.
func (w *Workspace) Queue() *queue.Store { return w.queue }

// Bus returns the in-process event bus.
func (w *Workspace) Bus() *events.Bus { return w.bus }

// Plugins returns the plugin registry.
func (w *Workspace) Plugins() *plugin.Registry { return w.registry }

// Settled blocks until every queued write has settled into history.
func (w *Workspace) Settled(ctx context.Context) error {
	if err := w.guard(); err != nil {
		return err
	}
	return w.queue.Settled(ctx)
}

// StateAt materializes every file visible under a version's head.
func (w *Workspace) StateAt(ctx context.Context, versionID string) ([]files.FileState, error) {
	if err := w.guard(); err != nil {
		return nil, err
	}
	v, err := w.versions.Get(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return w.files.StateAt(ctx, v.ChangeSetID)
}

// FileAt materializes one file under a version's head. Nil data means
// the file is not visible there.
func (w *Workspace) FileAt(ctx context.Context, versionID, fileID string) ([]byte, error) {
	if err := w.guard(); err != nil {
		return nil, err
	}
	v, err := w.versions.Get(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return w.files.FileStateAt(ctx, v.ChangeSetID, fileID)
}

// Switch makes another version active and rematerializes the raw file
// table to that version's state, so readers of current file data see
// the switched-to world.
func (w *Workspace) Switch(ctx context.Context, versionID string) error {
	if err := w.guard(); err != nil {
		return err
	}

	// Anything still queued belongs to the outgoing version.
	if err := w.queue.Settled(ctx); err != nil {
		return err
	}

	target, err := w.versions.Get(ctx, versionID)
	if err != nil {
		return err
	}

	states, err := w.files.StateAt(ctx, target.ChangeSetID)
	if err != nil {
		return err
	}

	if err := w.rematerialize(ctx, states); err != nil {
		return err
	}

	return w.versions.Switch(ctx, versionID)
}

// AcceptProposal accepts a proposal and refreshes the raw file rows,
// since the accept may have advanced the active version's head.
func (w *Workspace) AcceptProposal(ctx context.Context, proposalID string) error {
	if err := w.guard(); err != nil {
		return err
	}
	if err := w.versions.AcceptProposal(ctx, proposalID); err != nil {
		return err
	}
	return w.refreshFiles(ctx)
}

// RejectProposal rejects a proposal and refreshes the raw file rows.
// Rejecting the active source switches the active pointer to the
// target; without the refresh, files that existed only in the rejected
// history would stay visible in the file table.
func (w *Workspace) RejectProposal(ctx context.Context, proposalID string) error {
	if err := w.guard(); err != nil {
		return err
	}
	if err := w.versions.RejectProposal(ctx, proposalID); err != nil {
		return err
	}
	return w.refreshFiles(ctx)
}

// refreshFiles rematerializes the raw file rows to the current active
// version's head.
func (w *Workspace) refreshFiles(ctx context.Context) error {
	active, err := w.versions.Active(ctx)
	if err != nil {
		return err
	}
	states, err := w.files.StateAt(ctx, active.ChangeSetID)
	if err != nil {
		return err
	}
	return w.rematerialize(ctx, states)
}

// rematerialize replaces the raw file rows with the given states.
// Direct writes, no queue entries: the content comes from history, so
// settling it again would duplicate changes. Metadata lives only on
// the raw row (history never records it), so it is carried over for
// files that survive the switch.
func (w *Workspace) rematerialize(ctx context.Context, states []files.FileState) error {
	return w.pool.Transaction(ctx, func(tx *sql.Tx) error {
		metadata := map[string][]byte{}
		rows, err := tx.QueryContext(ctx, `SELECT id, metadata FROM file WHERE metadata IS NOT NULL`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			var meta []byte
			if err := rows.Scan(&id, &meta); err != nil {
				rows.Close()
				return err
			}
			metadata[id] = meta
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM file`); err != nil {
			return err
		}
		for _, state := range states {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO file (id, path, data, metadata) VALUES (?, ?, ?, ?)`,
				state.FileID, state.Path, state.Data, metadata[state.FileID])
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *Workspace) guard() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return plaiterrors.ErrWorkspaceClosed
	}
	return nil
}

// Close stops background work and releases the workspace lock. Safe
// to call once; later API calls fail with ErrWorkspaceClosed.
func (w *Workspace) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	if w.syncer != nil {
		w.syncer.Stop()
	}
	if w.processor != nil {
		w.processor.Close()
	}
	w.bus.Close()

	err := w.pool.Close()
	if releaseErr := w.lock.Release(); err == nil {
		err = releaseErr
	}

	w.logger.Info("workspace closed", slog.String("root", w.root))
	return err
}
