package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
)

// DefaultDebounce is the default debounce interval for file events.
const DefaultDebounce = 100 * time.Millisecond

var (
	// ErrNoPathsConfigured indicates no watch paths were specified.
	ErrNoPathsConfigured = errors.New("no paths configured for watching")

	// ErrPathNotExist indicates a watch path does not exist.
	ErrPathNotExist = errors.New("watch path does not exist")

	// ErrPathNotDirectory indicates a watch path is not a directory.
	ErrPathNotDirectory = errors.New("watch path is not a directory")

	// ErrInvalidPattern indicates an exclude pattern could not be compiled.
	ErrInvalidPattern = errors.New("invalid exclude pattern")
)

// WatchConfig configures the file system watcher.
type WatchConfig struct {
	// Paths are the directories to watch recursively.
	Paths []string

	// ExcludePatterns are glob patterns for paths to ignore. The
	// workspace metadata directory must always be excluded or the
	// store's own writes would loop back in.
	ExcludePatterns []string

	// Debounce is the interval to wait before emitting events for the
	// same path. Default is 100ms.
	Debounce time.Duration
}

// DefaultWatchConfig returns a configuration watching one root with
// the exclusions every workspace needs.
func DefaultWatchConfig(rootPath string) WatchConfig {
	return WatchConfig{
		Paths:           []string{rootPath},
		ExcludePatterns: []string{".plait", ".git", "node_modules"},
		Debounce:        DefaultDebounce,
	}
}

type pendingEvent struct {
	event *FileEvent
	timer *time.Timer
}

// FSWatcher monitors file system changes using fsnotify, watching
// directories recursively and debouncing per path.
type FSWatcher struct {
	config   WatchConfig
	watcher  *fsnotify.Watcher
	excludes []glob.Glob

	mu       sync.Mutex
	pending  map[string]*pendingEvent
	eventCh  chan *FileEvent
	stopOnce sync.Once
	stopped  bool
}

// NewFSWatcher creates a file system watcher. Returns an error if
// paths are invalid or patterns cannot be compiled.
func NewFSWatcher(config WatchConfig) (*FSWatcher, error) {
	if len(config.Paths) == 0 {
		return nil, ErrNoPathsConfigured
	}
	for _, path := range config.Paths {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return nil, ErrPathNotExist
		}
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			return nil, ErrPathNotDirectory
		}
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}

	excludes, err := compileExcludePatterns(config.ExcludePatterns)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &FSWatcher{
		config:   config,
		watcher:  watcher,
		excludes: excludes,
		pending:  make(map[string]*pendingEvent),
	}, nil
}

func compileExcludePatterns(patterns []string) ([]glob.Glob, error) {
	excludes := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, errors.Join(ErrInvalidPattern, err)
		}
		excludes = append(excludes, g)
	}
	return excludes, nil
}

// Start begins watching for file changes. Returns a channel of
// FileEvents that is closed when the context is cancelled or Stop is
// called.
func (w *FSWatcher) Start(ctx context.Context) (<-chan *FileEvent, error) {
	w.eventCh = make(chan *FileEvent)

	for _, path := range w.config.Paths {
		if err := w.addDirectoryRecursive(path); err != nil {
			close(w.eventCh)
			return nil, err
		}
	}

	go w.processEvents(ctx)

	return w.eventCh, nil
}

// addDirectoryRecursive adds a directory and its subdirectories to
// the watcher, skipping excluded subtrees.
func (w *FSWatcher) addDirectoryRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.isExcluded(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *FSWatcher) processEvents(ctx context.Context) {
	defer w.cleanup()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *FSWatcher) handleFSEvent(event fsnotify.Event) {
	if w.isExcluded(event.Name) {
		return
	}

	// New directories must join the watch for recursion to hold.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addDirectoryRecursive(event.Name)
			return
		}
	}

	w.scheduleEvent(event.Name, mapOperation(event.Op))
}

func mapOperation(op fsnotify.Op) FileOperation {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate
	case op.Has(fsnotify.Remove):
		return OpDelete
	case op.Has(fsnotify.Rename):
		return OpRename
	default:
		return OpModify
	}
}

// scheduleEvent arms (or re-arms) the debounce timer for a path.
func (w *FSWatcher) scheduleEvent(path string, op FileOperation) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	event := &FileEvent{Path: path, Operation: op, Time: time.Now()}

	if existing, ok := w.pending[path]; ok {
		existing.timer.Stop()
		existing.event = event
		existing.timer = w.debounceTimer(path, event)
		return
	}

	w.pending[path] = &pendingEvent{event: event, timer: w.debounceTimer(path, event)}
}

func (w *FSWatcher) debounceTimer(path string, event *FileEvent) *time.Timer {
	return time.AfterFunc(w.config.Debounce, func() {
		w.emitEvent(path, event)
	})
}

func (w *FSWatcher) emitEvent(path string, event *FileEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	delete(w.pending, path)

	select {
	case w.eventCh <- event:
	default:
	}
}

// isExcluded checks a path against the exclusion patterns, matching
// the full path, the base name, and every path suffix so directory
// patterns like ".plait" hit anywhere in the tree.
func (w *FSWatcher) isExcluded(path string) bool {
	for _, pattern := range w.excludes {
		if pattern.Match(path) || pattern.Match(filepath.Base(path)) {
			return true
		}
		if matchesPathSuffix(path, pattern) {
			return true
		}
	}
	return false
}

func matchesPathSuffix(path string, pattern glob.Glob) bool {
	parts := splitPath(path)
	for i := range parts {
		if pattern.Match(filepath.Join(parts[i:]...)) {
			return true
		}
	}
	return false
}

func splitPath(path string) []string {
	var parts []string
	for path != "" && path != "/" && path != "." {
		dir, file := filepath.Split(path)
		if file != "" {
			parts = append([]string{file}, parts...)
		}
		path = filepath.Clean(dir)
	}
	return parts
}

// Stop stops the watcher and closes the event channel. Safe to call
// multiple times.
func (w *FSWatcher) Stop() error {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		for _, p := range w.pending {
			p.timer.Stop()
		}
		w.pending = make(map[string]*pendingEvent)
		w.mu.Unlock()

		w.watcher.Close()
	})
	return nil
}

func (w *FSWatcher) cleanup() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.stopped {
		w.stopped = true
		for _, p := range w.pending {
			p.timer.Stop()
		}
		w.pending = make(map[string]*pendingEvent)
	}

	close(w.eventCh)
}
