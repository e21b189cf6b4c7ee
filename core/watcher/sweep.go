package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrInvalidInterval indicates the sweep interval is invalid.
	ErrInvalidInterval = errors.New("interval must be positive")

	// ErrInvalidSampleRate indicates the sample rate is out of range.
	ErrInvalidSampleRate = errors.New("sample rate must be between 0.0 and 1.0")

	// ErrEmptyRootPath indicates the root path was not specified.
	ErrEmptyRootPath = errors.New("root path cannot be empty")
)

// ChecksumSource answers "what content do we believe this path has".
// The tracked file store implements this over its raw file rows.
type ChecksumSource interface {
	// Checksum returns the stored checksum for a workspace-relative
	// path, or false when the path is not tracked.
	Checksum(ctx context.Context, path string) (string, bool)
}

// SweepConfig configures the periodic sweep.
type SweepConfig struct {
	// Interval is the time between sweep cycles.
	Interval time.Duration

	// SampleRate is the fraction of files checked per cycle, so large
	// trees are not hashed in full every interval. Default 0.1.
	SampleRate float64

	// Root is the workspace directory to sweep.
	Root string

	// ExcludePatterns follow the same rules as WatchConfig.
	ExcludePatterns []string
}

// DefaultSampleRate is the default fraction of files swept per cycle.
const DefaultSampleRate = 0.1

func (c *SweepConfig) validate() error {
	if c.Interval <= 0 {
		return ErrInvalidInterval
	}
	if c.SampleRate < 0 || c.SampleRate > 1.0 {
		return ErrInvalidSampleRate
	}
	if c.Root == "" {
		return ErrEmptyRootPath
	}
	return nil
}

// Sweeper periodically compares on-disk content against the file
// store's checksums, catching writes made while no fsnotify watcher
// was running. It is the slow safety net behind FSWatcher.
type Sweeper struct {
	config   SweepConfig
	source   ChecksumSource
	excludes []ExcludeMatcher
}

// ExcludeMatcher reports whether a path should be skipped.
type ExcludeMatcher func(path string) bool

// NewSweeper creates a sweeper. source may be nil, in which case
// every file is reported once per cycle (initial import).
func NewSweeper(config SweepConfig, source ChecksumSource) (*Sweeper, error) {
	if config.SampleRate == 0 {
		config.SampleRate = DefaultSampleRate
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	globs, err := compileExcludePatterns(config.ExcludePatterns)
	if err != nil {
		return nil, err
	}
	excludes := make([]ExcludeMatcher, 0, len(globs))
	for _, g := range globs {
		pattern := g
		excludes = append(excludes, func(path string) bool {
			return pattern.Match(path) || pattern.Match(filepath.Base(path)) ||
				matchesPathSuffix(path, pattern)
		})
	}

	return &Sweeper{config: config, source: source, excludes: excludes}, nil
}

// Start begins sweeping. The returned channel carries modify events
// for files whose disk content no longer matches the store; it is
// closed when the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) (<-chan *FileEvent, error) {
	if _, err := os.Stat(s.config.Root); err != nil {
		return nil, err
	}

	events := make(chan *FileEvent)
	go s.sweepLoop(ctx, events)
	return events, nil
}

func (s *Sweeper) sweepLoop(ctx context.Context, events chan<- *FileEvent) {
	defer close(events)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweepOnce(ctx, events)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx, events)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context, events chan<- *FileEvent) {
	for _, path := range s.sample(s.collectFiles()) {
		if ctx.Err() != nil {
			return
		}
		if !s.changed(ctx, path) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case events <- &FileEvent{Path: path, Operation: OpModify, Time: time.Now()}:
		}
	}
}

func (s *Sweeper) collectFiles() []string {
	var collected []string
	_ = filepath.WalkDir(s.config.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if s.excluded(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			collected = append(collected, path)
		}
		return nil
	})
	return collected
}

func (s *Sweeper) excluded(path string) bool {
	for _, match := range s.excludes {
		if match(path) {
			return true
		}
	}
	return false
}

func (s *Sweeper) sample(paths []string) []string {
	if s.config.SampleRate >= 1.0 {
		return paths
	}

	size := int(float64(len(paths)) * s.config.SampleRate)
	if size == 0 && len(paths) > 0 {
		size = 1
	}

	shuffled := make([]string, len(paths))
	copy(shuffled, paths)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := rand.IntN(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled[:size]
}

func (s *Sweeper) changed(ctx context.Context, path string) bool {
	if s.source == nil {
		return true
	}

	rel, err := filepath.Rel(s.config.Root, path)
	if err != nil {
		return false
	}

	stored, tracked := s.source.Checksum(ctx, filepath.ToSlash(rel))
	if !tracked {
		return true
	}

	current, err := FileChecksum(path)
	if err != nil {
		return false
	}
	return current != stored
}

// FileChecksum hashes a file's content.
func FileChecksum(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return DataChecksum(data), nil
}

// DataChecksum hashes raw content the same way FileChecksum does.
func DataChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
