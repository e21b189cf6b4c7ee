// Package storage provides directory resolution for plait workspaces.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Dirs provides platform-native global directories with XDG support.
type Dirs struct {
	Config string // User configuration
	Data   string // Persistent data (shared databases)
	Cache  string // Regenerable cache
	State  string // Runtime state (logs, temp)
}

// ProjectDirs returns workspace-local directories.
type ProjectDirs struct {
	Root     string // .plait/
	Config   string // .plait/config.yaml
	Database string // .plait/plait.db
}

var (
	globalDirs     *Dirs
	globalDirsOnce sync.Once
	globalDirsErr  error
)

// ResolveDirs returns platform-appropriate global directories.
// Results are cached after first call.
func ResolveDirs() (*Dirs, error) {
	globalDirsOnce.Do(func() {
		globalDirs, globalDirsErr = resolveDirsImpl()
	})
	return globalDirs, globalDirsErr
}

func resolveDirsImpl() (*Dirs, error) {
	dirs := &Dirs{
		Config: resolveDir("XDG_CONFIG_HOME", platformConfigDefault()),
		Data:   resolveDir("XDG_DATA_HOME", platformDataDefault()),
		Cache:  resolveDir("XDG_CACHE_HOME", platformCacheDefault()),
		State:  resolveDir("XDG_STATE_HOME", platformStateDefault()),
	}
	return dirs, nil
}

func resolveDir(envVar, fallback string) string {
	if dir := os.Getenv(envVar); dir != "" {
		return filepath.Join(dir, "plait")
	}
	return fallback
}

// ResolveProjectDirs returns workspace-local directories for the given root.
func ResolveProjectDirs(workspaceRoot string) *ProjectDirs {
	plaitDir := filepath.Join(workspaceRoot, ".plait")
	return &ProjectDirs{
		Root:     plaitDir,
		Config:   filepath.Join(plaitDir, "config.yaml"),
		Database: filepath.Join(plaitDir, "plait.db"),
	}
}

// FindWorkspaceRoot walks up from start looking for a .plait directory.
func FindWorkspaceRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}

	for {
		info, err := os.Stat(filepath.Join(dir, ".plait"))
		if err == nil && info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no .plait workspace found above %s", start)
		}
		dir = parent
	}
}

// ProjectHash generates a consistent hash for a workspace path.
// Used for per-workspace isolation of global state.
func ProjectHash(workspaceRoot string) string {
	absPath, err := filepath.Abs(workspaceRoot)
	if err != nil {
		absPath = workspaceRoot
	}
	hash := sha256.Sum256([]byte(absPath))
	return hex.EncodeToString(hash[:8])
}

// EnsureDir creates a directory with the specified permissions if it doesn't exist.
func EnsureDir(path string, perm os.FileMode) error {
	if perm == 0 {
		perm = 0700
	}
	return os.MkdirAll(path, perm)
}

// EnsureStandardDir creates a directory with standard permissions (0755).
func EnsureStandardDir(path string) error {
	return EnsureDir(path, 0755)
}

// StateDir joins path elements onto the global state directory.
func (d *Dirs) StateDir(parts ...string) string {
	return filepath.Join(append([]string{d.State}, parts...)...)
}

func resetGlobalDirs() {
	globalDirs = nil
	globalDirsOnce = sync.Once{}
	globalDirsErr = nil
}
