package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveDirs(t *testing.T) {
	dirs, err := ResolveDirs()
	if err != nil {
		t.Fatalf("ResolveDirs failed: %v", err)
	}

	if dirs.Config == "" {
		t.Error("Config dir should not be empty")
	}
	if dirs.Data == "" {
		t.Error("Data dir should not be empty")
	}
	if !strings.Contains(dirs.Config, "plait") {
		t.Errorf("Config dir should contain 'plait': %s", dirs.Config)
	}
}

func TestResolveDirsXDGOverride(t *testing.T) {
	resetGlobalDirs()

	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	dirs, err := ResolveDirs()
	if err != nil {
		t.Fatalf("ResolveDirs failed: %v", err)
	}

	expected := filepath.Join(tmpDir, "plait")
	if dirs.Config != expected {
		t.Errorf("XDG override failed: got %s, want %s", dirs.Config, expected)
	}

	resetGlobalDirs()
}

func TestResolveProjectDirs(t *testing.T) {
	root := "/test/workspace"
	dirs := ResolveProjectDirs(root)

	if dirs.Root != filepath.Join(root, ".plait") {
		t.Errorf("Root: got %s", dirs.Root)
	}
	if dirs.Config != filepath.Join(root, ".plait", "config.yaml") {
		t.Errorf("Config: got %s", dirs.Config)
	}
	if dirs.Database != filepath.Join(root, ".plait", "plait.db") {
		t.Errorf("Database: got %s", dirs.Database)
	}
}

func TestFindWorkspaceRoot(t *testing.T) {
	t.Run("finds root from nested dir", func(t *testing.T) {
		root := t.TempDir()
		if err := os.MkdirAll(filepath.Join(root, ".plait"), 0755); err != nil {
			t.Fatal(err)
		}
		nested := filepath.Join(root, "docs", "guides")
		if err := os.MkdirAll(nested, 0755); err != nil {
			t.Fatal(err)
		}

		found, err := FindWorkspaceRoot(nested)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		resolved, _ := filepath.EvalSymlinks(root)
		foundResolved, _ := filepath.EvalSymlinks(found)
		if foundResolved != resolved {
			t.Errorf("got %s, want %s", found, root)
		}
	})

	t.Run("errors when no workspace exists", func(t *testing.T) {
		if _, err := FindWorkspaceRoot(t.TempDir()); err == nil {
			t.Error("expected error for missing workspace")
		}
	})
}

func TestStateDir(t *testing.T) {
	dirs := &Dirs{State: filepath.Join("/var", "state", "plait")}

	got := dirs.StateDir("locks", "abc123")
	want := filepath.Join("/var", "state", "plait", "locks", "abc123")
	if got != want {
		t.Errorf("StateDir: got %s, want %s", got, want)
	}
}

func TestProjectHash(t *testing.T) {
	h1 := ProjectHash("/a/b")
	h2 := ProjectHash("/a/b")
	h3 := ProjectHash("/a/c")

	if h1 != h2 {
		t.Error("hash should be deterministic")
	}
	if h1 == h3 {
		t.Error("different paths should hash differently")
	}
	if len(h1) != 16 {
		t.Errorf("expected 16 char hash, got %d", len(h1))
	}
}
