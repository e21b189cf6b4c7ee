// Package cmd provides the plait command line interface.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/plaitext/plait/core/workspace"
)

var (
	rootDir     string
	rootVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "plait",
	Short: "Plait - a version-controlled document store",
	Long: `Plait tracks documents in an append-only change ledger with
branching versions and change proposals, backed by SQLite.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootDir, "dir", "C", ".", "Workspace directory")
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "Verbose output")
}

// cliLogger builds the logger for commands. Quiet by default so
// command output stays parseable.
func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if rootVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openWorkspace opens the workspace containing --dir.
func openWorkspace(ctx context.Context) (*workspace.Workspace, error) {
	ws, err := workspace.Open(ctx, rootDir, workspace.Options{Logger: cliLogger()})
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	return ws, nil
}
