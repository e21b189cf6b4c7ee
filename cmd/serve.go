package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/plaitext/plait/core/workspace"
	"github.com/plaitext/plait/server"
)

var (
	serveAddr  string
	serveWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host the workspace over HTTP",
	Long: `Serve the workspace's versions, files, and proposals over HTTP.
Runs until interrupted.

Examples:
  plait serve
  plait serve --watch
  plait serve --addr 0.0.0.0:8080`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Listen address (defaults to config)")
	serveCmd.Flags().BoolVarP(&serveWatch, "watch", "w", false, "Sync external file writes into the store")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ws, err := workspace.Open(ctx, rootDir, workspace.Options{
		Logger:      cliLogger(),
		EnableWatch: serveWatch,
	})
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}
	defer ws.Close()

	cfg := ws.Config().Server
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}

	fmt.Printf("serving %s on http://%s\n", ws.Root(), cfg.Addr)
	return server.New(ws, cfg, cliLogger()).ListenAndServe(ctx)
}
