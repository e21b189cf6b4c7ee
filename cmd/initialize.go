package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plaitext/plait/core/workspace"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new workspace",
	Long: `Create a .plait directory under the target directory, seed the
root change set and the main version, and write the default config.

Examples:
  plait init             # initialize the current directory
  plait init -C ./docs   # initialize ./docs`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	ws, err := workspace.Init(cmd.Context(), rootDir, workspace.Options{Logger: cliLogger()})
	if err != nil {
		return fmt.Errorf("init workspace: %w", err)
	}
	defer ws.Close()

	fmt.Printf("Initialized workspace at %s\n", ws.Root())
	return nil
}
