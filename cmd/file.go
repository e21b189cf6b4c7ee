package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// =============================================================================
// File Commands
// =============================================================================

var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Manage tracked files",
	Long: `Manage the files tracked by the workspace.

Examples:
  plait file add docs/intro.md       # track a file
  plait file ls                      # list tracked files
  plait file cat docs/intro.md       # print tracked content
  plait file rm docs/intro.md        # stop tracking a file`,
}

var fileAddCmd = &cobra.Command{
	Use:   "add <path>...",
	Short: "Track files and queue them for settlement",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFileAdd,
}

var fileCatCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Print a tracked file's content",
	Args:  cobra.ExactArgs(1),
	RunE:  runFileCat,
}

var fileLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List tracked files",
	RunE:  runFileLs,
}

var fileRmCmd = &cobra.Command{
	Use:   "rm <path>",
	Short: "Stop tracking a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runFileRm,
}

func init() {
	rootCmd.AddCommand(fileCmd)
	fileCmd.AddCommand(fileAddCmd)
	fileCmd.AddCommand(fileCatCmd)
	fileCmd.AddCommand(fileLsCmd)
	fileCmd.AddCommand(fileRmCmd)
}

// workspacePath normalizes an argument into the store's slash-relative
// path form.
func workspacePath(root, arg string) (string, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", fmt.Errorf("%s is outside the workspace", arg)
	}
	return filepath.ToSlash(rel), nil
}

func runFileAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	for _, arg := range args {
		rel, err := workspacePath(ws.Root(), arg)
		if err != nil {
			return err
		}

		data, err := os.ReadFile(filepath.Join(ws.Root(), filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("read %s: %w", arg, err)
		}

		if _, err := ws.Files().Insert(ctx, rel, data, nil); err != nil {
			return fmt.Errorf("add %s: %w", rel, err)
		}
		fmt.Printf("added %s\n", rel)
	}

	return ws.Settled(ctx)
}

func runFileCat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	rel, err := workspacePath(ws.Root(), args[0])
	if err != nil {
		return err
	}

	file, err := ws.Files().GetByPath(ctx, rel)
	if err != nil {
		return err
	}

	_, err = os.Stdout.Write(file.Data)
	return err
}

func runFileLs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	files, err := ws.Files().List(ctx)
	if err != nil {
		return err
	}

	for _, file := range files {
		fmt.Printf("%s\t%d bytes\n", file.Path, len(file.Data))
	}
	return nil
}

func runFileRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	rel, err := workspacePath(ws.Root(), args[0])
	if err != nil {
		return err
	}

	file, err := ws.Files().GetByPath(ctx, rel)
	if err != nil {
		return err
	}
	if err := ws.Files().Delete(ctx, file.ID); err != nil {
		return err
	}

	fmt.Printf("removed %s\n", rel)
	return ws.Settled(ctx)
}
