package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plaitext/plait/core/version"
	"github.com/plaitext/plait/core/workspace"
)

// =============================================================================
// Version Commands
// =============================================================================

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Manage versions",
	Long: `Manage the named versions of the workspace.

Examples:
  plait version create stage     # branch off the active version
  plait version list             # list versions, active marked with *
  plait version switch stage     # make a version active
  plait version checkout <set>   # move the active head to a change set`,
}

var versionCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a version branching off the active one",
	Args:  cobra.ExactArgs(1),
	RunE:  runVersionCreate,
}

var versionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List versions",
	RunE:  runVersionList,
}

var versionSwitchCmd = &cobra.Command{
	Use:   "switch <name>",
	Short: "Make a version active",
	Args:  cobra.ExactArgs(1),
	RunE:  runVersionSwitch,
}

var versionCheckoutCmd = &cobra.Command{
	Use:   "checkout <change-set-id>",
	Short: "Move the active version's head to a change set",
	Args:  cobra.ExactArgs(1),
	RunE:  runVersionCheckout,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.AddCommand(versionCreateCmd)
	versionCmd.AddCommand(versionListCmd)
	versionCmd.AddCommand(versionSwitchCmd)
	versionCmd.AddCommand(versionCheckoutCmd)
}

// resolveVersion accepts a version name or id.
func resolveVersion(ctx context.Context, ws *workspace.Workspace, nameOrID string) (*version.Version, error) {
	if v, err := ws.Versions().GetByName(ctx, nameOrID); err == nil {
		return v, nil
	}
	return ws.Versions().Get(ctx, nameOrID)
}

func runVersionCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	active, err := ws.Versions().Active(ctx)
	if err != nil {
		return err
	}

	created, err := ws.Versions().Create(ctx, version.CreateVersionOptions{
		Name:          args[0],
		FromVersionID: active.ID,
	})
	if err != nil {
		return err
	}

	fmt.Printf("created version %s (%s)\n", created.Name, created.ID)
	return nil
}

func runVersionList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	versions, err := ws.Versions().List(ctx)
	if err != nil {
		return err
	}

	activeID := ""
	if active, err := ws.Versions().Active(ctx); err == nil {
		activeID = active.ID
	}

	for _, v := range versions {
		marker := " "
		if v.ID == activeID {
			marker = "*"
		}
		name := v.Name
		if name == "" {
			name = "(anonymous)"
		}
		fmt.Printf("%s %s\t%s\thead %s\n", marker, name, v.ID, v.ChangeSetID)
	}
	return nil
}

func runVersionSwitch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	target, err := resolveVersion(ctx, ws, args[0])
	if err != nil {
		return err
	}

	if err := ws.Switch(ctx, target.ID); err != nil {
		return err
	}

	fmt.Printf("switched to %s\n", args[0])
	return nil
}

func runVersionCheckout(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	active, err := ws.Versions().Active(ctx)
	if err != nil {
		return err
	}

	if err := ws.Versions().Checkout(ctx, active.ID, args[0]); err != nil {
		return err
	}

	// Re-apply the moved head to the raw file rows.
	if err := ws.Switch(ctx, active.ID); err != nil {
		return err
	}

	fmt.Printf("checked out %s on %s\n", args[0], active.Name)
	return nil
}
