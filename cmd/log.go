package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var logLimit int

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the active version's change set history",
	Long: `Walk the active version's head back through its ancestor change
sets, printing each set's changes and labels.`,
	RunE: runLog,
}

func init() {
	rootCmd.AddCommand(logCmd)
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 20, "Maximum change sets to print")
}

func runLog(cmd *cobra.Command, args []string) error {
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

	walker := ws.History().NewAncestorWalker(active.ChangeSetID)
	for printed := 0; printed < logLimit; printed++ {
		id, ok, err := walker.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		labels, err := ws.History().Labels(ctx, id)
		if err != nil {
			return err
		}
		changes, err := ws.History().ChangesInSet(ctx, id)
		if err != nil {
			return err
		}

		line := id
		if id == active.ChangeSetID {
			line += " (head)"
		}
		if len(labels) > 0 {
			names := make([]string, len(labels))
			for i, label := range labels {
				names[i] = label.Name
			}
			line += " [" + strings.Join(names, ", ") + "]"
		}
		fmt.Println(line)

		for _, change := range changes {
			fmt.Printf("    %s %s/%s (%s)\n", change.ID, change.FileID, change.EntityID, change.SchemaKey)
		}
	}
	return nil
}
