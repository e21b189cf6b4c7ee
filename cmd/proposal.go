package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// =============================================================================
// Proposal Commands
// =============================================================================

var proposalCmd = &cobra.Command{
	Use:   "proposal",
	Short: "Manage change proposals",
	Long: `Manage proposals to merge one version's changes into another.

Examples:
  plait proposal create stage main   # propose stage into main
  plait proposal list
  plait proposal accept <id>
  plait proposal reject <id>`,
}

var proposalCreateCmd = &cobra.Command{
	Use:   "create <source> <target>",
	Short: "Propose merging the source version into the target",
	Args:  cobra.ExactArgs(2),
	RunE:  runProposalCreate,
}

var proposalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proposals",
	RunE:  runProposalList,
}

var proposalAcceptCmd = &cobra.Command{
	Use:   "accept <id>",
	Short: "Accept a proposal, merging its source into its target",
	Args:  cobra.ExactArgs(1),
	RunE:  runProposalAccept,
}

var proposalRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a proposal and discard its source version",
	Args:  cobra.ExactArgs(1),
	RunE:  runProposalReject,
}

func init() {
	rootCmd.AddCommand(proposalCmd)
	proposalCmd.AddCommand(proposalCreateCmd)
	proposalCmd.AddCommand(proposalListCmd)
	proposalCmd.AddCommand(proposalAcceptCmd)
	proposalCmd.AddCommand(proposalRejectCmd)
}

func runProposalCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	source, err := resolveVersion(ctx, ws, args[0])
	if err != nil {
		return err
	}
	target, err := resolveVersion(ctx, ws, args[1])
	if err != nil {
		return err
	}

	proposal, err := ws.Versions().CreateProposal(ctx, source.ID, target.ID)
	if err != nil {
		return err
	}

	fmt.Printf("proposal %s: %s -> %s\n", proposal.ID, args[0], args[1])
	return nil
}

func runProposalList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	proposals, err := ws.Versions().ListProposals(ctx)
	if err != nil {
		return err
	}

	for _, p := range proposals {
		fmt.Printf("%s\t%s -> %s\t%s\n", p.ID, p.SourceVersionID, p.TargetVersionID, p.Status)
	}
	return nil
}

func runProposalAccept(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	if err := ws.AcceptProposal(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("accepted %s\n", args[0])
	return nil
}

func runProposalReject(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	if err := ws.RejectProposal(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("rejected %s\n", args[0])
	return nil
}
