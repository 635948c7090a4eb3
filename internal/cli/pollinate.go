package cli

import (
	"fmt"
	"strings"

	"github.com/KafClaw/KafGenome/internal/evolution"
	"github.com/KafClaw/KafGenome/internal/pollination"
	"github.com/KafClaw/KafGenome/internal/store"
	"github.com/spf13/cobra"
)

var (
	pollSource     string
	pollCapability string
	pollTargets    string
	pollRationale  string
	pollBy         string
	pollApprover   string
	pollNote       string
	pollStatus     string
	pollLimit      int
	pollReason     string
)

var pollinateCmd = &cobra.Command{
	Use:   "pollinate",
	Short: "Share capabilities between sibling children under human approval",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var pollinateCandidatesCmd = &cobra.Command{
	Use:   "candidates <source-child>",
	Short: "List capabilities a child holds that its siblings lack",
	Args:  cobra.ExactArgs(1),
	RunE:  runPollinateCandidates,
}

var pollinateProposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Create a pollination proposal",
	RunE:  runPollinatePropose,
}

var pollinateApproveCmd = &cobra.Command{
	Use:   "approve <proposal-id>",
	Short: "Approve a proposal",
	Args:  cobra.ExactArgs(1),
	RunE:  runPollinateDecide(true),
}

var pollinateRejectCmd = &cobra.Command{
	Use:   "reject <proposal-id>",
	Short: "Reject a proposal",
	Args:  cobra.ExactArgs(1),
	RunE:  runPollinateDecide(false),
}

var pollinateExecuteCmd = &cobra.Command{
	Use:   "execute <proposal-id>",
	Short: "Propagate an approved proposal to its targets",
	Args:  cobra.ExactArgs(1),
	RunE:  runPollinateExecute,
}

var pollinateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proposals",
	RunE:  runPollinateList,
}

var pollinateRollbackCmd = &cobra.Command{
	Use:   "rollback <ledger-entry-id>",
	Short: "Disable a granted capability and record a rollback row",
	Args:  cobra.ExactArgs(1),
	RunE:  runPollinateRollback,
}

func init() {
	pollinateProposeCmd.Flags().StringVar(&pollSource, "source", "", "Source child ID")
	pollinateProposeCmd.Flags().StringVar(&pollCapability, "capability", "", "Capability name")
	pollinateProposeCmd.Flags().StringVar(&pollTargets, "targets", "", "Comma-separated target child IDs")
	pollinateProposeCmd.Flags().StringVar(&pollRationale, "rationale", "", "Why the capability should be shared")
	pollinateProposeCmd.Flags().StringVar(&pollBy, "by", "", "Proposer identity")

	for _, c := range []*cobra.Command{pollinateApproveCmd, pollinateRejectCmd} {
		c.Flags().StringVar(&pollApprover, "approver", "", "Human approver identity")
		c.Flags().StringVar(&pollNote, "note", "", "Decision note")
	}
	pollinateExecuteCmd.Flags().StringVar(&pollBy, "by", "", "Initiator identity recorded on ledger rows")
	pollinateListCmd.Flags().StringVar(&pollStatus, "status", "", "Status filter (proposed|approved|rejected|executed)")
	pollinateListCmd.Flags().IntVar(&pollLimit, "limit", 50, "Maximum rows to return")
	pollinateRollbackCmd.Flags().StringVar(&pollBy, "by", "", "Initiator identity")
	pollinateRollbackCmd.Flags().StringVar(&pollReason, "reason", "", "Reason recorded on the rollback row")

	pollinateCmd.AddCommand(pollinateCandidatesCmd, pollinateProposeCmd, pollinateApproveCmd, pollinateRejectCmd,
		pollinateExecuteCmd, pollinateListCmd, pollinateRollbackCmd)
	rootCmd.AddCommand(pollinateCmd)
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printProposal(cmd *cobra.Command, p *store.PollinationProposal) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "proposal:   %s\n", p.ID)
	fmt.Fprintf(w, "capability: %s from %s\n", p.CapabilityName, p.SourceChildID)
	fmt.Fprintf(w, "targets:    %s\n", strings.Join(p.TargetChildIDs, ", "))
	fmt.Fprintf(w, "status:     %s\n", p.Status)
	if p.Approver != "" {
		fmt.Fprintf(w, "approver:   %s\n", p.Approver)
	}
}

func runPollinateCandidates(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		cands, err := a.pollinator.FindCandidates(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), cands, func() {
			for _, c := range cands {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s v%-3d missing on %s\n", c.CapabilityName, c.Version, strings.Join(c.MissingOn, ", "))
			}
		})
	})
}

func runPollinatePropose(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		p, err := a.pollinator.Propose(cmd.Context(), pollination.ProposeRequest{
			SourceChildID:  pollSource,
			CapabilityName: pollCapability,
			TargetChildIDs: splitCSV(pollTargets),
			Rationale:      pollRationale,
			ProposedBy:     pollBy,
		})
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), p, func() { printProposal(cmd, p) })
	})
}

func runPollinateDecide(approve bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			decide := a.pollinator.Reject
			if approve {
				decide = a.pollinator.Approve
			}
			p, err := decide(cmd.Context(), args[0], pollApprover, pollNote)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), p, func() { printProposal(cmd, p) })
		})
	}
}

func runPollinateExecute(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		x, err := a.pollinator.Execute(cmd.Context(), args[0], pollBy)
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), x, func() {
			w := cmd.OutOrStdout()
			if x.AlreadyExecuted {
				fmt.Fprintln(w, "proposal was already executed; recorded outcome:")
			}
			for _, e := range x.Entries {
				ok := e.PropagationStatus == evolution.PropagationSuccess
				fmt.Fprintf(w, "  %-12s %s", e.TargetChildID, colorStatus(ok, string(e.PropagationStatus)))
				if e.ErrorDetails != "" {
					fmt.Fprintf(w, " (%s)", e.ErrorDetails)
				}
				fmt.Fprintln(w)
			}
			counts := x.Counts()
			fmt.Fprintf(w, "success=%d failed=%d skipped=%d\n", counts[evolution.PropagationSuccess],
				counts[evolution.PropagationFailed], counts[evolution.PropagationSkipped])
		})
	})
}

func runPollinateList(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		props, err := a.pollinator.ListProposals(cmd.Context(), pollStatus, pollLimit)
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), props, func() {
			for _, p := range props {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s %-20s %s -> %s\n", p.ID, p.Status, p.CapabilityName,
					p.SourceChildID, strings.Join(p.TargetChildIDs, ","))
			}
		})
	})
}

func runPollinateRollback(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		e, err := a.pollinator.Rollback(cmd.Context(), args[0], pollBy, pollReason)
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), e, func() {
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s on %s (ledger %s)\n", e.CapabilityName, e.TargetChildID, e.ID)
		})
	})
}
