package cli

import (
	"fmt"
	"time"

	"github.com/KafClaw/KafGenome/internal/evolution"
	"github.com/KafClaw/KafGenome/internal/store"
	"github.com/spf13/cobra"
)

var (
	ledgerFilter store.LedgerFilter
	ledgerSince  string
	ledgerUntil  string
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Query the append-only propagation ledger",
	RunE:  runLedger,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Verify every grant is backed by a terminal ledger row",
	RunE:  runAudit,
}

func init() {
	f := ledgerCmd.Flags()
	f.StringVar(&ledgerFilter.CapabilityName, "capability", "", "Capability name")
	f.StringVar(&ledgerFilter.TargetChildID, "target", "", "Target child ID")
	f.StringVar(&ledgerFilter.SourceType, "source-type", "", "Source type (genome|child_learned|marketplace|manual|rollback)")
	f.StringVar(&ledgerFilter.Status, "status", "", "Propagation status")
	f.StringVar(&ledgerFilter.ProposalID, "proposal", "", "Proposal ID")
	f.StringVar(&ledgerSince, "since", "", "Earliest initiated_at (RFC3339)")
	f.StringVar(&ledgerUntil, "until", "", "Latest initiated_at (RFC3339)")
	f.IntVar(&ledgerFilter.Limit, "limit", 100, "Maximum rows to return")
	f.IntVar(&ledgerFilter.Offset, "offset", 0, "Rows to skip")

	rootCmd.AddCommand(ledgerCmd, auditCmd)
}

func parseTimeFlag(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, evolution.Invalid("--%s must be RFC3339: %v", name, err)
	}
	return &t, nil
}

func runLedger(cmd *cobra.Command, args []string) error {
	filter := ledgerFilter
	var err error
	if filter.Since, err = parseTimeFlag("since", ledgerSince); err != nil {
		return err
	}
	if filter.Until, err = parseTimeFlag("until", ledgerUntil); err != nil {
		return err
	}
	return withApp(cmd.Context(), func(a *app) error {
		rows, err := a.store.QueryLedger(cmd.Context(), filter)
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), rows, func() {
			w := cmd.OutOrStdout()
			for _, e := range rows {
				target := e.TargetChildID
				if target == "" {
					target = "(all)"
				}
				fmt.Fprintf(w, "%5d  %s  %-20s v%-3d %-13s %-12s %-11s by %s\n", e.Seq,
					e.InitiatedAt.Format("2006-01-02 15:04"), e.CapabilityName, e.GenomeVersion,
					e.SourceType, target, e.PropagationStatus, e.InitiatedBy)
			}
		})
	})
}

func runAudit(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		findings, err := a.store.VerifyAudit(cmd.Context())
		if err != nil {
			return err
		}
		if err := output(cmd.OutOrStdout(), findings, func() {
			w := cmd.OutOrStdout()
			if len(findings) == 0 {
				fmt.Fprintln(w, colorStatus(true, "✓ every grant has a terminal ledger row"))
				return
			}
			for _, f := range findings {
				fmt.Fprintf(w, "%s %s %s %s v%d: %s\n", colorStatus(false, "✗"), f.Kind, f.CapabilityName, f.ChildID, f.Version, f.Detail)
			}
		}); err != nil {
			return err
		}
		if len(findings) > 0 {
			return fmt.Errorf("audit found %d orphaned grant(s)", len(findings))
		}
		return nil
	})
}
