package cli

import (
	"fmt"

	"github.com/KafClaw/KafGenome/internal/config"
	"github.com/KafClaw/KafGenome/internal/evolution"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		ctx := cmd.Context()
		total, unevaluated, absorbed, err := a.store.CountBehaviors(ctx)
		if err != nil {
			return err
		}
		genomes, err := a.store.ListGenomes(ctx, "")
		if err != nil {
			return err
		}
		pending, err := a.pollinator.ListProposals(ctx, string(evolution.ProposalProposed), 1000)
		if err != nil {
			return err
		}
		approved, err := a.pollinator.ListProposals(ctx, string(evolution.ProposalApproved), 1000)
		if err != nil {
			return err
		}
		children, err := a.pollinator.Children(ctx, "active")
		if err != nil {
			return err
		}
		active := 0
		for _, s := range []evolution.StagingStatus{evolution.StagingProvisioning, evolution.StagingReady, evolution.StagingInUse} {
			envs, err := a.staging.List(ctx, string(s), 1000)
			if err != nil {
				return err
			}
			active += len(envs)
		}
		candidates, err := a.absorption.Candidates(ctx)
		if err != nil {
			return err
		}
		cfgPath, _ := config.ConfigPath()

		out := map[string]any{
			"version":               version,
			"config":                cfgPath,
			"db":                    a.cfg.Paths.DBPath,
			"behaviors":             total,
			"unevaluated":           unevaluated,
			"absorbed_behaviors":    absorbed,
			"genomes":               len(genomes),
			"absorption_candidates": len(candidates),
			"proposals_pending":     len(pending),
			"proposals_approved":    len(approved),
			"active_children":       len(children),
			"active_staging":        active,
		}
		if flagDBPath != "" {
			out["db"] = flagDBPath
		}
		return output(cmd.OutOrStdout(), out, func() {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Version:    %s\n", version)
			fmt.Fprintf(w, "Config:     %s\n", cfgPath)
			fmt.Fprintf(w, "Database:   %s\n", out["db"])
			fmt.Fprintf(w, "Children:   %d active\n", len(children))
			fmt.Fprintf(w, "Behaviors:  %d total, %d unevaluated, %d absorbed\n", total, unevaluated, absorbed)
			fmt.Fprintf(w, "Genome:     %d capabilities, %d awaiting absorption\n", len(genomes), len(candidates))
			fmt.Fprintf(w, "Proposals:  %d awaiting approval, %d approved\n", len(pending), len(approved))
			fmt.Fprintf(w, "Staging:    %d active\n", active)
		})
	})
}
