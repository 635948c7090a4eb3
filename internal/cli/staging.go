package cli

import (
	"fmt"

	"github.com/KafClaw/KafGenome/internal/staging"
	"github.com/KafClaw/KafGenome/internal/store"
	"github.com/spf13/cobra"
)

var (
	stagingStatus     string
	stagingLimit      int
	stagingChild      string
	stagingCapability string
	stagingPurpose    string
	stagingConfig     string
	stagingWait       bool
)

var stagingCmd = &cobra.Command{
	Use:   "staging",
	Short: "Manage ephemeral staging environments",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var stagingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List staging environments",
	RunE:  runStagingList,
}

var stagingProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision (or reuse) the environment for a child and capability",
	RunE:  runStagingProvision,
}

var stagingTeardownCmd = &cobra.Command{
	Use:   "teardown <env-id>",
	Short: "Tear down a staging environment",
	Args:  cobra.ExactArgs(1),
	RunE:  runStagingTeardown,
}

var stagingExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Fail environments stuck in provisioning past the timeout",
	RunE:  runStagingExpire,
}

func init() {
	stagingListCmd.Flags().StringVar(&stagingStatus, "status", "", "Status filter")
	stagingListCmd.Flags().IntVar(&stagingLimit, "limit", 50, "Maximum rows to return")

	stagingProvisionCmd.Flags().StringVar(&stagingChild, "child", "", "Child ID")
	stagingProvisionCmd.Flags().StringVar(&stagingCapability, "capability", "", "Capability under test")
	stagingProvisionCmd.Flags().StringVar(&stagingPurpose, "purpose", "manual", "Purpose label")
	stagingProvisionCmd.Flags().StringVar(&stagingConfig, "config", "", "Environment config JSON object or @file")
	stagingProvisionCmd.Flags().BoolVar(&stagingWait, "wait", true, "Wait until the environment is ready")

	stagingCmd.AddCommand(stagingListCmd, stagingProvisionCmd, stagingTeardownCmd, stagingExpireCmd)
	rootCmd.AddCommand(stagingCmd)
}

func printEnv(cmd *cobra.Command, e *store.StagingEnvironment) {
	line := fmt.Sprintf("%s  %-12s %-12s %-20s %s", e.ID, e.Status, e.ChildID, e.CapabilityUnderTest,
		e.ProvisionedAt.Format("2006-01-02 15:04"))
	if e.ErrorText != "" {
		line += "  " + e.ErrorText
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)
}

func runStagingList(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		envs, err := a.staging.List(cmd.Context(), stagingStatus, stagingLimit)
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), envs, func() {
			for i := range envs {
				printEnv(cmd, &envs[i])
			}
		})
	})
}

func runStagingProvision(cmd *cobra.Command, args []string) error {
	cfgDoc, err := parseDoc(stagingConfig)
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(a *app) error {
		env, err := a.staging.Provision(cmd.Context(), staging.Request{
			Purpose:    stagingPurpose,
			Config:     cfgDoc,
			ChildID:    stagingChild,
			Capability: stagingCapability,
		})
		if err != nil {
			return err
		}
		if stagingWait {
			if env, err = a.staging.WaitReady(cmd.Context(), env.ID, a.staging.Timeout()); err != nil {
				return err
			}
		}
		return output(cmd.OutOrStdout(), env, func() { printEnv(cmd, env) })
	})
}

func runStagingTeardown(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		env, err := a.staging.Teardown(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), env, func() { printEnv(cmd, env) })
	})
}

func runStagingExpire(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		n, err := a.staging.ExpireStale(cmd.Context())
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), map[string]int{"expired": n}, func() {
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d environment(s)\n", n)
		})
	})
}
