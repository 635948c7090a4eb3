package cli

import (
	"fmt"

	"github.com/KafClaw/KafGenome/internal/evolution"
	"github.com/spf13/cobra"
)

var (
	childName     string
	childTemplate string
	childStatus   string
	seedVersion   int
	seedSource    string
	seedBy        string
)

var childCmd = &cobra.Command{
	Use:   "child",
	Short: "Manage the registry of deployed children",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var childRegisterCmd = &cobra.Command{
	Use:   "register <child-id>",
	Short: "Register a child under a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runChildRegister,
}

var childRetireCmd = &cobra.Command{
	Use:   "retire <child-id>",
	Short: "Retire a child; it stops receiving capabilities",
	Args:  cobra.ExactArgs(1),
	RunE:  runChildRetire,
}

var childListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered children",
	RunE:  runChildList,
}

var childCapabilitiesCmd = &cobra.Command{
	Use:   "capabilities <child-id>",
	Short: "Show the active capability set of a child",
	Args:  cobra.ExactArgs(1),
	RunE:  runChildCapabilities,
}

var childSeedCmd = &cobra.Command{
	Use:   "seed <child-id> <capability>",
	Short: "Grant a capability to a child with a ledger row",
	Args:  cobra.ExactArgs(2),
	RunE:  runChildSeed,
}

func init() {
	childRegisterCmd.Flags().StringVar(&childName, "name", "", "Display name")
	childRegisterCmd.Flags().StringVar(&childTemplate, "template", "default", "Parent template the child was spawned from")
	childListCmd.Flags().StringVar(&childStatus, "status", "", "Status filter (active|retired)")
	childSeedCmd.Flags().IntVar(&seedVersion, "version", 1, "Capability version")
	childSeedCmd.Flags().StringVar(&seedSource, "source", "manual", "Grant source (genome|manual|marketplace)")
	childSeedCmd.Flags().StringVar(&seedBy, "by", "", "Initiator identity")

	childCmd.AddCommand(childRegisterCmd, childRetireCmd, childListCmd, childCapabilitiesCmd, childSeedCmd)
	rootCmd.AddCommand(childCmd)
}

func runChildRegister(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		c, err := a.pollinator.RegisterChild(cmd.Context(), args[0], childName, childTemplate)
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), c, func() {
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s (template %s)\n", c.ChildID, c.Template)
		})
	})
}

func runChildRetire(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		if err := a.pollinator.RetireChild(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "retired %s\n", args[0])
		return nil
	})
}

func runChildList(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		children, err := a.pollinator.Children(cmd.Context(), childStatus)
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), children, func() {
			for _, c := range children {
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %-12s %-8s %s\n", c.ChildID, c.Template, c.Status, c.Name)
			}
		})
	})
}

func runChildCapabilities(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		caps, err := a.pollinator.ChildCapabilities(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), caps, func() {
			for _, c := range caps {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s v%-3d %-11s ledger %s\n", c.CapabilityName, c.Version, c.Source, c.LedgerEntryID)
			}
		})
	})
}

func runChildSeed(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		c, err := a.pollinator.SeedCapability(cmd.Context(), args[0], args[1], seedVersion,
			evolution.CapabilitySource(seedSource), seedBy)
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), c, func() {
			fmt.Fprintf(cmd.OutOrStdout(), "granted %s v%d to %s (ledger %s)\n", c.CapabilityName, c.Version, c.ChildID, c.LedgerEntryID)
		})
	})
}
