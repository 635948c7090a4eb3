package cli

import (
	"fmt"
	"strings"

	"github.com/KafClaw/KafGenome/internal/absorption"
	"github.com/KafClaw/KafGenome/internal/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	absorbBy   string
	absorbAll  bool
	genomeYAML bool
)

var absorbCmd = &cobra.Command{
	Use:   "absorb [capability]",
	Short: "Absorb a stable, approved capability into the parent genome",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAbsorb,
}

var candidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "List approved capabilities with unabsorbed evidence",
	RunE:  runCandidates,
}

var stabilityCmd = &cobra.Command{
	Use:   "stability <capability>",
	Short: "Check a capability against the stability criteria",
	Args:  cobra.ExactArgs(1),
	RunE:  runStability,
}

var complianceCmd = &cobra.Command{
	Use:   "compliance <child-id> <score>",
	Short: "Record a child's compliance posture score",
	Args:  cobra.ExactArgs(2),
	RunE:  runCompliance,
}

var genomeCmd = &cobra.Command{
	Use:   "genome",
	Short: "Inspect the parent capability genome",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var genomeShowCmd = &cobra.Command{
	Use:   "show <capability>",
	Short: "Show a genome entry and its version history",
	Args:  cobra.ExactArgs(1),
	RunE:  runGenomeShow,
}

var genomeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List genome entries",
	RunE:  runGenomeList,
}

var genomeExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the genome with version history as a YAML manifest",
	RunE:  runGenomeExport,
}

func init() {
	absorbCmd.Flags().StringVar(&absorbBy, "by", "", "Identity recorded on the genome version and ledger row")
	absorbCmd.Flags().BoolVar(&absorbAll, "all", false, "Try every absorption candidate")
	genomeShowCmd.Flags().BoolVar(&genomeYAML, "yaml", false, "Output YAML")

	genomeCmd.AddCommand(genomeShowCmd, genomeListCmd, genomeExportCmd)
	rootCmd.AddCommand(absorbCmd, candidatesCmd, stabilityCmd, complianceCmd, genomeCmd)
}

func printAbsorb(cmd *cobra.Command, r absorption.Result) {
	w := cmd.OutOrStdout()
	if r.Absorbed {
		fmt.Fprintf(w, "%s %s absorbed at v%d (ledger %s)\n", colorStatus(true, "✓"), r.Capability, r.GenomeVersion, r.LedgerEntryID)
		return
	}
	fmt.Fprintf(w, "%s %s not absorbed: %s\n", colorStatus(false, "✗"), r.Capability, strings.Join(r.Unmet, ", "))
}

func runAbsorb(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		by := absorbBy
		if by == "" && absorbAll {
			by = a.cfg.Absorption.AbsorbedBy
		}
		if absorbAll {
			results, err := a.absorption.Sweep(cmd.Context(), by)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), results, func() {
				for _, r := range results {
					printAbsorb(cmd, r)
				}
				if len(results) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no absorption candidates")
				}
			})
		}
		if len(args) == 0 {
			return fmt.Errorf("capability name is required (or use --all)")
		}
		r, err := a.absorption.Absorb(cmd.Context(), args[0], by)
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), r, func() { printAbsorb(cmd, *r) })
	})
}

func runCandidates(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		names, err := a.absorption.Candidates(cmd.Context())
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), names, func() {
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
		})
	})
}

func runStability(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		s, err := a.absorption.CheckStability(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), s, func() {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "capability: %s\n", s.Capability)
			fmt.Fprintf(w, "stable:     %s\n", colorStatus(s.Stable, fmt.Sprint(s.Stable)))
			fmt.Fprintf(w, "elapsed:    %.2fh of %s\n", s.WindowElapsedHours, a.absorption.Window())
			fmt.Fprintf(w, "regression: %v\n", s.RegressionDetected)
			fmt.Fprintf(w, "compliance: degraded=%v\n", s.ComplianceDegraded)
			if len(s.Unmet) > 0 {
				fmt.Fprintf(w, "unmet:      %s\n", strings.Join(s.Unmet, ", "))
			}
		})
	})
}

func runCompliance(cmd *cobra.Command, args []string) error {
	var score float64
	if _, err := fmt.Sscanf(args[1], "%g", &score); err != nil {
		return fmt.Errorf("score must be a number: %w", err)
	}
	return withApp(cmd.Context(), func(a *app) error {
		p, err := a.absorption.RecordCompliance(cmd.Context(), args[0], score)
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), p, func() {
			fmt.Fprintf(cmd.OutOrStdout(), "compliance recorded for %s: %.2f\n", p.ChildID, p.Score)
		})
	})
}

// genomeManifest is the YAML export consumed by provisioning collaborators.
type genomeManifest struct {
	Capability store.CapabilityGenome `yaml:"capability"`
	Versions   []store.GenomeVersion  `yaml:"versions"`
}

func runGenomeShow(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		g, err := a.absorption.Genome(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		versions, err := a.absorption.Versions(cmd.Context(), g.Name)
		if err != nil {
			return err
		}
		m := genomeManifest{Capability: *g, Versions: versions}
		if genomeYAML {
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(m)
		}
		return output(cmd.OutOrStdout(), m, func() {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s v%d (%s)\n", g.Name, g.CurrentVersion, g.Status)
			if len(g.Dependencies) > 0 {
				fmt.Fprintf(w, "dependencies: %s\n", strings.Join(g.Dependencies, ", "))
			}
			for _, v := range versions {
				fmt.Fprintf(w, "  v%d  %s  %s: %s\n", v.Version, v.ReleasedAt.Format("2006-01-02 15:04"), v.ReleasedBy, v.Changelog)
			}
		})
	})
}

func runGenomeList(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		genomes, err := a.store.ListGenomes(cmd.Context(), "")
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), genomes, func() {
			for _, g := range genomes {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s v%-3d %s\n", g.Name, g.CurrentVersion, g.Status)
			}
		})
	})
}

func runGenomeExport(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		genomes, err := a.store.ListGenomes(cmd.Context(), "")
		if err != nil {
			return err
		}
		manifest := make([]genomeManifest, 0, len(genomes))
		for _, g := range genomes {
			versions, err := a.store.ListGenomeVersions(cmd.Context(), g.Name)
			if err != nil {
				return err
			}
			manifest = append(manifest, genomeManifest{Capability: g, Versions: versions})
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(map[string]any{"genome": manifest})
	})
}
