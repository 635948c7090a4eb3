package cli

import (
	"fmt"
	"strings"

	"github.com/KafClaw/KafGenome/internal/collector"
	"github.com/KafClaw/KafGenome/internal/evaluator"
	"github.com/KafClaw/KafGenome/internal/evolution"
	"github.com/spf13/cobra"
)

var (
	ingestChild      string
	ingestCapability string
	ingestType       string
	ingestDesc       string
	ingestEvidence   string
	ingestConfidence float64

	behaviorsLimit int

	evalType      string
	evalEvaluator string
	evalSource    string
	evalNotes     string
	evalCandidate string
	evalPending   bool

	overrideVerdict   string
	overrideEvaluator string
	overrideNotes     string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Record a learned behavior reported by a child",
	RunE:  runIngest,
}

var behaviorsCmd = &cobra.Command{
	Use:   "behaviors",
	Short: "List behaviors awaiting evaluation",
	RunE:  runBehaviors,
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [capability]",
	Short: "Score a capability's evidence and record a verdict",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runEvaluate,
}

var overrideCmd = &cobra.Command{
	Use:   "override <evaluation-id>",
	Short: "Record a manual verdict superseding an evaluation",
	Args:  cobra.ExactArgs(1),
	RunE:  runOverride,
}

var historyCmd = &cobra.Command{
	Use:   "history <capability>",
	Short: "Show the evaluation history of a capability",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestChild, "child", "", "Reporting child ID")
	ingestCmd.Flags().StringVar(&ingestCapability, "capability", "", "Capability name (derived from evidence or description if empty)")
	ingestCmd.Flags().StringVar(&ingestType, "type", "", "Behavior type (optimization|error_recovery|performance_tuning|security_pattern|workflow_improvement|configuration|...)")
	ingestCmd.Flags().StringVar(&ingestDesc, "description", "", "What the child learned")
	ingestCmd.Flags().StringVar(&ingestEvidence, "evidence", "", "Evidence JSON object or @file")
	ingestCmd.Flags().Float64Var(&ingestConfidence, "confidence", collector.DefaultConfidence, "Confidence in [0,1]")

	behaviorsCmd.Flags().IntVar(&behaviorsLimit, "limit", 50, "Maximum rows to return")

	evaluateCmd.Flags().StringVar(&evalType, "type", "automated", "Evaluation type (automated|manual|a_b_test|staging|production_canary)")
	evaluateCmd.Flags().StringVar(&evalEvaluator, "evaluator", "", "Evaluator identity")
	evaluateCmd.Flags().StringVar(&evalSource, "source-child", "", "Child the candidate came from")
	evaluateCmd.Flags().StringVar(&evalNotes, "notes", "", "Free-text notes")
	evaluateCmd.Flags().StringVar(&evalCandidate, "candidate", "", "Candidate JSON object or @file (error_rate, effect_size, ...)")
	evaluateCmd.Flags().BoolVar(&evalPending, "pending", false, "Evaluate every capability with unevaluated behaviors")

	overrideCmd.Flags().StringVar(&overrideVerdict, "verdict", "", "Verdict (approved|rejected|deferred)")
	overrideCmd.Flags().StringVar(&overrideEvaluator, "evaluator", "", "Human evaluator identity")
	overrideCmd.Flags().StringVar(&overrideNotes, "notes", "", "Reason for the override")

	rootCmd.AddCommand(ingestCmd, behaviorsCmd, evaluateCmd, overrideCmd, historyCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	evidence, err := parseDoc(ingestEvidence)
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(a *app) error {
		id, err := a.collector.Ingest(cmd.Context(), collector.Report{
			ChildID:        ingestChild,
			CapabilityName: ingestCapability,
			BehaviorType:   ingestType,
			Description:    ingestDesc,
			Evidence:       evidence,
			Confidence:     ingestConfidence,
		})
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), map[string]string{"behavior_id": id}, func() {
			fmt.Fprintf(cmd.OutOrStdout(), "behavior recorded: %s\n", id)
		})
	})
}

func runBehaviors(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		rows, err := a.collector.ListUnevaluated(cmd.Context(), behaviorsLimit, 0)
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), rows, func() {
			w := cmd.OutOrStdout()
			for _, b := range rows {
				fmt.Fprintf(w, "%s  %-20s %-10s %-12s conf=%.2f  %s\n", b.ID, b.CapabilityName, b.ChildID,
					b.BehaviorType, b.Confidence, b.DiscoveredAt.Format("2006-01-02 15:04"))
			}
			fmt.Fprintf(w, "%d unevaluated\n", len(rows))
		})
	})
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	candidate, err := parseDoc(evalCandidate)
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(a *app) error {
		if evalPending {
			evals, err := a.evaluator.EvaluatePending(cmd.Context(), 0)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), evals, func() {
				for _, e := range evals {
					fmt.Fprintf(cmd.OutOrStdout(), "%-24s score=%.3f %s\n", e.CapabilityName, e.Score, colorVerdict(e.Verdict))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d capabilities evaluated\n", len(evals))
			})
		}
		if len(args) == 0 {
			return evolution.Invalid("capability name is required (or use --pending)")
		}
		e, err := a.evaluator.Evaluate(cmd.Context(), args[0], candidate, evaluator.Options{
			EvaluationType: evalType,
			Evaluator:      evalEvaluator,
			SourceChildID:  evalSource,
			Notes:          evalNotes,
		})
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), e, func() {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "evaluation: %s\n", e.ID)
			fmt.Fprintf(w, "capability: %s\n", e.CapabilityName)
			fmt.Fprintf(w, "score:      %.3f\n", e.Score)
			fmt.Fprintf(w, "verdict:    %s\n", colorVerdict(e.Verdict))
			if status, ok := e.GateResults["staging"].AsDoc(); ok {
				s, _ := status.String("status")
				fmt.Fprintf(w, "staging:    %s\n", s)
			}
		})
	})
}

func runOverride(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		e, err := a.evaluator.OverrideVerdict(cmd.Context(), args[0], overrideVerdict, overrideEvaluator, overrideNotes)
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), e, func() {
			fmt.Fprintf(cmd.OutOrStdout(), "evaluation %s supersedes %s: %s\n", e.ID, e.SupersedesID, colorVerdict(e.Verdict))
		})
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		evals, err := a.evaluator.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return output(cmd.OutOrStdout(), evals, func() {
			w := cmd.OutOrStdout()
			for _, e := range evals {
				line := fmt.Sprintf("%s  %s  %-9s score=%.3f %s by %s", e.EvaluatedAt.Format("2006-01-02 15:04"), e.ID,
					e.EvaluationType, e.Score, colorVerdict(e.Verdict), e.Evaluator)
				if e.SupersedesID != "" {
					line += " (supersedes " + e.SupersedesID + ")"
				}
				fmt.Fprintln(w, strings.TrimSpace(line))
			}
		})
	})
}
