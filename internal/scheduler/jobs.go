package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/KafClaw/KafGenome/internal/absorption"
	"github.com/KafClaw/KafGenome/internal/evaluator"
	"github.com/KafClaw/KafGenome/internal/pollination"
	"github.com/KafClaw/KafGenome/internal/staging"
)

// Engine job names.
const (
	JobEvaluatePending    = "evaluate-pending"
	JobAbsorbSweep        = "absorb-sweep"
	JobStagingExpiry      = "staging-expiry"
	JobCandidateDiscovery = "candidate-discovery"
)

// Engine bundles the components periodic jobs drive. Nil fields skip their job.
type Engine struct {
	Evaluator  *evaluator.Evaluator
	Absorption *absorption.Engine
	Staging    *staging.Manager
	Pollinator *pollination.Pollinator
}

// Schedules maps job names to cron expressions.
type Schedules struct {
	EvaluatePending    string
	AbsorbSweep        string
	StagingExpiry      string
	CandidateDiscovery string
	EvaluateBatch      int
	AbsorbedBy         string
}

// DefaultSchedules returns the daemon's default cadence.
func DefaultSchedules() Schedules {
	return Schedules{
		EvaluatePending:    "*/15 * * * *",
		AbsorbSweep:        "0 * * * *",
		StagingExpiry:      "*/5 * * * *",
		CandidateDiscovery: "30 6 * * *",
		EvaluateBatch:      50,
		AbsorbedBy:         "scheduler",
	}
}

// EngineJobs builds the periodic jobs for e. An invalid cron expression is an
// error; an empty one disables that job.
func EngineJobs(e Engine, sch Schedules) ([]*Job, error) {
	def := DefaultSchedules()
	if sch.EvaluateBatch <= 0 {
		sch.EvaluateBatch = def.EvaluateBatch
	}
	if sch.AbsorbedBy == "" {
		sch.AbsorbedBy = def.AbsorbedBy
	}

	var jobs []*Job
	add := func(name, expr string, cat JobCategory, run func(ctx context.Context) error) error {
		if expr == "" || run == nil {
			return nil
		}
		c, err := ParseCron(expr)
		if err != nil {
			return fmt.Errorf("job %s: %w", name, err)
		}
		jobs = append(jobs, &Job{Name: name, Cron: c, Category: cat, Run: run})
		return nil
	}

	var evalRun, absorbRun, expireRun, discoverRun func(ctx context.Context) error
	if e.Evaluator != nil {
		evalRun = func(ctx context.Context) error {
			evals, err := e.Evaluator.EvaluatePending(ctx, sch.EvaluateBatch)
			if err != nil {
				return err
			}
			if len(evals) > 0 {
				slog.Info("Scheduled evaluation pass", "evaluations", len(evals))
			}
			return nil
		}
	}
	if e.Absorption != nil {
		absorbRun = func(ctx context.Context) error {
			results, err := e.Absorption.Sweep(ctx, sch.AbsorbedBy)
			if err != nil {
				return err
			}
			absorbed := 0
			for _, r := range results {
				if r.Absorbed {
					absorbed++
				}
			}
			slog.Info("Scheduled absorption sweep", "candidates", len(results), "absorbed", absorbed)
			return nil
		}
	}
	if e.Staging != nil {
		expireRun = func(ctx context.Context) error {
			n, err := e.Staging.ExpireStale(ctx)
			if n > 0 {
				slog.Info("Expired stale staging environments", "count", n)
			}
			return err
		}
	}
	if e.Pollinator != nil {
		discoverRun = func(ctx context.Context) error {
			children, err := e.Pollinator.Children(ctx, "active")
			if err != nil {
				return err
			}
			total := 0
			for _, c := range children {
				cands, err := e.Pollinator.FindCandidates(ctx, c.ChildID)
				if err != nil {
					return err
				}
				for _, cand := range cands {
					slog.Info("Pollination candidate", "capability", cand.CapabilityName,
						"source", cand.SourceChildID, "version", cand.Version, "missing_on", cand.MissingOn)
				}
				total += len(cands)
			}
			slog.Info("Scheduled candidate discovery", "children", len(children), "candidates", total)
			return nil
		}
	}

	for _, j := range []struct {
		name, expr string
		cat        JobCategory
		run        func(ctx context.Context) error
	}{
		{JobEvaluatePending, sch.EvaluatePending, CategoryWrite, evalRun},
		{JobAbsorbSweep, sch.AbsorbSweep, CategoryWrite, absorbRun},
		{JobStagingExpiry, sch.StagingExpiry, CategoryDefault, expireRun},
		{JobCandidateDiscovery, sch.CandidateDiscovery, CategoryDefault, discoverRun},
	} {
		if err := add(j.name, j.expr, j.cat, j.run); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}
