package absorption

import (
	"context"
	"math"
	"time"

	"github.com/KafClaw/KafGenome/internal/store"
)

// DefaultStabilityWindow is the minimum age of a capability's earliest evidence.
const DefaultStabilityWindow = 72 * time.Hour

// Unmet condition names reported on negative results.
const (
	UnmetNoEvidence        = "no_evidence"
	UnmetWindowNotElapsed  = "window_not_elapsed"
	UnmetErrorRegression   = "error_rate_regression"
	UnmetComplianceDropped = "compliance_degraded"
	UnmetNotApproved       = "not_approved"
	UnmetNoUnabsorbed      = "no_unabsorbed_evidence"
)

// Stability is the outcome of a stability check. Stable is false whenever
// Unmet is non-empty.
type Stability struct {
	Capability         string    `json:"capability_name"`
	Stable             bool      `json:"stable"`
	WindowElapsedHours float64   `json:"window_elapsed_hours"`
	RegressionDetected bool      `json:"regression_detected"`
	ComplianceDegraded bool      `json:"compliance_degraded"`
	Unmet              []string  `json:"unmet,omitempty"`
	IntroducedAt       time.Time `json:"introduced_at,omitempty"`
	CheckedAt          time.Time `json:"checked_at"`
}

// stability evaluates the three criteria against st. It reads only, so it can
// run inside the absorb transaction.
func stability(ctx context.Context, st *store.Store, capability string, behaviors []store.LearnedBehavior, window time.Duration) (*Stability, error) {
	now := st.Now()
	res := &Stability{Capability: capability, CheckedAt: now}
	if len(behaviors) == 0 {
		res.Unmet = []string{UnmetNoEvidence}
		return res, nil
	}

	contrib := contributing(behaviors)
	introduced := contrib[0].DiscoveredAt
	for _, b := range contrib[1:] {
		if b.DiscoveredAt.Before(introduced) {
			introduced = b.DiscoveredAt
		}
	}
	res.IntroducedAt = introduced
	elapsed := now.Sub(introduced)
	res.WindowElapsedHours = math.Round(elapsed.Hours()*100) / 100
	if elapsed < window {
		res.Unmet = append(res.Unmet, UnmetWindowNotElapsed)
	}

	evals, err := st.ListEvaluations(ctx, capability)
	if err != nil {
		return nil, err
	}
	res.RegressionDetected = errorRateIncreased(evals)
	if res.RegressionDetected {
		res.Unmet = append(res.Unmet, UnmetErrorRegression)
	}

	degraded, err := complianceDegraded(ctx, st, contrib, introduced)
	if err != nil {
		return nil, err
	}
	res.ComplianceDegraded = degraded
	if degraded {
		res.Unmet = append(res.Unmet, UnmetComplianceDropped)
	}

	res.Stable = len(res.Unmet) == 0
	return res, nil
}

// contributing returns the evidence the next absorption would promote: the
// evaluated, unabsorbed behaviors. Before any evaluation that is every
// unabsorbed behavior; once everything is absorbed it is the full history.
func contributing(behaviors []store.LearnedBehavior) []store.LearnedBehavior {
	var evaluated, unabsorbed []store.LearnedBehavior
	for _, b := range behaviors {
		if b.Absorbed {
			continue
		}
		unabsorbed = append(unabsorbed, b)
		if b.Evaluated {
			evaluated = append(evaluated, b)
		}
	}
	switch {
	case len(evaluated) > 0:
		return evaluated
	case len(unabsorbed) > 0:
		return unabsorbed
	}
	return behaviors
}

// errorRateIncreased reports whether any evaluation shows a higher error_rate
// than an earlier one. Evaluations without the metric are skipped.
func errorRateIncreased(evals []store.CapabilityEvaluation) bool {
	best := math.Inf(1)
	for _, e := range evals {
		r, ok := e.Metrics.Number("error_rate")
		if !ok {
			continue
		}
		if r > best {
			return true
		}
		best = math.Min(best, r)
	}
	return false
}

// complianceDegraded compares, per contributing child, the latest score at or
// before introduced with the latest score after it.
func complianceDegraded(ctx context.Context, st *store.Store, behaviors []store.LearnedBehavior, introduced time.Time) (bool, error) {
	seen := map[string]bool{}
	for _, b := range behaviors {
		if seen[b.ChildID] {
			continue
		}
		seen[b.ChildID] = true

		history, err := st.ListCompliance(ctx, b.ChildID)
		if err != nil {
			return false, err
		}
		var before, after *store.CompliancePosture
		for i := range history {
			p := &history[i]
			if p.RecordedAt.After(introduced) {
				after = p
			} else {
				before = p
			}
		}
		if before != nil && after != nil && after.Score < before.Score {
			return true, nil
		}
	}
	return false, nil
}
