// Package evaluator scores capabilities from the evidence children reported
// and records an immutable verdict for each run.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/KafClaw/KafGenome/internal/bus"
	"github.com/KafClaw/KafGenome/internal/evolution"
	"github.com/KafClaw/KafGenome/internal/staging"
	"github.com/KafClaw/KafGenome/internal/store"
	"github.com/google/uuid"
)

// Config holds the fixed scoring parameters.
type Config struct {
	Weights        Weights
	HighThreshold  float64
	LowThreshold   float64
	VolumeTarget   int
	MinChildren    int
	StagingTimeout time.Duration
}

// DefaultConfig returns the standard scoring parameters.
func DefaultConfig() Config {
	return Config{
		Weights:        DefaultWeights(),
		HighThreshold:  0.75,
		LowThreshold:   0.35,
		VolumeTarget:   3,
		MinChildren:    3,
		StagingTimeout: staging.DefaultProvisionTimeout,
	}
}

// Options describe one evaluation request.
type Options struct {
	EvaluationType string
	Evaluator      string
	SourceChildID  string
	Notes          string
}

// Evaluator runs the scoring function and appends CapabilityEvaluation rows.
type Evaluator struct {
	store    *store.Store
	staging  *staging.Manager
	measurer Measurer
	bus      *bus.EventBus
	cfg      Config
}

// New creates an Evaluator. stagingMgr may be nil, in which case staging
// evaluations are always deferred.
func New(st *store.Store, stagingMgr *staging.Manager, measurer Measurer, events *bus.EventBus, cfg Config) *Evaluator {
	if measurer == nil {
		measurer = EvidenceMeasurer{}
	}
	def := DefaultConfig()
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	if cfg.HighThreshold <= 0 {
		cfg.HighThreshold = def.HighThreshold
	}
	if cfg.LowThreshold <= 0 {
		cfg.LowThreshold = def.LowThreshold
	}
	if cfg.VolumeTarget <= 0 {
		cfg.VolumeTarget = def.VolumeTarget
	}
	if cfg.MinChildren <= 0 {
		cfg.MinChildren = def.MinChildren
	}
	if cfg.StagingTimeout <= 0 {
		cfg.StagingTimeout = def.StagingTimeout
	}
	return &Evaluator{store: st, staging: stagingMgr, measurer: measurer, bus: events, cfg: cfg}
}

// Config returns the effective configuration.
func (e *Evaluator) Config() Config { return e.cfg }

// Evaluate scores a capability against all evidence reported for it and
// appends exactly one evaluation row. The behaviors it scored are marked
// evaluated.
// A staging failure or inconclusive measurement yields verdict deferred
// rather than an error.
func (e *Evaluator) Evaluate(ctx context.Context, capability string, candidate evolution.Doc, opts Options) (*store.CapabilityEvaluation, error) {
	capability = evolution.Slug(capability)
	if capability == "" {
		return nil, evolution.Invalid("capability_name is required")
	}
	et, err := evolution.ParseEvaluationType(opts.EvaluationType)
	if err != nil {
		return nil, err
	}
	if candidate == nil {
		candidate = evolution.Doc{}
	}
	evaluator := strings.TrimSpace(opts.Evaluator)
	if evaluator == "" {
		evaluator = "automated"
	}
	sourceChild := strings.TrimSpace(opts.SourceChildID)
	if sourceChild == "" {
		sourceChild, _ = candidate.String("source_child_id")
	}

	behaviors, err := e.store.ListBehaviorsByCapability(ctx, capability)
	if err != nil {
		return nil, err
	}
	ev := Aggregate(behaviors)
	// Only the rows scored here are marked; reports arriving while staging
	// runs stay queued for the next evaluation.
	var scored []string
	for _, b := range behaviors {
		if !b.Evaluated {
			scored = append(scored, b.ID)
		}
	}

	gates := evolution.Doc{}
	metrics := evolution.Doc{
		"reports":           evolution.Number(float64(ev.Reports)),
		"distinct_children": evolution.Number(float64(ev.DistinctChildren)),
		"contradicting":     evolution.Number(float64(ev.Contradicting)),
		"mean_confidence":   evolution.Number(ev.MeanConfidence),
	}
	if r, ok := candidate.Number("error_rate"); ok {
		metrics["error_rate"] = evolution.Number(r)
	} else if ev.ErrorRate != nil {
		metrics["error_rate"] = evolution.Number(*ev.ErrorRate)
	}

	var effect *float64
	deferred := false
	stagingEnvID := ""
	if et == evolution.EvalStaging {
		if sourceChild == "" && len(behaviors) > 0 {
			sourceChild = behaviors[0].ChildID
		}
		m, envID, gate := e.runStaging(ctx, capability, sourceChild, candidate)
		stagingEnvID = envID
		gates["staging"] = evolution.Map(gate)
		if m == nil {
			deferred = true
		} else {
			v := m.EffectSize
			effect = &v
			for k, val := range m.Metrics {
				metrics["staging_"+k] = val
			}
		}
	} else if v, ok := candidate.Number("effect_size"); ok {
		effect = &v
	}

	dims := Dimensions(ev, effect, e.cfg.VolumeTarget, e.cfg.MinChildren)
	score := Score(dims, e.cfg.Weights)
	for _, dim := range []string{DimVolume, DimConfidence, DimConsistency, DimEffect} {
		v, ok := dims[dim]
		if !ok {
			continue
		}
		metrics["score_"+dim] = evolution.Number(v)
		gates[dim] = evolution.Map(evolution.Doc{
			"value":  evolution.Number(v),
			"weight": evolution.Number(e.cfg.Weights.of(dim)),
		})
	}
	gates["min_children"] = evolution.Map(evolution.Doc{
		"required": evolution.Number(float64(e.cfg.MinChildren)),
		"observed": evolution.Number(float64(ev.DistinctChildren)),
		"passed":   evolution.Bool(ev.DistinctChildren >= e.cfg.MinChildren),
	})

	verdict := VerdictFor(score, e.cfg.HighThreshold, e.cfg.LowThreshold)
	if deferred {
		verdict = evolution.VerdictDeferred
	}

	row := &store.CapabilityEvaluation{
		ID:             uuid.NewString(),
		CapabilityName: capability,
		SourceChildID:  sourceChild,
		EvaluationType: et,
		Score:          score,
		Metrics:        metrics,
		GateResults:    gates,
		Verdict:        verdict,
		Evaluator:      evaluator,
		Notes:          opts.Notes,
		StagingEnvID:   stagingEnvID,
		EvaluatedAt:    e.store.Now(),
	}
	var marked int64
	err = e.store.InTx(ctx, func(tx *store.Store) error {
		if err := tx.InsertEvaluation(ctx, row); err != nil {
			return err
		}
		n, err := tx.MarkBehaviorsEvaluated(ctx, scored, row.EvaluatedAt)
		marked = n
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record evaluation: %w", err)
	}

	slog.Info("Evaluator: capability evaluated", "capability", capability, "score", fmt.Sprintf("%.3f", score),
		"verdict", verdict, "type", et, "reports", ev.Reports, "marked", marked)
	e.bus.Publish(&bus.Event{
		Kind:           bus.KindEvaluated,
		CapabilityName: capability,
		ChildID:        sourceChild,
		EntityID:       row.ID,
		Actor:          evaluator,
		Status:         string(verdict),
		Detail:         map[string]any{"score": score},
	})
	return row, nil
}

// runStaging provisions an environment, claims it, measures the candidate and
// tears the environment down. A nil Measurement means the run was missing or
// inconclusive. An environment this run did not create or claim is never torn
// down: another caller's in_use sandbox yields gate status busy.
func (e *Evaluator) runStaging(ctx context.Context, capability, childID string, candidate evolution.Doc) (*Measurement, string, evolution.Doc) {
	gate := evolution.Doc{}
	fail := func(status string, err error) (*Measurement, string, evolution.Doc) {
		gate["status"] = evolution.String(status)
		if err != nil {
			gate["error"] = evolution.String(err.Error())
		}
		return nil, stringOr(gate, "env_id"), gate
	}
	if e.staging == nil {
		return fail("unavailable", nil)
	}

	env, created, err := e.staging.Acquire(ctx, staging.Request{
		Purpose:    "evaluate " + capability,
		Config:     candidate,
		ChildID:    childID,
		Capability: capability,
	})
	if err != nil {
		slog.Warn("Evaluator: staging provisioning failed", "capability", capability, "error", err)
		return fail("provision_failed", err)
	}
	gate["env_id"] = evolution.String(env.ID)
	if !created && env.Status == evolution.StagingInUse {
		slog.Info("Evaluator: staging environment busy", "capability", capability, "env", env.ID)
		return fail("busy", nil)
	}

	ready, err := e.staging.WaitReady(ctx, env.ID, e.cfg.StagingTimeout)
	if err != nil {
		slog.Warn("Evaluator: staging not ready", "capability", capability, "env", env.ID, "error", err)
		if created {
			e.release(ctx, env.ID)
		}
		return fail("not_ready", err)
	}
	claimed, err := e.staging.MarkInUse(ctx, ready.ID)
	if err != nil {
		// Someone else claimed it between ready and now.
		slog.Info("Evaluator: staging environment claimed elsewhere", "capability", capability, "env", env.ID, "error", err)
		return fail("busy", err)
	}

	m, err := e.measurer.Measure(ctx, *claimed, capability, candidate)
	e.release(ctx, env.ID)
	if err != nil {
		return fail("measure_failed", err)
	}
	if !m.Conclusive {
		return fail("inconclusive", nil)
	}
	gate["status"] = evolution.String("measured")
	gate["effect_size"] = evolution.Number(m.EffectSize)
	return &m, env.ID, gate
}

func (e *Evaluator) release(ctx context.Context, envID string) {
	if _, err := e.staging.Teardown(ctx, envID); err != nil {
		slog.Warn("Evaluator: staging teardown failed", "env", envID, "error", err)
	}
}

// OverrideVerdict records a human verdict for a needs_review (or any latest)
// evaluation. The prior row is left untouched; a new manual row supersedes it.
func (e *Evaluator) OverrideVerdict(ctx context.Context, evaluationID, verdict, evaluator, notes string) (*store.CapabilityEvaluation, error) {
	v, err := evolution.ParseVerdict(verdict)
	if err != nil {
		return nil, err
	}
	switch v {
	case evolution.VerdictApproved, evolution.VerdictRejected, evolution.VerdictDeferred:
	default:
		return nil, evolution.Invalid("override verdict must be approved, rejected or deferred, got %s", v)
	}
	evaluator = strings.TrimSpace(evaluator)
	if evaluator == "" {
		return nil, evolution.Invalid("evaluator identity is required for an override")
	}

	var row *store.CapabilityEvaluation
	err = e.store.InTx(ctx, func(tx *store.Store) error {
		prior, err := tx.GetEvaluation(ctx, evaluationID)
		if err != nil {
			return err
		}
		latest, err := tx.LatestEvaluation(ctx, prior.CapabilityName)
		if err != nil {
			return err
		}
		if latest != nil && latest.ID != prior.ID {
			return evolution.Conflictf("evaluation %s was superseded by %s", prior.ID, latest.ID)
		}
		gates := prior.GateResults.Clone()
		gates["override"] = evolution.Map(evolution.Doc{
			"prior_verdict": evolution.String(string(prior.Verdict)),
			"prior_id":      evolution.String(prior.ID),
		})
		row = &store.CapabilityEvaluation{
			ID:             uuid.NewString(),
			CapabilityName: prior.CapabilityName,
			SourceChildID:  prior.SourceChildID,
			EvaluationType: evolution.EvalManual,
			Score:          prior.Score,
			Metrics:        prior.Metrics.Clone(),
			GateResults:    gates,
			Verdict:        v,
			Evaluator:      evaluator,
			Notes:          notes,
			SupersedesID:   prior.ID,
			StagingEnvID:   prior.StagingEnvID,
			EvaluatedAt:    tx.Now(),
		}
		return tx.InsertEvaluation(ctx, row)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Evaluator: verdict overridden", "capability", row.CapabilityName, "verdict", v,
		"evaluator", evaluator, "supersedes", evaluationID)
	e.bus.Publish(&bus.Event{
		Kind:           bus.KindEvaluated,
		CapabilityName: row.CapabilityName,
		EntityID:       row.ID,
		Actor:          evaluator,
		Status:         string(v),
		Detail:         map[string]any{"supersedes_id": evaluationID},
	})
	return row, nil
}

// History returns every evaluation of a capability, oldest first.
func (e *Evaluator) History(ctx context.Context, capability string) ([]store.CapabilityEvaluation, error) {
	return e.store.ListEvaluations(ctx, capability)
}

// EvaluatePending evaluates each capability that has unevaluated behaviors,
// scanning up to limit queued reports.
func (e *Evaluator) EvaluatePending(ctx context.Context, limit int) ([]store.CapabilityEvaluation, error) {
	pending, err := e.store.ListUnevaluatedBehaviors(ctx, limit, 0)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []store.CapabilityEvaluation
	for _, b := range pending {
		if seen[b.CapabilityName] {
			continue
		}
		seen[b.CapabilityName] = true
		row, err := e.Evaluate(ctx, b.CapabilityName, nil, Options{Evaluator: "scheduler"})
		if err != nil {
			return out, err
		}
		out = append(out, *row)
	}
	return out, nil
}

func stringOr(d evolution.Doc, key string) string {
	s, _ := d.String(key)
	return s
}
