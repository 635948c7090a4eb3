// Package absorption promotes stable, approved capabilities into the genome.
package absorption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/KafClaw/KafGenome/internal/bus"
	"github.com/KafClaw/KafGenome/internal/evolution"
	"github.com/KafClaw/KafGenome/internal/store"
	"github.com/google/uuid"
)

// Result is the outcome of one absorb call. Absorbed=false is a normal
// negative result; Unmet names what blocked it.
type Result struct {
	Capability    string     `json:"capability_name"`
	Absorbed      bool       `json:"absorbed"`
	GenomeVersion int        `json:"genome_version"`
	LedgerEntryID string     `json:"ledger_entry_id,omitempty"`
	Unmet         []string   `json:"unmet,omitempty"`
	Stability     *Stability `json:"stability,omitempty"`
}

// Engine runs stability checks and absorption.
type Engine struct {
	store  *store.Store
	bus    *bus.EventBus
	window time.Duration
	keys   evolution.KeyedMutex
}

// New creates an Engine. window <= 0 uses DefaultStabilityWindow.
func New(st *store.Store, events *bus.EventBus, window time.Duration) *Engine {
	if window <= 0 {
		window = DefaultStabilityWindow
	}
	return &Engine{store: st, bus: events, window: window}
}

// Window returns the stability window.
func (e *Engine) Window() time.Duration { return e.window }

// CheckStability reports whether a capability satisfies the stability window,
// the error-rate trend and the compliance criterion.
func (e *Engine) CheckStability(ctx context.Context, capability string) (*Stability, error) {
	capability = evolution.Slug(capability)
	if capability == "" {
		return nil, evolution.Invalid("capability_name is required")
	}
	behaviors, err := e.store.ListBehaviorsByCapability(ctx, capability)
	if err != nil {
		return nil, err
	}
	return stability(ctx, e.store, capability, behaviors, e.window)
}

// Absorb re-checks stability and, when every condition holds, writes the
// genome version, marks the evidence absorbed and appends a terminal ledger
// row in one transaction. Calls for the same capability are serialized; a
// caller that loses the race observes the new version and absorbs nothing.
func (e *Engine) Absorb(ctx context.Context, capability, absorbedBy string) (*Result, error) {
	capability = evolution.Slug(capability)
	if capability == "" {
		return nil, evolution.Invalid("capability_name is required")
	}
	absorbedBy = strings.TrimSpace(absorbedBy)
	if absorbedBy == "" {
		return nil, evolution.Invalid("absorbed_by is required")
	}

	unlock := e.keys.Lock(capability)
	defer unlock()

	res := &Result{Capability: capability}
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		behaviors, err := tx.ListBehaviorsByCapability(ctx, capability)
		if err != nil {
			return err
		}
		stab, err := stability(ctx, tx, capability, behaviors, e.window)
		if err != nil {
			return err
		}
		res.Stability = stab
		res.Unmet = append([]string(nil), stab.Unmet...)

		latest, err := tx.LatestEvaluation(ctx, capability)
		if err != nil {
			return err
		}
		if latest == nil || latest.Verdict != evolution.VerdictApproved {
			res.Unmet = append(res.Unmet, UnmetNotApproved)
		}
		var pending []store.LearnedBehavior
		for _, b := range behaviors {
			if b.Evaluated && !b.Absorbed {
				pending = append(pending, b)
			}
		}
		if len(pending) == 0 && len(behaviors) > 0 {
			res.Unmet = append(res.Unmet, UnmetNoUnabsorbed)
		}

		genome, err := tx.GetGenome(ctx, capability)
		if err != nil {
			if !errors.Is(err, evolution.ErrNotFound) {
				return err
			}
			genome = nil
		}
		if genome != nil {
			res.GenomeVersion = genome.CurrentVersion
		}
		if len(res.Unmet) > 0 {
			return nil
		}

		now := tx.Now()
		spec := genomeSpec(capability, latest, pending)
		if genome == nil {
			genome = &store.CapabilityGenome{
				ID:             uuid.NewString(),
				Name:           capability,
				Description:    pending[0].Description,
				Category:       string(dominantType(pending)),
				CurrentVersion: 1,
				Spec:           spec,
				Dependencies:   dependencies(pending),
				Status:         evolution.GenomeActive,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.InsertGenome(ctx, genome); err != nil {
				return err
			}
		} else {
			expected := genome.RowVersion
			genome.CurrentVersion++
			genome.Spec = spec
			genome.Dependencies = mergeDeps(genome.Dependencies, dependencies(pending))
			genome.UpdatedAt = now
			if err := tx.BumpGenomeVersion(ctx, genome, expected); err != nil {
				return err
			}
		}

		children := contributors(pending)
		if err := tx.InsertGenomeVersion(ctx, &store.GenomeVersion{
			GenomeID:   genome.ID,
			Version:    genome.CurrentVersion,
			Changelog:  fmt.Sprintf("absorbed %d reports from %d children (%s)", len(pending), len(children), strings.Join(children, ", ")),
			Spec:       spec,
			ReleasedBy: absorbedBy,
			ReleasedAt: now,
		}); err != nil {
			return err
		}
		if _, err := tx.MarkCapabilityBehaviorsAbsorbed(ctx, capability, now); err != nil {
			return err
		}

		entry := &store.PropagationLogEntry{
			ID:                uuid.NewString(),
			CapabilityName:    capability,
			GenomeVersion:     genome.CurrentVersion,
			SourceType:        evolution.SourceGenome,
			PropagationStatus: evolution.PropagationSuccess,
			EvaluationID:      latest.ID,
			StagingEnvID:      latest.StagingEnvID,
			InitiatedBy:       absorbedBy,
			InitiatedAt:       now,
			CompletedAt:       &now,
		}
		if len(children) == 1 {
			entry.SourceChildID = children[0]
		}
		if err := tx.AppendLedger(ctx, entry); err != nil {
			return err
		}

		res.Absorbed = true
		res.GenomeVersion = genome.CurrentVersion
		res.LedgerEntryID = entry.ID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("absorb %s: %w", capability, err)
	}

	if !res.Absorbed {
		slog.Info("Absorption: capability not absorbed", "capability", capability, "unmet", strings.Join(res.Unmet, ","))
		return res, nil
	}
	slog.Info("Absorption: capability absorbed", "capability", capability, "version", res.GenomeVersion, "by", absorbedBy)
	e.bus.Publish(&bus.Event{
		Kind:           bus.KindAbsorbed,
		CapabilityName: capability,
		EntityID:       res.LedgerEntryID,
		Actor:          absorbedBy,
		Status:         string(evolution.PropagationSuccess),
		Detail:         map[string]any{"genome_version": res.GenomeVersion},
	})
	return res, nil
}

// Candidates returns capability names whose latest verdict is approved and
// which still hold unabsorbed evidence. Recomputed on every call.
func (e *Engine) Candidates(ctx context.Context) ([]string, error) {
	return e.store.ApprovedUnabsorbedCapabilities(ctx)
}

// Sweep tries to absorb every candidate. Negative results are returned, not
// treated as errors.
func (e *Engine) Sweep(ctx context.Context, absorbedBy string) ([]Result, error) {
	names, err := e.Candidates(ctx)
	if err != nil {
		return nil, err
	}
	var out []Result
	for _, name := range names {
		res, err := e.Absorb(ctx, name, absorbedBy)
		if err != nil {
			return out, err
		}
		out = append(out, *res)
	}
	return out, nil
}

// RecordCompliance stores a compliance posture score for a child.
func (e *Engine) RecordCompliance(ctx context.Context, childID string, score float64) (*store.CompliancePosture, error) {
	childID = strings.TrimSpace(childID)
	if childID == "" {
		return nil, evolution.Invalid("child_id is required")
	}
	if math.IsNaN(score) || score < 0 || score > 1 {
		return nil, evolution.Invalid("compliance score %v outside [0,1]", score)
	}
	return e.store.RecordCompliance(ctx, childID, score, time.Time{})
}

// Genome returns the current genome row for a capability.
func (e *Engine) Genome(ctx context.Context, capability string) (*store.CapabilityGenome, error) {
	return e.store.GetGenome(ctx, evolution.Slug(capability))
}

// Versions returns the version history of a capability.
func (e *Engine) Versions(ctx context.Context, capability string) ([]store.GenomeVersion, error) {
	return e.store.ListGenomeVersions(ctx, evolution.Slug(capability))
}

func genomeSpec(capability string, eval *store.CapabilityEvaluation, pending []store.LearnedBehavior) evolution.Doc {
	children := contributors(pending)
	kids := make([]evolution.Value, len(children))
	for i, c := range children {
		kids[i] = evolution.String(c)
	}
	spec := evolution.Doc{
		"capability":     evolution.String(capability),
		"behavior_type":  evolution.String(string(dominantType(pending))),
		"evidence_count": evolution.Number(float64(len(pending))),
		"contributors":   evolution.List(kids...),
		"evaluation_id":  evolution.String(eval.ID),
		"score":          evolution.Number(eval.Score),
	}
	// The newest report carrying a config wins.
	for i := len(pending) - 1; i >= 0; i-- {
		if cfg, ok := pending[i].Evidence["config"]; ok {
			spec["config"] = cfg
			break
		}
	}
	return spec
}

func contributors(behaviors []store.LearnedBehavior) []string {
	seen := map[string]bool{}
	var out []string
	for _, b := range behaviors {
		if !seen[b.ChildID] {
			seen[b.ChildID] = true
			out = append(out, b.ChildID)
		}
	}
	sort.Strings(out)
	return out
}

func dominantType(behaviors []store.LearnedBehavior) evolution.BehaviorType {
	counts := map[evolution.BehaviorType]int{}
	best := evolution.BehaviorOther
	for _, b := range behaviors {
		counts[b.BehaviorType]++
		if counts[b.BehaviorType] > counts[best] || (counts[b.BehaviorType] == counts[best] && b.BehaviorType < best) {
			best = b.BehaviorType
		}
	}
	return best
}

// dependencies collects evidence["dependencies"] string lists.
func dependencies(behaviors []store.LearnedBehavior) []string {
	var out []string
	for _, b := range behaviors {
		list, ok := b.Evidence["dependencies"].AsList()
		if !ok {
			continue
		}
		for _, v := range list {
			if s, ok := v.AsString(); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	}
	return mergeDeps(nil, out)
}

func mergeDeps(a, b []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, d := range append(append([]string{}, a...), b...) {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}
