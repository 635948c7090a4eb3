// Package pollination shares capabilities proven on one child with its
// siblings. Every execution is gated on an explicit human approval.
package pollination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/KafClaw/KafGenome/internal/bus"
	"github.com/KafClaw/KafGenome/internal/evolution"
	"github.com/KafClaw/KafGenome/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelism bounds concurrent per-target writes in one execution.
const DefaultParallelism = 4

// Candidate is a capability held by SourceChildID and missing on MissingOn.
type Candidate struct {
	CapabilityName string   `json:"capability_name"`
	SourceChildID  string   `json:"source_child_id"`
	Version        int      `json:"version"`
	MissingOn      []string `json:"missing_on"`
}

// ProposeRequest is the input of Propose.
type ProposeRequest struct {
	SourceChildID  string
	CapabilityName string
	TargetChildIDs []string
	Rationale      string
	ProposedBy     string
}

// Execution is the outcome of Execute.
type Execution struct {
	Proposal        *store.PollinationProposal  `json:"proposal"`
	Entries         []store.PropagationLogEntry `json:"entries"`
	AlreadyExecuted bool                        `json:"already_executed"`
}

// Counts tallies the terminal statuses of the execution's ledger rows.
func (x *Execution) Counts() map[evolution.PropagationStatus]int {
	out := map[evolution.PropagationStatus]int{}
	for _, e := range x.Entries {
		out[e.PropagationStatus]++
	}
	return out
}

// Pollinator owns proposals, their execution and per-child grants.
type Pollinator struct {
	store       *store.Store
	bus         *bus.EventBus
	parallelism int
	keys        evolution.KeyedMutex
}

// New creates a Pollinator. parallelism <= 0 uses DefaultParallelism.
func New(st *store.Store, events *bus.EventBus, parallelism int) *Pollinator {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Pollinator{store: st, bus: events, parallelism: parallelism}
}

// FindCandidates lists active capabilities that at least one active sibling
// lacks. sourceChildID narrows the search to one child.
func (p *Pollinator) FindCandidates(ctx context.Context, sourceChildID string) ([]Candidate, error) {
	sourceChildID = strings.TrimSpace(sourceChildID)
	held, err := p.store.ListActiveCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	holds := map[string]map[string]bool{}
	for _, c := range held {
		if holds[c.ChildID] == nil {
			holds[c.ChildID] = map[string]bool{}
		}
		holds[c.ChildID][c.CapabilityName] = true
	}

	siblings := map[string][]store.Child{}
	var out []Candidate
	for _, c := range held {
		if sourceChildID != "" && c.ChildID != sourceChildID {
			continue
		}
		sibs, ok := siblings[c.ChildID]
		if !ok {
			if sibs, err = p.store.Siblings(ctx, c.ChildID); err != nil {
				return nil, err
			}
			siblings[c.ChildID] = sibs
		}
		var missing []string
		for _, s := range sibs {
			if !holds[s.ChildID][c.CapabilityName] {
				missing = append(missing, s.ChildID)
			}
		}
		if len(missing) > 0 {
			out = append(out, Candidate{
				CapabilityName: c.CapabilityName,
				SourceChildID:  c.ChildID,
				Version:        c.Version,
				MissingOn:      missing,
			})
		}
	}
	return out, nil
}

// Propose records a proposal in status proposed. Nothing is granted until the
// proposal is approved and executed.
func (p *Pollinator) Propose(ctx context.Context, req ProposeRequest) (*store.PollinationProposal, error) {
	source := strings.TrimSpace(req.SourceChildID)
	if source == "" {
		return nil, evolution.Invalid("source_child_id is required")
	}
	capability := evolution.Slug(req.CapabilityName)
	if capability == "" {
		return nil, evolution.Invalid("capability_name is required")
	}
	proposedBy := strings.TrimSpace(req.ProposedBy)
	if proposedBy == "" {
		return nil, evolution.Invalid("proposed_by is required")
	}
	seen := map[string]bool{}
	var targets []string
	for _, t := range req.TargetChildIDs {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		if t == source {
			return nil, evolution.Invalid("target %s is the source child", t)
		}
		seen[t] = true
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return nil, evolution.Invalid("target_child_ids must not be empty")
	}
	sort.Strings(targets)

	prop := &store.PollinationProposal{
		ID:             uuid.NewString(),
		SourceChildID:  source,
		CapabilityName: capability,
		TargetChildIDs: targets,
		Rationale:      req.Rationale,
		ProposedBy:     proposedBy,
		Status:         evolution.ProposalProposed,
		CreatedAt:      p.store.Now(),
	}
	if err := p.store.InsertProposal(ctx, prop); err != nil {
		return nil, err
	}
	slog.Info("Pollination: proposal created", "id", prop.ID, "capability", capability, "source", source, "targets", targets)
	p.publish(bus.KindProposalCreated, prop, proposedBy, map[string]any{
		"targets":   targets,
		"rationale": req.Rationale,
	})
	return prop, nil
}

// Approve is the only path from proposed to approved. approver is mandatory.
func (p *Pollinator) Approve(ctx context.Context, id, approver, note string) (*store.PollinationProposal, error) {
	return p.decide(ctx, id, evolution.ProposalApproved, approver, note)
}

// Reject is terminal; a rejected proposal never returns to proposed.
func (p *Pollinator) Reject(ctx context.Context, id, approver, note string) (*store.PollinationProposal, error) {
	return p.decide(ctx, id, evolution.ProposalRejected, approver, note)
}

func (p *Pollinator) decide(ctx context.Context, id string, to evolution.ProposalStatus, approver, note string) (*store.PollinationProposal, error) {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return nil, evolution.Invalid("approver identity is required")
	}
	if err := p.store.DecideProposal(ctx, id, to, approver, note); err != nil {
		return nil, err
	}
	prop, err := p.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	slog.Info("Pollination: proposal decided", "id", id, "status", to, "approver", approver)
	p.publish(bus.KindProposalDecided, prop, approver, map[string]any{"note": note})
	return prop, nil
}

// Get returns a proposal.
func (p *Pollinator) Get(ctx context.Context, id string) (*store.PollinationProposal, error) {
	return p.store.GetProposal(ctx, id)
}

// ListProposals returns proposals, newest first, optionally filtered by status.
func (p *Pollinator) ListProposals(ctx context.Context, status string, limit int) ([]store.PollinationProposal, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	switch evolution.ProposalStatus(status) {
	case "", evolution.ProposalProposed, evolution.ProposalApproved, evolution.ProposalRejected, evolution.ProposalExecuted:
	default:
		return nil, evolution.Invalid("unknown proposal status %q", status)
	}
	return p.store.ListProposals(ctx, status, limit)
}

// Execute propagates an approved proposal to every target. Each target gets
// its own ledger row and succeeds, fails or is skipped independently. The
// proposal becomes executed only after every target row is terminal.
// Executing an already executed proposal returns its existing rows.
func (p *Pollinator) Execute(ctx context.Context, id, initiatedBy string) (*Execution, error) {
	initiatedBy = strings.TrimSpace(initiatedBy)
	if initiatedBy == "" {
		initiatedBy = "cross-pollinator"
	}
	unlock := p.keys.Lock("proposal\x00" + id)
	defer unlock()

	prop, err := p.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	switch prop.Status {
	case evolution.ProposalExecuted:
		entries, err := p.store.LedgerForProposal(ctx, id)
		if err != nil {
			return nil, err
		}
		return &Execution{Proposal: prop, Entries: entries, AlreadyExecuted: true}, nil
	case evolution.ProposalApproved:
	default:
		return nil, fmt.Errorf("%w: proposal %s is %s", evolution.ErrApprovalRequired, id, prop.Status)
	}

	// Rows left open by an interrupted execution are resumed, not duplicated.
	prior, err := p.store.LedgerForProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	byTarget := map[string]*store.PropagationLogEntry{}
	for i := range prior {
		byTarget[prior[i].TargetChildID] = &prior[i]
	}

	version, err := p.sourceVersion(ctx, prop)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for _, target := range prop.TargetChildIDs {
		target := target
		existing := byTarget[target]
		if existing != nil && existing.PropagationStatus.Terminal() {
			continue
		}
		g.Go(func() error {
			return p.propagate(gctx, prop, target, version, initiatedBy, existing)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("execute proposal %s: %w", id, err)
	}

	entries, err := p.store.LedgerForProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.PropagationStatus.Terminal() {
			return nil, evolution.Conflictf("proposal %s target %s still %s", id, e.TargetChildID, e.PropagationStatus)
		}
	}
	if err := p.store.MarkProposalExecuted(ctx, id); err != nil {
		return nil, err
	}
	if prop, err = p.store.GetProposal(ctx, id); err != nil {
		return nil, err
	}

	x := &Execution{Proposal: prop, Entries: entries}
	counts := x.Counts()
	slog.Info("Pollination: proposal executed", "id", id, "capability", prop.CapabilityName,
		"success", counts[evolution.PropagationSuccess], "failed", counts[evolution.PropagationFailed],
		"skipped", counts[evolution.PropagationSkipped])
	p.publish(bus.KindProposalExecuted, prop, initiatedBy, map[string]any{
		"success": counts[evolution.PropagationSuccess],
		"failed":  counts[evolution.PropagationFailed],
		"skipped": counts[evolution.PropagationSkipped],
	})
	return x, nil
}

// propagate drives one target's ledger row from pending to a terminal status.
// Only store failures are returned; a target that cannot take the capability
// is recorded as failed.
func (p *Pollinator) propagate(ctx context.Context, prop *store.PollinationProposal, target string, version int, initiatedBy string, entry *store.PropagationLogEntry) error {
	if entry == nil {
		entry = &store.PropagationLogEntry{
			ID:                uuid.NewString(),
			CapabilityName:    prop.CapabilityName,
			GenomeVersion:     version,
			SourceType:        evolution.SourceChildLearned,
			SourceChildID:     prop.SourceChildID,
			TargetChildID:     target,
			PropagationStatus: evolution.PropagationPending,
			ProposalID:        prop.ID,
			InitiatedBy:       initiatedBy,
		}
		if err := p.store.AppendLedger(ctx, entry); err != nil {
			return err
		}
	}
	if entry.PropagationStatus == evolution.PropagationPending {
		if err := p.store.AdvanceLedger(ctx, entry.ID, evolution.PropagationInProgress, ""); err != nil {
			return err
		}
	}

	var outcome evolution.PropagationStatus
	var detail string
	err := p.store.InTx(ctx, func(tx *store.Store) error {
		child, err := tx.GetChild(ctx, target)
		switch {
		case errors.Is(err, evolution.ErrNotFound):
			outcome, detail = evolution.PropagationFailed, "target child is not registered"
		case err != nil:
			return err
		case child.Status != store.ChildActive:
			outcome, detail = evolution.PropagationFailed, "target child is "+child.Status
		}
		if outcome == "" {
			held, err := tx.GetChildCapability(ctx, target, prop.CapabilityName)
			if err != nil && !errors.Is(err, evolution.ErrNotFound) {
				return err
			}
			if held != nil && held.Status == evolution.CapabilityActive {
				outcome, detail = evolution.PropagationSkipped, fmt.Sprintf("target already holds v%d", held.Version)
			}
		}
		if outcome == "" {
			if err := tx.UpsertChildCapability(ctx, &store.ChildCapability{
				ChildID:        target,
				CapabilityName: prop.CapabilityName,
				Version:        version,
				Status:         evolution.CapabilityActive,
				Source:         evolution.CapSourceEvolved,
				LedgerEntryID:  entry.ID,
			}); err != nil {
				return err
			}
			outcome = evolution.PropagationSuccess
		}
		return tx.AdvanceLedger(ctx, entry.ID, outcome, detail)
	})
	if err != nil {
		slog.Warn("Pollination: target write failed", "proposal", prop.ID, "target", target, "error", err)
		if aerr := p.store.AdvanceLedger(context.WithoutCancel(ctx), entry.ID, evolution.PropagationFailed, err.Error()); aerr != nil {
			return fmt.Errorf("target %s: %w", target, errors.Join(err, aerr))
		}
		return nil
	}
	if outcome == evolution.PropagationFailed {
		slog.Warn("Pollination: target failed", "proposal", prop.ID, "target", target, "reason", detail)
	}
	return nil
}

// sourceVersion is the version granted to targets: the source child's own
// version, else the genome's current version, else 1.
func (p *Pollinator) sourceVersion(ctx context.Context, prop *store.PollinationProposal) (int, error) {
	held, err := p.store.GetChildCapability(ctx, prop.SourceChildID, prop.CapabilityName)
	if err == nil && held.Version > 0 {
		return held.Version, nil
	}
	if err != nil && !errors.Is(err, evolution.ErrNotFound) {
		return 0, err
	}
	g, err := p.store.GetGenome(ctx, prop.CapabilityName)
	if err == nil {
		return g.CurrentVersion, nil
	}
	if !errors.Is(err, evolution.ErrNotFound) {
		return 0, err
	}
	return 1, nil
}

func (p *Pollinator) publish(kind string, prop *store.PollinationProposal, actor string, detail map[string]any) {
	p.bus.Publish(&bus.Event{
		Kind:           kind,
		CapabilityName: prop.CapabilityName,
		ChildID:        prop.SourceChildID,
		ProposalID:     prop.ID,
		EntityID:       prop.ID,
		Actor:          actor,
		Status:         string(prop.Status),
		Detail:         detail,
	})
}
