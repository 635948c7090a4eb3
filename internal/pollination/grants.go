package pollination

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/KafClaw/KafGenome/internal/bus"
	"github.com/KafClaw/KafGenome/internal/evolution"
	"github.com/KafClaw/KafGenome/internal/store"
	"github.com/google/uuid"
)

// RegisterChild adds or updates a child. Siblings share a template.
func (p *Pollinator) RegisterChild(ctx context.Context, childID, name, template string) (*store.Child, error) {
	childID = strings.TrimSpace(childID)
	if childID == "" {
		return nil, evolution.Invalid("child_id is required")
	}
	c := &store.Child{
		ChildID:  childID,
		Name:     strings.TrimSpace(name),
		Template: strings.TrimSpace(template),
		Status:   store.ChildActive,
	}
	if err := p.store.UpsertChild(ctx, c); err != nil {
		return nil, err
	}
	return p.store.GetChild(ctx, childID)
}

// RetireChild removes a child from sibling sets and future propagation.
func (p *Pollinator) RetireChild(ctx context.Context, childID string) error {
	return p.store.SetChildStatus(ctx, strings.TrimSpace(childID), store.ChildRetired)
}

// Children lists registered children, optionally by status.
func (p *Pollinator) Children(ctx context.Context, status string) ([]store.Child, error) {
	return p.store.ListChildren(ctx, status)
}

// ChildCapabilities returns the active capability set of a registered child.
func (p *Pollinator) ChildCapabilities(ctx context.Context, childID string) ([]store.ChildCapability, error) {
	childID = strings.TrimSpace(childID)
	if _, err := p.store.GetChild(ctx, childID); err != nil {
		return nil, err
	}
	return p.store.ListChildCapabilities(ctx, childID, true)
}

// SeedCapability grants a capability to a child outside a proposal, for
// bootstrapping and operator grants. The grant is ledger-backed like any other.
func (p *Pollinator) SeedCapability(ctx context.Context, childID, capability string, version int, source evolution.CapabilitySource, by string) (*store.ChildCapability, error) {
	childID = strings.TrimSpace(childID)
	capability = evolution.Slug(capability)
	by = strings.TrimSpace(by)
	switch {
	case childID == "":
		return nil, evolution.Invalid("child_id is required")
	case capability == "":
		return nil, evolution.Invalid("capability_name is required")
	case by == "":
		return nil, evolution.Invalid("initiated_by is required")
	}
	if version <= 0 {
		version = 1
	}
	sourceType := evolution.SourceManual
	switch source {
	case "":
		source = evolution.CapSourceManual
	case evolution.CapSourceManual, evolution.CapSourceEvolved:
	case evolution.CapSourceGenome:
		sourceType = evolution.SourceGenome
	case evolution.CapSourceMarketplace:
		sourceType = evolution.SourceMarketplace
	default:
		return nil, evolution.Invalid("unknown capability source %q", source)
	}

	unlock := p.keys.Lock("grant\x00" + childID + "\x00" + capability)
	defer unlock()

	var granted *store.ChildCapability
	err := p.store.InTx(ctx, func(tx *store.Store) error {
		if _, err := tx.GetChild(ctx, childID); err != nil {
			return err
		}
		entry := &store.PropagationLogEntry{
			ID:                uuid.NewString(),
			CapabilityName:    capability,
			GenomeVersion:     version,
			SourceType:        sourceType,
			TargetChildID:     childID,
			PropagationStatus: evolution.PropagationSuccess,
			InitiatedBy:       by,
		}
		if err := tx.AppendLedger(ctx, entry); err != nil {
			return err
		}
		granted = &store.ChildCapability{
			ChildID:        childID,
			CapabilityName: capability,
			Version:        version,
			Status:         evolution.CapabilityActive,
			Source:         source,
			LedgerEntryID:  entry.ID,
		}
		return tx.UpsertChildCapability(ctx, granted)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Pollination: capability seeded", "child", childID, "capability", capability, "version", version, "by", by)
	return granted, nil
}

// Rollback reverses one successful child grant: the capability is disabled on
// the target and a rolled_back correction row referencing the original is
// appended. The original row is never modified.
func (p *Pollinator) Rollback(ctx context.Context, entryID, by, reason string) (*store.PropagationLogEntry, error) {
	by = strings.TrimSpace(by)
	if by == "" {
		return nil, evolution.Invalid("initiated_by is required")
	}
	orig, err := p.store.GetLedgerEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if orig.TargetChildID == "" || orig.SourceType == evolution.SourceRollback {
		return nil, evolution.Invalid("ledger row %s is not a child grant", entryID)
	}
	if orig.PropagationStatus != evolution.PropagationSuccess {
		return nil, evolution.Invalid("ledger row %s is %s, only successful grants roll back", entryID, orig.PropagationStatus)
	}

	unlock := p.keys.Lock("grant\x00" + orig.TargetChildID + "\x00" + orig.CapabilityName)
	defer unlock()

	var correction *store.PropagationLogEntry
	err = p.store.InTx(ctx, func(tx *store.Store) error {
		held, err := tx.GetChildCapability(ctx, orig.TargetChildID, orig.CapabilityName)
		if err != nil {
			return err
		}
		if held.LedgerEntryID != orig.ID {
			return evolution.Conflictf("grant %s was superseded by ledger row %s", orig.ID, held.LedgerEntryID)
		}
		correction = &store.PropagationLogEntry{
			ID:                uuid.NewString(),
			CapabilityName:    orig.CapabilityName,
			GenomeVersion:     orig.GenomeVersion,
			SourceType:        evolution.SourceRollback,
			SourceChildID:     orig.SourceChildID,
			TargetChildID:     orig.TargetChildID,
			PropagationStatus: evolution.PropagationRolledBack,
			ProposalID:        orig.ProposalID,
			RefEntryID:        orig.ID,
			ErrorDetails:      reason,
			InitiatedBy:       by,
		}
		if err := tx.AppendLedger(ctx, correction); err != nil {
			return err
		}
		return tx.SetChildCapabilityStatus(ctx, orig.TargetChildID, orig.CapabilityName, evolution.CapabilityDisabled, correction.ID)
	})
	if err != nil {
		if errors.Is(err, evolution.ErrNotFound) {
			return nil, evolution.Conflictf("grant %s has no capability record to roll back", entryID)
		}
		return nil, err
	}

	slog.Info("Pollination: grant rolled back", "entry", orig.ID, "child", orig.TargetChildID,
		"capability", orig.CapabilityName, "by", by, "reason", reason)
	p.bus.Publish(&bus.Event{
		Kind:           bus.KindRolledBack,
		CapabilityName: orig.CapabilityName,
		ChildID:        orig.TargetChildID,
		ProposalID:     orig.ProposalID,
		EntityID:       correction.ID,
		Actor:          by,
		Status:         string(evolution.PropagationRolledBack),
		Detail:         map[string]any{"ref_entry_id": orig.ID, "reason": reason},
	})
	return correction, nil
}
