// Package collector is the intake point for child-reported learned behaviors.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/KafClaw/KafGenome/internal/bus"
	"github.com/KafClaw/KafGenome/internal/evolution"
	"github.com/KafClaw/KafGenome/internal/store"
	"github.com/google/uuid"
)

// DefaultConfidence is used when a report carries no usable confidence.
const DefaultConfidence = 0.5

// Report is one child-reported behavior before validation.
type Report struct {
	ChildID        string
	CapabilityName string
	BehaviorType   string
	Description    string
	Evidence       evolution.Doc
	Confidence     float64
}

// Collector validates and persists learned behaviors. It does not deduplicate:
// repeated reports of the same pattern are kept as independent evidence.
type Collector struct {
	store *store.Store
	bus   *bus.EventBus
}

// New creates a Collector. events may be nil.
func New(st *store.Store, events *bus.EventBus) *Collector {
	return &Collector{store: st, bus: events}
}

// Ingest validates r and inserts a LearnedBehavior with evaluated=false and
// absorbed=false. Invalid input fails with ErrInvalidArgument and writes nothing.
func (c *Collector) Ingest(ctx context.Context, r Report) (string, error) {
	bt, err := evolution.ParseBehaviorType(r.BehaviorType)
	if err != nil {
		return "", err
	}
	childID := strings.TrimSpace(r.ChildID)
	if childID == "" {
		return "", evolution.Invalid("child_id is required")
	}
	desc := strings.TrimSpace(r.Description)
	if desc == "" {
		return "", evolution.Invalid("description is required")
	}
	evidence := r.Evidence
	if evidence == nil {
		evidence = evolution.Doc{}
	}
	capability := CapabilityName(r.CapabilityName, evidence, desc)
	if capability == "" {
		return "", evolution.Invalid("cannot derive a capability name from %q", desc)
	}

	b := &store.LearnedBehavior{
		ID:             uuid.NewString(),
		ChildID:        childID,
		CapabilityName: capability,
		BehaviorType:   bt,
		Description:    desc,
		Evidence:       evidence,
		Confidence:     evolution.ClampUnit(r.Confidence),
		DiscoveredAt:   c.store.Now(),
	}
	err = c.store.InTx(ctx, func(tx *store.Store) error {
		if err := tx.EnsureChild(ctx, childID); err != nil {
			return err
		}
		return tx.InsertBehavior(ctx, b)
	})
	if err != nil {
		return "", fmt.Errorf("ingest behavior: %w", err)
	}

	slog.Info("Collector: behavior ingested", "id", b.ID, "child", childID, "capability", capability, "type", bt)
	c.bus.Publish(&bus.Event{
		Kind:           bus.KindBehaviorIngested,
		CapabilityName: capability,
		ChildID:        childID,
		EntityID:       b.ID,
	})
	return b.ID, nil
}

// ListUnevaluated returns unevaluated behaviors oldest first. Paging is
// restartable via limit/offset.
func (c *Collector) ListUnevaluated(ctx context.Context, limit, offset int) ([]store.LearnedBehavior, error) {
	return c.store.ListUnevaluatedBehaviors(ctx, limit, offset)
}

// MarkEvaluated flags one behavior as evaluated. Called by the evaluator.
func (c *Collector) MarkEvaluated(ctx context.Context, behaviorID string) error {
	return c.store.MarkBehaviorEvaluated(ctx, behaviorID, c.store.Now())
}

// CapabilityName picks the capability a behavior contributes to: the explicit
// name, else evidence["capability"], else a slug of the description.
func CapabilityName(explicit string, evidence evolution.Doc, description string) string {
	if name := evolution.Slug(explicit); name != "" {
		return name
	}
	if s, ok := evidence.String("capability"); ok {
		if name := evolution.Slug(s); name != "" {
			return name
		}
	}
	return evolution.Slug(description)
}
