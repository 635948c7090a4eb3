// Package notify forwards engine events to external sinks. Delivery is
// best-effort: a failing sink is logged and never affects the engine.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/KafClaw/KafGenome/internal/bus"
)

// SendTimeout bounds one sink delivery.
const SendTimeout = 10 * time.Second

// Sink receives engine events.
type Sink interface {
	Name() string
	Send(ctx context.Context, evt *bus.Event) error
}

// Attach subscribes every sink to all events on b. Sinks run on the bus
// dispatcher goroutine, one after another.
func Attach(ctx context.Context, b *bus.EventBus, sinks ...Sink) {
	for _, s := range sinks {
		if s == nil {
			continue
		}
		sink := s
		b.Subscribe(bus.KindAll, func(evt *bus.Event) {
			sendCtx, cancel := context.WithTimeout(ctx, SendTimeout)
			defer cancel()
			if err := sink.Send(sendCtx, evt); err != nil {
				slog.Warn("Notify: sink delivery failed", "sink", sink.Name(), "kind", evt.Kind, "error", err)
			}
		})
		slog.Debug("Notify: sink attached", "sink", sink.Name())
	}
}

// Format renders an event as a one-line operator message. Kinds with no
// operator relevance return "".
func Format(evt *bus.Event) string {
	switch evt.Kind {
	case bus.KindProposalCreated:
		targets := joinDetail(evt.Detail["targets"])
		msg := fmt.Sprintf(":seedling: Pollination proposal `%s` awaits approval: *%s* from %s to %s.",
			evt.ProposalID, evt.CapabilityName, evt.ChildID, targets)
		if r, _ := evt.Detail["rationale"].(string); strings.TrimSpace(r) != "" {
			msg += " Rationale: " + r
		}
		return msg + fmt.Sprintf("\nApprove with `kafgenome pollinate approve %s --approver <you>`.", evt.ProposalID)
	case bus.KindProposalDecided:
		return fmt.Sprintf(":memo: Proposal `%s` for *%s* was %s by %s.", evt.ProposalID, evt.CapabilityName, evt.Status, evt.Actor)
	case bus.KindProposalExecuted:
		return fmt.Sprintf(":white_check_mark: Proposal `%s` for *%s* executed: %v succeeded, %v failed, %v skipped.",
			evt.ProposalID, evt.CapabilityName, evt.Detail["success"], evt.Detail["failed"], evt.Detail["skipped"])
	case bus.KindAbsorbed:
		return fmt.Sprintf(":dna: *%s* absorbed into the genome at v%v by %s.", evt.CapabilityName, evt.Detail["genome_version"], evt.Actor)
	case bus.KindRolledBack:
		return fmt.Sprintf(":rewind: *%s* rolled back on %s by %s: %v", evt.CapabilityName, evt.ChildID, evt.Actor, evt.Detail["reason"])
	case bus.KindEvaluated:
		if evt.Status == "needs_review" {
			return fmt.Sprintf(":mag: *%s* needs review (evaluation `%s`).", evt.CapabilityName, evt.EntityID)
		}
	}
	return ""
}

func joinDetail(v any) string {
	switch t := v.(type) {
	case []string:
		return strings.Join(t, ", ")
	case []any:
		parts := make([]string, len(t))
		for i, p := range t {
			parts[i] = fmt.Sprint(p)
		}
		return strings.Join(parts, ", ")
	case nil:
		return "(none)"
	default:
		return fmt.Sprint(t)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Name() string { return "nop" }

func (Nop) Send(context.Context, *bus.Event) error { return nil }
