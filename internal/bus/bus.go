// Package bus provides the async event bus that decouples the evolution engine
// from notification sinks.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event kinds published by the engine.
const (
	KindBehaviorIngested  = "behavior.ingested"
	KindEvaluated         = "capability.evaluated"
	KindAbsorbed          = "capability.absorbed"
	KindProposalCreated   = "proposal.created"
	KindProposalDecided   = "proposal.decided"
	KindProposalExecuted  = "proposal.executed"
	KindRolledBack        = "propagation.rolled_back"
	KindStagingTransition = "staging.transition"

	// KindAll subscribes to every kind.
	KindAll = "*"
)

// Event is one engine state change. Delivery is best-effort.
type Event struct {
	Kind           string         `json:"kind"`
	CapabilityName string         `json:"capability_name,omitempty"`
	ChildID        string         `json:"child_id,omitempty"`
	ProposalID     string         `json:"proposal_id,omitempty"`
	EntityID       string         `json:"entity_id,omitempty"`
	Actor          string         `json:"actor,omitempty"`
	Status         string         `json:"status,omitempty"`
	Detail         map[string]any `json:"detail,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// EventBus fans events out to subscribers on a dispatcher goroutine.
type EventBus struct {
	events  chan *Event
	subs    map[string][]func(*Event)
	dropped int
	mu      sync.RWMutex
}

// NewEventBus creates a bus with the given buffer size.
func NewEventBus(buffer int) *EventBus {
	if buffer <= 0 {
		buffer = 100
	}
	return &EventBus{
		events: make(chan *Event, buffer),
		subs:   make(map[string][]func(*Event)),
	}
}

// Publish enqueues an event without blocking. A nil bus discards everything;
// a full buffer drops the event.
func (b *EventBus) Publish(evt *Event) {
	if b == nil || evt == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	select {
	case b.events <- evt:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		slog.Warn("EventBus: buffer full, dropping event", "kind", evt.Kind, "capability", evt.CapabilityName)
	}
}

// Subscribe registers a callback for one kind, or KindAll.
func (b *EventBus) Subscribe(kind string, callback func(*Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[kind] = append(b.subs[kind], callback)
}

// Dispatch delivers events until ctx is cancelled. Run it as a goroutine.
func (b *EventBus) Dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-b.events:
			b.deliver(evt)
		}
	}
}

// Drain delivers everything currently buffered and returns.
func (b *EventBus) Drain() {
	for {
		select {
		case evt := <-b.events:
			b.deliver(evt)
		default:
			return
		}
	}
}

func (b *EventBus) deliver(evt *Event) {
	b.mu.RLock()
	callbacks := append([]func(*Event){}, b.subs[evt.Kind]...)
	callbacks = append(callbacks, b.subs[KindAll]...)
	b.mu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("EventBus: subscriber panicked", "kind", evt.Kind, "panic", r)
				}
			}()
			cb(evt)
		}()
	}
}

// Pending returns the number of buffered events.
func (b *EventBus) Pending() int {
	return len(b.events)
}

// Dropped returns how many events were discarded because the buffer was full.
func (b *EventBus) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
