package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KafClaw/KafGenome/internal/evolution"
)

const (
	// DefaultRetryAttempts bounds how often a store-unavailable message is
	// retried before the intake stops.
	DefaultRetryAttempts = 3
	// DefaultRetryBackoff is the first retry delay; it doubles per attempt.
	DefaultRetryBackoff = time.Second
)

// IntakeStats counts what an Intake has processed.
type IntakeStats struct {
	Accepted int
	Rejected int
	Failed   int
}

// Intake bridges a transport Consumer into the Collector.
//
// Offsets are committed in order, so a message that could not be stored must
// never be followed by a commit of a later one. The intake retries such a
// message in place and stops when retries are exhausted; the uncommitted
// message is redelivered when the consumer restarts.
type Intake struct {
	collector *Collector
	consumer  Consumer
	stats     IntakeStats

	attempts int
	backoff  time.Duration
}

// NewIntake creates an intake loop.
func NewIntake(c *Collector, consumer Consumer) *Intake {
	return &Intake{
		collector: c,
		consumer:  consumer,
		attempts:  DefaultRetryAttempts,
		backoff:   DefaultRetryBackoff,
	}
}

// SetRetry overrides the store-unavailable retry policy. attempts < 1 means
// no retry.
func (in *Intake) SetRetry(attempts int, backoff time.Duration) {
	in.attempts = attempts
	in.backoff = backoff
}

// Run consumes until ctx is cancelled or the consumer closes its channel. It
// returns an error when a message could not be stored, leaving that message
// uncommitted.
func (in *Intake) Run(ctx context.Context) error {
	if err := in.consumer.Start(ctx); err != nil {
		return fmt.Errorf("intake: start consumer: %w", err)
	}
	defer in.consumer.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in.consumer.Messages():
			if !ok {
				return nil
			}
			if err := in.handle(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("intake: %w", err)
			}
		}
	}
}

// Stats returns a snapshot of processing counters. Call after Run returns.
func (in *Intake) Stats() IntakeStats {
	return in.stats
}

func (in *Intake) handle(ctx context.Context, msg ConsumerMessage) error {
	report, err := DecodeMessage(msg.Value)
	if err == nil {
		err = in.ingest(ctx, msg.Topic, report)
	}

	switch {
	case err == nil:
	case errors.Is(err, evolution.ErrInvalidArgument):
		// Committed below; invalid input is never retried.
		in.stats.Rejected++
		slog.Warn("Intake: rejected message", "topic", msg.Topic, "error", err)
	default:
		in.stats.Failed++
		slog.Error("Intake: ingest failed, stopping before commit", "topic", msg.Topic, "error", err)
		return err
	}

	if msg.Commit != nil {
		if err := msg.Commit(ctx); err != nil {
			slog.Warn("Intake: commit failed", "topic", msg.Topic, "error", err)
		}
	}
	return nil
}

// ingest stores one report, retrying store-unavailable failures with
// exponential backoff.
func (in *Intake) ingest(ctx context.Context, topic string, report Report) error {
	delay := in.backoff
	for attempt := 0; ; attempt++ {
		id, err := in.collector.Ingest(ctx, report)
		if err == nil {
			in.stats.Accepted++
			slog.Debug("Intake: accepted", "topic", topic, "id", id)
			return nil
		}
		if !errors.Is(err, evolution.ErrStoreUnavailable) || attempt >= in.attempts {
			return err
		}
		slog.Warn("Intake: store unavailable, retrying", "topic", topic, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
