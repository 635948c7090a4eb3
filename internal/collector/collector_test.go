package collector

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/KafClaw/KafGenome/internal/bus"
	"github.com/KafClaw/KafGenome/internal/evolution"
	"github.com/KafClaw/KafGenome/internal/store"
	"go.uber.org/goleak"
)

func newTestCollector(t *testing.T) (*Collector, *store.Store, *bus.EventBus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "genome.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	events := bus.NewEventBus(10)
	return New(st, events), st, events
}

func TestIngestValidReport(t *testing.T) {
	c, st, events := newTestCollector(t)
	ctx := context.Background()

	id, err := c.Ingest(ctx, Report{
		ChildID:      " child-A ",
		BehaviorType: "Optimization",
		Description:  "Cache tune for redis",
		Evidence:     evolution.Doc{"capability": evolution.String("cache-tune")},
		Confidence:   1.7,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	b, err := st.GetBehavior(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Evaluated || b.Absorbed {
		t.Fatalf("new behavior must be unevaluated and unabsorbed: %+v", b)
	}
	if b.ChildID != "child-A" || b.CapabilityName != "cache-tune" {
		t.Fatalf("unexpected identity %s/%s", b.ChildID, b.CapabilityName)
	}
	if b.Confidence != 1 {
		t.Fatalf("expected confidence clamped to 1, got %v", b.Confidence)
	}
	if b.BehaviorType != evolution.BehaviorOptimization {
		t.Fatalf("unexpected type %s", b.BehaviorType)
	}
	if _, err := st.GetChild(ctx, "child-A"); err != nil {
		t.Fatalf("expected child to be registered: %v", err)
	}
	if events.Pending() != 1 {
		t.Fatalf("expected one ingested event, got %d", events.Pending())
	}
}

func TestIngestRejectsInvalidInput(t *testing.T) {
	c, st, _ := newTestCollector(t)
	ctx := context.Background()

	cases := []Report{
		{ChildID: "child-A", BehaviorType: "telepathy", Description: "x"},
		{ChildID: "child-A", BehaviorType: "", Description: "x"},
		{ChildID: "child-A", BehaviorType: "other", Description: "   "},
		{ChildID: "", BehaviorType: "other", Description: "x"},
		{ChildID: "child-A", BehaviorType: "other", Description: "!!!"},
	}
	for i, r := range cases {
		if _, err := c.Ingest(ctx, r); !errors.Is(err, evolution.ErrInvalidArgument) {
			t.Fatalf("case %d: expected ErrInvalidArgument, got %v", i, err)
		}
	}
	total, _, _, err := st.CountBehaviors(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected no rows after invalid ingests, got %d", total)
	}
}

func TestIngestKeepsDuplicatesAsEvidence(t *testing.T) {
	c, _, _ := newTestCollector(t)
	ctx := context.Background()

	r := Report{ChildID: "child-A", CapabilityName: "cache-tune", BehaviorType: "optimization", Description: "same", Confidence: 0.6}
	first, err := c.Ingest(ctx, r)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := c.Ingest(ctx, r)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first == second {
		t.Fatalf("resubmission must create a new row")
	}

	list, err := c.ListUnevaluated(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected both reports queued, got %d", len(list))
	}

	if err := c.MarkEvaluated(ctx, first); err != nil {
		t.Fatalf("mark: %v", err)
	}
	list, _ = c.ListUnevaluated(ctx, 10, 0)
	if len(list) != 1 || list[0].ID != second {
		t.Fatalf("expected only the second report left, got %+v", list)
	}
	if err := c.MarkEvaluated(ctx, "missing"); !errors.Is(err, evolution.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCapabilityName(t *testing.T) {
	tests := []struct {
		explicit string
		evidence evolution.Doc
		desc     string
		want     string
	}{
		{"Cache Tune", nil, "ignored", "cache-tune"},
		{"", evolution.Doc{"capability": evolution.String("retry_backoff")}, "ignored", "retry-backoff"},
		{"", evolution.Doc{"capability": evolution.Number(3)}, "Batch Writes", "batch-writes"},
		{"", nil, "Batch Writes", "batch-writes"},
	}
	for _, tt := range tests {
		if got := CapabilityName(tt.explicit, tt.evidence, tt.desc); got != tt.want {
			t.Errorf("CapabilityName(%q, %v, %q) = %q, want %q", tt.explicit, tt.evidence, tt.desc, got, tt.want)
		}
	}
}

func TestDecodeMessageCoercesConfidence(t *testing.T) {
	r, err := DecodeMessage([]byte(`{"child_id":"c1","behavior_type":"other","description":"d","confidence":"0.8"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Confidence != 0.8 {
		t.Fatalf("expected string confidence coerced to 0.8, got %v", r.Confidence)
	}
	r, err = DecodeMessage([]byte(`{"child_id":"c1","behavior_type":"other","description":"d"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Confidence != DefaultConfidence {
		t.Fatalf("expected default confidence, got %v", r.Confidence)
	}
	if _, err := DecodeMessage([]byte(`{not json`)); !errors.Is(err, evolution.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for malformed JSON, got %v", err)
	}
}

func TestIntakeRoutesMessages(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	c, st, _ := newTestCollector(t)
	consumer := NewChannelConsumer()
	intake := NewIntake(c, consumer)

	good, err := EncodeMessage(Report{ChildID: "child-A", BehaviorType: "configuration", Description: "pool size 32", Confidence: 0.7})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	commits := 0
	commit := func(context.Context) error { commits++; return nil }

	consumer.Send(ConsumerMessage{Topic: "ingest", Value: good, Commit: commit})
	consumer.Send(ConsumerMessage{Topic: "ingest", Value: []byte(`{"child_id":"c","behavior_type":"bogus","description":"d"}`), Commit: commit})
	consumer.Send(ConsumerMessage{Topic: "ingest", Value: []byte(`garbage`), Commit: commit})
	_ = consumer.Close()

	if err := intake.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	stats := intake.Stats()
	if stats.Accepted != 1 || stats.Rejected != 2 || stats.Failed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if commits != 3 {
		t.Fatalf("expected every handled message committed, got %d", commits)
	}
	total, unevaluated, _, err := st.CountBehaviors(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 1 || unevaluated != 1 {
		t.Fatalf("expected one queued behavior, got total=%d unevaluated=%d", total, unevaluated)
	}
}

func TestIntakeStopsWithoutCommitWhenStoreUnavailable(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	c, st, _ := newTestCollector(t)
	consumer := NewChannelConsumer()
	intake := NewIntake(c, consumer)
	intake.SetRetry(2, time.Millisecond)

	first, err := EncodeMessage(Report{ChildID: "child-A", BehaviorType: "configuration", Description: "pool size 32", Confidence: 0.7})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	second, err := EncodeMessage(Report{ChildID: "child-B", BehaviorType: "configuration", Description: "pool size 64", Confidence: 0.7})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var committed []string
	commitAs := func(name string) func(context.Context) error {
		return func(context.Context) error { committed = append(committed, name); return nil }
	}
	consumer.Send(ConsumerMessage{Topic: "ingest", Value: first, Commit: commitAs("first")})
	consumer.Send(ConsumerMessage{Topic: "ingest", Value: second, Commit: commitAs("second")})

	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	err = intake.Run(context.Background())
	if !errors.Is(err, evolution.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if len(committed) != 0 {
		t.Fatalf("no offset may move past an unstored message, committed %v", committed)
	}
	stats := intake.Stats()
	if stats.Accepted != 0 || stats.Failed != 1 {
		t.Fatalf("expected the first message to fail and the second to stay unread, got %+v", stats)
	}
}
