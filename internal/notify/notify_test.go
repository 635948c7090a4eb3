package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/KafClaw/KafGenome/internal/bus"
	"github.com/segmentio/kafka-go"
)

type recordingSink struct {
	mu   sync.Mutex
	seen []string
	fail bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(_ context.Context, evt *bus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, evt.Kind)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func TestAttachDeliversToEverySink(t *testing.T) {
	b := bus.NewEventBus(10)
	good := &recordingSink{}
	bad := &recordingSink{fail: true}
	Attach(context.Background(), b, good, bad, nil)

	b.Publish(&bus.Event{Kind: bus.KindAbsorbed, CapabilityName: "cache-tune"})
	b.Publish(&bus.Event{Kind: bus.KindProposalCreated, ProposalID: "p1"})
	b.Drain()

	if len(good.seen) != 2 || len(bad.seen) != 2 {
		t.Fatalf("expected both sinks to see both events, got %v / %v", good.seen, bad.seen)
	}
}

func TestFormat(t *testing.T) {
	created := Format(&bus.Event{
		Kind:           bus.KindProposalCreated,
		ProposalID:     "p1",
		CapabilityName: "cache-tune",
		ChildID:        "child-A",
		Detail:         map[string]any{"targets": []string{"child-B", "child-C"}, "rationale": "proven"},
	})
	for _, want := range []string{"p1", "cache-tune", "child-A", "child-B, child-C", "Rationale: proven", "pollinate approve p1"} {
		if !strings.Contains(created, want) {
			t.Errorf("created message %q missing %q", created, want)
		}
	}

	absorbed := Format(&bus.Event{Kind: bus.KindAbsorbed, CapabilityName: "cache-tune", Actor: "parent",
		Detail: map[string]any{"genome_version": 3}})
	if !strings.Contains(absorbed, "v3") {
		t.Errorf("absorbed message %q missing version", absorbed)
	}

	if got := Format(&bus.Event{Kind: bus.KindBehaviorIngested}); got != "" {
		t.Errorf("ingest events are not operator messages, got %q", got)
	}
	if got := Format(&bus.Event{Kind: bus.KindEvaluated, Status: "approved"}); got != "" {
		t.Errorf("only needs_review evaluations notify, got %q", got)
	}
}

func TestSlackNotifierPostsFormattedText(t *testing.T) {
	var mu sync.Mutex
	var posted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat.postMessage") {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		mu.Lock()
		posted = append(posted, r.Form.Get("channel")+"|"+r.Form.Get("text"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	n, err := NewSlackNotifier("xoxb-test", "C1", srv.URL+"/api")
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	ctx := context.Background()
	if err := n.Send(ctx, &bus.Event{Kind: bus.KindBehaviorIngested}); err != nil {
		t.Fatalf("send ignored kind: %v", err)
	}
	if err := n.Send(ctx, &bus.Event{Kind: bus.KindProposalDecided, ProposalID: "p1", CapabilityName: "cache-tune",
		Status: "approved", Actor: "isso"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(posted) != 1 {
		t.Fatalf("expected exactly one post, got %v", posted)
	}
	if !strings.HasPrefix(posted[0], "C1|") || !strings.Contains(posted[0], "approved by isso") {
		t.Fatalf("unexpected post %q", posted[0])
	}
}

func TestNewSlackNotifierValidates(t *testing.T) {
	if _, err := NewSlackNotifier("", "C1", ""); err == nil {
		t.Fatalf("expected missing token error")
	}
	if _, err := NewSlackNotifier("xoxb", " ", ""); err == nil {
		t.Fatalf("expected missing channel error")
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherKeysByCapability(t *testing.T) {
	if _, err := NewKafkaPublisher(nil, "events"); err == nil {
		t.Fatalf("expected missing brokers error")
	}
	if _, err := NewKafkaPublisher([]string{"localhost:9092"}, ""); err == nil {
		t.Fatalf("expected missing topic error")
	}

	fw := &fakeWriter{}
	p := &KafkaPublisher{w: fw, topic: "kafgenome.events"}
	evt := &bus.Event{Kind: bus.KindAbsorbed, CapabilityName: "cache-tune", Actor: "parent"}
	if err := p.Send(context.Background(), evt); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := p.Send(context.Background(), &bus.Event{Kind: bus.KindStagingTransition}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(fw.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(fw.msgs))
	}
	if string(fw.msgs[0].Key) != "cache-tune" || string(fw.msgs[1].Key) != bus.KindStagingTransition {
		t.Fatalf("unexpected keys %q %q", fw.msgs[0].Key, fw.msgs[1].Key)
	}
	var decoded bus.Event
	if err := json.Unmarshal(fw.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Kind != bus.KindAbsorbed || decoded.Actor != "parent" {
		t.Fatalf("unexpected payload %+v", decoded)
	}
	if fw.msgs[0].Headers[0].Key != "kind" {
		t.Fatalf("expected kind header")
	}
	if err := p.Close(); err != nil || !fw.closed {
		t.Fatalf("close: %v", err)
	}
}
