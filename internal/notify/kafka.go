package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/KafClaw/KafGenome/internal/bus"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes every event as JSON to a topic, keyed by capability
// so one capability's events stay ordered within a partition.
type KafkaPublisher struct {
	w     messageWriter
	topic string
}

// NewKafkaPublisher creates a publisher for brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	var addrs []string
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka events topic is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{w: w, topic: topic}, nil
}

func (p *KafkaPublisher) Name() string { return "kafka:" + p.topic }

// Send implements Sink.
func (p *KafkaPublisher) Send(ctx context.Context, evt *bus.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := evt.CapabilityName
	if key == "" {
		key = evt.Kind
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(evt.Kind)}},
		Time:    evt.Timestamp,
	})
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
