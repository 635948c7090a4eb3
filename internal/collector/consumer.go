package collector

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"
)

// Consumer delivers raw ingest messages from a transport.
type Consumer interface {
	// Start begins consuming.
	Start(ctx context.Context) error
	// Messages returns a channel of raw messages.
	Messages() <-chan ConsumerMessage
	// Close stops the consumer.
	Close() error
}

// ConsumerMessage is a raw message from the transport. Commit, when set,
// acknowledges the message after it has been handled.
type ConsumerMessage struct {
	Topic  string
	Key    []byte
	Value  []byte
	Commit func(ctx context.Context) error
}

// KafkaConsumer reads ingest messages from Kafka with segmentio/kafka-go.
// Offsets are committed only after the message was handled, so a crash
// redelivers rather than loses a report.
type KafkaConsumer struct {
	brokers       string
	consumerGroup string
	topic         string
	reader        *kafka.Reader
	messages      chan ConsumerMessage
	wg            sync.WaitGroup
	mu            sync.Mutex
	closed        bool
}

// NewKafkaConsumer creates a consumer for one ingest topic.
func NewKafkaConsumer(brokers, consumerGroup, topic string) *KafkaConsumer {
	return &KafkaConsumer{
		brokers:       brokers,
		consumerGroup: consumerGroup,
		topic:         topic,
		messages:      make(chan ConsumerMessage, 100),
	}
}

// Start launches the reader goroutine.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(c.brokers, ","),
		Topic:    c.topic,
		GroupID:  c.consumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	c.mu.Lock()
	c.reader = reader
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.messages)
		for {
			msg, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.mu.Lock()
				closed := c.closed
				c.mu.Unlock()
				if closed {
					return
				}
				slog.Warn("KafkaConsumer: fetch error", "topic", c.topic, "error", err)
				continue
			}
			m := msg
			out := ConsumerMessage{
				Topic: m.Topic,
				Key:   m.Key,
				Value: m.Value,
				Commit: func(ctx context.Context) error {
					return reader.CommitMessages(ctx, m)
				},
			}
			select {
			case c.messages <- out:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Messages returns the channel of consumed messages. It is closed when the
// reader stops.
func (c *KafkaConsumer) Messages() <-chan ConsumerMessage {
	return c.messages
}

// Close stops the reader and waits for its goroutine.
func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	c.closed = true
	reader := c.reader
	c.mu.Unlock()

	var err error
	if reader != nil {
		err = reader.Close()
	}
	c.wg.Wait()
	return err
}

// ChannelConsumer is an in-process Consumer backed by a Go channel.
type ChannelConsumer struct {
	ch   chan ConsumerMessage
	once sync.Once
}

// NewChannelConsumer creates an in-process consumer.
func NewChannelConsumer() *ChannelConsumer {
	return &ChannelConsumer{
		ch: make(chan ConsumerMessage, 100),
	}
}

// Start is a no-op for the channel consumer.
func (c *ChannelConsumer) Start(ctx context.Context) error { return nil }

// Messages returns the message channel.
func (c *ChannelConsumer) Messages() <-chan ConsumerMessage { return c.ch }

// Close closes the channel. Safe to call more than once.
func (c *ChannelConsumer) Close() error {
	c.once.Do(func() { close(c.ch) })
	return nil
}

// Send pushes a message into the consumer.
func (c *ChannelConsumer) Send(msg ConsumerMessage) {
	c.ch <- msg
}
