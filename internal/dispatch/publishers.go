package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"printerwatch/internal/config"
	"printerwatch/internal/logging"
)

// KafkaPublisher writes events to a Kafka topic, waiting for the partition
// leader's ack.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.PublishKeyed(ctx, topic, nil, payload)
}

// PublishKeyed hashes key onto a partition, so one printer's events stay in
// order.
func (p *KafkaPublisher) PublishKeyed(ctx context.Context, topic string, key, payload []byte) error {
	if err := p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload}); err != nil {
		return fmt.Errorf("kafka write %s: %w", topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher only logs. It is the transport for local runs without a broker.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logging.OrDiscard(logger)}
}

func (p *LogPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.logger.Info("event", "topic", topic, "payload", string(payload))
	return nil
}

// Sent is one recorded publish.
type Sent struct {
	Topic   string
	Payload []byte
}

// FakePublisher records publishes for test assertions.
type FakePublisher struct {
	mu sync.Mutex
	// Err, if set, is returned by every Publish.
	Err error
	// FailTimes makes the first n publishes fail with Err (or a generic error).
	FailTimes int
	calls     int
	sent      []Sent
}

func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

func (f *FakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.FailTimes > 0 && f.calls <= f.FailTimes {
		if f.Err != nil {
			return f.Err
		}
		return errors.New("fake publish failure")
	}
	if f.FailTimes == 0 && f.Err != nil {
		return f.Err
	}
	f.sent = append(f.sent, Sent{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (f *FakePublisher) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

func (f *FakePublisher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
	f.calls = 0
	f.Err = nil
	f.FailTimes = 0
}
