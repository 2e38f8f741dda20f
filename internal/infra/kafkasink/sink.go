// Package kafkasink publishes publication outcomes to a Kafka topic, keyed
// by store so one store's events stay ordered within a partition.
package kafkasink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ecomsimply/internal/config"
	"ecomsimply/internal/domain"
	"ecomsimply/internal/ports"

	kgo "github.com/segmentio/kafka-go"
)

var (
	_ ports.EventSink      = (*Sink)(nil)
	_ ports.DeadLetterSink = (*Sink)(nil)
)

const (
	kindEvent      = "publication_event"
	kindDeadLetter = "dead_letter"
)

// Writer is the part of *kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

type Sink struct {
	writer  Writer
	timeout time.Duration
	now     func() time.Time
}

func New(cfg config.Kafka) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("KAFKA_TOPIC is required")
	}
	return NewWithWriter(newWriter(cfg)), nil
}

// batchTimeout caps how long a synchronous write waits for a batch to fill.
// Events are written one at a time from the worker path.
const batchTimeout = 5 * time.Millisecond

func newWriter(cfg config.Kafka) *kgo.Writer {
	return &kgo.Writer{
		Addr:         kgo.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
		BatchTimeout: batchTimeout,
	}
}

func NewWithWriter(w Writer) *Sink {
	return &Sink{writer: w, timeout: 3 * time.Second, now: time.Now}
}

func (s *Sink) Close() error { return s.writer.Close() }

func (s *Sink) Emit(ctx context.Context, ev domain.PublicationEvent) error {
	return s.publishJSON(ctx, ev.StoreID, kindEvent, string(ev.Status), ev)
}

func (s *Sink) DeadLetter(ctx context.Context, t domain.PublishTask, reason string) error {
	msg := struct {
		Task   domain.PublishTask `json:"task"`
		Reason string             `json:"reason"`
	}{t, reason}
	return s.publishJSON(ctx, t.StoreID, kindDeadLetter, string(t.Status), msg)
}

func (s *Sink) publishJSON(ctx context.Context, key, kind, status string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(key),
		Value: b,
		Time:  s.now(),
		Headers: []kgo.Header{
			{Key: "kind", Value: []byte(kind)},
			{Key: "status", Value: []byte(status)},
		},
	})
}
