package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ecomsimply/internal/config"
	"ecomsimply/internal/domain"

	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memWriter struct {
	msgs []kgo.Message
	err  error
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error { return nil }

func header(m kgo.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestSink_Emit(t *testing.T) {
	w := &memWriter{}
	s := NewWithWriter(w)

	ev := domain.PublicationEvent{TaskID: "t1", StoreID: "shopify", Status: domain.StatusSuccess, ExternalID: "ext-1"}
	require.NoError(t, s.Emit(context.Background(), ev))

	require.Len(t, w.msgs, 1)
	m := w.msgs[0]
	assert.Equal(t, "shopify", string(m.Key))
	assert.Equal(t, kindEvent, header(m, "kind"))
	assert.Equal(t, "success", header(m, "status"))

	var got domain.PublicationEvent
	require.NoError(t, json.Unmarshal(m.Value, &got))
	assert.Equal(t, "ext-1", got.ExternalID)
}

func TestSink_DeadLetter(t *testing.T) {
	w := &memWriter{}
	s := NewWithWriter(w)

	task := domain.PublishTask{ID: "t1", StoreID: "woo", Status: domain.StatusFailed}
	require.NoError(t, s.DeadLetter(context.Background(), task, "upstream unavailable"))

	m := w.msgs[0]
	assert.Equal(t, kindDeadLetter, header(m, "kind"))
	assert.Contains(t, string(m.Value), `"reason":"upstream unavailable"`)
}

func TestSink_WriteError(t *testing.T) {
	s := NewWithWriter(&memWriter{err: errors.New("leader not available")})
	err := s.Emit(context.Background(), domain.PublicationEvent{StoreID: "shopify"})
	assert.EqualError(t, err, "leader not available")
}

func TestNew_RequiresBrokers(t *testing.T) {
	_, err := New(config.Kafka{Topic: "x"})
	assert.Error(t, err)
}

func TestNewWriter_FlushesWithoutWaitingForBatch(t *testing.T) {
	w := newWriter(config.Kafka{Brokers: []string{"localhost:9092"}, Topic: "ecomsimply.publications"})
	t.Cleanup(func() { _ = w.Close() })

	assert.Equal(t, "ecomsimply.publications", w.Topic)
	assert.IsType(t, &kgo.Hash{}, w.Balancer)
	assert.Positive(t, w.BatchTimeout)
	assert.LessOrEqual(t, w.BatchTimeout, 10*time.Millisecond)
}
