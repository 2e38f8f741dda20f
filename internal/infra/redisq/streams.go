package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/ports"

	"github.com/redis/go-redis/v9"
)

var (
	_ ports.EventSink      = (*EventStream)(nil)
	_ ports.DeadLetterSink = (*EventStream)(nil)
)

// EventStream appends publication outcomes to a capped Redis stream and
// exhausted tasks to a dead-letter stream.
type EventStream struct {
	c *Client
}

func NewEventStream(c *Client) *EventStream {
	return &EventStream{c: c}
}

// DeadLetter is one entry read back from the dead-letter stream.
type DeadLetter struct {
	StreamID string             `json:"stream_id"`
	Task     domain.PublishTask `json:"task"`
	Reason   string             `json:"reason"`
	At       time.Time          `json:"at"`
}

func (s *EventStream) Emit(ctx context.Context, ev domain.PublicationEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.c.Cfg.EventStreamKey,
		MaxLen: s.c.Cfg.StreamMaxLen,
		Approx: true,
		Values: eventValues(ev, b),
	}).Err()
}

func (s *EventStream) DeadLetter(ctx context.Context, t domain.PublishTask, reason string) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	return s.c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.c.Cfg.DLQStreamKey,
		MaxLen: s.c.Cfg.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"task":     b,
			"task_id":  t.ID,
			"store_id": t.StoreID,
			"reason":   reason,
			"at":       s.c.now().UnixMilli(),
		},
	}).Err()
}

// DeadLetters returns up to count entries, newest first.
func (s *EventStream) DeadLetters(ctx context.Context, count int64) ([]DeadLetter, error) {
	msgs, err := s.c.Rdb.XRevRangeN(ctx, s.c.Cfg.DLQStreamKey, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		dl, err := decodeDeadLetter(m)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, nil
}

func eventValues(ev domain.PublicationEvent, encoded []byte) map[string]interface{} {
	return map[string]interface{}{
		"event":    encoded,
		"task_id":  ev.TaskID,
		"store_id": ev.StoreID,
		"status":   string(ev.Status),
	}
}

func decodeDeadLetter(m redis.XMessage) (DeadLetter, error) {
	dl := DeadLetter{StreamID: m.ID}
	switch v := m.Values["task"].(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &dl.Task); err != nil {
			return dl, fmt.Errorf("decode dead letter %s: %w", m.ID, err)
		}
	case []byte:
		if err := json.Unmarshal(v, &dl.Task); err != nil {
			return dl, fmt.Errorf("decode dead letter %s: %w", m.ID, err)
		}
	default:
		return dl, fmt.Errorf("unexpected task type: %T", v)
	}
	dl.Reason, _ = m.Values["reason"].(string)
	if at, ok := m.Values["at"].(string); ok {
		var ms int64
		if _, err := fmt.Sscan(at, &ms); err == nil {
			dl.At = time.UnixMilli(ms)
		}
	}
	return dl, nil
}
