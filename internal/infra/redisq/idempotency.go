package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/ports"

	"github.com/redis/go-redis/v9"
)

var _ ports.IdempotencyStore = (*IdempotencyStore)(nil)

// IdempotencyStore keeps one key per record and lets Redis expire it.
type IdempotencyStore struct {
	c      *Client
	prefix string
}

func NewIdempotencyStore(c *Client) *IdempotencyStore {
	return &IdempotencyStore{c: c, prefix: c.Cfg.KeyPrefix}
}

func (s *IdempotencyStore) key(k string) string { return s.prefix + k }

func (s *IdempotencyStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.c.Rdb.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Put writes rec with SET NX so the first publication of a key wins.
func (s *IdempotencyStore) Put(ctx context.Context, rec domain.IdempotencyRecord) error {
	ttl := ttlOf(rec, s.c.now())
	if ttl <= 0 {
		return nil
	}
	b, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := s.c.Rdb.SetNX(ctx, s.key(rec.Key), b, ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx %s: %w", rec.Key, err)
	}
	return nil
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	b, err := s.c.Rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	rec, err := decodeRecord(b)
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.c.now()) {
		return nil, nil
	}
	return rec, nil
}

// CleanupExpired is a no-op: keys carry their own TTL.
func (s *IdempotencyStore) CleanupExpired(context.Context) (int, error) {
	return 0, nil
}

func encodeRecord(rec domain.IdempotencyRecord) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode idempotency record: %w", err)
	}
	return b, nil
}

func decodeRecord(b []byte) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

func ttlOf(rec domain.IdempotencyRecord, now time.Time) time.Duration {
	return rec.ExpiresAt.Sub(now)
}
