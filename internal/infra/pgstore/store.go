// Package pgstore keeps idempotency records in Postgres.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/ports"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ ports.IdempotencyStore = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	store_id TEXT NOT NULL,
	payload_signature TEXT NOT NULL,
	source_url TEXT NOT NULL DEFAULT '',
	external_id TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys (expires_at);
`

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db  DB
	now func() time.Time
}

// Open connects a pool to dsn and ensures the schema. The caller closes the
// returned pool.
func Open(ctx context.Context, dsn string, maxConns int) (*Store, *pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = int32(maxConns)
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := New(pool)
	if err := s.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

func New(db DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init idempotency schema: %w", err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM idempotency_keys WHERE key = $1 AND expires_at > $2)`,
		key, s.now()).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check idempotency key %s: %w", key, err)
	}
	return ok, nil
}

// Put inserts rec; a live row under the same key wins, an expired one is
// overwritten.
func (s *Store) Put(ctx context.Context, rec domain.IdempotencyRecord) error {
	var meta []byte
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		meta = b
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO idempotency_keys (key, store_id, payload_signature, source_url, external_id, task_id, metadata, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
		ON CONFLICT (key) DO UPDATE SET
			store_id = EXCLUDED.store_id,
			payload_signature = EXCLUDED.payload_signature,
			source_url = EXCLUDED.source_url,
			external_id = EXCLUDED.external_id,
			task_id = EXCLUDED.task_id,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
	`, rec.Key, rec.StoreID, rec.PayloadSignature, rec.SourceURL, rec.ExternalID, rec.TaskID, nullableJSON(meta),
		rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store idempotency key %s: %w", rec.Key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var (
		rec  domain.IdempotencyRecord
		meta []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT key, store_id, payload_signature, source_url, external_id, task_id, metadata, created_at, expires_at
		FROM idempotency_keys WHERE key = $1 AND expires_at > $2
	`, key, s.now()).Scan(&rec.Key, &rec.StoreID, &rec.PayloadSignature, &rec.SourceURL,
		&rec.ExternalID, &rec.TaskID, &meta, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key %s: %w", key, err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", key, err)
		}
	}
	return &rec, nil
}

func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("cleanup idempotency keys: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
