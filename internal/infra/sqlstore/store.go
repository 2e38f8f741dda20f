// Package sqlstore persists idempotency records in SQLite through
// database/sql.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/ports"

	_ "github.com/mattn/go-sqlite3"
)

var _ ports.IdempotencyStore = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	store_id TEXT NOT NULL,
	payload_signature TEXT NOT NULL,
	source_url TEXT,
	external_id TEXT,
	task_id TEXT,
	metadata TEXT,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys(expires_at);
`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the SQLite database at path and ensures the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := New(db)
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init idempotency schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM idempotency_keys WHERE key = ? AND expires_at > ?`,
		key, s.now().UnixMilli()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check idempotency key %s: %w", key, err)
	}
	return n > 0, nil
}

// Put inserts rec. A live record under the same key is kept; an expired one
// is replaced.
func (s *Store) Put(ctx context.Context, rec domain.IdempotencyRecord) error {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, store_id, payload_signature, source_url, external_id, task_id, metadata, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			store_id = excluded.store_id,
			payload_signature = excluded.payload_signature,
			source_url = excluded.source_url,
			external_id = excluded.external_id,
			task_id = excluded.task_id,
			metadata = excluded.metadata,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		WHERE idempotency_keys.expires_at <= excluded.created_at
	`, rec.Key, rec.StoreID, rec.PayloadSignature, rec.SourceURL, rec.ExternalID, rec.TaskID, meta,
		rec.CreatedAt.UnixMilli(), rec.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store idempotency key %s: %w", rec.Key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var (
		rec                 domain.IdempotencyRecord
		sourceURL, extID    sql.NullString
		taskID, meta        sql.NullString
		createdAt, expireAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, store_id, payload_signature, source_url, external_id, task_id, metadata, created_at, expires_at
		FROM idempotency_keys WHERE key = ? AND expires_at > ?
	`, key, s.now().UnixMilli()).Scan(&rec.Key, &rec.StoreID, &rec.PayloadSignature,
		&sourceURL, &extID, &taskID, &meta, &createdAt, &expireAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key %s: %w", key, err)
	}

	rec.SourceURL = sourceURL.String
	rec.ExternalID = extID.String
	rec.TaskID = taskID.String
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.ExpiresAt = time.UnixMilli(expireAt)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", key, err)
		}
	}
	return &rec, nil
}

func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cleanup idempotency keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func encodeMetadata(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
