package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"ecomsimply/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	execs   []execCall
	tag     pgconn.CommandTag
	row     pgx.Row
	lastSQL string
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return f.tag, nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.lastSQL = sql
	return f.row
}

type rowFunc func(dest ...any) error

func (r rowFunc) Scan(dest ...any) error { return r(dest...) }

func newStore(db *fakeDB) *Store {
	s := New(db)
	s.now = func() time.Time { return now }
	return s
}

func TestStore_PutUsesConflictClause(t *testing.T) {
	db := &fakeDB{}
	s := newStore(db)
	rec := domain.IdempotencyRecord{
		Key: "k1", StoreID: "shopify", PayloadSignature: "sig",
		Metadata:  map[string]string{"batch": "42"},
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, s.Put(context.Background(), rec))

	require.Len(t, db.execs, 1)
	call := db.execs[0]
	assert.Contains(t, call.sql, "ON CONFLICT (key) DO UPDATE")
	assert.Contains(t, call.sql, "WHERE idempotency_keys.expires_at <= EXCLUDED.created_at")
	assert.Equal(t, "k1", call.args[0])
	assert.JSONEq(t, `{"batch":"42"}`, call.args[6].(string))
	assert.Nil(t, nullableJSON(nil))
}

func TestStore_Get(t *testing.T) {
	db := &fakeDB{row: rowFunc(func(dest ...any) error {
		*dest[0].(*string) = "k1"
		*dest[1].(*string) = "shopify"
		*dest[4].(*string) = "ext-1"
		b, _ := json.Marshal(map[string]string{"batch": "42"})
		*dest[6].(*[]byte) = b
		*dest[8].(*time.Time) = now.Add(time.Hour)
		return nil
	})}
	rec, err := newStore(db).Get(context.Background(), "k1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "ext-1", rec.ExternalID)
	assert.Equal(t, "42", rec.Metadata["batch"])
	assert.True(t, strings.Contains(db.lastSQL, "expires_at > $2"))

	db.row = rowFunc(func(...any) error { return pgx.ErrNoRows })
	rec, err = newStore(db).Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)

	db.row = rowFunc(func(...any) error { return errors.New("conn reset") })
	_, err = newStore(db).Get(context.Background(), "k1")
	assert.ErrorContains(t, err, "conn reset")
}

func TestStore_CleanupExpired(t *testing.T) {
	db := &fakeDB{tag: pgconn.NewCommandTag("DELETE 4")}
	n, err := newStore(db).CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, now, db.execs[0].args[0])
}

func TestStore_Exists(t *testing.T) {
	db := &fakeDB{row: rowFunc(func(dest ...any) error {
		*dest[0].(*bool) = true
		return nil
	})}
	ok, err := newStore(db).Exists(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}
