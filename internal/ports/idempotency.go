package ports

import (
	"context"

	"ecomsimply/internal/domain"
)

// IdempotencyStore persists idempotency records with TTL semantics. Any
// key-value store that can expire entries satisfies it.
type IdempotencyStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	// Put stores rec. Storing an existing, unexpired key is not an error.
	Put(ctx context.Context, rec domain.IdempotencyRecord) error
	// Get returns nil, nil when the key is absent or expired.
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	CleanupExpired(ctx context.Context) (int, error)
}
