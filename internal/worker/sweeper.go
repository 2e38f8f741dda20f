package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ExpiringStore drops expired idempotency records.
type ExpiringStore interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// Sweepable drops expired cache entries.
type Sweepable interface {
	Sweep() int
}

// Sweeper periodically purges expired idempotency keys and cached
// responses.
type Sweeper struct {
	store    ExpiringStore
	cache    Sweepable
	interval time.Duration
	logger   zerolog.Logger
}

func NewSweeper(store ExpiringStore, cache Sweepable, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		cache:    cache,
		interval: interval,
		logger:   log.Logger.With().Str("component", "sweeper").Logger(),
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce runs one pass. Store errors are logged.
func (s *Sweeper) SweepOnce(ctx context.Context) (keys, entries int) {
	if s.store != nil {
		n, err := s.store.CleanupExpired(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("idempotency cleanup failed")
		}
		keys = n
	}
	if s.cache != nil {
		entries = s.cache.Sweep()
	}
	if keys > 0 || entries > 0 {
		s.logger.Debug().Int("idempotency_keys", keys).Int("cache_entries", entries).Msg("swept expired entries")
	}
	return keys, entries
}
