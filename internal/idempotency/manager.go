// Package idempotency prevents the same product state from being published
// twice to the same store within a TTL window.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/metrics"
	"ecomsimply/internal/ports"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTTL             = 24 * time.Hour
	DefaultLocalCacheTTL   = 5 * time.Minute
	DefaultCleanupInterval = 10 * time.Minute

	keyLength = 16
)

// GenerateKey fingerprints a (store, product state) pair. It is a pure
// function of its inputs.
func GenerateKey(storeID string, p domain.Product) string {
	sig := p.PayloadSignature
	if sig == "" {
		sig = p.ComputeSignature()
	}
	raw := strings.Join([]string{
		storeID,
		sig,
		p.SourceURL,
		p.Price.Amount.String(),
		p.Price.Currency,
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:keyLength]
}

type Config struct {
	TTL             time.Duration
	LocalCacheTTL   time.Duration
	CleanupInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		TTL:             DefaultTTL,
		LocalCacheTTL:   DefaultLocalCacheTTL,
		CleanupInterval: DefaultCleanupInterval,
	}
}

// Meta is what a successful publication leaves behind.
type Meta struct {
	ExternalID string
	TaskID     string
	Extra      map[string]string
}

type Stats struct {
	Checks         int64     `json:"checks"`
	Duplicates     int64     `json:"duplicates_detected"`
	LocalCacheHits int64     `json:"local_cache_hits"`
	Stored         int64     `json:"stored"`
	Cleaned        int64     `json:"cleaned"`
	InFlight       int       `json:"in_flight"`
	LocalEntries   int       `json:"local_entries"`
	LastCleanup    time.Time `json:"last_cleanup"`
}

type localEntry struct {
	rec      domain.IdempotencyRecord
	cachedAt time.Time
}

// Manager fronts a persistent IdempotencyStore with a short-lived local
// cache and tracks keys currently being published.
type Manager struct {
	store   ports.IdempotencyStore
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	local       map[string]localEntry
	inflight    map[string]string
	stats       Stats
	lastCleanup time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func NewManager(store ports.IdempotencyStore, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.LocalCacheTTL <= 0 {
		cfg.LocalCacheTTL = def.LocalCacheTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if store == nil {
		store = NewMemoryStore()
	}
	m := &Manager{
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		logger:   log.Logger.With().Str("component", "idempotency").Logger(),
		local:    make(map[string]localEntry),
		inflight: make(map[string]string),
	}
	for _, o := range opts {
		o(m)
	}
	m.lastCleanup = m.now()
	return m
}

func (m *Manager) GenerateKey(storeID string, p domain.Product) string {
	return GenerateKey(storeID, p)
}

// Exists reports whether key was already published. A hit counts as a
// detected duplicate.
func (m *Manager) Exists(ctx context.Context, key string) (bool, error) {
	rec, err := m.Lookup(ctx, key)
	return rec != nil, err
}

// Lookup returns the live record for key, or nil. The local cache is
// consulted before the store.
func (m *Manager) Lookup(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	now := m.now()

	m.mu.Lock()
	m.stats.Checks++
	if e, ok := m.local[key]; ok {
		if now.Sub(e.cachedAt) < m.cfg.LocalCacheTTL && !e.rec.Expired(now) {
			m.stats.LocalCacheHits++
			m.stats.Duplicates++
			m.mu.Unlock()
			m.metrics.DuplicateDetected()
			rec := e.rec
			return &rec, nil
		}
		delete(m.local, key)
	}
	m.mu.Unlock()

	rec, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup %s: %w", key, err)
	}
	if rec == nil || rec.Expired(now) {
		return nil, nil
	}

	m.mu.Lock()
	m.local[key] = localEntry{rec: *rec, cachedAt: now}
	m.stats.Duplicates++
	m.mu.Unlock()
	m.metrics.DuplicateDetected()
	return rec, nil
}

// Store persists key for the configured TTL and opportunistically sweeps
// expired entries.
func (m *Manager) Store(ctx context.Context, key, storeID string, p domain.Product, meta Meta) error {
	now := m.now()
	rec := domain.IdempotencyRecord{
		Key:              key,
		StoreID:          storeID,
		PayloadSignature: p.PayloadSignature,
		SourceURL:        p.SourceURL,
		ExternalID:       meta.ExternalID,
		TaskID:           meta.TaskID,
		Metadata:         meta.Extra,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.cfg.TTL),
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("idempotency store %s: %w", key, err)
	}

	m.mu.Lock()
	m.local[key] = localEntry{rec: rec, cachedAt: now}
	m.stats.Stored++
	due := now.Sub(m.lastCleanup) >= m.cfg.CleanupInterval
	m.mu.Unlock()

	if due {
		if _, err := m.CleanupExpired(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("opportunistic cleanup failed")
		}
	}
	return nil
}

// Claim reserves key for taskID so that concurrent workers do not publish
// the same key twice. It returns false if another task holds it.
func (m *Manager) Claim(key, taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, ok := m.inflight[key]; ok && holder != taskID {
		return false
	}
	m.inflight[key] = taskID
	return true
}

func (m *Manager) Release(key string) {
	m.mu.Lock()
	delete(m.inflight, key)
	m.mu.Unlock()
}

// CleanupExpired drops expired records from the store and the local cache.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	now := m.now()

	m.mu.Lock()
	m.lastCleanup = now
	for k, e := range m.local {
		if e.rec.Expired(now) || now.Sub(e.cachedAt) >= m.cfg.LocalCacheTTL {
			delete(m.local, k)
		}
	}
	m.mu.Unlock()

	n, err := m.store.CleanupExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("idempotency cleanup: %w", err)
	}

	m.mu.Lock()
	m.stats.Cleaned += int64(n)
	m.mu.Unlock()
	if n > 0 {
		m.logger.Debug().Int("removed", n).Msg("expired idempotency keys removed")
	}
	return n, nil
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.InFlight = len(m.inflight)
	s.LocalEntries = len(m.local)
	s.LastCleanup = m.lastCleanup
	return s
}

func (m *Manager) TTL() time.Duration { return m.cfg.TTL }
