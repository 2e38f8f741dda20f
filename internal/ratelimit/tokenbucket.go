// Package ratelimit holds the per-store token bucket used to gate publications.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// TokenBucket is refilled lazily on every call from the elapsed wall-clock
// time; there is no background timer.
type TokenBucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
	now          func() time.Time
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(capacity, refillPerSec float64) *TokenBucket {
	return NewTokenBucketWithClock(capacity, refillPerSec, time.Now)
}

func NewTokenBucketWithClock(capacity, refillPerSec float64, now func() time.Time) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillPerSec < 0 {
		refillPerSec = 0
	}
	if now == nil {
		now = time.Now
	}
	return &TokenBucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPerSec: refillPerSec,
		last:         now(),
		now:          now,
	}
}

// refill must be called with mu held.
func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillPerSec)
		b.last = now
	}
}

// Consume takes n tokens if all of them are available. It never consumes
// partially.
func (b *TokenBucket) Consume(n float64) bool {
	if n <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Available returns the current token count after refill.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

func (b *TokenBucket) Capacity() float64 {
	return b.capacity
}

func (b *TokenBucket) RefillRate() float64 {
	return b.refillPerSec
}

// WaitTime estimates how long until n tokens are available.
func (b *TokenBucket) WaitTime(n float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	missing := n - b.tokens
	if missing <= 0 {
		return 0
	}
	if b.refillPerSec == 0 || n > b.capacity {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(missing / b.refillPerSec * float64(time.Second))
}

// DefaultPerHour is used when no hourly limit is configured for a store.
const DefaultPerHour = 10

// PerHour builds a bucket holding maxPerHour tokens refilled evenly over an hour.
func PerHour(maxPerHour int, now func() time.Time) *TokenBucket {
	if maxPerHour < 1 {
		maxPerHour = 1
	}
	c := float64(maxPerHour)
	return NewTokenBucketWithClock(c, c/3600, now)
}
