package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Headers that change the representation a server returns and therefore
// take part in the cache key.
var cacheKeyHeaders = []string{"Accept", "Accept-Language", "Accept-Encoding"}

type CacheEntry struct {
	Body       []byte
	StatusCode int
	Header     http.Header
	StoredAt   time.Time
}

// Cache is a short-lived response cache. Expired entries are dropped on
// access or by Sweep.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]CacheEntry
	now     func() time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]CacheEntry),
		now:     time.Now,
	}
}

// CacheKey hashes method, url and the representation-affecting headers.
func CacheKey(method, url string, h http.Header) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('|')
	b.WriteString(url)
	for _, name := range cacheKeyHeaders {
		b.WriteByte('|')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(h.Get(name))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return CacheEntry{}, false
	}
	if c.now().Sub(e.StoredAt) >= c.ttl {
		delete(c.entries, key)
		return CacheEntry{}, false
	}
	return e, true
}

func (c *Cache) Set(key string, e CacheEntry) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.StoredAt.IsZero() {
		e.StoredAt = c.now()
	}
	c.entries[key] = e
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for k, e := range c.entries {
		if now.Sub(e.StoredAt) >= c.ttl {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// cacheable: only successful HTML pages are worth keeping.
func cacheable(status int, h http.Header) bool {
	if status != http.StatusOK {
		return false
	}
	ct := strings.ToLower(h.Get("Content-Type"))
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml+xml")
}
