package fetch

import (
	"math"
	"sort"
	"sync"
	"time"

	"ecomsimply/internal/metrics"
)

const (
	DefaultEvictionThreshold = -0.5

	scoreSuccess        = 0.1
	scoreHTTPFailure    = 0.1
	scoreNetworkFailure = 0.2
)

// FailureKind selects how hard a failure is penalised.
type FailureKind int

const (
	FailureHTTP FailureKind = iota
	FailureNetwork
)

// ProxyInfo is the health record of one proxy. Records are never removed;
// proxies that fall below the eviction threshold are only skipped.
type ProxyInfo struct {
	URL       string    `json:"url"`
	Score     float64   `json:"score"`
	Successes int       `json:"successes"`
	Failures  int       `json:"failures"`
	LastUsed  time.Time `json:"last_used"`
	Evicted   bool      `json:"evicted"`
}

type ProxyPool struct {
	mu        sync.Mutex
	proxies   map[string]*ProxyInfo
	threshold float64
	now       func() time.Time
	metrics   *metrics.Metrics
}

func NewProxyPool(urls ...string) *ProxyPool {
	p := &ProxyPool{
		proxies:   make(map[string]*ProxyInfo),
		threshold: DefaultEvictionThreshold,
		now:       time.Now,
	}
	for _, u := range urls {
		p.Add(u)
	}
	return p
}

func (p *ProxyPool) SetMetrics(m *metrics.Metrics) {
	p.mu.Lock()
	p.metrics = m
	p.mu.Unlock()
}

// Add registers a proxy. Adding a known proxy is a no-op.
func (p *ProxyPool) Add(url string) {
	if url == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.proxies[url]; ok {
		return
	}
	p.proxies[url] = &ProxyInfo{URL: url}
}

// Pick returns the healthiest available proxy, least recently used first
// on equal scores, and marks it used.
func (p *ProxyPool) Pick() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *ProxyInfo
	for _, info := range p.proxies {
		if info.Score < p.threshold {
			continue
		}
		if best == nil ||
			info.Score > best.Score ||
			(info.Score == best.Score && info.LastUsed.Before(best.LastUsed)) ||
			(info.Score == best.Score && info.LastUsed.Equal(best.LastUsed) && info.URL < best.URL) {
			best = info
		}
	}
	if best == nil {
		return "", false
	}
	best.LastUsed = p.now()
	return best.URL, true
}

func (p *ProxyPool) ReportSuccess(url string) {
	p.adjust(url, scoreSuccess, true)
}

func (p *ProxyPool) ReportFailure(url string, kind FailureKind) {
	delta := -scoreHTTPFailure
	if kind == FailureNetwork {
		delta = -scoreNetworkFailure
	}
	p.adjust(url, delta, false)
}

func (p *ProxyPool) adjust(url string, delta float64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, found := p.proxies[url]
	if !found {
		return
	}
	// Rounded to hundredths so repeated steps of 0.1 do not drift.
	info.Score = clamp(math.Round((info.Score+delta)*100)/100, -1, 1)
	if ok {
		info.Successes++
	} else {
		info.Failures++
	}
	info.Evicted = info.Score < p.threshold
	p.metrics.SetProxyScore(url, info.Score)
}

// Snapshot lists every proxy, evicted ones included, ordered by URL.
func (p *ProxyPool) Snapshot() []ProxyInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ProxyInfo, 0, len(p.proxies))
	for _, info := range p.proxies {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Available counts proxies still eligible for selection.
func (p *ProxyPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, info := range p.proxies {
		if info.Score >= p.threshold {
			n++
		}
	}
	return n
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
