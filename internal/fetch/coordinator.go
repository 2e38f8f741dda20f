// Package fetch is the outbound HTTP layer used for competitor scraping and
// REST publishers: per-host concurrency caps, retries with jittered
// exponential backoff, proxy rotation and a short-lived response cache.
package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"ecomsimply/internal/metrics"
	"ecomsimply/pkg/backoff"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 10 << 20

type Config struct {
	MaxPerHost    int
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	Timeout       time.Duration
	CacheTTL      time.Duration
	// RPSPerHost paces attempts per host when > 0.
	RPSPerHost float64
	UserAgent  string
}

func DefaultConfig() Config {
	return Config{
		MaxPerHost:    3,
		MaxRetries:    3,
		BaseDelay:     time.Second,
		BackoffFactor: 2,
		MaxDelay:      30 * time.Second,
		Timeout:       10 * time.Second,
		CacheTTL:      180 * time.Second,
		UserAgent:     "ecomsimply-fetch/1.0",
	}
}

type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Proxy pins the request to one proxy; empty means pick from the pool.
	Proxy    string
	UseCache bool
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FromCache  bool
	Proxy      string
	Attempts   int
	Duration   time.Duration
}

// Error is returned once retries are exhausted or a non-retryable
// transport error occurs.
type Error struct {
	Method     string
	URL        string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s %s failed after %d attempt(s): %v", e.Method, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s %s failed after %d attempt(s): status %d", e.Method, e.URL, e.Attempts, e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }

var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

func IsRetryableStatus(code int) bool { return retryableStatus[code] }

type Coordinator struct {
	cfg     Config
	client  *http.Client
	cache   *Cache
	proxies *ProxyPool
	metrics *metrics.Metrics
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	sems     map[string]chan struct{}
	limiters map[string]*rate.Limiter
	clients  map[string]*http.Client
}

type Option func(*Coordinator)

func WithHTTPClient(c *http.Client) Option {
	return func(co *Coordinator) { co.client = c }
}

func WithProxyPool(p *ProxyPool) Option {
	return func(co *Coordinator) { co.proxies = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(co *Coordinator) { co.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

func New(cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.MaxPerHost <= 0 {
		cfg.MaxPerHost = def.MaxPerHost
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}

	c := &Coordinator{
		cfg:      cfg,
		client:   &http.Client{},
		cache:    NewCache(cfg.CacheTTL),
		logger:   log.Logger.With().Str("component", "fetch").Logger(),
		sleep:    sleepCtx,
		sems:     make(map[string]chan struct{}),
		limiters: make(map[string]*rate.Limiter),
		clients:  make(map[string]*http.Client),
	}
	for _, o := range opts {
		o(c)
	}
	if c.proxies != nil {
		c.proxies.SetMetrics(c.metrics)
	}
	return c
}

func (c *Coordinator) Cache() *Cache { return c.cache }

func (c *Coordinator) Proxies() *ProxyPool { return c.proxies }

func (c *Coordinator) Config() Config { return c.cfg }

// Get is a cached GET.
func (c *Coordinator) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, UseCache: true})
}

// Do performs req with retries. A response whose status is not retryable is
// returned with a nil error whatever its code. When retries run out on a
// retryable status both the last response and an *Error are returned.
func (c *Coordinator) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, &Error{Method: req.Method, URL: req.URL, Err: fmt.Errorf("invalid url %q", req.URL)}
	}
	host := u.Hostname()

	useCache := req.UseCache && req.Method == http.MethodGet && len(req.Body) == 0
	var key string
	if useCache {
		key = CacheKey(req.Method, req.URL, req.Header)
		if e, ok := c.cache.Get(key); ok {
			c.metrics.CacheLookup(true)
			c.logger.Debug().Str("url", req.URL).Msg("cache hit")
			return &Response{StatusCode: e.StatusCode, Header: e.Header.Clone(), Body: e.Body, FromCache: true}, nil
		}
		c.metrics.CacheLookup(false)
	}

	start := time.Now()
	var (
		lastResp *Response
		lastErr  error
		attempts int
	)
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff.ExponentialJitter(c.cfg.BaseDelay, c.cfg.BackoffFactor, c.cfg.MaxDelay, attempt-1, 0.25)
			c.metrics.FetchRetry(host)
			if err := c.sleep(ctx, delay); err != nil {
				return lastResp, &Error{Method: req.Method, URL: req.URL, Attempts: attempts, Err: err}
			}
		}
		attempts++

		resp, err := c.attempt(ctx, host, req)
		if ctx.Err() != nil {
			return nil, &Error{Method: req.Method, URL: req.URL, Attempts: attempts, Err: ctx.Err()}
		}
		if err != nil {
			lastResp, lastErr = nil, err
			if !isRetryableErr(err) {
				break
			}
			continue
		}

		resp.Attempts = attempts
		resp.Duration = time.Since(start)
		lastResp, lastErr = resp, nil
		if !IsRetryableStatus(resp.StatusCode) {
			if useCache && cacheable(resp.StatusCode, resp.Header) {
				c.cache.Set(key, CacheEntry{Body: resp.Body, StatusCode: resp.StatusCode, Header: resp.Header.Clone()})
			}
			return resp, nil
		}
	}

	fe := &Error{Method: req.Method, URL: req.URL, Attempts: attempts, Err: lastErr}
	if lastResp != nil {
		fe.StatusCode = lastResp.StatusCode
	}
	return lastResp, fe
}

// attempt runs a single try holding the host's concurrency slot.
func (c *Coordinator) attempt(ctx context.Context, host string, req Request) (*Response, error) {
	release, err := c.acquire(ctx, host)
	if err != nil {
		return nil, err
	}
	defer release()

	if lim := c.limiter(host); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}
	}

	proxy := req.Proxy
	if proxy == "" && c.proxies != nil {
		proxy, _ = c.proxies.Pick()
	}
	client, err := c.clientFor(proxy)
	if err != nil {
		return nil, err
	}

	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(actx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if hreq.Header.Get("User-Agent") == "" {
		hreq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	started := time.Now()
	hresp, err := client.Do(hreq)
	if err != nil {
		elapsed := time.Since(started)
		c.metrics.ObserveFetch(host, 0, elapsed)
		c.report(proxy, false, FailureNetwork)
		c.logger.Warn().Err(err).
			Str("method", req.Method).Str("url", req.URL).Str("proxy", proxy).
			Dur("duration", elapsed).Msg("fetch attempt failed")
		return nil, err
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(hresp.Body, maxBodyBytes))
	elapsed := time.Since(started)
	c.metrics.ObserveFetch(host, hresp.StatusCode, elapsed)
	if err != nil {
		c.report(proxy, false, FailureNetwork)
		return nil, fmt.Errorf("read body: %w", err)
	}

	ok := hresp.StatusCode < 400
	c.report(proxy, ok, FailureHTTP)
	ev := c.logger.Debug()
	if !ok {
		ev = c.logger.Warn()
	}
	ev.Str("method", req.Method).Str("url", req.URL).Int("status", hresp.StatusCode).
		Str("proxy", proxy).Dur("duration", elapsed).Msg("fetch attempt")

	return &Response{
		StatusCode: hresp.StatusCode,
		Header:     hresp.Header,
		Body:       data,
		Proxy:      proxy,
	}, nil
}

func (c *Coordinator) report(proxy string, ok bool, kind FailureKind) {
	if proxy == "" || c.proxies == nil {
		return
	}
	if ok {
		c.proxies.ReportSuccess(proxy)
		return
	}
	c.proxies.ReportFailure(proxy, kind)
}

func (c *Coordinator) acquire(ctx context.Context, host string) (func(), error) {
	c.mu.Lock()
	sem, ok := c.sems[host]
	if !ok {
		sem = make(chan struct{}, c.cfg.MaxPerHost)
		c.sems[host] = sem
	}
	c.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlight reports how many attempts currently hold a slot for host.
func (c *Coordinator) InFlight(host string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sem, ok := c.sems[host]; ok {
		return len(sem)
	}
	return 0
}

func (c *Coordinator) limiter(host string) *rate.Limiter {
	if c.cfg.RPSPerHost <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.cfg.RPSPerHost), max(1, c.cfg.MaxPerHost))
		c.limiters[host] = lim
	}
	return lim
}

func (c *Coordinator) clientFor(proxy string) (*http.Client, error) {
	if proxy == "" {
		return c.client, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[proxy]; ok {
		return cl, nil
	}
	pu, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy %q: %w", proxy, err)
	}
	cl := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyURL(pu),
			MaxIdleConnsPerHost: c.cfg.MaxPerHost,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	c.clients[proxy] = cl
	return cl, nil
}

// isRetryableErr covers timeouts, dropped connections and dial failures.
// Certificate and request construction errors fail fast.
func isRetryableErr(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
