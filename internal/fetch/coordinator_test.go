package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCoordinator(cfg Config, opts ...Option) (*Coordinator, *[]time.Duration) {
	c := New(cfg, opts...)
	var mu sync.Mutex
	delays := &[]time.Duration{}
	c.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		return nil
	}
	return c, delays
}

func htmlServer(t *testing.T, hits *int32, status func(n int32) int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status(n))
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCoordinator_CacheHit(t *testing.T) {
	var hits int32
	srv := htmlServer(t, &hits, func(int32) int { return http.StatusOK })
	c, _ := testCoordinator(DefaultConfig())

	first, err := c.Get(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := c.Get(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestCoordinator_CacheSkipsNonHTMLAndPost(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	c, _ := testCoordinator(DefaultConfig())

	for i := 0; i < 2; i++ {
		_, err := c.Get(context.Background(), srv.URL)
		require.NoError(t, err)
	}
	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, URL: srv.URL, Body: []byte(`{}`), UseCache: true})
	require.NoError(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	assert.Equal(t, 0, c.Cache().Len())
}

func TestCoordinator_RetriesRetryableStatus(t *testing.T) {
	var hits int32
	srv := htmlServer(t, &hits, func(n int32) int {
		if n < 3 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	})
	c, delays := testCoordinator(DefaultConfig())

	resp, err := c.Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, resp.Attempts)
	require.Len(t, *delays, 2)
	assert.InDelta(t, float64(time.Second), float64((*delays)[0]), float64(250*time.Millisecond))
	assert.InDelta(t, float64(2*time.Second), float64((*delays)[1]), float64(500*time.Millisecond))
}

func TestCoordinator_ExhaustedRetries(t *testing.T) {
	var hits int32
	srv := htmlServer(t, &hits, func(int32) int { return http.StatusTooManyRequests })
	c, delays := testCoordinator(DefaultConfig())

	resp, err := c.Do(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 4, fe.Attempts)
	assert.Equal(t, http.StatusTooManyRequests, fe.StatusCode)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Len(t, *delays, 3)
	assert.Equal(t, int32(4), atomic.LoadInt32(&hits))
}

func TestCoordinator_NonRetryableStatusReturnsImmediately(t *testing.T) {
	var hits int32
	srv := htmlServer(t, &hits, func(int32) int { return http.StatusNotFound })
	c, delays := testCoordinator(DefaultConfig())

	resp, err := c.Do(context.Background(), Request{URL: srv.URL, UseCache: true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, *delays)
	assert.Equal(t, 0, c.Cache().Len())
}

func TestCoordinator_TimeoutIsRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	c, _ := testCoordinator(cfg)

	resp, err := c.Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, resp.Attempts)
}

func TestCoordinator_ConnectionErrorExhausts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	c, delays := testCoordinator(cfg)

	resp, err := c.Do(context.Background(), Request{URL: addr})
	assert.Nil(t, resp)
	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 3, fe.Attempts)
	assert.Len(t, *delays, 2)
}

func TestCoordinator_PerHostConcurrency(t *testing.T) {
	var cur, peak int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&cur, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&cur, -1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxPerHost = 2
	c, _ := testCoordinator(cfg)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Do(context.Background(), Request{URL: srv.URL})
		}()
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&cur) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, c.InFlight("127.0.0.1"))
	close(release)
	wg.Wait()
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
}

func TestCoordinator_RoutesThroughProxy(t *testing.T) {
	var proxied int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&proxied, 1)
		assert.Equal(t, "competitor.test", r.URL.Host)
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	pool := NewProxyPool(proxy.URL)
	c, _ := testCoordinator(DefaultConfig(), WithProxyPool(pool))

	resp, err := c.Do(context.Background(), Request{URL: "http://competitor.test/item"})
	require.NoError(t, err)
	assert.Equal(t, proxy.URL, resp.Proxy)
	assert.Equal(t, int32(1), atomic.LoadInt32(&proxied))
	snap := pool.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 0.1, snap[0].Score)
	assert.Equal(t, 1, snap[0].Successes)
}

func TestCoordinator_InvalidURL(t *testing.T) {
	c, _ := testCoordinator(DefaultConfig())
	_, err := c.Do(context.Background(), Request{URL: "not a url"})
	var fe *Error
	assert.True(t, errors.As(err, &fe))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryableErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", &url.Error{Op: "Get", URL: "https://a", Err: timeoutErr{}}, true},
		{"connection refused", &url.Error{Op: "Get", URL: "https://a", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}, true},
		{"unexpected eof", &url.Error{Op: "Get", URL: "https://a", Err: io.ErrUnexpectedEOF}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"certificate", &url.Error{Op: "Get", URL: "https://a", Err: &tls.CertificateVerificationError{Err: x509.UnknownAuthorityError{}}}, false},
		{"unsupported scheme", &url.Error{Op: "Get", URL: "ftp://a", Err: errors.New(`unsupported protocol scheme "ftp"`)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableErr(tt.err))
		})
	}
}

func TestCoordinator_CertificateErrorNotRetried(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(srv.Close)
	c, delays := testCoordinator(DefaultConfig())

	_, err := c.Get(context.Background(), srv.URL)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1, fe.Attempts)
	assert.Empty(t, *delays)
}
