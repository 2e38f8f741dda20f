package fetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyPool_PickHighestScore(t *testing.T) {
	p := NewProxyPool("http://a:1", "http://b:1", "http://c:1")
	p.ReportSuccess("http://b:1")
	p.ReportFailure("http://c:1", FailureHTTP)

	got, ok := p.Pick()
	require.True(t, ok)
	assert.Equal(t, "http://b:1", got)
}

func TestProxyPool_TieBrokenByLeastRecentlyUsed(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p := NewProxyPool("http://a:1", "http://b:1")
	p.now = func() time.Time { return now }

	first, _ := p.Pick()
	now = now.Add(time.Second)
	second, _ := p.Pick()
	now = now.Add(time.Second)
	third, _ := p.Pick()

	assert.NotEqual(t, first, second)
	assert.Equal(t, first, third)
}

func TestProxyPool_EvictionKeepsRecord(t *testing.T) {
	p := NewProxyPool("http://bad:1", "http://good:1")
	for i := 0; i < 3; i++ {
		p.ReportFailure("http://bad:1", FailureNetwork)
	}

	assert.Equal(t, 1, p.Available())
	got, ok := p.Pick()
	require.True(t, ok)
	assert.Equal(t, "http://good:1", got)

	snap := p.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "http://bad:1", snap[0].URL)
	assert.True(t, snap[0].Evicted)
	assert.Equal(t, -0.6, snap[0].Score)
	assert.Equal(t, 3, snap[0].Failures)
}

func TestProxyPool_ScoreBounded(t *testing.T) {
	p := NewProxyPool("http://a:1")
	for i := 0; i < 30; i++ {
		p.ReportSuccess("http://a:1")
	}
	assert.Equal(t, 1.0, p.Snapshot()[0].Score)
	for i := 0; i < 30; i++ {
		p.ReportFailure("http://a:1", FailureNetwork)
	}
	assert.Equal(t, -1.0, p.Snapshot()[0].Score)
	_, ok := p.Pick()
	assert.False(t, ok)
}

func TestProxyPool_AddIsIdempotent(t *testing.T) {
	p := NewProxyPool()
	p.Add("http://a:1")
	p.ReportSuccess("http://a:1")
	p.Add("http://a:1")
	assert.Equal(t, 0.1, p.Snapshot()[0].Score)
}
