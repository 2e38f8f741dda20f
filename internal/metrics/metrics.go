// Package metrics exposes Prometheus collectors for the fetch layer and the
// publication pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "ecomsimply"

type Metrics struct {
	registry *prometheus.Registry

	fetchRequests   *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	fetchRetries    *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	proxyScore      *prometheus.GaugeVec
	publications    *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	guardrailBlocks *prometheus.CounterVec
	duplicates      prometheus.Counter
	queueDepth      prometheus.Gauge
}

// New registers all collectors on a private registry so tests can build
// as many instances as they like.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.fetchRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "fetch", Name: "requests_total",
		Help: "Fetch attempts by host and HTTP status (0 for transport errors).",
	}, []string{"host", "status"})
	m.fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "fetch", Name: "duration_seconds",
		Help:    "Duration of individual fetch attempts.",
		Buckets: prometheus.DefBuckets,
	}, []string{"host"})
	m.fetchRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "fetch", Name: "retries_total",
		Help: "Fetch retries by host.",
	}, []string{"host"})
	m.cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "fetch", Name: "cache_lookups_total",
		Help: "Response cache lookups by result.",
	}, []string{"result"})
	m.proxyScore = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "fetch", Name: "proxy_score",
		Help: "Current health score of each proxy.",
	}, []string{"proxy"})
	m.publications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "publish", Name: "tasks_total",
		Help: "Publish task outcomes by store type and status.",
	}, []string{"store_type", "status"})
	m.publishDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "publish", Name: "duration_seconds",
		Help:    "Publisher call duration by store type.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
	}, []string{"store_type"})
	m.guardrailBlocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "guardrail", Name: "blocks_total",
		Help: "Publications blocked by guardrail kind.",
	}, []string{"kind"})
	m.duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "idempotency", Name: "duplicates_total",
		Help: "Duplicate publications detected.",
	})
	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "publish", Name: "queue_depth",
		Help: "Tasks waiting in the publish queue.",
	})

	m.registry.MustRegister(
		m.fetchRequests, m.fetchDuration, m.fetchRetries, m.cacheLookups, m.proxyScore,
		m.publications, m.publishDuration, m.guardrailBlocks, m.duplicates, m.queueDepth,
		prometheus.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFetch(host string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchRequests.WithLabelValues(host, strconv.Itoa(status)).Inc()
	m.fetchDuration.WithLabelValues(host).Observe(d.Seconds())
}

func (m *Metrics) FetchRetry(host string) {
	if m == nil {
		return
	}
	m.fetchRetries.WithLabelValues(host).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) SetProxyScore(proxy string, score float64) {
	if m == nil {
		return
	}
	m.proxyScore.WithLabelValues(proxy).Set(score)
}

func (m *Metrics) ObservePublication(storeType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.publications.WithLabelValues(storeType, status).Inc()
	if d > 0 {
		m.publishDuration.WithLabelValues(storeType).Observe(d.Seconds())
	}
}

func (m *Metrics) GuardrailBlock(kind string) {
	if m == nil {
		return
	}
	m.guardrailBlocks.WithLabelValues(kind).Inc()
}

func (m *Metrics) DuplicateDetected() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
