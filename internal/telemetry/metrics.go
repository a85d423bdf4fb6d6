// Package telemetry exposes the service's Prometheus metrics. Each
// Metrics value owns a private registry, so parallel tests and
// embedded uses never fight over global collector names.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the service writes. A nil *Metrics
// is valid and drops all observations.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestSeconds   *prometheus.HistogramVec
	retriesTotal     *prometheus.CounterVec
	rateLimitedTotal *prometheus.CounterVec
	breakerOpen      *prometheus.GaugeVec

	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	cacheWrites      prometheus.Counter
	cacheQuarantines prometheus.Counter

	bytesTotal *prometheus.CounterVec
	inFlight   *prometheus.GaugeVec

	rowsTotal    *prometheus.CounterVec
	fetchSeconds *prometheus.HistogramVec
}

// New builds a Metrics value with all collectors registered on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "klinevault_requests_total",
			Help: "Outbound HTTP requests by source, host and status code.",
		}, []string{"source", "host", "code"}),
		requestSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "klinevault_request_duration_seconds",
			Help:    "Outbound HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source", "host"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "klinevault_retries_total",
			Help: "Retry attempts by source.",
		}, []string{"source"}),
		rateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "klinevault_rate_limited_total",
			Help: "Provider throttle responses by source and host.",
		}, []string{"source", "host"}),
		breakerOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "klinevault_breaker_open",
			Help: "1 while the circuit breaker for a source is open.",
		}, []string{"source"}),

		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "klinevault_cache_hits_total",
			Help: "Cache reads that produced a validated frame.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "klinevault_cache_misses_total",
			Help: "Cache reads that found nothing usable.",
		}),
		cacheWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "klinevault_cache_writes_total",
			Help: "Frames persisted to the cache.",
		}),
		cacheQuarantines: factory.NewCounter(prometheus.CounterOpts{
			Name: "klinevault_cache_quarantines_total",
			Help: "Cache entries quarantined after integrity failures.",
		}),

		bytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "klinevault_downloaded_bytes_total",
			Help: "Response body bytes received by source.",
		}, []string{"source"}),
		inFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "klinevault_requests_in_flight",
			Help: "Outbound HTTP requests currently running, by source.",
		}, []string{"source"}),

		rowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "klinevault_rows_total",
			Help: "Rows delivered to callers by producing stage.",
		}, []string{"origin"}),
		fetchSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "klinevault_fetch_duration_seconds",
			Help:    "End to end fetch latency.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"market", "interval"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(source, host string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(source, host, strconv.Itoa(status)).Inc()
	m.requestSeconds.WithLabelValues(source, host).Observe(seconds)
}

func (m *Metrics) IncRetry(source string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) IncRateLimited(source, host string) {
	if m == nil {
		return
	}
	m.rateLimitedTotal.WithLabelValues(source, host).Inc()
}

func (m *Metrics) SetBreakerOpen(source string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1.0
	}
	m.breakerOpen.WithLabelValues(source).Set(v)
}

func (m *Metrics) IncCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) IncCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) IncCacheWrite() {
	if m == nil {
		return
	}
	m.cacheWrites.Inc()
}

func (m *Metrics) IncCacheQuarantine() {
	if m == nil {
		return
	}
	m.cacheQuarantines.Inc()
}

func (m *Metrics) AddBytes(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesTotal.WithLabelValues(source).Add(float64(n))
}

// TrackInFlight marks one request started and returns the matching
// done func. Safe to call on a nil receiver.
func (m *Metrics) TrackInFlight(source string) func() {
	if m == nil {
		return func() {}
	}
	g := m.inFlight.WithLabelValues(source)
	g.Inc()
	return g.Dec
}

func (m *Metrics) AddRows(origin string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsTotal.WithLabelValues(origin).Add(float64(n))
}

func (m *Metrics) ObserveFetch(market, interval string, seconds float64) {
	if m == nil {
		return
	}
	m.fetchSeconds.WithLabelValues(market, interval).Observe(seconds)
}
