package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the relay.
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	upstreamAttempts *prometheus.CounterVec
	blockedTotal     *prometheus.CounterVec
	fallbacksTotal   *prometheus.CounterVec
	cacheMissesTotal *prometheus.CounterVec
	activeSessions   prometheus.Gauge
}

// New creates and registers the relay metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_relay_requests_total",
			Help: "Total number of HTTP requests by route and status code",
		}, []string{"route", "code"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_relay_errors_total",
			Help: "Total number of failed requests by error kind",
		}, []string{"kind"}),
		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_relay_upstream_attempts_total",
			Help: "Total number of outbound attempts by HTTP method",
		}, []string{"method"}),
		blockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_relay_blocked_total",
			Help: "Requests short-circuited because their key was blocked",
		}, []string{"resource"}),
		fallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_relay_fallbacks_total",
			Help: "Fallback sources used, by kind",
		}, []string{"kind"}),
		cacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_relay_segment_cache_misses_total",
			Help: "Segment and key lookups not found in the session table",
		}, []string{"resource"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_relay_active_sessions",
			Help: "Number of sessions held in the segment table",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.upstreamAttempts,
		m.blockedTotal,
		m.fallbacksTotal,
		m.cacheMissesTotal,
		m.activeSessions,
	)
	return m
}

func (m *Metrics) ObserveRequest(route string, status int) {
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) IncErrors(kind string) {
	m.errorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncUpstreamAttempts(method string) {
	m.upstreamAttempts.WithLabelValues(method).Inc()
}

func (m *Metrics) IncBlocked(resource string) {
	m.blockedTotal.WithLabelValues(resource).Inc()
}

func (m *Metrics) IncFallbacks(kind string) {
	m.fallbacksTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncCacheMisses(resource string) {
	m.cacheMissesTotal.WithLabelValues(resource).Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		inner.ServeHTTP(w, r)
	})
}
