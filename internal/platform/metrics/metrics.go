package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the transcoding service.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	sessionsStarted    *prometheus.CounterVec
	sessionsReused     prometheus.Counter
	readinessTimeouts  prometheus.Counter
	transcoderExits    *prometheus.CounterVec
	probeFailures      prometheus.Counter
	segmentsServed     prometheus.Counter
	activeSessions     prometheus.Gauge
	sessionStartupTime prometheus.Histogram
}

// New creates and registers Prometheus metrics for the service.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_sessions_started_total",
			Help: "Transcoding sessions started, by encode strategy",
		}, []string{"strategy"}),
		sessionsReused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_sessions_reused_total",
			Help: "Playlist requests answered from an already running or completed session",
		}),
		readinessTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_readiness_timeouts_total",
			Help: "Sessions whose playlist never reached the segment threshold",
		}),
		transcoderExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_transcoder_exits_total",
			Help: "Transcoder process exits, by result",
		}, []string{"result"}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_probe_failures_total",
			Help: "Codec probes that failed or timed out",
		}),
		segmentsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_segments_served_total",
			Help: "Segment and init files served",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_active_sessions",
			Help: "Sessions in the starting or active state",
		}),
		sessionStartupTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hls_session_startup_seconds",
			Help:    "Time from cache miss to first playable playlist",
			Buckets: []float64{1, 2, 4, 8, 12, 20, 30, 45, 60},
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.sessionsStarted,
		m.sessionsReused,
		m.readinessTimeouts,
		m.transcoderExits,
		m.probeFailures,
		m.segmentsServed,
		m.activeSessions,
		m.sessionStartupTime,
	)

	return m
}

// MustRegister adds extra collectors (e.g. the process collector) to the registry.
func (m *Metrics) MustRegister(cs ...prometheus.Collector) {
	if m == nil {
		return
	}
	m.registry.MustRegister(cs...)
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

func (m *Metrics) IncSessionsStarted(strategy string) {
	if m == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(strategy).Inc()
}

func (m *Metrics) IncSessionsReused() {
	if m == nil {
		return
	}
	m.sessionsReused.Inc()
}

func (m *Metrics) IncReadinessTimeouts() {
	if m == nil {
		return
	}
	m.readinessTimeouts.Inc()
}

// IncTranscoderExit records a process exit; result is "ok", "error" or "killed".
func (m *Metrics) IncTranscoderExit(result string) {
	if m == nil {
		return
	}
	m.transcoderExits.WithLabelValues(result).Inc()
}

func (m *Metrics) IncProbeFailures() {
	if m == nil {
		return
	}
	m.probeFailures.Inc()
}

func (m *Metrics) IncSegmentsServed() {
	if m == nil {
		return
	}
	m.segmentsServed.Inc()
}

func (m *Metrics) ObserveStartup(d time.Duration) {
	if m == nil {
		return
	}
	m.sessionStartupTime.Observe(d.Seconds())
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
