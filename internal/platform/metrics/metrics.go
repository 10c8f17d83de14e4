package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the broadcast relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	requestDuration      prometheus.Histogram
	sessionsStartedTotal prometheus.Counter
	sessionsStoppedTotal prometheus.Counter
	framesPushedTotal    prometheus.Counter
	framesDeliveredTotal prometheus.Counter
	framesDroppedTotal   prometheus.Counter
	lateJoinsTotal       prometheus.Counter
	evictionsTotal       *prometheus.CounterVec
	activeSessions       prometheus.Gauge
	subscriberQueues     prometheus.Gauge
}

// New creates and registers Prometheus metrics for the relay.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		sessionsStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_started_total",
			Help: "Total number of broadcast sessions started",
		}),
		sessionsStoppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_stopped_total",
			Help: "Total number of broadcast sessions stopped by their producer",
		}),
		framesPushedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_pushed_total",
			Help: "Total number of audio frames accepted from producers",
		}),
		framesDeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_delivered_total",
			Help: "Total number of audio frames handed to consumers",
		}),
		framesDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Total number of queued frames dropped on overflow",
		}),
		lateJoinsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_late_joins_total",
			Help: "Total number of consumers that joined a live broadcast by channel lookup",
		}),
		evictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_evictions_total",
			Help: "Total number of entries evicted by the reaper",
		}, []string{"kind"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Number of active broadcast sessions",
		}),
		subscriberQueues: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_subscriber_queues",
			Help: "Number of subscriber queues",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.requestDuration,
		m.sessionsStartedTotal,
		m.sessionsStoppedTotal,
		m.framesPushedTotal,
		m.framesDeliveredTotal,
		m.framesDroppedTotal,
		m.lateJoinsTotal,
		m.evictionsTotal,
		m.activeSessions,
		m.subscriberQueues,
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
	m.requestDuration.Observe(d.Seconds())
	if status >= 400 {
		m.errorsTotal.Inc()
	}
}

// IncSessionsStarted increments the sessions started counter.
func (m *Metrics) IncSessionsStarted() {
	if m == nil {
		return
	}
	m.sessionsStartedTotal.Inc()
}

// IncSessionsStopped increments the sessions stopped counter.
func (m *Metrics) IncSessionsStopped() {
	if m == nil {
		return
	}
	m.sessionsStoppedTotal.Inc()
}

// AddFramesPushed records one accepted frame and any overflow drops it caused.
func (m *Metrics) AddFramesPushed(dropped int) {
	if m == nil {
		return
	}
	m.framesPushedTotal.Inc()
	if dropped > 0 {
		m.framesDroppedTotal.Add(float64(dropped))
	}
}

// AddFramesDelivered adds n to the delivered frames counter.
func (m *Metrics) AddFramesDelivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.framesDeliveredTotal.Add(float64(n))
}

// IncLateJoins increments the late join counter.
func (m *Metrics) IncLateJoins() {
	if m == nil {
		return
	}
	m.lateJoinsTotal.Inc()
}

// AddEvictions adds n evictions of the given kind ("session", "queue", "index").
func (m *Metrics) AddEvictions(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evictionsTotal.WithLabelValues(kind).Add(float64(n))
}

// SetStoreSizes sets the session and queue gauges.
func (m *Metrics) SetStoreSizes(activeSessions, queues int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(activeSessions))
	m.subscriberQueues.Set(float64(queues))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
