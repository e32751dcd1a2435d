package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "chatdesk"

// Metrics holds the collectors for the network access layer.
// A nil *Metrics is valid and records nothing, so components can take it as an
// optional dependency.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	refreshes       *prometheus.CounterVec
	realtimeState   prometheus.Gauge
	realtimeEvents  *prometheus.CounterVec
	realtimeTopics  prometheus.Gauge
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "HTTP requests dispatched by the gateway, by method and outcome.",
		}, []string{"method", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Duration of single HTTP attempts, by status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"code"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "refresh_total",
			Help:      "Token refresh requests, by result (success, failure, joined, skipped).",
		}, []string{"result"}),
		realtimeState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "connection_state",
			Help:      "Realtime connection state (0 disconnected, 1 connecting, 2 connected).",
		}),
		realtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Realtime events, by direction and event name.",
		}, []string{"direction", "event"}),
		realtimeTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "joined_topics",
			Help:      "Number of topics currently joined.",
		}),
	}

	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.refreshes,
		m.realtimeState,
		m.realtimeEvents,
		m.realtimeTopics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one logical gateway request.
func (m *Metrics) ObserveRequest(method, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

// ObserveAttempt records the duration of one HTTP attempt. status 0 means no response.
func (m *Metrics) ObserveAttempt(status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(strconv.Itoa(status)).Observe(d.Seconds())
}

// ObserveRefresh records a call into the refresh coordinator.
func (m *Metrics) ObserveRefresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

// SetRealtimeState records the current connection state as its ordinal.
func (m *Metrics) SetRealtimeState(state int) {
	if m == nil {
		return
	}
	m.realtimeState.Set(float64(state))
}

// ObserveRealtimeEvent counts one inbound or outbound event.
func (m *Metrics) ObserveRealtimeEvent(direction, event string) {
	if m == nil {
		return
	}
	m.realtimeEvents.WithLabelValues(direction, event).Inc()
}

// SetJoinedTopics records the TopicSet size.
func (m *Metrics) SetJoinedTopics(n int) {
	if m == nil {
		return
	}
	m.realtimeTopics.Set(float64(n))
}
