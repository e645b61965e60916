package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles Prometheus collectors for the service. Every method is
// safe on a nil receiver.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	wsClients       prometheus.Gauge
	fanoutDrops     prometheus.Counter
	framesSent      prometheus.Counter
	rateLimited     prometheus.Counter
	webhooks        *prometheus.CounterVec
	generations     *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	queueRejected   prometheus.Counter
	usageFailures   prometheus.Counter
	breakerState    *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cheerfx",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cheerfx",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cheerfx",
			Name:      "ws_clients",
			Help:      "Current connected overlay WebSocket clients",
		}),
		fanoutDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cheerfx",
			Name:      "fanout_drops_total",
			Help:      "Notifications dropped because an overlay buffer was full",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cheerfx",
			Name:      "ws_frames_sent_total",
			Help:      "Notifications written to overlay connections",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cheerfx",
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cheerfx",
			Name:      "webhooks_total",
			Help:      "Webhook deliveries by source and outcome",
		}, []string{"source", "outcome"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cheerfx",
			Name:      "generations_total",
			Help:      "Generation attempts by outcome",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cheerfx",
			Name:      "generation_queue_depth",
			Help:      "Generation jobs waiting for a worker",
		}),
		queueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cheerfx",
			Name:      "generation_queue_rejected_total",
			Help:      "Generation jobs refused because the queue was full or closed",
		}),
		usageFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cheerfx",
			Name:      "usage_report_failures_total",
			Help:      "Metered usage reports that failed",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cheerfx",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"name"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.wsClients,
		m.fanoutDrops,
		m.framesSent,
		m.rateLimited,
		m.webhooks,
		m.generations,
		m.queueDepth,
		m.queueRejected,
		m.usageFailures,
		m.breakerState,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

// SetWSClients sets the overlay connection gauge.
func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}

func (m *Metrics) IncFanoutDrops(string) {
	if m == nil {
		return
	}
	m.fanoutDrops.Inc()
}

func (m *Metrics) IncFramesSent() {
	if m == nil {
		return
	}
	m.framesSent.Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// IncWebhook counts one delivery; outcome is e.g. "accepted" or "forbidden".
func (m *Metrics) IncWebhook(source, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) IncGeneration(outcome string) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) IncQueueRejected() {
	if m == nil {
		return
	}
	m.queueRejected.Inc()
}

func (m *Metrics) IncUsageFailures() {
	if m == nil {
		return
	}
	m.usageFailures.Inc()
}

// SetBreakerState maps gobreaker state names onto the gauge.
func (m *Metrics) SetBreakerState(name, _, to string) {
	if m == nil {
		return
	}
	v := 0.0
	switch to {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerState.WithLabelValues(name).Set(v)
}
