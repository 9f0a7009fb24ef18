package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the realtime server's Prometheus instruments.
//
// The connection manager updates the connection and delivery families; the
// HTTP layer updates the request families; the cleanup loop updates the
// maintenance family. All are exposed at /metrics.
type Metrics struct {
	// ConnectionsActive gauges currently-live connections.
	// Labels: transport (websocket|sse)
	ConnectionsActive *prometheus.GaugeVec

	// ConnectsTotal counts accepted connections.
	// Labels: transport
	ConnectsTotal *prometheus.CounterVec

	// DisconnectsTotal counts terminated connections.
	// Labels: transport
	DisconnectsTotal *prometheus.CounterVec

	// MessagesDelivered counts envelopes delivered to clients.
	// Labels: transport
	MessagesDelivered *prometheus.CounterVec

	// MessagesFailed counts envelope sends that killed a connection.
	// Labels: transport
	MessagesFailed *prometheus.CounterVec

	// MessagesQueued counts envelopes deferred to the pending queue.
	MessagesQueued prometheus.Counter

	// BroadcastFanout measures recipients per broadcast.
	// Buckets: 1, 2, 5, 10, 25, 50, 100, 250
	BroadcastFanout prometheus.Histogram

	// RateLimitRejections counts refused connection attempts.
	RateLimitRejections prometheus.Counter

	// CleanupRuns counts maintenance passes.
	// Labels: trigger (interval|memory|forced)
	CleanupRuns *prometheus.CounterVec

	// EventsPublished counts bus events by type.
	// Labels: event_type
	EventsPublished *prometheus.CounterVec

	// HTTPRequests counts HTTP requests.
	// Labels: method, path, status
	HTTPRequests *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency in seconds.
	// Labels: method, path
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all instruments with the default registry.
// Call once at application startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates the instruments against reg. Tests pass a fresh
// registry so repeated construction never collides.
//
// Precondition: reg must be non-nil.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mudlink_connections_active",
				Help: "Currently live client connections by transport",
			},
			[]string{"transport"},
		),

		ConnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mudlink_connects_total",
				Help: "Total accepted client connections by transport",
			},
			[]string{"transport"},
		),

		DisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mudlink_disconnects_total",
				Help: "Total terminated client connections by transport",
			},
			[]string{"transport"},
		),

		MessagesDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mudlink_messages_delivered_total",
				Help: "Envelopes delivered to clients by transport",
			},
			[]string{"transport"},
		),

		MessagesFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mudlink_messages_failed_total",
				Help: "Envelope sends that terminated a connection, by transport",
			},
			[]string{"transport"},
		),

		MessagesQueued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mudlink_messages_queued_total",
				Help: "Envelopes deferred to the pending queue",
			},
		),

		BroadcastFanout: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mudlink_broadcast_fanout",
				Help:    "Recipients per broadcast",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
			},
		),

		RateLimitRejections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mudlink_rate_limit_rejections_total",
				Help: "Connection attempts refused by the rate limiter",
			},
		),

		CleanupRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mudlink_cleanup_runs_total",
				Help: "Maintenance cleanup passes by trigger",
			},
			[]string{"trigger"},
		),

		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mudlink_events_published_total",
				Help: "Events published on the bus by type",
			},
			[]string{"event_type"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mudlink_http_requests_total",
				Help: "HTTP requests by method, path, and status",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mudlink_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path"},
		),
	}
}
