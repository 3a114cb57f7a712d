// Package metrics exports engine activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/persistence"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "courier"

var durationBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// PrometheusCollector implements messaging.MetricsCollector on its own
// registry.
type PrometheusCollector struct {
	registry *prometheus.Registry

	received      *prometheus.CounterVec
	handled       *prometheus.CounterVec
	failures      *prometheus.CounterVec
	deadLettered  *prometheus.CounterVec
	sent          *prometheus.CounterVec
	discarded     *prometheus.CounterVec
	breakerTrips  *prometheus.CounterVec
	recovered     *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	listeners     *prometheus.GaugeVec
	bufferedDepth *prometheus.GaugeVec
	persisted     *prometheus.GaugeVec
}

var _ messaging.MetricsCollector = (*PrometheusCollector)(nil)

// Option configures a PrometheusCollector
type Option func(*options)

type options struct {
	namespace      string
	registry       *prometheus.Registry
	runtimeMetrics bool
}

// WithNamespace overrides DefaultNamespace
func WithNamespace(namespace string) Option {
	return func(o *options) { o.namespace = namespace }
}

// WithRegistry registers into an existing registry
func WithRegistry(registry *prometheus.Registry) Option {
	return func(o *options) { o.registry = registry }
}

// WithRuntimeMetrics adds the Go runtime and process collectors
func WithRuntimeMetrics() Option {
	return func(o *options) { o.runtimeMetrics = true }
}

// NewPrometheusCollector creates and registers every engine metric
func NewPrometheusCollector(opts ...Option) *PrometheusCollector {
	o := options{namespace: DefaultNamespace}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	ns := o.namespace

	c := &PrometheusCollector{
		registry: o.registry,
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "envelopes_received_total",
			Help:      "Envelopes accepted by a worker queue (count)",
		}, []string{"endpoint", "message_type"}),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "envelopes_handled_total",
			Help:      "Handler invocations by outcome (count)",
		}, []string{"endpoint", "message_type", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "handler_failures_total",
			Help:      "Failed handler invocations by error type (count)",
		}, []string{"endpoint", "message_type", "error_type"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "envelopes_dead_lettered_total",
			Help:      "Envelopes moved to the dead letter store (count)",
		}, []string{"endpoint", "message_type"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "envelopes_sent_total",
			Help:      "Envelopes handed to a sending agent (count)",
		}, []string{"destination", "message_type"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "envelopes_discarded_total",
			Help:      "Envelopes dropped without delivery (count)",
		}, []string{"reason"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "circuit_breaker_trips_total",
			Help:      "Listener circuit breaker trips (count)",
		}, []string{"endpoint"}),
		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "envelopes_recovered_total",
			Help:      "Envelopes reassigned from dormant nodes (count)",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "handler_duration_ms",
			Help:      "Handler execution time in milliseconds",
			Buckets:   durationBuckets,
		}, []string{"endpoint", "message_type"}),
		listeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "listener_accepting",
			Help:      "1 while the listening agent accepts envelopes, 0 when stopped",
		}, []string{"endpoint"}),
		bufferedDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "buffered_sender_depth",
			Help:      "Envelopes held by a latched buffered sender (count)",
		}, []string{"destination"}),
		persisted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "persisted_envelopes",
			Help:      "Envelopes in durable storage by kind (count)",
		}, []string{"kind"}),
	}

	c.registry.MustRegister(
		c.received, c.handled, c.failures, c.deadLettered, c.sent, c.discarded,
		c.breakerTrips, c.recovered, c.duration, c.listeners, c.bufferedDepth, c.persisted,
	)
	if o.runtimeMetrics {
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// Registry returns the registry the metrics live in
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *PrometheusCollector) EnvelopeReceived(endpoint, messageType string) {
	c.received.WithLabelValues(endpoint, messageType).Inc()
}

func (c *PrometheusCollector) EnvelopeHandled(endpoint, messageType string, duration time.Duration, success bool, errorType string) {
	status := "success"
	if !success {
		status = "failure"
		if errorType == "" {
			errorType = "unknown"
		}
		c.failures.WithLabelValues(endpoint, messageType, errorType).Inc()
	}
	c.handled.WithLabelValues(endpoint, messageType, status).Inc()
	c.duration.WithLabelValues(endpoint, messageType).Observe(float64(duration) / float64(time.Millisecond))
}

func (c *PrometheusCollector) EnvelopeDeadLettered(endpoint, messageType string) {
	c.deadLettered.WithLabelValues(endpoint, messageType).Inc()
}

func (c *PrometheusCollector) EnvelopeSent(destination, messageType string) {
	c.sent.WithLabelValues(destination, messageType).Inc()
}

func (c *PrometheusCollector) EnvelopeDiscarded(reason string, count int) {
	if count <= 0 {
		return
	}
	c.discarded.WithLabelValues(reason).Add(float64(count))
}

func (c *PrometheusCollector) ListenerStatusChanged(endpoint string, status messaging.ListeningStatus) {
	v := 0.0
	if status == messaging.ListenerAccepting {
		v = 1
	}
	c.listeners.WithLabelValues(endpoint).Set(v)
}

func (c *PrometheusCollector) CircuitBreakerTripped(endpoint string) {
	c.breakerTrips.WithLabelValues(endpoint).Inc()
}

func (c *PrometheusCollector) EnvelopesRecovered(kind string, count int) {
	if count <= 0 {
		return
	}
	c.recovered.WithLabelValues(kind).Add(float64(count))
}

func (c *PrometheusCollector) BufferedSenderDepth(destination string, depth int) {
	c.bufferedDepth.WithLabelValues(destination).Set(float64(depth))
}

func (c *PrometheusCollector) PersistedCounts(counts persistence.PersistedCounts) {
	c.persisted.WithLabelValues("incoming").Set(float64(counts.Incoming))
	c.persisted.WithLabelValues("scheduled").Set(float64(counts.Scheduled))
	c.persisted.WithLabelValues("outgoing").Set(float64(counts.Outgoing))
	c.persisted.WithLabelValues("dead_letter").Set(float64(counts.DeadLetter))
}
