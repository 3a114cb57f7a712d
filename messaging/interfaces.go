package messaging

import (
	"time"

	"github.com/glimte/courier-go/persistence"
)

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// EnvelopeReceived records an envelope accepted by a worker queue
	EnvelopeReceived(endpoint, messageType string)

	// EnvelopeHandled records one handler invocation
	EnvelopeHandled(endpoint, messageType string, duration time.Duration, success bool, errorType string)

	// EnvelopeDeadLettered records a terminal failure
	EnvelopeDeadLettered(endpoint, messageType string)

	// EnvelopeSent records an envelope handed to the outbox
	EnvelopeSent(destination, messageType string)

	// EnvelopeDiscarded records envelopes dropped without delivery
	EnvelopeDiscarded(reason string, count int)

	// ListenerStatusChanged records listening agent transitions
	ListenerStatusChanged(endpoint string, status ListeningStatus)

	// CircuitBreakerTripped records a listener breaker trip
	CircuitBreakerTripped(endpoint string)

	// EnvelopesRecovered records envelopes claimed from other nodes
	EnvelopesRecovered(kind string, count int)

	// BufferedSenderDepth records the backlog of a latched sender
	BufferedSenderDepth(destination string, depth int)

	// PersistedCounts records the inbox and outbox sizes
	PersistedCounts(counts persistence.PersistedCounts)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

var _ MetricsCollector = (*NoOpMetricsCollector)(nil)

func (n *NoOpMetricsCollector) EnvelopeReceived(endpoint, messageType string) {}

func (n *NoOpMetricsCollector) EnvelopeHandled(endpoint, messageType string, duration time.Duration, success bool, errorType string) {
}

func (n *NoOpMetricsCollector) EnvelopeDeadLettered(endpoint, messageType string) {}

func (n *NoOpMetricsCollector) EnvelopeSent(destination, messageType string) {}

func (n *NoOpMetricsCollector) EnvelopeDiscarded(reason string, count int) {}

func (n *NoOpMetricsCollector) ListenerStatusChanged(endpoint string, status ListeningStatus) {}

func (n *NoOpMetricsCollector) CircuitBreakerTripped(endpoint string) {}

func (n *NoOpMetricsCollector) EnvelopesRecovered(kind string, count int) {}

func (n *NoOpMetricsCollector) BufferedSenderDepth(destination string, depth int) {}

func (n *NoOpMetricsCollector) PersistedCounts(counts persistence.PersistedCounts) {}
