package messaging

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/internal/reliability"
)

// LocalScheme is the URI scheme of in-process queues
const LocalScheme = "local"

// DurableLocalQueue receives recovered and scheduled envelopes that have no
// other local home.
const DurableLocalQueue = "local://durable"

// EndpointMode controls how an endpoint stores work in flight
type EndpointMode int

const (
	// ModeBuffered keeps envelopes in memory only
	ModeBuffered EndpointMode = iota
	// ModeDurable stores envelopes in the inbox/outbox before acknowledging
	// or sending them
	ModeDurable
)

func (m EndpointMode) String() string {
	switch m {
	case ModeBuffered:
		return "buffered"
	case ModeDurable:
		return "durable"
	default:
		return "unknown"
	}
}

// ParseEndpointMode accepts "buffered" and "durable"
func ParseEndpointMode(s string) (EndpointMode, error) {
	switch strings.ToLower(s) {
	case "", "buffered":
		return ModeBuffered, nil
	case "durable":
		return ModeDurable, nil
	default:
		return ModeBuffered, fmt.Errorf("unknown endpoint mode %q", s)
	}
}

// Endpoint describes one addressable queue or topic
type Endpoint struct {
	// Name is optional; named endpoints can be targeted with SendToEndpoint
	Name string
	URI  string
	Mode EndpointMode

	// Listen starts a listening agent for this endpoint
	Listen         bool
	MaxParallelism int

	// Customize applies endpoint defaults to every envelope routed here
	Customize func(env *contracts.Envelope)

	// CircuitBreaker enables the listener breaker when non-nil
	CircuitBreaker []reliability.CircuitBreakerOption

	// MaximumEnvelopeRetryStorage bounds the buffered sender backlog
	MaximumEnvelopeRetryStorage int
}

// Scheme returns the URI scheme of the endpoint
func (e *Endpoint) Scheme() string {
	scheme, _, _ := SplitURI(e.URI)
	return scheme
}

// IsLocal reports whether the endpoint is an in-process queue
func (e *Endpoint) IsLocal() bool {
	return e.Scheme() == LocalScheme
}

func (e *Endpoint) String() string {
	if e.Name != "" {
		return fmt.Sprintf("%s (%s)", e.Name, e.URI)
	}
	return e.URI
}

// SplitURI splits "scheme://path" into scheme and path
func SplitURI(uri string) (scheme, path string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid endpoint uri %q: %w", uri, err)
	}
	if u.Scheme == "" {
		return "", "", fmt.Errorf("invalid endpoint uri %q: missing scheme", uri)
	}
	path = strings.TrimPrefix(u.Host+u.Path, "/")
	return strings.ToLower(u.Scheme), path, nil
}

// NormalizeURI lower-cases local queue URIs. Broker URIs are kept as given.
func NormalizeURI(uri string) string {
	scheme, path, err := SplitURI(uri)
	if err != nil {
		return uri
	}
	if scheme == LocalScheme {
		return LocalScheme + "://" + strings.ToLower(path)
	}
	return uri
}

// LocalQueueURI returns the URI of the named local queue
func LocalQueueURI(name string) string {
	return LocalScheme + "://" + strings.ToLower(name)
}

// DeliveryOptions override routing and envelope defaults for one send.
// They win over type rules and endpoint defaults.
type DeliveryOptions struct {
	Destination   string
	EndpointName  string
	TopicName     string
	DeliverWithin time.Duration
	ScheduledAt   *time.Time
	ScheduleDelay time.Duration
	SagaID        string
	ReplyURI      string
	AckRequested  bool
	ContentType   string
	Headers       map[string]string
}

// SendOption configures DeliveryOptions
type SendOption func(*DeliveryOptions)

// WithDestination sends to an explicit URI
func WithDestination(uri string) SendOption {
	return func(o *DeliveryOptions) { o.Destination = uri }
}

// ToEndpoint sends to a named endpoint
func ToEndpoint(name string) SendOption {
	return func(o *DeliveryOptions) { o.EndpointName = name }
}

// WithTopic publishes to a topic
func WithTopic(topic string) SendOption {
	return func(o *DeliveryOptions) { o.TopicName = topic }
}

// WithDeliverWithin expires the envelope if not delivered in time
func WithDeliverWithin(d time.Duration) SendOption {
	return func(o *DeliveryOptions) { o.DeliverWithin = d }
}

// WithScheduledAt delays execution until at
func WithScheduledAt(at time.Time) SendOption {
	return func(o *DeliveryOptions) { o.ScheduledAt = &at }
}

// WithDelay delays execution by d
func WithDelay(d time.Duration) SendOption {
	return func(o *DeliveryOptions) { o.ScheduleDelay = d }
}

// WithSagaID tags the envelope with a saga id
func WithSagaID(id string) SendOption {
	return func(o *DeliveryOptions) { o.SagaID = id }
}

// WithReplyURI asks the receiver to respond to uri
func WithReplyURI(uri string) SendOption {
	return func(o *DeliveryOptions) { o.ReplyURI = uri }
}

// WithAckRequested asks the receiver to acknowledge successful handling
func WithAckRequested() SendOption {
	return func(o *DeliveryOptions) { o.AckRequested = true }
}

// WithContentType selects the serializer
func WithContentType(contentType string) SendOption {
	return func(o *DeliveryOptions) { o.ContentType = contentType }
}

// WithHeader adds a custom header
func WithHeader(key, value string) SendOption {
	return func(o *DeliveryOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]string)
		}
		o.Headers[key] = value
	}
}

func buildDeliveryOptions(opts []SendOption) *DeliveryOptions {
	o := &DeliveryOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Override applies the options to env
func (o *DeliveryOptions) Override(env *contracts.Envelope, now time.Time) {
	if o == nil {
		return
	}
	if o.DeliverWithin > 0 {
		env.DeliverWithin(o.DeliverWithin, now)
	}
	if o.ScheduledAt != nil {
		env.ScheduleAt(*o.ScheduledAt)
	} else if o.ScheduleDelay > 0 {
		env.ScheduleDelayed(o.ScheduleDelay, now)
	}
	if o.SagaID != "" {
		env.SagaID = o.SagaID
	}
	if o.ReplyURI != "" {
		env.ReplyURI = o.ReplyURI
	}
	if o.AckRequested {
		env.AckRequested = true
	}
	if o.ContentType != "" {
		env.ContentType = o.ContentType
	}
	if o.TopicName != "" {
		env.TopicName = o.TopicName
	}
	for k, v := range o.Headers {
		env.SetHeader(k, v)
	}
}
