// Package rabbitmq serves rabbitmq:// endpoints. Senders publish with
// publisher confirms; listeners consume with manual acknowledgement so the
// engine decides when a delivery is done.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/courier-go/internal/rabbitmq"
	"github.com/glimte/courier-go/messaging"
)

var (
	ErrTransportClosed = errors.New("rabbitmq: transport closed")
	ErrNotConnected    = errors.New("rabbitmq: not connected")
	// ErrUnknownDelivery is returned when an envelope is completed or
	// deferred by a listener that did not receive it, or twice.
	ErrUnknownDelivery = errors.New("rabbitmq: no pending delivery for envelope")
)

// Transport implements messaging.Transport over one broker connection
type Transport struct {
	url           string
	logger        *slog.Logger
	connOpts      []rabbitmq.ConnectionOption
	poolOpts      []rabbitmq.ChannelPoolOption
	pubOpts       []rabbitmq.PublisherOption
	prefetch      int
	autoProvision bool
	exchangeType  string
	bindings      []rabbitmq.Binding

	mu        sync.Mutex
	closed    bool
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager

	provisioned sync.Map
}

var _ messaging.Transport = (*Transport)(nil)

// Option configures a Transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithConnectionOptions passes options to the connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) Option {
	return func(t *Transport) { t.connOpts = append(t.connOpts, opts...) }
}

// WithChannelPoolOptions passes options to the publishing channel pool
func WithChannelPoolOptions(opts ...rabbitmq.ChannelPoolOption) Option {
	return func(t *Transport) { t.poolOpts = append(t.poolOpts, opts...) }
}

// WithPublisherOptions passes options to the publisher
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) Option {
	return func(t *Transport) { t.pubOpts = append(t.pubOpts, opts...) }
}

// WithPrefetchCount bounds unacknowledged deliveries per listener
func WithPrefetchCount(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.prefetch = n
		}
	}
}

// WithAutoProvision declares queues and exchanges on first use. Exchanges
// are declared with exchangeType.
func WithAutoProvision(enabled bool, exchangeType string) Option {
	return func(t *Transport) {
		t.autoProvision = enabled
		if exchangeType != "" {
			t.exchangeType = exchangeType
		}
	}
}

// WithBinding binds queue to exchange when a listener on queue starts.
// Only applied with auto provisioning.
func WithBinding(queue, exchange, routingKey string) Option {
	return func(t *Transport) {
		t.bindings = append(t.bindings, rabbitmq.Binding{
			Queue:      queue,
			Exchange:   exchange,
			RoutingKey: routingKey,
		})
	}
}

// New creates a transport. The connection is opened on first use.
func New(url string, opts ...Option) *Transport {
	t := &Transport{
		url:          url,
		logger:       slog.Default(),
		prefetch:     20,
		exchangeType: "topic",
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Scheme() string { return Scheme }

// session is the connected half of the transport
type session struct {
	manager   *rabbitmq.ConnectionManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
}

// connect opens the connection once. A failed attempt is retried by the
// next caller.
func (t *Transport) connect(ctx context.Context) (*session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}
	if t.manager != nil {
		return t.sessionLocked(), nil
	}

	opts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(t.logger)}, t.connOpts...)
	manager := rabbitmq.NewConnectionManager(t.url, opts...)
	manager.AddStateListener(&connectionLog{logger: t.logger, url: manager.URL()})
	if err := manager.Connect(ctx); err != nil {
		_ = manager.Close()
		return nil, err
	}

	poolOpts := append([]rabbitmq.ChannelPoolOption{rabbitmq.WithChannelLogger(t.logger)}, t.poolOpts...)
	pool, err := rabbitmq.NewChannelPool(manager, poolOpts...)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(t.logger)}, t.pubOpts...)
	t.manager = manager
	t.pool = pool
	t.publisher = rabbitmq.NewPublisher(pool, pubOpts...)
	t.consumer = rabbitmq.NewConsumer(manager,
		rabbitmq.WithPrefetchCount(t.prefetch),
		rabbitmq.WithAckStrategy(rabbitmq.AckManual),
		rabbitmq.WithConsumerLogger(t.logger))
	t.topology = rabbitmq.NewTopologyManager(pool)
	return t.sessionLocked(), nil
}

func (t *Transport) sessionLocked() *session {
	return &session{
		manager:   t.manager,
		publisher: t.publisher,
		consumer:  t.consumer,
		topology:  t.topology,
	}
}

// provision declares what addr needs, once per address
func (t *Transport) provision(ctx context.Context, s *session, addr Address) error {
	if !t.autoProvision {
		return nil
	}
	key := addr.String()
	if _, done := t.provisioned.Load(key); done {
		return nil
	}

	var topology rabbitmq.Topology
	if addr.IsQueue() {
		topology.Queues = append(topology.Queues, rabbitmq.QueueDeclaration{Name: addr.Queue, Durable: true})
		for _, b := range t.bindings {
			if b.Queue != addr.Queue {
				continue
			}
			topology.Exchanges = append(topology.Exchanges, rabbitmq.ExchangeDeclaration{
				Name:    b.Exchange,
				Type:    t.exchangeType,
				Durable: true,
			})
			topology.Bindings = append(topology.Bindings, b)
		}
	} else {
		topology.Exchanges = append(topology.Exchanges, rabbitmq.ExchangeDeclaration{
			Name:    addr.Exchange,
			Type:    t.exchangeType,
			Durable: true,
		})
	}

	if err := s.topology.DeclareTopology(ctx, topology); err != nil {
		return err
	}
	t.provisioned.Store(key, true)
	return nil
}

func (t *Transport) Listener(ep *messaging.Endpoint) (messaging.Listener, error) {
	addr, err := ParseAddress(ep.URI)
	if err != nil {
		return nil, err
	}
	if !addr.IsQueue() {
		return nil, fmt.Errorf("rabbitmq: cannot listen on %s, listeners need a queue address", ep.URI)
	}
	return &Listener{
		transport: t,
		uri:       ep.URI,
		addr:      addr,
		logger:    t.logger.With("listener", ep.URI),
		inflight:  make(map[string][]deliveryRef),
	}, nil
}

func (t *Transport) Sender(ep *messaging.Endpoint) (messaging.Sender, error) {
	addr, err := ParseAddress(ep.URI)
	if err != nil {
		return nil, err
	}
	return &Sender{transport: t, uri: ep.URI, addr: addr}, nil
}

// Check reports whether the broker connection is up
func (t *Transport) Check(ctx context.Context) error {
	t.mu.Lock()
	manager := t.manager
	closed := t.closed
	t.mu.Unlock()

	switch {
	case closed:
		return ErrTransportClosed
	case manager == nil || !manager.IsConnected():
		return ErrNotConnected
	default:
		return nil
	}
}

// Close stops every consumer and closes the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	manager, pool, consumer := t.manager, t.pool, t.consumer
	t.mu.Unlock()

	if manager == nil {
		return nil
	}
	consumer.CancelAll()
	return errors.Join(pool.Close(), manager.Close())
}

// connectionLog reports connection state changes
type connectionLog struct {
	logger *slog.Logger
	url    string
}

func (c *connectionLog) OnConnected() {
	c.logger.Info("rabbitmq connection established", "url", c.url)
}

func (c *connectionLog) OnDisconnected(err error) {
	c.logger.Warn("rabbitmq connection lost", "url", c.url, "error", err)
}

func (c *connectionLog) OnReconnecting(attempt int) {
	c.logger.Debug("rabbitmq reconnecting", "url", c.url, "attempt", attempt)
}
