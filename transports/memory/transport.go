// Package memory carries envelopes between local queues of one process.
// Each queue is a buffered channel. Nothing survives a restart; durable
// local queues get their guarantees from the inbox, not from here.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/messaging"
)

// DefaultQueueCapacity is the channel buffer of each local queue
const DefaultQueueCapacity = 1024

var ErrTransportClosed = errors.New("memory: transport closed")

// Transport implements messaging.Transport for the local scheme
type Transport struct {
	capacity int
	logger   *slog.Logger

	mu     sync.Mutex
	queues map[string]chan *contracts.Envelope
	closed bool
}

var _ messaging.Transport = (*Transport)(nil)

// Option configures a Transport
type Option func(*Transport)

// WithQueueCapacity sets the buffer of each queue
func WithQueueCapacity(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.capacity = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// New creates a transport
func New(opts ...Option) *Transport {
	t := &Transport{
		capacity: DefaultQueueCapacity,
		logger:   slog.Default(),
		queues:   make(map[string]chan *contracts.Envelope),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Scheme() string { return messaging.LocalScheme }

func (t *Transport) queue(uri string) (chan *contracts.Envelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	uri = messaging.NormalizeURI(uri)
	q, ok := t.queues[uri]
	if !ok {
		q = make(chan *contracts.Envelope, t.capacity)
		t.queues[uri] = q
	}
	return q, nil
}

// Pending returns the number of envelopes waiting in the queue at uri
func (t *Transport) Pending(uri string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[messaging.NormalizeURI(uri)])
}

func (t *Transport) Listener(ep *messaging.Endpoint) (messaging.Listener, error) {
	q, err := t.queue(ep.URI)
	if err != nil {
		return nil, err
	}
	return &Listener{uri: ep.URI, queue: q, logger: t.logger.With("listener", ep.URI)}, nil
}

func (t *Transport) Sender(ep *messaging.Endpoint) (messaging.Sender, error) {
	q, err := t.queue(ep.URI)
	if err != nil {
		return nil, err
	}
	return &Sender{uri: ep.URI, queue: q, transport: t}, nil
}

// Close rejects new listeners and sends. Queued envelopes are dropped.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Sender writes to a local queue
type Sender struct {
	uri       string
	queue     chan *contracts.Envelope
	transport *Transport
}

func (s *Sender) Destination() string { return s.uri }

// Send enqueues a copy of env, blocking while the queue is full
func (s *Sender) Send(ctx context.Context, env *contracts.Envelope) error {
	if s.transport.isClosed() {
		return ErrTransportClosed
	}
	select {
	case s.queue <- env.Clone():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send to %s: %w", s.uri, ctx.Err())
	}
}

func (s *Sender) Ping(ctx context.Context) error {
	if s.transport.isClosed() {
		return ErrTransportClosed
	}
	return nil
}

func (s *Sender) Close() error { return nil }

// Listener reads a local queue
type Listener struct {
	uri    string
	queue  chan *contracts.Envelope
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (l *Listener) Address() string { return l.uri }

// Start delivers queued envelopes to receiver until Stop or ctx ends
func (l *Listener) Start(ctx context.Context, receiver messaging.Receiver) error {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.cancel = cancel
	l.mu.Unlock()

	go l.consume(ctx, receiver)
	return nil
}

func (l *Listener) consume(ctx context.Context, receiver messaging.Receiver) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-l.queue:
			if err := receiver.Receive(ctx, l, env); err != nil {
				l.putBack(env)
				if ctx.Err() != nil || errors.Is(err, messaging.ErrQueueDraining) {
					return
				}
				l.logger.Warn("receive failed", "envelopeId", env.ID, "error", err)
			}
		}
	}
}

func (l *Listener) putBack(env *contracts.Envelope) {
	select {
	case l.queue <- env:
	default:
		go func() { l.queue <- env }()
	}
}

// Stop cancels delivery without waiting for an in-flight Receive
func (l *Listener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	return nil
}

// Complete is a no-op; a local envelope is gone once received
func (l *Listener) Complete(ctx context.Context, env *contracts.Envelope) error {
	return nil
}

// Defer puts env back at the end of the queue
func (l *Listener) Defer(ctx context.Context, env *contracts.Envelope) error {
	l.putBack(env)
	return nil
}
