// Package kafka serves kafka:// endpoints with segmentio/kafka-go. An
// endpoint URI names one topic: kafka://<topic>. Listeners join a consumer
// group and commit offsets only once every earlier message of the same
// partition is settled.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/messaging"
)

// Scheme is the URI scheme served by this transport
const Scheme = "kafka"

var (
	ErrTransportClosed = errors.New("kafka: transport closed")
	ErrNoBrokers       = errors.New("kafka: no brokers configured")
	ErrUnknownDelivery = errors.New("kafka: no pending message for envelope")
)

// Config holds broker and client settings
type Config struct {
	Brokers []string
	GroupID string

	MinBytes        int
	MaxBytes        int
	BatchTimeout    time.Duration
	WriteTimeout    time.Duration
	DialTimeout     time.Duration
	RedeliveryDelay time.Duration

	AllowAutoTopicCreation bool
}

// DefaultConfig returns settings suited to low-latency command traffic
func DefaultConfig() Config {
	return Config{
		GroupID:         "courier",
		MinBytes:        1,
		MaxBytes:        10e6,
		BatchTimeout:    10 * time.Millisecond,
		WriteTimeout:    10 * time.Second,
		DialTimeout:     5 * time.Second,
		RedeliveryDelay: time.Second,
	}
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Transport implements messaging.Transport for kafka topics
type Transport struct {
	cfg    Config
	logger *slog.Logger

	newReader func(topic string) messageReader
	newWriter func(topic string) messageWriter
	ping      func(ctx context.Context) error

	mu        sync.Mutex
	closed    bool
	listeners map[*Listener]struct{}
	senders   map[*Sender]struct{}
}

var _ messaging.Transport = (*Transport)(nil)

// Option configures a Transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// New creates a transport
func New(cfg Config, opts ...Option) *Transport {
	defaults := DefaultConfig()
	if cfg.GroupID == "" {
		cfg.GroupID = defaults.GroupID
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = defaults.MinBytes
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaults.MaxBytes
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaults.BatchTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = defaults.RedeliveryDelay
	}

	t := &Transport{
		cfg:       cfg,
		logger:    slog.Default(),
		listeners: make(map[*Listener]struct{}),
		senders:   make(map[*Sender]struct{}),
	}
	t.newReader = t.kafkaReader
	t.newWriter = t.kafkaWriter
	t.ping = t.dialBroker
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Scheme() string { return Scheme }

func (t *Transport) kafkaReader(topic string) messageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  t.cfg.Brokers,
		GroupID:  t.cfg.GroupID,
		Topic:    topic,
		MinBytes: t.cfg.MinBytes,
		MaxBytes: t.cfg.MaxBytes,
	})
}

func (t *Transport) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:                   kafka.TCP(t.cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           t.cfg.BatchTimeout,
		WriteTimeout:           t.cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: t.cfg.AllowAutoTopicCreation,
	}
}

// dialBroker succeeds when any configured broker accepts a connection
func (t *Transport) dialBroker(ctx context.Context) error {
	if len(t.cfg.Brokers) == 0 {
		return ErrNoBrokers
	}
	dialer := &kafka.Dialer{Timeout: t.cfg.DialTimeout}
	var errs []error
	for _, broker := range t.cfg.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn.Close()
		}
		errs = append(errs, fmt.Errorf("%s: %w", broker, err))
	}
	return errors.Join(errs...)
}

// TopicOf extracts the topic from a kafka endpoint URI
func TopicOf(uri string) (string, error) {
	scheme, path, err := messaging.SplitURI(uri)
	if err != nil {
		return "", err
	}
	if scheme != Scheme {
		return "", fmt.Errorf("kafka: unsupported scheme %q in %q", scheme, uri)
	}
	if path == "" || strings.Contains(path, "/") {
		return "", fmt.Errorf("kafka: %q must name exactly one topic", uri)
	}
	return path, nil
}

func (t *Transport) Listener(ep *messaging.Endpoint) (messaging.Listener, error) {
	topic, err := TopicOf(ep.URI)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	l := &Listener{
		transport: t,
		uri:       ep.URI,
		topic:     topic,
		logger:    t.logger.With("listener", ep.URI),
		offsets:   newOffsetTracker(),
		inflight:  make(map[string][]kafka.Message),
	}
	t.listeners[l] = struct{}{}
	return l, nil
}

func (t *Transport) Sender(ep *messaging.Endpoint) (messaging.Sender, error) {
	topic, err := TopicOf(ep.URI)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	s := &Sender{
		transport: t,
		uri:       ep.URI,
		writer:    t.newWriter(topic),
	}
	t.senders[s] = struct{}{}
	return s, nil
}

func (t *Transport) forget(l *Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners, l)
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Check dials the brokers
func (t *Transport) Check(ctx context.Context) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	return t.ping(ctx)
}

// Close stops every listener and flushes every writer
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listeners := make([]*Listener, 0, len(t.listeners))
	for l := range t.listeners {
		listeners = append(listeners, l)
	}
	senders := make([]*Sender, 0, len(t.senders))
	for s := range t.senders {
		senders = append(senders, s)
	}
	t.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		_ = l.Stop()
		errs = append(errs, l.closeReader())
	}
	for _, s := range senders {
		errs = append(errs, s.writer.Close())
	}
	return errors.Join(errs...)
}

// toMessage maps an envelope onto a kafka record. The key keeps one
// conversation on one partition.
func toMessage(env *contracts.Envelope) kafka.Message {
	headers := contracts.ToHeaders(env)
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	msg := kafka.Message{
		Value:   env.Data,
		Headers: make([]kafka.Header, 0, len(keys)),
		Time:    env.SentAt,
	}
	for _, k := range keys {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(headers[k])})
	}

	key := env.CorrelationID
	if key == "" {
		key = env.ID
	}
	msg.Key = []byte(key)
	return msg
}

func fromMessage(msg kafka.Message) (*contracts.Envelope, error) {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	env, err := contracts.FromHeaders(headers, msg.Value)
	if err != nil {
		return nil, err
	}
	if env.SentAt.IsZero() {
		env.SentAt = msg.Time
	}
	return env, nil
}

// Sender writes to one topic
type Sender struct {
	transport *Transport
	uri       string
	writer    messageWriter
}

var _ messaging.Sender = (*Sender)(nil)

func (s *Sender) Destination() string { return s.uri }

// Send writes env and waits for all in-sync replicas
func (s *Sender) Send(ctx context.Context, env *contracts.Envelope) error {
	if s.transport.isClosed() {
		return ErrTransportClosed
	}
	if err := s.writer.WriteMessages(ctx, toMessage(env)); err != nil {
		return fmt.Errorf("send to %s: %w", s.uri, err)
	}
	return nil
}

func (s *Sender) Ping(ctx context.Context) error {
	return s.transport.Check(ctx)
}

func (s *Sender) Close() error {
	s.transport.mu.Lock()
	delete(s.transport.senders, s)
	s.transport.mu.Unlock()
	return s.writer.Close()
}
