package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/persistence"
)

type orderPlaced struct {
	OrderID string `json:"orderId"`
}

type shipOrder struct {
	OrderID string `json:"orderId"`
}

var errBoom = errors.New("boom")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	base := []Option{
		WithLogger(discardLogger()),
		WithNodeID(1),
		WithTransport(newFakeTransport(LocalScheme)),
	}
	rt, err := NewRuntime(append(base, opts...)...)
	require.NoError(t, err)
	return rt
}

// envelopeFor builds an encoded envelope the executor can read
func envelopeFor(t *testing.T, rt *Runtime, msg any) *contracts.Envelope {
	t.Helper()
	env := contracts.NewEnvelope(msg)
	env.CorrelationID = env.ID
	require.NoError(t, rt.codec.Write(env))
	env.MarkIncoming()
	return env
}

type fakeLifecycle struct {
	mu           sync.Mutex
	env          *contracts.Envelope
	completed    int
	deferred     int
	scheduledAt  *time.Time
	deadLettered error
}

func newFakeLifecycle(env *contracts.Envelope) *fakeLifecycle {
	return &fakeLifecycle{env: env}
}

func (l *fakeLifecycle) Envelope() *contracts.Envelope { return l.env }

func (l *fakeLifecycle) Complete(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed++
	return nil
}

func (l *fakeLifecycle) Defer(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deferred++
	return nil
}

func (l *fakeLifecycle) MoveToScheduled(ctx context.Context, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scheduledAt = &at
	return nil
}

func (l *fakeLifecycle) MoveToDeadLetter(ctx context.Context, err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		err = errors.New("dead lettered")
	}
	l.deadLettered = err
	return nil
}

type pauseRecorder struct {
	mu     sync.Mutex
	pauses []time.Duration
}

func (p *pauseRecorder) Pause(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pauses = append(p.pauses, d)
}

func (p *pauseRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pauses)
}

// fakeTransport delivers sends to listeners of the same uri through
// per-uri channels
type fakeTransport struct {
	scheme string

	mu        sync.Mutex
	queues    map[string]chan *contracts.Envelope
	senders   map[string]*fakeSender
	listeners int
}

func newFakeTransport(scheme string) *fakeTransport {
	return &fakeTransport{
		scheme:  scheme,
		queues:  make(map[string]chan *contracts.Envelope),
		senders: make(map[string]*fakeSender),
	}
}

func (t *fakeTransport) Scheme() string { return t.scheme }

func (t *fakeTransport) queue(uri string) chan *contracts.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[uri]
	if !ok {
		q = make(chan *contracts.Envelope, 256)
		t.queues[uri] = q
	}
	return q
}

func (t *fakeTransport) Listener(ep *Endpoint) (Listener, error) {
	t.mu.Lock()
	t.listeners++
	t.mu.Unlock()
	return &fakeListener{uri: ep.URI, queue: t.queue(ep.URI)}, nil
}

func (t *fakeTransport) listenerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listeners
}

func (t *fakeTransport) Sender(ep *Endpoint) (Sender, error) {
	q := t.queue(ep.URI)
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.senders[ep.URI]
	if !ok {
		s = &fakeSender{uri: ep.URI, queue: q}
		t.senders[ep.URI] = s
	}
	return s, nil
}

func (t *fakeTransport) sender(uri string) *fakeSender {
	s, _ := t.Sender(&Endpoint{URI: uri})
	return s.(*fakeSender)
}

func (t *fakeTransport) Close() error { return nil }

type fakeSender struct {
	uri   string
	queue chan *contracts.Envelope

	mu      sync.Mutex
	sent    []*contracts.Envelope
	sendErr error
	pingErr error
	pings   int
}

func (s *fakeSender) Destination() string { return s.uri }

func (s *fakeSender) Send(ctx context.Context, env *contracts.Envelope) error {
	s.mu.Lock()
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return err
	}
	s.sent = append(s.sent, env)
	s.mu.Unlock()

	select {
	case s.queue <- env.Clone():
	default:
	}
	return nil
}

func (s *fakeSender) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	return s.pingErr
}

func (s *fakeSender) Close() error { return nil }

func (s *fakeSender) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
	s.pingErr = err
}

func (s *fakeSender) sentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.sent))
	for i, env := range s.sent {
		ids[i] = env.ID
	}
	return ids
}

type fakeListener struct {
	uri   string
	queue chan *contracts.Envelope

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (l *fakeListener) Address() string { return l.uri }

func (l *fakeListener) Start(ctx context.Context, receiver Receiver) error {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-l.queue:
				if err := receiver.Receive(ctx, l, env); err != nil {
					l.queue <- env
					return
				}
			}
		}
	}()
	return nil
}

func (l *fakeListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	return nil
}

func (l *fakeListener) Complete(ctx context.Context, env *contracts.Envelope) error { return nil }

func (l *fakeListener) Defer(ctx context.Context, env *contracts.Envelope) error {
	l.queue <- env
	return nil
}

// failingStore fails the first n calls of an operation
type failingStore struct {
	persistence.Store
	mu       sync.Mutex
	failures map[string]int
}

func (s *failingStore) failNext(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == nil {
		s.failures = make(map[string]int)
	}
	s.failures[op] = n
}

func (s *failingStore) shouldFail(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures[op] > 0 {
		s.failures[op]--
		return &persistence.StoreError{Op: op, Err: errors.New("connection reset")}
	}
	return nil
}

func (s *failingStore) ClaimOutgoing(ctx context.Context, expectedOwner, newOwner, limit int) ([]*contracts.Envelope, error) {
	if err := s.shouldFail("claim outgoing"); err != nil {
		return nil, err
	}
	return s.Store.ClaimOutgoing(ctx, expectedOwner, newOwner, limit)
}

func (s *failingStore) StoreOutgoing(ctx context.Context, env *contracts.Envelope, ownerID int) error {
	if err := s.shouldFail("store outgoing"); err != nil {
		return err
	}
	return s.Store.StoreOutgoing(ctx, env, ownerID)
}
