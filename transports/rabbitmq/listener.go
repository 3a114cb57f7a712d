package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/internal/rabbitmq"
	"github.com/glimte/courier-go/messaging"
)

type deliveryRef struct {
	delivery amqp.Delivery
	sub      *rabbitmq.Subscription
}

// Listener consumes one queue. Deliveries stay unacknowledged until the
// engine calls Complete or Defer.
type Listener struct {
	transport *Transport
	uri       string
	addr      Address
	logger    *slog.Logger

	mu       sync.Mutex
	sub      *rabbitmq.Subscription
	cancel   context.CancelFunc
	done     chan struct{}
	inflight map[string][]deliveryRef
	// stopped subscriptions whose channel closes once their last delivery
	// is settled
	retired map[*rabbitmq.Subscription]int
}

var _ messaging.Listener = (*Listener)(nil)

func (l *Listener) Address() string { return l.uri }

// Start subscribes to the queue. Lost subscriptions are re-established
// until Stop or ctx ends.
func (l *Listener) Start(ctx context.Context, receiver messaging.Receiver) error {
	s, err := l.transport.connect(ctx)
	if err != nil {
		return err
	}
	if err := l.transport.provision(ctx, s, l.addr); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub, err := l.subscribe(runCtx, s, receiver)
	if err != nil {
		cancel()
		return err
	}

	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		cancel()
		_ = sub.Cancel()
		_ = sub.Close()
		return fmt.Errorf("rabbitmq: listener %s already started", l.uri)
	}
	l.sub = sub
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go l.supervise(runCtx, receiver, sub, done)
	return nil
}

func (l *Listener) subscribe(ctx context.Context, s *session, receiver messaging.Receiver) (*rabbitmq.Subscription, error) {
	var sub *rabbitmq.Subscription
	ready := make(chan struct{})
	sub, err := s.consumer.Subscribe(ctx, l.addr.Queue, func(ctx context.Context, d amqp.Delivery) error {
		<-ready
		l.handle(ctx, sub, receiver, d)
		return nil
	})
	close(ready)
	return sub, err
}

func (l *Listener) supervise(ctx context.Context, receiver messaging.Receiver, sub *rabbitmq.Subscription, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
		}
		if ctx.Err() != nil {
			return
		}

		l.logger.Warn("subscription lost, resubscribing", "queue", l.addr.Queue)
		l.retire(sub)

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 500 * time.Millisecond
		policy.MaxInterval = 30 * time.Second
		policy.MaxElapsedTime = 0

		var next *rabbitmq.Subscription
		err := backoff.Retry(func() error {
			s, err := l.transport.connect(ctx)
			if errors.Is(err, ErrTransportClosed) {
				return backoff.Permanent(err)
			}
			if err != nil {
				return err
			}
			next, err = l.subscribe(ctx, s, receiver)
			return err
		}, backoff.WithContext(policy, ctx))
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Error("giving up on subscription", "queue", l.addr.Queue, "error", err)
			}
			return
		}

		l.mu.Lock()
		if ctx.Err() != nil {
			l.mu.Unlock()
			_ = next.Cancel()
			_ = next.Close()
			return
		}
		l.sub = next
		l.mu.Unlock()
		sub = next
	}
}

func (l *Listener) handle(ctx context.Context, sub *rabbitmq.Subscription, receiver messaging.Receiver, d amqp.Delivery) {
	env, err := fromDelivery(d)
	if err != nil {
		l.logger.Error("rejecting unreadable delivery",
			"messageId", d.MessageId,
			"error", err)
		_ = d.Reject(false)
		return
	}

	l.track(env.ID, deliveryRef{delivery: d, sub: sub})
	if err := receiver.Receive(ctx, l, env); err != nil {
		if ref, ok := l.untrack(env.ID); ok {
			_ = ref.delivery.Nack(false, true)
			l.settled(ref.sub)
		}
		if !errors.Is(err, messaging.ErrQueueDraining) && ctx.Err() == nil {
			l.logger.Warn("receive failed", "envelopeId", env.ID, "error", err)
		}
	}
}

func (l *Listener) track(id string, ref deliveryRef) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inflight[id] = append(l.inflight[id], ref)
}

func (l *Listener) untrack(id string) (deliveryRef, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	refs := l.inflight[id]
	if len(refs) == 0 {
		return deliveryRef{}, false
	}
	ref := refs[0]
	if len(refs) == 1 {
		delete(l.inflight, id)
	} else {
		l.inflight[id] = refs[1:]
	}
	return ref, true
}

// Pending returns the number of unsettled deliveries
func (l *Listener) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, refs := range l.inflight {
		n += len(refs)
	}
	return n
}

func (l *Listener) pendingOn(sub *rabbitmq.Subscription) int {
	n := 0
	for _, refs := range l.inflight {
		for _, ref := range refs {
			if ref.sub == sub {
				n++
			}
		}
	}
	return n
}

// retire closes the channel of sub as soon as nothing is pending on it
func (l *Listener) retire(sub *rabbitmq.Subscription) {
	if sub == nil {
		return
	}
	l.mu.Lock()
	pending := l.pendingOn(sub)
	if pending > 0 {
		if l.retired == nil {
			l.retired = make(map[*rabbitmq.Subscription]int)
		}
		l.retired[sub] = pending
	}
	l.mu.Unlock()

	if pending == 0 {
		_ = sub.Close()
	}
}

func (l *Listener) settled(sub *rabbitmq.Subscription) {
	l.mu.Lock()
	left, retired := l.retired[sub]
	if retired {
		left--
		if left > 0 {
			l.retired[sub] = left
		} else {
			delete(l.retired, sub)
		}
	}
	l.mu.Unlock()

	if retired && left == 0 {
		_ = sub.Close()
	}
}

// Complete acknowledges the delivery behind env
func (l *Listener) Complete(ctx context.Context, env *contracts.Envelope) error {
	ref, ok := l.untrack(env.ID)
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownDelivery, env.ID)
	}
	defer l.settled(ref.sub)
	return ref.delivery.Ack(false)
}

// Defer requeues the delivery behind env
func (l *Listener) Defer(ctx context.Context, env *contracts.Envelope) error {
	ref, ok := l.untrack(env.ID)
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownDelivery, env.ID)
	}
	defer l.settled(ref.sub)
	return ref.delivery.Nack(false, true)
}

// Stop cancels consumption. Deliveries already handed to the engine can
// still be completed; the channel closes after the last one settles.
func (l *Listener) Stop() error {
	l.mu.Lock()
	cancel, sub, done := l.cancel, l.sub, l.done
	l.cancel, l.sub, l.done = nil, nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	if sub == nil {
		return nil
	}
	err := sub.Cancel()
	l.retire(sub)
	return err
}
