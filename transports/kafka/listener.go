package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/messaging"
)

// Listener consumes one topic as a member of the configured group.
// Deferred messages are handed to the receiver again after the redelivery
// delay; their offset stays uncommitted meanwhile.
type Listener struct {
	transport *Transport
	uri       string
	topic     string
	logger    *slog.Logger
	offsets   *offsetTracker

	mu       sync.Mutex
	reader   messageReader
	receiver messaging.Receiver
	runCtx   context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
	stopping bool
	inflight map[string][]kafka.Message

	redeliveries sync.WaitGroup
	closeOnce    sync.Once
}

var _ messaging.Listener = (*Listener)(nil)

func (l *Listener) Address() string { return l.uri }

// Start begins fetching. A listener starts once.
func (l *Listener) Start(ctx context.Context, receiver messaging.Receiver) error {
	if l.transport.isClosed() {
		return ErrTransportClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return fmt.Errorf("kafka: listener %s already started", l.uri)
	}
	l.started = true
	l.reader = l.transport.newReader(l.topic)
	l.receiver = receiver
	l.runCtx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	go l.consume(l.runCtx, l.reader, l.done)
	return nil
}

func (l *Listener) consume(ctx context.Context, reader messageReader, done chan struct{}) {
	defer close(done)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			l.logger.Error("fetching message failed", "topic", l.topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		l.offsets.add(msg)
		env, err := fromMessage(msg)
		if err != nil {
			l.logger.Error("skipping unreadable message",
				"topic", l.topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
			if err := l.commit(ctx, msg); err != nil {
				l.logger.Warn("commit failed", "offset", msg.Offset, "error", err)
			}
			continue
		}
		l.dispatch(ctx, msg, env)
	}
}

func (l *Listener) dispatch(ctx context.Context, msg kafka.Message, env *contracts.Envelope) {
	l.track(env.ID, msg)
	err := l.receiver.Receive(ctx, l, env)
	if err == nil {
		return
	}

	if _, ok := l.untrack(env.ID); !ok {
		return
	}
	if errors.Is(err, messaging.ErrQueueDraining) || ctx.Err() != nil {
		return
	}
	l.logger.Warn("receive failed, redelivering", "envelopeId", env.ID, "error", err)
	l.redeliverLater(msg)
}

func (l *Listener) redeliverLater(msg kafka.Message) {
	l.mu.Lock()
	ctx := l.runCtx
	l.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	l.redeliveries.Add(1)
	go func() {
		defer l.redeliveries.Done()
		timer := time.NewTimer(l.transport.cfg.RedeliveryDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		env, err := fromMessage(msg)
		if err != nil {
			return
		}
		l.dispatch(ctx, msg, env)
	}()
}

func (l *Listener) track(id string, msg kafka.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inflight[id] = append(l.inflight[id], msg)
}

func (l *Listener) untrack(id string) (kafka.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := l.inflight[id]
	if len(msgs) == 0 {
		return kafka.Message{}, false
	}
	msg := msgs[0]
	if len(msgs) == 1 {
		delete(l.inflight, id)
	} else {
		l.inflight[id] = msgs[1:]
	}
	return msg, true
}

// Pending returns the number of messages handed out and not yet settled
func (l *Listener) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, msgs := range l.inflight {
		n += len(msgs)
	}
	return n
}

func (l *Listener) commit(ctx context.Context, msg kafka.Message) error {
	upTo, ok := l.offsets.settle(msg)
	if !ok {
		return nil
	}
	l.mu.Lock()
	reader := l.reader
	l.mu.Unlock()
	return reader.CommitMessages(ctx, upTo)
}

// Complete settles the message behind env and commits what became
// contiguous.
func (l *Listener) Complete(ctx context.Context, env *contracts.Envelope) error {
	msg, ok := l.untrack(env.ID)
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownDelivery, env.ID)
	}
	defer l.closeIfIdle()
	return l.commit(ctx, msg)
}

// Defer hands the message behind env to the receiver again later
func (l *Listener) Defer(ctx context.Context, env *contracts.Envelope) error {
	msg, ok := l.untrack(env.ID)
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownDelivery, env.ID)
	}
	l.redeliverLater(msg)
	l.closeIfIdle()
	return nil
}

// Stop ends fetching. The reader stays open for commits until every
// message already handed out is settled.
func (l *Listener) Stop() error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.stopping = true
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	l.redeliveries.Wait()
	l.closeIfIdle()
	return nil
}

func (l *Listener) closeIfIdle() {
	l.mu.Lock()
	stopping := l.stopping
	l.mu.Unlock()
	if stopping && l.Pending() == 0 {
		if err := l.closeReader(); err != nil {
			l.logger.Warn("closing reader failed", "error", err)
		}
	}
}

func (l *Listener) closeReader() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		reader := l.reader
		l.mu.Unlock()
		if reader != nil {
			err = reader.Close()
		}
		l.transport.forget(l)
	})
	return err
}
