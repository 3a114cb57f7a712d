package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/glimte/courier-go/contracts"
)

// SendingAgent delivers envelopes to one destination
type SendingAgent interface {
	Destination() string
	Enqueue(ctx context.Context, env *contracts.Envelope) error
	IsDurable() bool
	Latched() bool
	Close() error
}

// SenderSettings tunes buffered sending agents
type SenderSettings struct {
	// FailuresBeforeLatch is the number of consecutive send failures that
	// latch the agent
	FailuresBeforeLatch uint32
	// MaximumEnvelopeRetryStorage bounds the in-memory backlog
	MaximumEnvelopeRetryStorage int
	PingInitialInterval         time.Duration
	PingMaxInterval             time.Duration
}

// DefaultSenderSettings returns the settings used when none are configured
func DefaultSenderSettings() SenderSettings {
	return SenderSettings{
		FailuresBeforeLatch:         3,
		MaximumEnvelopeRetryStorage: 100,
		PingInitialInterval:         500 * time.Millisecond,
		PingMaxInterval:             30 * time.Second,
	}
}

// DurableSendingAgent sends envelopes already stored in the outbox. A sent
// envelope's row is deleted. A failed one is released to any node so the
// durability agent retries it.
type DurableSendingAgent struct {
	sender  Sender
	runtime *Runtime
	logger  *slog.Logger
}

var _ SendingAgent = (*DurableSendingAgent)(nil)

func newDurableSendingAgent(rt *Runtime, sender Sender) *DurableSendingAgent {
	return &DurableSendingAgent{
		sender:  sender,
		runtime: rt,
		logger:  rt.logger.With("destination", sender.Destination(), "durable", true),
	}
}

func (a *DurableSendingAgent) Destination() string { return a.sender.Destination() }

func (a *DurableSendingAgent) IsDurable() bool { return true }

func (a *DurableSendingAgent) Latched() bool { return false }

func (a *DurableSendingAgent) Enqueue(ctx context.Context, env *contracts.Envelope) error {
	store := a.runtime.store

	if env.IsExpired(a.runtime.now()) {
		a.logger.Info("discarding expired envelope", "envelopeId", env.ID, "deliverBy", env.DeliverBy)
		a.runtime.metrics.EnvelopeDiscarded("expired", 1)
		return store.DeleteOutgoing(ctx, env)
	}

	sendCtx, span := startSendSpan(ctx, env)
	err := a.sender.Send(sendCtx, env)
	endSpan(span, err)

	if err == nil {
		if delErr := store.DeleteOutgoing(ctx, env); delErr != nil {
			a.logger.Error("failed to delete sent envelope", "envelopeId", env.ID, "error", delErr)
		}
		return nil
	}

	if reErr := store.ReassignOutgoing(ctx, contracts.AnyNode, env); reErr != nil {
		a.logger.Error("failed to release unsent envelope", "envelopeId", env.ID, "error", reErr)
	}
	return fmt.Errorf("send %s: %w", env, err)
}

func (a *DurableSendingAgent) Close() error {
	return a.sender.Close()
}

// BufferedSendingAgent sends without persistence. Failed envelopes are
// kept in memory. When consecutive failures trip the breaker the agent
// latches: everything is buffered while a reconnect loop pings the
// destination, and the backlog is replayed in order once it answers.
type BufferedSendingAgent struct {
	sender   Sender
	runtime  *Runtime
	settings SenderSettings
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	breaker   *gobreaker.CircuitBreaker
	latched   bool
	replaying bool
	buffer    []*contracts.Envelope
}

var _ SendingAgent = (*BufferedSendingAgent)(nil)

func newBufferedSendingAgent(ctx context.Context, rt *Runtime, sender Sender, settings SenderSettings) *BufferedSendingAgent {
	ctx, cancel := context.WithCancel(ctx)
	a := &BufferedSendingAgent{
		sender:   sender,
		runtime:  rt,
		settings: settings,
		logger:   rt.logger.With("destination", sender.Destination(), "durable", false),
		ctx:      ctx,
		cancel:   cancel,
	}
	a.breaker = a.newBreaker()
	return a
}

func (a *BufferedSendingAgent) newBreaker() *gobreaker.CircuitBreaker {
	threshold := a.settings.FailuresBeforeLatch
	if threshold == 0 {
		threshold = 1
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        a.sender.Destination(),
		MaxRequests: 1,
		Timeout:     a.settings.PingMaxInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				a.latch()
			}
		},
	})
}

func (a *BufferedSendingAgent) Destination() string { return a.sender.Destination() }

func (a *BufferedSendingAgent) IsDurable() bool { return false }

// Latched reports whether the agent is holding everything for replay
func (a *BufferedSendingAgent) Latched() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latched
}

// Buffered returns the number of envelopes waiting for replay
func (a *BufferedSendingAgent) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}

func (a *BufferedSendingAgent) Enqueue(ctx context.Context, env *contracts.Envelope) error {
	if env.IsExpired(a.runtime.now()) {
		a.logger.Info("discarding expired envelope", "envelopeId", env.ID, "deliverBy", env.DeliverBy)
		a.runtime.metrics.EnvelopeDiscarded("expired", 1)
		return nil
	}

	a.mu.Lock()
	if a.latched {
		a.bufferLocked(env)
		a.mu.Unlock()
		return nil
	}
	breaker := a.breaker
	pending := len(a.buffer) > 0 && !a.replaying
	a.mu.Unlock()

	sendCtx, span := startSendSpan(ctx, env)
	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, a.sender.Send(sendCtx, env)
	})
	endSpan(span, err)

	if err == nil {
		if pending {
			a.startReplay()
		}
		return nil
	}

	a.mu.Lock()
	a.bufferLocked(env)
	a.mu.Unlock()

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		a.latch()
	}
	return fmt.Errorf("send %s (buffered for retry): %w", env, err)
}

// bufferLocked prunes expired envelopes, then drops the oldest beyond the
// storage limit
func (a *BufferedSendingAgent) bufferLocked(env *contracts.Envelope) {
	a.buffer = append(a.buffer, env)

	now := a.runtime.now()
	live := a.buffer[:0]
	expired := 0
	for _, e := range a.buffer {
		if e.IsExpired(now) {
			expired++
			continue
		}
		live = append(live, e)
	}
	a.buffer = live
	if expired > 0 {
		a.runtime.metrics.EnvelopeDiscarded("expired", expired)
	}

	if limit := a.settings.MaximumEnvelopeRetryStorage; limit > 0 && len(a.buffer) > limit {
		dropped := len(a.buffer) - limit
		a.buffer = append([]*contracts.Envelope(nil), a.buffer[dropped:]...)
		a.logger.Warn("retry storage full, dropping oldest envelopes", "dropped", dropped)
		a.runtime.metrics.EnvelopeDiscarded("overflow", dropped)
	}
	a.runtime.metrics.BufferedSenderDepth(a.sender.Destination(), len(a.buffer))
}

func (a *BufferedSendingAgent) latch() {
	a.mu.Lock()
	if a.latched {
		a.mu.Unlock()
		return
	}
	a.latched = true
	a.replaying = true
	a.mu.Unlock()

	a.logger.Warn("sending agent latched, buffering until destination recovers")
	a.wg.Add(1)
	go a.reconnect()
}

func (a *BufferedSendingAgent) startReplay() {
	a.mu.Lock()
	if a.replaying || a.latched {
		a.mu.Unlock()
		return
	}
	a.replaying = true
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.replay(a.ctx); err != nil {
			a.logger.Warn("replay failed", "error", err)
		}
		a.mu.Lock()
		a.replaying = false
		a.mu.Unlock()
	}()
}

func (a *BufferedSendingAgent) reconnect() {
	defer a.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.settings.PingInitialInterval
	b.MaxInterval = a.settings.PingMaxInterval
	b.MaxElapsedTime = 0

	for {
		err := backoff.RetryNotify(func() error {
			return a.sender.Ping(a.ctx)
		}, backoff.WithContext(b, a.ctx), func(err error, wait time.Duration) {
			a.logger.Debug("destination still unavailable", "wait", wait, "error", err)
		})
		if err != nil {
			return
		}

		if err := a.replay(a.ctx); err != nil {
			a.logger.Warn("replay after reconnect failed", "error", err)
			b.Reset()
			continue
		}

		a.mu.Lock()
		if len(a.buffer) > 0 {
			a.mu.Unlock()
			continue
		}
		a.latched = false
		a.replaying = false
		a.breaker = a.newBreaker()
		a.mu.Unlock()

		a.runtime.metrics.BufferedSenderDepth(a.sender.Destination(), 0)
		a.logger.Info("sending agent unlatched")
		return
	}
}

// replay sends the backlog in order. On failure the unsent remainder goes
// back to the front of the buffer.
func (a *BufferedSendingAgent) replay(ctx context.Context) error {
	a.mu.Lock()
	pending := a.buffer
	a.buffer = nil
	a.mu.Unlock()

	now := a.runtime.now()
	for i, env := range pending {
		if env.IsExpired(now) {
			a.runtime.metrics.EnvelopeDiscarded("expired", 1)
			continue
		}
		if err := a.sender.Send(ctx, env); err != nil {
			a.mu.Lock()
			a.buffer = append(append([]*contracts.Envelope(nil), pending[i:]...), a.buffer...)
			a.mu.Unlock()
			return err
		}
	}
	return nil
}

// Close stops the reconnect loop. Buffered envelopes are lost.
func (a *BufferedSendingAgent) Close() error {
	a.cancel()
	a.wg.Wait()

	a.mu.Lock()
	lost := len(a.buffer)
	a.buffer = nil
	a.mu.Unlock()
	if lost > 0 {
		a.logger.Warn("closing sending agent with unsent envelopes", "count", lost)
	}
	return a.sender.Close()
}
