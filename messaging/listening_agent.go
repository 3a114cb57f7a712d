package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/courier-go/internal/reliability"
)

// ListeningStatus is the intake state of a listening agent
type ListeningStatus int

const (
	ListenerStopped ListeningStatus = iota
	ListenerAccepting
)

func (s ListeningStatus) String() string {
	switch s {
	case ListenerAccepting:
		return "accepting"
	case ListenerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ListeningAgent owns the transport listener of one endpoint. It can be
// stopped, restarted, or paused with an automatic resume. Pausing again
// while paused re-arms the resume timer.
type ListeningAgent struct {
	endpoint  *Endpoint
	transport Transport
	queue     *WorkerQueue
	breaker   *reliability.CircuitBreaker
	runtime   *Runtime
	logger    *slog.Logger

	mu           sync.Mutex
	status       ListeningStatus
	listener     Listener
	baseCtx      context.Context
	resumeCancel context.CancelFunc
	resumeAt     time.Time
	stopped      bool
	closed       bool
	timers       sync.WaitGroup
}

var (
	_ reliability.Pauser              = (*ListeningAgent)(nil)
	_ reliability.StateChangeListener = (*ListeningAgent)(nil)
)

func newListeningAgent(rt *Runtime, ep *Endpoint, transport Transport, queue *WorkerQueue) (*ListeningAgent, error) {
	a := &ListeningAgent{
		endpoint:  ep,
		transport: transport,
		queue:     queue,
		runtime:   rt,
		logger:    rt.logger.With("endpoint", ep.URI),
		status:    ListenerStopped,
		baseCtx:   context.Background(),
	}
	queue.pauser = a

	if ep.CircuitBreaker != nil {
		opts := append([]reliability.CircuitBreakerOption{
			reliability.WithName(ep.URI),
			reliability.WithLogger(rt.logger),
		}, ep.CircuitBreaker...)
		breaker, err := reliability.NewCircuitBreaker(a, opts...)
		if err != nil {
			return nil, fmt.Errorf("circuit breaker for %s: %w", ep.URI, err)
		}
		breaker.AddListener(a)
		a.breaker = breaker
		queue.tracker = breaker
	}
	return a, nil
}

// Endpoint returns the endpoint the agent listens on
func (a *ListeningAgent) Endpoint() *Endpoint {
	return a.endpoint
}

// Queue returns the worker queue fed by the agent
func (a *ListeningAgent) Queue() *WorkerQueue {
	return a.queue
}

// CircuitBreaker returns the listener breaker, nil when not configured
func (a *ListeningAgent) CircuitBreaker() *reliability.CircuitBreaker {
	return a.breaker
}

// Run binds the agent to the runtime context and starts accepting.
// Resume timers and the breaker live as long as ctx.
func (a *ListeningAgent) Run(ctx context.Context) error {
	a.mu.Lock()
	a.baseCtx = ctx
	a.mu.Unlock()

	a.queue.Start(ctx)
	if a.breaker != nil {
		a.breaker.Start(ctx)
	}
	return a.Start()
}

// Status returns the current intake state
func (a *ListeningAgent) Status() ListeningStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// ResumeAt returns when a paused agent will resume, zero when no resume is
// pending
func (a *ListeningAgent) ResumeAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resumeAt
}

// Start begins accepting deliveries and cancels any pending resume
func (a *ListeningAgent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelResumeLocked()
	a.stopped = false
	return a.startLocked()
}

// Stop stops accepting deliveries and cancels any pending resume. A stopped
// agent ignores pauses until Start is called again.
func (a *ListeningAgent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelResumeLocked()
	a.stopped = true
	return a.stopLocked()
}

// Pause stops accepting and resumes after d. A pause while paused replaces
// the pending resume.
func (a *ListeningAgent) Pause(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.stopLocked(); err != nil {
		a.logger.Error("failed to stop listener for pause", "error", err)
	}
	if a.stopped {
		return
	}
	a.cancelResumeLocked()
	if a.closed {
		return
	}

	ctx, cancel := context.WithCancel(a.baseCtx)
	a.resumeCancel = cancel
	a.resumeAt = time.Now().Add(d)
	a.logger.Info("pausing listener", "duration", d)

	a.timers.Add(1)
	go func() {
		defer a.timers.Done()
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			a.resume(ctx)
		case <-ctx.Done():
		}
	}()
}

func (a *ListeningAgent) resume(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// superseded by a later Pause, Start or Stop
	if ctx.Err() != nil || a.closed || a.stopped {
		return
	}
	a.resumeCancel = nil
	a.resumeAt = time.Time{}

	if err := a.startLocked(); err != nil {
		a.logger.Error("failed to resume listener", "error", err)
		return
	}
	a.logger.Info("listener resumed after pause")
}

func (a *ListeningAgent) cancelResumeLocked() {
	if a.resumeCancel != nil {
		a.resumeCancel()
		a.resumeCancel = nil
		a.resumeAt = time.Time{}
	}
}

func (a *ListeningAgent) startLocked() error {
	if a.status == ListenerAccepting {
		return nil
	}
	if a.closed {
		return ErrQueueDraining
	}
	listener, err := a.transport.Listener(a.endpoint)
	if err != nil {
		return fmt.Errorf("create listener for %s: %w", a.endpoint.URI, err)
	}
	if err := listener.Start(a.baseCtx, a.queue); err != nil {
		return fmt.Errorf("start listener for %s: %w", a.endpoint.URI, err)
	}
	a.listener = listener
	a.status = ListenerAccepting
	a.runtime.metrics.ListenerStatusChanged(a.endpoint.URI, a.status)
	return nil
}

func (a *ListeningAgent) stopLocked() error {
	if a.status == ListenerStopped {
		return nil
	}
	a.status = ListenerStopped
	a.runtime.metrics.ListenerStatusChanged(a.endpoint.URI, a.status)

	listener := a.listener
	a.listener = nil
	if listener != nil {
		return listener.Stop()
	}
	return nil
}

// OnStateChange records breaker transitions. The breaker pauses the agent
// itself.
func (a *ListeningAgent) OnStateChange(from, to reliability.State, reason string) {
	if to == reliability.StateOpen {
		a.runtime.metrics.CircuitBreakerTripped(a.endpoint.URI)
		a.logger.Warn("circuit breaker tripped", "reason", reason)
		return
	}
	a.logger.Info("circuit breaker closed", "reason", reason)
}

// Drain stops intake, waits for in-flight envelopes and stops timers
func (a *ListeningAgent) Drain(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.cancelResumeLocked()
	stopErr := a.stopLocked()
	a.mu.Unlock()
	if stopErr != nil {
		a.logger.Warn("failed to stop listener", "error", stopErr)
	}

	if a.breaker != nil {
		a.breaker.Close()
	}
	err := a.queue.Drain(ctx)
	a.timers.Wait()
	return err
}
