package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/internal/reliability"
	"github.com/glimte/courier-go/persistence"
)

// ErrQueueDraining is returned for deliveries that arrive after Drain
var ErrQueueDraining = errors.New("messaging: worker queue is draining")

const releaseTimeout = 5 * time.Second

type delivery struct {
	env      *contracts.Envelope
	listener Listener
}

// WorkerQueue executes envelopes for one endpoint with bounded parallelism.
// Durable queues persist each envelope to the inbox before acknowledging
// the broker; buffered queues hold the broker delivery until the envelope
// completes.
type WorkerQueue struct {
	endpoint *Endpoint
	runtime  *Runtime
	executor *Executor
	logger   *slog.Logger
	durable  bool
	limit    int

	work chan *delivery

	// set by the owning listening agent
	tracker reliability.Tracker
	pauser  reliability.Pauser

	mu        sync.Mutex
	ctx       context.Context
	running   bool
	draining  bool
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

var _ Receiver = (*WorkerQueue)(nil)

func newWorkerQueue(rt *Runtime, ep *Endpoint) *WorkerQueue {
	limit := ep.MaxParallelism
	if limit <= 0 {
		limit = rt.config.MaxParallelism
	}
	return &WorkerQueue{
		endpoint: ep,
		runtime:  rt,
		executor: rt.executor,
		logger:   rt.logger.With("endpoint", ep.URI),
		durable:  ep.Mode == ModeDurable,
		limit:    limit,
		work:     make(chan *delivery, limit),
		ctx:      context.Background(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Endpoint returns the endpoint the queue serves
func (q *WorkerQueue) Endpoint() *Endpoint {
	return q.endpoint
}

// Start launches the dispatch loop. Handlers run with ctx.
func (q *WorkerQueue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		q.mu.Lock()
		q.ctx = ctx
		q.running = true
		q.mu.Unlock()
		go q.run(ctx)
	})
}

func (q *WorkerQueue) run(ctx context.Context) {
	defer close(q.done)

	var g errgroup.Group
	g.SetLimit(q.limit)

	for {
		select {
		case d := <-q.work:
			g.Go(func() error {
				q.process(ctx, d)
				return nil
			})
		case <-q.stop:
			_ = g.Wait()
			return
		case <-ctx.Done():
			_ = g.Wait()
			return
		}
	}
}

func (q *WorkerQueue) process(ctx context.Context, d *delivery) {
	lifecycle := q.lifecycleFor(d)
	if err := q.executor.Execute(ctx, q.endpoint.URI, lifecycle, q.tracker, q.pauser); err != nil {
		q.logger.Error("envelope execution failed",
			"envelopeId", d.env.ID,
			"messageType", d.env.MessageType,
			"error", err)
	}
}

// Receive accepts an envelope from a transport listener
func (q *WorkerQueue) Receive(ctx context.Context, listener Listener, env *contracts.Envelope) error {
	if q.isDraining() {
		return ErrQueueDraining
	}
	// incoming envelopes are addressed to the endpoint that received them
	env.Destination = q.endpoint.URI

	if !q.durable {
		q.runtime.metrics.EnvelopeReceived(q.endpoint.URI, env.MessageType)
		return q.enqueue(ctx, &delivery{env: env, listener: listener})
	}

	env.MarkIncoming()
	env.OwnerID = q.runtime.NodeID()
	err := q.runtime.store.StoreIncoming(ctx, env)
	duplicate := errors.Is(err, persistence.ErrDuplicateIncoming)
	if err != nil && !duplicate {
		return err
	}
	if listener != nil {
		if err := listener.Complete(ctx, env); err != nil {
			q.logger.Warn("failed to acknowledge persisted envelope", "envelopeId", env.ID, "error", err)
		}
	}
	if duplicate {
		// the stored copy is already owned by a running attempt or by recovery
		q.logger.Debug("discarding redelivered envelope", "envelopeId", env.ID)
		return nil
	}

	q.runtime.metrics.EnvelopeReceived(q.endpoint.URI, env.MessageType)
	if err := q.enqueue(ctx, &delivery{env: env}); err != nil {
		q.release(env)
		return err
	}
	return nil
}

// release hands a persisted envelope that never reached a worker back to
// any node
func (q *WorkerQueue) release(env *contracts.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := q.runtime.store.ReleaseIncoming(ctx, env); err != nil {
		q.logger.Error("failed to release unqueued envelope", "envelopeId", env.ID, "error", err)
	}
}

// Enqueue adds an envelope that did not come from a listener, such as a
// recovered or scheduled one
func (q *WorkerQueue) Enqueue(ctx context.Context, env *contracts.Envelope) error {
	if q.isDraining() {
		return ErrQueueDraining
	}
	env.MarkIncoming()
	return q.enqueue(ctx, &delivery{env: env})
}

func (q *WorkerQueue) enqueue(ctx context.Context, d *delivery) error {
	select {
	case q.work <- d:
		return nil
	case <-q.stop:
		return ErrQueueDraining
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requeue puts d back without blocking the worker that holds it
func (q *WorkerQueue) requeue(d *delivery) {
	q.mu.Lock()
	ctx := q.ctx
	q.mu.Unlock()

	go func() {
		if err := q.enqueue(ctx, d); err != nil {
			q.logger.Debug("requeue abandoned", "envelopeId", d.env.ID, "error", err)
			if q.durable {
				q.release(d.env)
			}
		}
	}()
}

// QueuedCount returns the number of envelopes waiting for a worker
func (q *WorkerQueue) QueuedCount() int {
	return len(q.work)
}

func (q *WorkerQueue) isDraining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// Drain stops accepting work and waits for in-flight envelopes. Buffered
// envelopes still waiting are handed back to their broker. Durable ones are
// released in the inbox so any node can recover them.
func (q *WorkerQueue) Drain(ctx context.Context) error {
	q.startOnce.Do(func() {})
	q.mu.Lock()
	q.draining = true
	started := q.running
	q.mu.Unlock()
	q.stopOnce.Do(func() { close(q.stop) })

	if started {
		select {
		case <-q.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case d := <-q.work:
			if q.durable {
				q.release(d.env)
				continue
			}
			if d.listener == nil {
				continue
			}
			if err := d.listener.Defer(ctx, d.env); err != nil {
				q.logger.Warn("failed to return envelope to broker", "envelopeId", d.env.ID, "error", err)
			}
		default:
			return nil
		}
	}
}

func (q *WorkerQueue) lifecycleFor(d *delivery) Lifecycle {
	if q.durable {
		return &durableLifecycle{queue: q, delivery: d}
	}
	return &bufferedLifecycle{queue: q, delivery: d}
}

type durableLifecycle struct {
	queue    *WorkerQueue
	delivery *delivery
}

func (l *durableLifecycle) Envelope() *contracts.Envelope { return l.delivery.env }

func (l *durableLifecycle) Complete(ctx context.Context) error {
	env := l.delivery.env
	env.MarkHandled()
	return l.queue.runtime.store.DeleteIncoming(ctx, env)
}

func (l *durableLifecycle) Defer(ctx context.Context) error {
	if err := l.queue.runtime.store.IncrementAttempts(ctx, l.delivery.env); err != nil {
		return err
	}
	l.queue.requeue(l.delivery)
	return nil
}

func (l *durableLifecycle) MoveToScheduled(ctx context.Context, at time.Time) error {
	env := l.delivery.env
	env.ScheduleAt(at)
	return l.queue.runtime.store.ScheduleJob(ctx, env)
}

func (l *durableLifecycle) MoveToDeadLetter(ctx context.Context, err error) error {
	env := l.delivery.env
	env.MarkDeadLetter()
	return l.queue.runtime.store.MoveToDeadLetter(ctx, env, contracts.NewErrorReport(env, err))
}

type bufferedLifecycle struct {
	queue    *WorkerQueue
	delivery *delivery
}

func (l *bufferedLifecycle) Envelope() *contracts.Envelope { return l.delivery.env }

func (l *bufferedLifecycle) ack(ctx context.Context) error {
	if l.delivery.listener == nil {
		return nil
	}
	return l.delivery.listener.Complete(ctx, l.delivery.env)
}

func (l *bufferedLifecycle) Complete(ctx context.Context) error {
	l.delivery.env.MarkHandled()
	return l.ack(ctx)
}

func (l *bufferedLifecycle) Defer(ctx context.Context) error {
	l.queue.requeue(l.delivery)
	return nil
}

func (l *bufferedLifecycle) MoveToScheduled(ctx context.Context, at time.Time) error {
	env := l.delivery.env
	env.ScheduleAt(at)
	if err := l.ack(ctx); err != nil {
		return err
	}
	l.queue.runtime.scheduler.Schedule(env)
	return nil
}

func (l *bufferedLifecycle) MoveToDeadLetter(ctx context.Context, err error) error {
	env := l.delivery.env
	env.MarkDeadLetter()
	if storeErr := l.queue.runtime.store.MoveToDeadLetter(ctx, env, contracts.NewErrorReport(env, err)); storeErr != nil {
		return storeErr
	}
	return l.ack(ctx)
}
