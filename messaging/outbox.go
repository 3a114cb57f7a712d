package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/persistence"
)

// Outbox buffers the envelopes produced by one unit of work until it
// succeeds. With a storage transaction enlisted, durable envelopes are
// written through it immediately so they commit with the business data.
type Outbox struct {
	runtime   *Runtime
	mu        sync.Mutex
	envelopes []*contracts.Envelope
	persisted map[string]bool
	tx        persistence.Tx
}

func newOutbox(rt *Runtime) *Outbox {
	return &Outbox{
		runtime:   rt,
		persisted: make(map[string]bool),
	}
}

// EnlistTx binds the outbox to a storage transaction
func (o *Outbox) EnlistTx(tx persistence.Tx) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tx = tx
}

// HasTx reports whether a storage transaction is enlisted
func (o *Outbox) HasTx() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tx != nil
}

// Enlist buffers env for the next flush
func (o *Outbox) Enlist(ctx context.Context, env *contracts.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.tx != nil && env.Durable {
		var err error
		if env.Status == contracts.StatusScheduled {
			err = o.tx.ScheduleJob(ctx, env)
		} else {
			err = o.tx.StoreOutgoing(ctx, env, o.runtime.NodeID())
		}
		if err != nil {
			return fmt.Errorf("enlist %s: %w", env, err)
		}
		o.persisted[env.ID] = true
	}
	o.envelopes = append(o.envelopes, env)
	return nil
}

// Outstanding returns the buffered envelopes
func (o *Outbox) Outstanding() []*contracts.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*contracts.Envelope(nil), o.envelopes...)
}

// Flush commits an enlisted transaction, then sends every buffered envelope.
// Storage failures are returned. Transport failures are logged; durable
// envelopes are recovered later and buffered ones are held by their
// sending agent.
func (o *Outbox) Flush(ctx context.Context) error {
	o.mu.Lock()
	tx := o.tx
	envelopes := o.envelopes
	persisted := o.persisted
	o.envelopes = nil
	o.persisted = make(map[string]bool)
	o.tx = nil
	o.mu.Unlock()

	if tx != nil {
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit outbox transaction: %w", err)
		}
	}

	rt := o.runtime
	now := rt.now()
	for _, env := range envelopes {
		if env.Status == contracts.StatusScheduled && env.ScheduledTime != nil && env.ScheduledTime.After(now) {
			if err := o.schedule(ctx, env, persisted[env.ID]); err != nil {
				return err
			}
			continue
		}
		env.MarkOutgoing()

		if env.Durable && !persisted[env.ID] {
			if err := rt.store.StoreOutgoing(ctx, env, rt.NodeID()); err != nil {
				return fmt.Errorf("store outgoing %s: %w", env, err)
			}
		}

		agent, err := rt.SendingAgentFor(env.Destination, env.Durable)
		if err != nil {
			rt.logger.Error("no sending agent for destination",
				"envelopeId", env.ID,
				"destination", env.Destination,
				"error", err)
			continue
		}
		if err := agent.Enqueue(ctx, env); err != nil {
			rt.logger.Warn("send failed",
				"envelopeId", env.ID,
				"destination", env.Destination,
				"durable", env.Durable,
				"error", err)
		}
	}
	return nil
}

func (o *Outbox) schedule(ctx context.Context, env *contracts.Envelope, persisted bool) error {
	rt := o.runtime
	if env.Durable {
		if persisted {
			return nil
		}
		if err := rt.store.ScheduleJob(ctx, env); err != nil {
			return fmt.Errorf("schedule %s: %w", env, err)
		}
		return nil
	}
	rt.scheduler.Schedule(env)
	return nil
}

// Rollback discards buffered envelopes and rolls back an enlisted
// transaction
func (o *Outbox) Rollback(ctx context.Context) error {
	o.mu.Lock()
	tx := o.tx
	o.tx = nil
	o.envelopes = nil
	o.persisted = make(map[string]bool)
	o.mu.Unlock()

	if tx != nil {
		return tx.Rollback(ctx)
	}
	return nil
}
