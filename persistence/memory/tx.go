package memory

import (
	"context"
	"sync"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/persistence"
)

type stagedOutgoing struct {
	env     *contracts.Envelope
	ownerID int
}

// Tx stages writes and applies them to the store on Commit
type Tx struct {
	store     *Store
	mu        sync.Mutex
	outgoing  []stagedOutgoing
	scheduled []*contracts.Envelope
	done      bool
}

var _ persistence.Tx = (*Tx)(nil)

// Begin starts a transaction
func (s *Store) Begin(ctx context.Context) (persistence.Tx, error) {
	return &Tx{store: s}, nil
}

func (tx *Tx) StoreOutgoing(ctx context.Context, env *contracts.Envelope, ownerID int) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return persistence.ErrTxClosed
	}
	tx.outgoing = append(tx.outgoing, stagedOutgoing{env: env.Clone(), ownerID: ownerID})
	return nil
}

func (tx *Tx) ScheduleJob(ctx context.Context, env *contracts.Envelope) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return persistence.ErrTxClosed
	}
	if env.ScheduledTime == nil {
		return &persistence.StoreError{Op: "schedule job", Err: contracts.ErrMissingExecutionTime}
	}
	tx.scheduled = append(tx.scheduled, env.Clone())
	return nil
}

func (tx *Tx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return persistence.ErrTxClosed
	}
	tx.done = true

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	for _, o := range tx.outgoing {
		tx.store.storeOutgoingLocked(o.env, o.ownerID)
	}
	for _, env := range tx.scheduled {
		if err := tx.store.scheduleLocked(env); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return nil
	}
	tx.done = true
	tx.outgoing = nil
	tx.scheduled = nil
	return nil
}
