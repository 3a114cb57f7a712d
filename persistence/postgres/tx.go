package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/persistence"
)

// Tx is a database transaction that outgoing envelopes can join. Business
// writes go through SQL() so they commit or roll back with the envelopes.
type Tx struct {
	tx *sql.Tx
}

var _ persistence.Tx = (*Tx)(nil)

// Begin opens a transaction
func (s *Store) Begin(ctx context.Context) (persistence.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &persistence.StoreError{Op: "begin", Err: err}
	}
	return &Tx{tx: tx}, nil
}

// SQL returns the underlying transaction
func (t *Tx) SQL() *sql.Tx {
	return t.tx
}

func (t *Tx) StoreOutgoing(ctx context.Context, env *contracts.Envelope, ownerID int) error {
	if err := storeOutgoing(ctx, t.tx, env, ownerID); err != nil {
		return &persistence.StoreError{Op: "store outgoing", Err: closed(err)}
	}
	return nil
}

func (t *Tx) ScheduleJob(ctx context.Context, env *contracts.Envelope) error {
	if err := scheduleJob(ctx, t.tx, env); err != nil {
		return &persistence.StoreError{Op: "schedule job", Err: closed(err)}
	}
	return nil
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return &persistence.StoreError{Op: "commit", Err: closed(err)}
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return &persistence.StoreError{Op: "rollback", Err: err}
	}
	return nil
}

func closed(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return persistence.ErrTxClosed
	}
	return err
}
