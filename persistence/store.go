package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/courier-go/contracts"
)

var (
	ErrNotFound          = errors.New("persistence: envelope not found")
	ErrDuplicateIncoming = errors.New("persistence: incoming envelope already stored")
	ErrTxClosed          = errors.New("persistence: transaction already finished")
	ErrNotTransactional  = errors.New("persistence: store does not support transactions")
)

// PersistedCounts is a diagnostic snapshot of the envelope tables
type PersistedCounts struct {
	Incoming   int `json:"incoming"`
	Scheduled  int `json:"scheduled"`
	Outgoing   int `json:"outgoing"`
	DeadLetter int `json:"deadLetter"`
}

// IsEmpty reports whether nothing is left to deliver
func (c PersistedCounts) IsEmpty() bool {
	return c.Incoming == 0 && c.Scheduled == 0 && c.Outgoing == 0
}

// IncomingStore holds envelopes received but not yet fully handled,
// including scheduled ones.
type IncomingStore interface {
	// StoreIncoming stores every envelope whose id is not stored yet. When
	// any id was already present the rest are still stored and the returned
	// error wraps ErrDuplicateIncoming.
	StoreIncoming(ctx context.Context, envs ...*contracts.Envelope) error
	// ScheduleJob stores or updates env as Scheduled. env.ScheduledTime must be set.
	ScheduleJob(ctx context.Context, env *contracts.Envelope) error
	DeleteIncoming(ctx context.Context, envs ...*contracts.Envelope) error
	// IncrementAttempts persists env.Attempts. The stored count never goes down.
	IncrementAttempts(ctx context.Context, env *contracts.Envelope) error
	// MoveToDeadLetter stores the report and removes the live envelope in one step.
	MoveToDeadLetter(ctx context.Context, env *contracts.Envelope, report *contracts.ErrorReport) error
	// LoadReadyScheduled claims up to limit due scheduled envelopes for
	// nodeID, flipping them to Incoming.
	LoadReadyScheduled(ctx context.Context, now time.Time, nodeID, limit int) ([]*contracts.Envelope, error)
}

// OutgoingStore holds envelopes waiting to be sent
type OutgoingStore interface {
	StoreOutgoing(ctx context.Context, env *contracts.Envelope, ownerID int) error
	DeleteOutgoing(ctx context.Context, envs ...*contracts.Envelope) error
	ReassignOutgoing(ctx context.Context, ownerID int, envs ...*contracts.Envelope) error
	DiscardAndReassignOutgoing(ctx context.Context, discards, reassigned []*contracts.Envelope, ownerID int) error
}

// RecoveryStore supports cross-node reconciliation. Claims are conditional
// on the expected current owner so two nodes racing for the same rows never
// both win.
type RecoveryStore interface {
	ReleaseOwnership(ctx context.Context, nodeID int) error
	// ReleaseIncoming hands the given incoming rows back to contracts.AnyNode
	// so the next recovery pass can claim them.
	ReleaseIncoming(ctx context.Context, envs ...*contracts.Envelope) error
	// Owners lists the distinct owners of incoming and outgoing rows,
	// excluding contracts.AnyNode.
	Owners(ctx context.Context) ([]int, error)
	ClaimIncoming(ctx context.Context, expectedOwner, newOwner, limit int) ([]*contracts.Envelope, error)
	ClaimOutgoing(ctx context.Context, expectedOwner, newOwner, limit int) ([]*contracts.Envelope, error)
}

// DiagnosticsStore exposes read-only views for operators
type DiagnosticsStore interface {
	AllIncoming(ctx context.Context) ([]*contracts.Envelope, error)
	AllOutgoing(ctx context.Context) ([]*contracts.Envelope, error)
	AllDeadLetters(ctx context.Context) ([]*contracts.ErrorReport, error)
	GetPersistedCounts(ctx context.Context) (PersistedCounts, error)
}

// Store is the persistence port consumed by the delivery engine. Every
// operation must be safe to retry.
type Store interface {
	IncomingStore
	OutgoingStore
	RecoveryStore
	DiagnosticsStore
}

// Tx is a storage transaction that outgoing envelopes can join so they are
// committed atomically with business data.
type Tx interface {
	StoreOutgoing(ctx context.Context, env *contracts.Envelope, ownerID int) error
	ScheduleJob(ctx context.Context, env *contracts.Envelope) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Transactional is implemented by stores that can open a Tx
type Transactional interface {
	Begin(ctx context.Context) (Tx, error)
}

// Admin is implemented by stores that support operator maintenance
type Admin interface {
	Clear(ctx context.Context) error
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
}

// StoreError adds the failing operation to a storage error
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
