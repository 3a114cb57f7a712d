// Package postgres stores envelopes in PostgreSQL. Claims are conditional
// updates over FOR UPDATE SKIP LOCKED subqueries so concurrent nodes never
// move the same row twice.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
	"github.com/lib/pq"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/persistence"
)

const (
	statusIncoming  = string(contracts.StatusIncoming)
	statusScheduled = string(contracts.StatusScheduled)

	incomingColumns = "id, status, owner_id, attempts, headers, body"
	outgoingColumns = "id, owner_id, attempts, headers, body"
)

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store implements persistence.Store on PostgreSQL
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ persistence.Store         = (*Store)(nil)
	_ persistence.Transactional = (*Store)(nil)
	_ persistence.Admin         = (*Store)(nil)
)

// New wraps an open database handle
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects with the lib/pq driver and verifies the connection
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &persistence.StoreError{Op: "open", Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &persistence.StoreError{Op: "open", Err: err}
	}
	return New(db, opts...), nil
}

// DB exposes the underlying handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) StoreIncoming(ctx context.Context, envs ...*contracts.Envelope) error {
	duplicates := 0
	err := s.inTx(ctx, "store incoming", func(tx *sql.Tx) error {
		for _, env := range envs {
			if err := env.Validate(); err != nil {
				return err
			}
			status := env.Status
			if status == "" {
				status = contracts.StatusIncoming
			}
			headers, err := encodeHeaders(env)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO courier_incoming_envelopes
					(id, status, owner_id, execution_time, attempts, message_type, headers, body)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (id) DO NOTHING`,
				env.ID, string(status), env.OwnerID, nullTime(env.ScheduledTime),
				env.Attempts, env.MessageType, headers, env.Data)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				duplicates++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if duplicates > 0 {
		return &persistence.StoreError{Op: "store incoming", Err: persistence.ErrDuplicateIncoming}
	}
	return nil
}

func (s *Store) ScheduleJob(ctx context.Context, env *contracts.Envelope) error {
	if err := scheduleJob(ctx, s.db, env); err != nil {
		return &persistence.StoreError{Op: "schedule job", Err: err}
	}
	return nil
}

func scheduleJob(ctx context.Context, db execer, env *contracts.Envelope) error {
	if env.ScheduledTime == nil {
		return contracts.ErrMissingExecutionTime
	}
	headers, err := encodeHeaders(env)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO courier_incoming_envelopes
			(id, status, owner_id, execution_time, attempts, message_type, headers, body)
		VALUES ($1, $2, 0, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			owner_id = 0,
			execution_time = EXCLUDED.execution_time,
			attempts = GREATEST(courier_incoming_envelopes.attempts, EXCLUDED.attempts),
			headers = EXCLUDED.headers,
			body = EXCLUDED.body`,
		env.ID, statusScheduled, env.ScheduledTime.UTC(), env.Attempts, env.MessageType, headers, env.Data)
	return err
}

func (s *Store) DeleteIncoming(ctx context.Context, envs ...*contracts.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM courier_incoming_envelopes WHERE id = ANY($1)`, pq.Array(ids(envs)))
	if err != nil {
		return &persistence.StoreError{Op: "delete incoming", Err: err}
	}
	return nil
}

func (s *Store) IncrementAttempts(ctx context.Context, env *contracts.Envelope) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE courier_incoming_envelopes SET attempts = GREATEST(attempts, $2) WHERE id = $1`,
		env.ID, env.Attempts)
	if err != nil {
		return &persistence.StoreError{Op: "increment attempts", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &persistence.StoreError{Op: "increment attempts", Err: persistence.ErrNotFound}
	}
	return nil
}

func (s *Store) MoveToDeadLetter(ctx context.Context, env *contracts.Envelope, report *contracts.ErrorReport) error {
	if report == nil {
		report = contracts.NewErrorReport(env, nil)
	}
	headers, err := sonic.ConfigStd.Marshal(report.Headers)
	if err != nil {
		return &persistence.StoreError{Op: "move to dead letter", Err: err}
	}

	return s.inTx(ctx, "move to dead letter", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO courier_dead_letters
				(id, message_type, source, explanation, exception_type, exception_message, stack, headers, body, failed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`,
			report.ID, report.MessageType, report.Source, report.Explanation, report.ExceptionType,
			report.ExceptionMessage, report.Stack, headers, report.Data, report.Timestamp)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM courier_incoming_envelopes WHERE id = $1`, env.ID)
		return err
	})
}

func (s *Store) LoadReadyScheduled(ctx context.Context, now time.Time, nodeID, limit int) ([]*contracts.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE courier_incoming_envelopes SET status = $3, owner_id = $2
		WHERE id IN (
			SELECT id FROM courier_incoming_envelopes
			WHERE status = $4 AND execution_time <= $1
			ORDER BY execution_time
			FOR UPDATE SKIP LOCKED
			LIMIT $5
		)
		RETURNING `+incomingColumns,
		now.UTC(), nodeID, statusIncoming, statusScheduled, nullLimit(limit))
	if err != nil {
		return nil, &persistence.StoreError{Op: "load ready scheduled", Err: err}
	}
	envs, err := scanIncoming(rows)
	if err != nil {
		return nil, &persistence.StoreError{Op: "load ready scheduled", Err: err}
	}
	return envs, nil
}

func (s *Store) StoreOutgoing(ctx context.Context, env *contracts.Envelope, ownerID int) error {
	if err := storeOutgoing(ctx, s.db, env, ownerID); err != nil {
		return &persistence.StoreError{Op: "store outgoing", Err: err}
	}
	return nil
}

func storeOutgoing(ctx context.Context, db execer, env *contracts.Envelope, ownerID int) error {
	headers, err := encodeHeaders(env)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO courier_outgoing_envelopes
			(id, owner_id, destination, deliver_by, attempts, headers, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			destination = EXCLUDED.destination,
			deliver_by = EXCLUDED.deliver_by,
			attempts = GREATEST(courier_outgoing_envelopes.attempts, EXCLUDED.attempts),
			headers = EXCLUDED.headers,
			body = EXCLUDED.body`,
		env.ID, ownerID, env.Destination, nullTime(env.DeliverBy), env.Attempts, headers, env.Data)
	return err
}

func (s *Store) DeleteOutgoing(ctx context.Context, envs ...*contracts.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM courier_outgoing_envelopes WHERE id = ANY($1)`, pq.Array(ids(envs)))
	if err != nil {
		return &persistence.StoreError{Op: "delete outgoing", Err: err}
	}
	return nil
}

func (s *Store) ReassignOutgoing(ctx context.Context, ownerID int, envs ...*contracts.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE courier_outgoing_envelopes SET owner_id = $1 WHERE id = ANY($2)`, ownerID, pq.Array(ids(envs)))
	if err != nil {
		return &persistence.StoreError{Op: "reassign outgoing", Err: err}
	}
	return nil
}

func (s *Store) DiscardAndReassignOutgoing(ctx context.Context, discards, reassigned []*contracts.Envelope, ownerID int) error {
	return s.inTx(ctx, "discard and reassign outgoing", func(tx *sql.Tx) error {
		if len(discards) > 0 {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM courier_outgoing_envelopes WHERE id = ANY($1)`, pq.Array(ids(discards)))
			if err != nil {
				return err
			}
		}
		if len(reassigned) > 0 {
			_, err := tx.ExecContext(ctx,
				`UPDATE courier_outgoing_envelopes SET owner_id = $1 WHERE id = ANY($2)`, ownerID, pq.Array(ids(reassigned)))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ReleaseOwnership(ctx context.Context, nodeID int) error {
	return s.inTx(ctx, "release ownership", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE courier_incoming_envelopes SET owner_id = 0 WHERE owner_id = $1`, nodeID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE courier_outgoing_envelopes SET owner_id = 0 WHERE owner_id = $1`, nodeID)
		return err
	})
}

func (s *Store) ReleaseIncoming(ctx context.Context, envs ...*contracts.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE courier_incoming_envelopes SET owner_id = 0 WHERE id = ANY($1)`, pq.Array(ids(envs)))
	if err != nil {
		return &persistence.StoreError{Op: "release incoming", Err: err}
	}
	return nil
}

func (s *Store) Owners(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id FROM courier_incoming_envelopes WHERE owner_id <> 0 AND status = $1
		UNION
		SELECT owner_id FROM courier_outgoing_envelopes WHERE owner_id <> 0
		ORDER BY 1`, statusIncoming)
	if err != nil {
		return nil, &persistence.StoreError{Op: "owners", Err: err}
	}
	defer rows.Close()

	var owners []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, &persistence.StoreError{Op: "owners", Err: err}
		}
		owners = append(owners, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &persistence.StoreError{Op: "owners", Err: err}
	}
	return owners, nil
}

func (s *Store) ClaimIncoming(ctx context.Context, expectedOwner, newOwner, limit int) ([]*contracts.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE courier_incoming_envelopes SET owner_id = $2
		WHERE owner_id = $1 AND id IN (
			SELECT id FROM courier_incoming_envelopes
			WHERE owner_id = $1 AND status = $3
			ORDER BY received_at
			FOR UPDATE SKIP LOCKED
			LIMIT $4
		)
		RETURNING `+incomingColumns,
		expectedOwner, newOwner, statusIncoming, nullLimit(limit))
	if err != nil {
		return nil, &persistence.StoreError{Op: "claim incoming", Err: err}
	}
	envs, err := scanIncoming(rows)
	if err != nil {
		return nil, &persistence.StoreError{Op: "claim incoming", Err: err}
	}
	return envs, nil
}

func (s *Store) ClaimOutgoing(ctx context.Context, expectedOwner, newOwner, limit int) ([]*contracts.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE courier_outgoing_envelopes SET owner_id = $2
		WHERE owner_id = $1 AND id IN (
			SELECT id FROM courier_outgoing_envelopes
			WHERE owner_id = $1
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		RETURNING `+outgoingColumns,
		expectedOwner, newOwner, nullLimit(limit))
	if err != nil {
		return nil, &persistence.StoreError{Op: "claim outgoing", Err: err}
	}
	envs, err := scanOutgoing(rows)
	if err != nil {
		return nil, &persistence.StoreError{Op: "claim outgoing", Err: err}
	}
	return envs, nil
}

func (s *Store) AllIncoming(ctx context.Context) ([]*contracts.Envelope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+incomingColumns+` FROM courier_incoming_envelopes ORDER BY received_at`)
	if err != nil {
		return nil, &persistence.StoreError{Op: "all incoming", Err: err}
	}
	envs, err := scanIncoming(rows)
	if err != nil {
		return nil, &persistence.StoreError{Op: "all incoming", Err: err}
	}
	return envs, nil
}

func (s *Store) AllOutgoing(ctx context.Context) ([]*contracts.Envelope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outgoingColumns+` FROM courier_outgoing_envelopes ORDER BY created_at`)
	if err != nil {
		return nil, &persistence.StoreError{Op: "all outgoing", Err: err}
	}
	envs, err := scanOutgoing(rows)
	if err != nil {
		return nil, &persistence.StoreError{Op: "all outgoing", Err: err}
	}
	return envs, nil
}

func (s *Store) AllDeadLetters(ctx context.Context) ([]*contracts.ErrorReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_type, source, explanation, exception_type, exception_message, stack, headers, body, failed_at
		FROM courier_dead_letters ORDER BY failed_at`)
	if err != nil {
		return nil, &persistence.StoreError{Op: "all dead letters", Err: err}
	}
	defer rows.Close()

	var reports []*contracts.ErrorReport
	for rows.Next() {
		var (
			r       contracts.ErrorReport
			headers []byte
		)
		if err := rows.Scan(&r.ID, &r.MessageType, &r.Source, &r.Explanation, &r.ExceptionType,
			&r.ExceptionMessage, &r.Stack, &headers, &r.Data, &r.Timestamp); err != nil {
			return nil, &persistence.StoreError{Op: "all dead letters", Err: err}
		}
		if err := sonic.ConfigStd.Unmarshal(headers, &r.Headers); err != nil {
			return nil, &persistence.StoreError{Op: "all dead letters", Err: err}
		}
		reports = append(reports, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, &persistence.StoreError{Op: "all dead letters", Err: err}
	}
	return reports, nil
}

func (s *Store) GetPersistedCounts(ctx context.Context) (persistence.PersistedCounts, error) {
	var counts persistence.PersistedCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM courier_incoming_envelopes WHERE status <> $1),
			(SELECT count(*) FROM courier_incoming_envelopes WHERE status = $1),
			(SELECT count(*) FROM courier_outgoing_envelopes),
			(SELECT count(*) FROM courier_dead_letters)`, statusScheduled,
	).Scan(&counts.Incoming, &counts.Scheduled, &counts.Outgoing, &counts.DeadLetter)
	if err != nil {
		return counts, &persistence.StoreError{Op: "persisted counts", Err: err}
	}
	return counts, nil
}

func (s *Store) Clear(ctx context.Context) error {
	return s.inTx(ctx, "clear", func(tx *sql.Tx) error {
		for _, table := range []string{"courier_incoming_envelopes", "courier_outgoing_envelopes", "courier_dead_letters"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &persistence.StoreError{Op: op, Err: err}
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", "op", op, "error", rbErr)
		}
		return &persistence.StoreError{Op: op, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &persistence.StoreError{Op: op, Err: err}
	}
	return nil
}

func scanIncoming(rows *sql.Rows) ([]*contracts.Envelope, error) {
	defer rows.Close()

	var envs []*contracts.Envelope
	for rows.Next() {
		var (
			id, status string
			owner      int
			attempts   int
			headers    []byte
			body       []byte
		)
		if err := rows.Scan(&id, &status, &owner, &attempts, &headers, &body); err != nil {
			return nil, err
		}
		env, err := decodeEnvelope(id, headers, body)
		if err != nil {
			return nil, err
		}
		env.Status = contracts.Status(status)
		env.OwnerID = owner
		env.Attempts = attempts
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

func scanOutgoing(rows *sql.Rows) ([]*contracts.Envelope, error) {
	defer rows.Close()

	var envs []*contracts.Envelope
	for rows.Next() {
		var (
			id       string
			owner    int
			attempts int
			headers  []byte
			body     []byte
		)
		if err := rows.Scan(&id, &owner, &attempts, &headers, &body); err != nil {
			return nil, err
		}
		env, err := decodeEnvelope(id, headers, body)
		if err != nil {
			return nil, err
		}
		env.OwnerID = owner
		env.Attempts = attempts
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

func encodeHeaders(env *contracts.Envelope) ([]byte, error) {
	return sonic.ConfigStd.Marshal(contracts.ToHeaders(env))
}

func decodeEnvelope(id string, headers, body []byte) (*contracts.Envelope, error) {
	var h map[string]string
	if err := sonic.ConfigStd.Unmarshal(headers, &h); err != nil {
		return nil, fmt.Errorf("decode headers of %s: %w", id, err)
	}
	if h == nil {
		h = make(map[string]string)
	}
	h[contracts.HeaderID] = id
	return contracts.FromHeaders(h, body)
}

func ids(envs []*contracts.Envelope) []string {
	out := make([]string, len(envs))
	for i, env := range envs {
		out[i] = env.ID
	}
	return out
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// nullLimit maps a non-positive limit to LIMIT NULL, which Postgres treats
// as no limit
func nullLimit(limit int) sql.NullInt64 {
	if limit <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(limit), Valid: true}
}
