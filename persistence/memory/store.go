// Package memory is an in-process persistence.Store. It keeps the same
// ownership and claim semantics as the database backends, which makes it
// suitable for tests and for single node deployments that accept losing
// state on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/persistence"
)

type row struct {
	env *contracts.Envelope
	seq uint64
}

// Store implements persistence.Store in memory
type Store struct {
	mu          sync.Mutex
	seq         uint64
	incoming    map[string]*row
	outgoing    map[string]*row
	deadLetters map[string]*contracts.ErrorReport
}

var (
	_ persistence.Store         = (*Store)(nil)
	_ persistence.Transactional = (*Store)(nil)
	_ persistence.Admin         = (*Store)(nil)
)

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		incoming:    make(map[string]*row),
		outgoing:    make(map[string]*row),
		deadLetters: make(map[string]*contracts.ErrorReport),
	}
}

func (s *Store) next() uint64 {
	s.seq++
	return s.seq
}

func (s *Store) StoreIncoming(ctx context.Context, envs ...*contracts.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, env := range envs {
		if err := env.Validate(); err != nil {
			return &persistence.StoreError{Op: "store incoming", Err: err}
		}
	}
	duplicates := 0
	for _, env := range envs {
		if _, exists := s.incoming[env.ID]; exists {
			duplicates++
			continue
		}
		c := env.Clone()
		if c.Status == "" {
			c.Status = contracts.StatusIncoming
		}
		s.incoming[env.ID] = &row{env: c, seq: s.next()}
	}
	if duplicates > 0 {
		return &persistence.StoreError{Op: "store incoming", Err: persistence.ErrDuplicateIncoming}
	}
	return nil
}

func (s *Store) ScheduleJob(ctx context.Context, env *contracts.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduleLocked(env)
}

func (s *Store) scheduleLocked(env *contracts.Envelope) error {
	if env.ScheduledTime == nil {
		return &persistence.StoreError{Op: "schedule job", Err: contracts.ErrMissingExecutionTime}
	}
	c := env.Clone()
	c.Status = contracts.StatusScheduled
	c.OwnerID = contracts.AnyNode

	if existing, ok := s.incoming[env.ID]; ok {
		c.RecordAttempt(existing.env.Attempts)
		existing.env = c
		return nil
	}
	s.incoming[env.ID] = &row{env: c, seq: s.next()}
	return nil
}

func (s *Store) DeleteIncoming(ctx context.Context, envs ...*contracts.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, env := range envs {
		delete(s.incoming, env.ID)
	}
	return nil
}

func (s *Store) IncrementAttempts(ctx context.Context, env *contracts.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.incoming[env.ID]
	if !ok {
		return &persistence.StoreError{Op: "increment attempts", Err: persistence.ErrNotFound}
	}
	r.env.RecordAttempt(env.Attempts)
	return nil
}

func (s *Store) MoveToDeadLetter(ctx context.Context, env *contracts.Envelope, report *contracts.ErrorReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if report == nil {
		report = contracts.NewErrorReport(env, nil)
	}
	s.deadLetters[env.ID] = report
	delete(s.incoming, env.ID)
	return nil
}

func (s *Store) LoadReadyScheduled(ctx context.Context, now time.Time, nodeID, limit int) ([]*contracts.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*row
	for _, r := range s.incoming {
		if r.env.IsScheduledReady(now) {
			ready = append(ready, r)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].env.ScheduledTime.Before(*ready[j].env.ScheduledTime)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]*contracts.Envelope, 0, len(ready))
	for _, r := range ready {
		r.env.MarkIncoming()
		r.env.OwnerID = nodeID
		out = append(out, r.env.Clone())
	}
	return out, nil
}

func (s *Store) StoreOutgoing(ctx context.Context, env *contracts.Envelope, ownerID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeOutgoingLocked(env, ownerID)
	return nil
}

func (s *Store) storeOutgoingLocked(env *contracts.Envelope, ownerID int) {
	c := env.Clone()
	c.OwnerID = ownerID
	if existing, ok := s.outgoing[env.ID]; ok {
		existing.env = c
		return
	}
	s.outgoing[env.ID] = &row{env: c, seq: s.next()}
}

func (s *Store) DeleteOutgoing(ctx context.Context, envs ...*contracts.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, env := range envs {
		delete(s.outgoing, env.ID)
	}
	return nil
}

func (s *Store) ReassignOutgoing(ctx context.Context, ownerID int, envs ...*contracts.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, env := range envs {
		if r, ok := s.outgoing[env.ID]; ok {
			r.env.OwnerID = ownerID
		}
	}
	return nil
}

func (s *Store) DiscardAndReassignOutgoing(ctx context.Context, discards, reassigned []*contracts.Envelope, ownerID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, env := range discards {
		delete(s.outgoing, env.ID)
	}
	for _, env := range reassigned {
		if r, ok := s.outgoing[env.ID]; ok {
			r.env.OwnerID = ownerID
		}
	}
	return nil
}

func (s *Store) ReleaseOwnership(ctx context.Context, nodeID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.incoming {
		if r.env.OwnerID == nodeID {
			r.env.OwnerID = contracts.AnyNode
		}
	}
	for _, r := range s.outgoing {
		if r.env.OwnerID == nodeID {
			r.env.OwnerID = contracts.AnyNode
		}
	}
	return nil
}

func (s *Store) ReleaseIncoming(ctx context.Context, envs ...*contracts.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, env := range envs {
		if r, ok := s.incoming[env.ID]; ok {
			r.env.OwnerID = contracts.AnyNode
		}
	}
	return nil
}

func (s *Store) Owners(ctx context.Context) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int]bool)
	for _, r := range s.incoming {
		if r.env.Status == contracts.StatusIncoming && r.env.OwnerID != contracts.AnyNode {
			seen[r.env.OwnerID] = true
		}
	}
	for _, r := range s.outgoing {
		if r.env.OwnerID != contracts.AnyNode {
			seen[r.env.OwnerID] = true
		}
	}

	owners := make([]int, 0, len(seen))
	for id := range seen {
		owners = append(owners, id)
	}
	sort.Ints(owners)
	return owners, nil
}

func (s *Store) ClaimIncoming(ctx context.Context, expectedOwner, newOwner, limit int) ([]*contracts.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return claim(s.incoming, func(e *contracts.Envelope) bool {
		return e.Status == contracts.StatusIncoming && e.OwnerID == expectedOwner
	}, newOwner, limit), nil
}

func (s *Store) ClaimOutgoing(ctx context.Context, expectedOwner, newOwner, limit int) ([]*contracts.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return claim(s.outgoing, func(e *contracts.Envelope) bool {
		return e.OwnerID == expectedOwner
	}, newOwner, limit), nil
}

func claim(rows map[string]*row, match func(*contracts.Envelope) bool, newOwner, limit int) []*contracts.Envelope {
	var matched []*row
	for _, r := range rows {
		if match(r.env) {
			matched = append(matched, r)
		}
	}
	sortRows(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*contracts.Envelope, 0, len(matched))
	for _, r := range matched {
		r.env.OwnerID = newOwner
		out = append(out, r.env.Clone())
	}
	return out
}

func (s *Store) AllIncoming(ctx context.Context) ([]*contracts.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.incoming), nil
}

func (s *Store) AllOutgoing(ctx context.Context) ([]*contracts.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.outgoing), nil
}

func (s *Store) AllDeadLetters(ctx context.Context) ([]*contracts.ErrorReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reports := make([]*contracts.ErrorReport, 0, len(s.deadLetters))
	for _, r := range s.deadLetters {
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Timestamp.Before(reports[j].Timestamp)
	})
	return reports, nil
}

func (s *Store) GetPersistedCounts(ctx context.Context) (persistence.PersistedCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts persistence.PersistedCounts
	for _, r := range s.incoming {
		if r.env.Status == contracts.StatusScheduled {
			counts.Scheduled++
		} else {
			counts.Incoming++
		}
	}
	counts.Outgoing = len(s.outgoing)
	counts.DeadLetter = len(s.deadLetters)
	return counts, nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.incoming = make(map[string]*row)
	s.outgoing = make(map[string]*row)
	s.deadLetters = make(map[string]*contracts.ErrorReport)
	return nil
}

// Migrate is a no-op; there is no schema
func (s *Store) Migrate(ctx context.Context) error { return nil }

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error { return nil }

func snapshot(rows map[string]*row) []*contracts.Envelope {
	list := make([]*row, 0, len(rows))
	for _, r := range rows {
		list = append(list, r)
	}
	sortRows(list)

	out := make([]*contracts.Envelope, 0, len(list))
	for _, r := range list {
		out = append(out, r.env.Clone())
	}
	return out
}

func sortRows(rows []*row) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
}
