// Package cluster tracks which nodes are alive. Each node refreshes a
// lease; the durability agent treats rows owned by a node without a live
// lease as abandoned and claims them.
package cluster

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

var ErrInvalidNodeID = errors.New("cluster: node id must be positive")

// Registry stores node leases
type Registry interface {
	// Heartbeat creates or extends the lease of nodeID for ttl.
	Heartbeat(ctx context.Context, nodeID int, ttl time.Duration) error
	Alive(ctx context.Context, nodeID int) (bool, error)
	Deregister(ctx context.Context, nodeID int) error
	// NextNodeID hands out a cluster-unique positive node id.
	NextNodeID(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// MemoryRegistry is a single process Registry
type MemoryRegistry struct {
	mu     sync.Mutex
	leases map[int]time.Time
	seq    int
	now    func() time.Time
}

var _ Registry = (*MemoryRegistry)(nil)

// MemoryOption configures a MemoryRegistry
type MemoryOption func(*MemoryRegistry)

// WithClock overrides the time source
func WithClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRegistry) {
		r.now = now
	}
}

// NewMemoryRegistry creates an empty registry
func NewMemoryRegistry(opts ...MemoryOption) *MemoryRegistry {
	r := &MemoryRegistry{
		leases: make(map[int]time.Time),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MemoryRegistry) Heartbeat(ctx context.Context, nodeID int, ttl time.Duration) error {
	if nodeID <= 0 {
		return ErrInvalidNodeID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leases[nodeID] = r.now().Add(ttl)
	return nil
}

func (r *MemoryRegistry) Alive(ctx context.Context, nodeID int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expires, ok := r.leases[nodeID]
	return ok && r.now().Before(expires), nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, nodeID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.leases, nodeID)
	return nil
}

func (r *MemoryRegistry) NextNodeID(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq, nil
}

func (r *MemoryRegistry) Ping(ctx context.Context) error {
	return nil
}

func nodeKey(prefix string, nodeID int) string {
	return prefix + "node:" + strconv.Itoa(nodeID)
}
