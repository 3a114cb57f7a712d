package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "courier:"

// RedisRegistry keeps leases as expiring redis keys
type RedisRegistry struct {
	client redis.UniversalClient
	prefix string
}

var _ Registry = (*RedisRegistry)(nil)

// RedisOption configures a RedisRegistry
type RedisOption func(*RedisRegistry)

// WithKeyPrefix namespaces the lease keys
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisRegistry) {
		r.prefix = prefix
	}
}

// NewRedisRegistry creates a registry on client
func NewRedisRegistry(client redis.UniversalClient, opts ...RedisOption) *RedisRegistry {
	r := &RedisRegistry{
		client: client,
		prefix: defaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisRegistry) Heartbeat(ctx context.Context, nodeID int, ttl time.Duration) error {
	if nodeID <= 0 {
		return ErrInvalidNodeID
	}
	if err := r.client.Set(ctx, nodeKey(r.prefix, nodeID), time.Now().UTC().Format(time.RFC3339Nano), ttl).Err(); err != nil {
		return fmt.Errorf("cluster: heartbeat node %d: %w", nodeID, err)
	}
	return nil
}

func (r *RedisRegistry) Alive(ctx context.Context, nodeID int) (bool, error) {
	n, err := r.client.Exists(ctx, nodeKey(r.prefix, nodeID)).Result()
	if err != nil {
		return false, fmt.Errorf("cluster: check node %d: %w", nodeID, err)
	}
	return n > 0, nil
}

func (r *RedisRegistry) Deregister(ctx context.Context, nodeID int) error {
	if err := r.client.Del(ctx, nodeKey(r.prefix, nodeID)).Err(); err != nil {
		return fmt.Errorf("cluster: deregister node %d: %w", nodeID, err)
	}
	return nil
}

func (r *RedisRegistry) NextNodeID(ctx context.Context) (int, error) {
	id, err := r.client.Incr(ctx, r.prefix+"node-seq").Result()
	if err != nil {
		return 0, fmt.Errorf("cluster: next node id: %w", err)
	}
	return int(id), nil
}

func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
