package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool manages a pool of AMQP channels used for publishing and
// topology changes.
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	minSize     int
	idleTimeout time.Duration
	getTimeout  time.Duration
	logger      *slog.Logger

	mu          sync.Mutex
	closed      bool
	activeCount int
	done        chan struct{}
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	lastUsed time.Time
	id       string

	// set once the channel is in confirm mode
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
}

// ID identifies the channel in logs and errors
func (pc *PooledChannel) ID() string { return pc.id }

// enableConfirms puts the channel in confirm mode once. Confirmations of a
// pooled channel arrive in publish order because only one caller holds it.
func (pc *PooledChannel) enableConfirms() error {
	if pc.confirms != nil {
		return nil
	}
	if err := pc.Confirm(false); err != nil {
		return err
	}
	pc.confirms = pc.NotifyPublish(make(chan amqp.Confirmation, 1))
	pc.returns = pc.NotifyReturn(make(chan amqp.Return, 1))
	return nil
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets the minimum pool size
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithIdleTimeout sets the idle timeout for channels
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// WithGetTimeout bounds how long Get waits for a free channel once the pool
// is at its maximum size.
func WithGetTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.getTimeout = timeout
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a new channel pool
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		minSize:     2,
		idleTimeout: 5 * time.Minute,
		getTimeout:  5 * time.Second,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)

	for i := 0; i < pool.minSize; i++ {
		ch, err := pool.createChannel()
		if err != nil {
			_ = pool.Close()
			return nil, &ChannelError{
				Op:        "pool initialization",
				ChannelID: fmt.Sprintf("init-%d", i),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		pool.channels <- ch
	}

	go pool.cleanupIdle()

	return pool, nil
}

// Get retrieves a channel from the pool, opening a new one while the pool
// is below its maximum size.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	if cp.isClosed() {
		return nil, ErrChannelPoolClosed
	}

	select {
	case ch := <-cp.channels:
		return cp.checkout(ctx, ch)
	default:
	}

	if cp.reserve() {
		ch, err := cp.open(ctx)
		if err != nil {
			cp.release()
			return nil, err
		}
		return ch, nil
	}

	timer := time.NewTimer(cp.getTimeout)
	defer timer.Stop()

	select {
	case ch := <-cp.channels:
		return cp.checkout(ctx, ch)
	case <-ctx.Done():
		return nil, &ChannelError{
			Op:        "get channel",
			ChannelID: "pool",
			Err:       ctx.Err(),
			Timestamp: time.Now(),
		}
	case <-timer.C:
		return nil, &ChannelError{
			Op:        "get channel",
			ChannelID: "pool",
			Err:       ErrChannelPoolExhausted,
			Timestamp: time.Now(),
		}
	}
}

// checkout replaces a pooled channel the broker closed in the meantime
func (cp *ChannelPool) checkout(ctx context.Context, ch *PooledChannel) (*PooledChannel, error) {
	if ch == nil {
		return nil, ErrChannelPoolClosed
	}
	if !ch.IsClosed() {
		ch.lastUsed = time.Now()
		return ch, nil
	}

	cp.logger.Debug("replacing closed channel", "channelId", ch.id)
	fresh, err := cp.open(ctx)
	if err != nil {
		cp.release()
		return nil, err
	}
	return fresh, nil
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	if cp.isClosed() || ch.IsClosed() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
		cp.release()
		return
	}

	ch.lastUsed = time.Now()

	select {
	case cp.channels <- ch:
	default:
		_ = ch.Close()
		cp.release()
	}
}

// Close closes all channels in the pool
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.done)
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			if !ch.IsClosed() {
				_ = ch.Close()
			}
			cp.release()
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) isClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}

// reserve claims a slot for a new channel
func (cp *ChannelPool) reserve() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.activeCount >= cp.maxSize {
		return false
	}
	cp.activeCount++
	return true
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.activeCount > 0 {
		cp.activeCount--
	}
}

func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	if !cp.reserve() {
		return nil, ErrChannelPoolExhausted
	}
	ch, err := cp.open(context.Background())
	if err != nil {
		cp.release()
		return nil, err
	}
	return ch, nil
}

// open dials a channel for a slot that is already reserved
func (cp *ChannelPool) open(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	return &PooledChannel{
		Channel:  ch,
		lastUsed: time.Now(),
		id:       uuid.NewString(),
	}, nil
}

// cleanupIdle closes channels unused for longer than the idle timeout while
// keeping at least the minimum pool size.
func (cp *ChannelPool) cleanupIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cp.done:
			return
		case <-ticker.C:
			cp.evictIdle(time.Now().Add(-cp.idleTimeout))
		}
	}
}

func (cp *ChannelPool) evictIdle(cutoff time.Time) {
	var keep []*PooledChannel

drain:
	for {
		select {
		case ch := <-cp.channels:
			if ch.lastUsed.Before(cutoff) && cp.Size() > cp.minSize {
				_ = ch.Close()
				cp.release()
				cp.logger.Debug("closed idle channel", "channelId", ch.id)
				continue
			}
			keep = append(keep, ch)
		default:
			break drain
		}
	}

	for _, ch := range keep {
		cp.Put(ch)
	}
}

// Size returns the current number of open channels, idle or checked out
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Execute runs a function with a channel from the pool
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch.Channel)
	}()

	return execErr
}
