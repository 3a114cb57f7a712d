package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns one AMQP connection and re-dials it after the
// broker drops it.
type ConnectionManager struct {
	url            string
	dialTimeout    time.Duration
	reconnectDelay time.Duration
	maxReconnect   time.Duration
	maxRetries     int
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	notifyClose chan *amqp.Error
	isConnected bool
	done        chan struct{}
	closeOnce   sync.Once

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener

	dial func(url string, timeout time.Duration) (*amqp.Connection, error)
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the first reconnection delay. Later attempts back
// off exponentially up to WithMaxReconnectDelay.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxReconnectDelay caps the reconnection backoff
func WithMaxReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxReconnect = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts. Zero or
// less retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds each dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dialTimeout:    30 * time.Second,
		reconnectDelay: time.Second,
		maxReconnect:   time.Minute,
		logger:         slog.Default(),
		done:           make(chan struct{}),
		dial:           dialAMQP,
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

func dialAMQP(url string, timeout time.Duration) (*amqp.Connection, error) {
	return amqp.DialConfig(url, amqp.Config{
		Dial:       amqp.DefaultDial(timeout),
		Heartbeat:  10 * time.Second,
		Properties: amqp.Table{"connection_name": "courier"},
	})
}

// URL returns the broker address with the password removed
func (cm *ConnectionManager) URL() string {
	return SanitizeURL(cm.url)
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	select {
	case <-cm.done:
		return ErrConnectionClosed
	default:
	}
	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       cm.URL(),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
	cm.attach(conn)

	cm.logger.Info("connected to RabbitMQ", "url", cm.URL())
	cm.notifyConnected()

	go cm.handleReconnect(cm.notifyClose)
	return nil
}

func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	type result struct {
		conn *amqp.Connection
		err  error
	}
	out := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url, cm.dialTimeout)
		out <- result{conn, err}
	}()

	select {
	case r := <-out:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-out; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// attach must be called with cm.mu held
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// Channel opens a channel outside the pool. Consumers use dedicated
// channels so their prefetch and unacked deliveries stay isolated.
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			ChannelID: "dedicated",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		close(cm.done)

		cm.mu.Lock()
		defer cm.mu.Unlock()
		cm.isConnected = false
		if cm.conn != nil {
			err = cm.conn.Close()
			cm.conn = nil
		}
	})
	return err
}

// handleReconnect waits for the connection behind notify to drop and dials
// again.
func (cm *ConnectionManager) handleReconnect(notify chan *amqp.Error) {
	select {
	case err, ok := <-notify:
		select {
		case <-cm.done:
			return
		default:
		}

		var cause error
		if ok && err != nil {
			cause = err
			cm.logger.Error("connection closed", "error", err)
		}

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.notifyDisconnected(cause)
		cm.reconnect()

	case <-cm.done:
		cm.logger.Info("connection manager shutting down")
	}
}

func (cm *ConnectionManager) reconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cm.reconnectDelay
	b.MaxInterval = cm.maxReconnect
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = b
	if cm.maxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(cm.maxRetries-1))
	}
	return policy
}

func (cm *ConnectionManager) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	started := time.Now()
	attempt := 0
	op := func() error {
		attempt++
		cm.logger.Info("attempting to reconnect", "attempt", attempt, "maxRetries", cm.maxRetries)
		cm.notifyReconnecting(attempt)

		dialCtx, cancelDial := context.WithTimeout(ctx, cm.dialTimeout)
		defer cancelDial()
		conn, err := cm.dialContext(dialCtx)
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt)
			return err
		}

		cm.mu.Lock()
		select {
		case <-cm.done:
			cm.mu.Unlock()
			_ = conn.Close()
			return backoff.Permanent(ErrConnectionClosed)
		default:
		}
		cm.attach(conn)
		notify := cm.notifyClose
		cm.mu.Unlock()

		go cm.handleReconnect(notify)
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(cm.reconnectBackOff(), ctx))
	switch {
	case err == nil:
		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt,
			"duration", time.Since(started))
		cm.notifyConnected()
	case ctx.Err() != nil:
		// closed while reconnecting
	default:
		cm.logger.Error("max reconnection attempts reached",
			"attempts", attempt,
			"duration", time.Since(started))
		cm.notifyDisconnected(&ConnectionError{
			Op:        "reconnect",
			URL:       cm.URL(),
			Err:       ErrMaxRetriesExceeded,
			Timestamp: time.Now(),
			Attempts:  attempt,
		})
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		go listener.OnReconnecting(attempt)
	}
}
