package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// PublishMessage is one message bound for an exchange
type PublishMessage struct {
	Exchange   string
	RoutingKey string
	// Mandatory makes unroutable messages fail instead of vanishing
	Mandatory bool
	Message   amqp.Publishing
}

// Publisher publishes messages with publisher confirms
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout bounds a whole Publish call, retries included, when the
// caller's context has no deadline.
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishRetries sets the maximum number of publish retries
func WithPublishRetries(retries int, delay time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
		p.retryDelay = delay
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		maxRetries:     2,
		retryDelay:     200 * time.Millisecond,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes msg and waits for the broker to confirm it
func (p *Publisher) Publish(ctx context.Context, msg PublishMessage) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.retryDelay
	policy.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := p.publishWithConfirm(ctx, msg)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		p.logger.Debug("publish failed, retrying",
			"exchange", msg.Exchange,
			"routingKey", msg.RoutingKey,
			"attempt", attempt,
			"error", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(p.maxRetries)), ctx))
	if err != nil {
		return &PublishError{
			Exchange:   msg.Exchange,
			RoutingKey: msg.RoutingKey,
			Mandatory:  msg.Mandatory,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

func (p *Publisher) publishWithConfirm(ctx context.Context, msg PublishMessage) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer p.pool.Put(ch)

	if err := ch.enableConfirms(); err != nil {
		return fmt.Errorf("failed to enable confirms: %w", err)
	}

	if err := ch.PublishWithContext(
		ctx,
		msg.Exchange,
		msg.RoutingKey,
		msg.Mandatory,
		false, // immediate
		msg.Message,
	); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-ch.confirms:
		if !ok {
			return ErrChannelClosed
		}
		if !confirm.Ack {
			return ErrPublishNotConfirmed
		}
		// a basic.return always precedes the ack of the same message
		select {
		case ret := <-ch.returns:
			return fmt.Errorf("%w: %s", ErrMandatoryFailed, ret.ReplyText)
		default:
		}
		return nil

	case <-timer.C:
		// the late confirm would be read by the next publisher
		_ = ch.Close()
		return ErrPublishTimeout

	case <-ctx.Done():
		_ = ch.Close()
		return ctx.Err()
	}
}
