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

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// AcknowledgmentStrategy defines how deliveries are acknowledged
type AcknowledgmentStrategy int

const (
	// AckOnSuccess acks when the handler returns nil and requeues otherwise
	AckOnSuccess AcknowledgmentStrategy = iota
	// AckManual leaves acknowledgment to the handler's owner
	AckManual
)

// Consumer opens subscriptions on dedicated channels
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	strategy      AcknowledgmentStrategy
	exclusive     bool
	logger        *slog.Logger

	active sync.Map // consumer tag -> *Subscription
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAckStrategy selects who acknowledges deliveries
func WithAckStrategy(strategy AcknowledgmentStrategy) ConsumerOption {
	return func(c *Consumer) {
		c.strategy = strategy
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 10,
		strategy:      AckOnSuccess,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscription is one running basic.consume
type Subscription struct {
	Queue       string
	ConsumerTag string

	channel   *amqp.Channel
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Done is closed when the subscription stops receiving, either because it
// was cancelled or because the broker closed the channel.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Channel returns the channel deliveries arrive on. Manual acks go through
// the delivery itself.
func (s *Subscription) Channel() *amqp.Channel { return s.channel }

// Cancel stops consuming and waits for the delivery loop to exit. The
// channel stays open so in-flight deliveries can still be acknowledged.
func (s *Subscription) Cancel() error {
	var err error
	if !s.channel.IsClosed() {
		err = s.channel.Cancel(s.ConsumerTag, false)
	}
	s.cancel()
	<-s.done
	return err
}

// Close closes the channel. Unacknowledged deliveries return to the queue.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if !s.channel.IsClosed() {
			err = s.channel.Close()
		}
	})
	return err
}

// Subscribe starts consuming messages from a queue
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) (*Subscription, error) {
	tag := "courier-" + uuid.NewString()

	ch, err := c.manager.Channel()
	if err != nil {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "subscribe",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		c.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		Queue:       queue,
		ConsumerTag: tag,
		channel:     ch,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	c.active.Store(tag, sub)

	go c.processMessages(consumerCtx, sub, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
	)

	return sub, nil
}

func (c *Consumer) processMessages(ctx context.Context, sub *Subscription, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		close(sub.done)
		c.active.Delete(sub.ConsumerTag)
		if c.strategy == AckOnSuccess {
			_ = sub.Close()
		}
		c.logger.Info("consumer stopped", "queue", sub.Queue, "consumerTag", sub.ConsumerTag)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.Queue)
				return
			}

			if err := c.handleMessage(ctx, delivery, handler); err != nil {
				c.logger.Error("failed to handle message",
					"error", err,
					"queue", sub.Queue,
					"messageId", delivery.MessageId,
				)
			}
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) error {
	err := handler(ctx, delivery)

	if c.strategy != AckOnSuccess {
		return err
	}
	if err != nil {
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message",
				"error", nackErr,
				"originalError", err,
			)
		}
		return err
	}
	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "error", ackErr)
	}
	return nil
}

// ActiveSubscriptions returns the queues currently consumed
func (c *Consumer) ActiveSubscriptions() []string {
	var queues []string
	c.active.Range(func(_, value any) bool {
		queues = append(queues, value.(*Subscription).Queue)
		return true
	})
	return queues
}

// CancelAll stops every active subscription and closes its channel
func (c *Consumer) CancelAll() {
	var wg sync.WaitGroup
	c.active.Range(func(_, value any) bool {
		sub := value.(*Subscription)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sub.Cancel(); err != nil {
				c.logger.Error("failed to cancel consumer", "queue", sub.Queue, "error", err)
			}
			_ = sub.Close()
		}()
		return true
	})
	wg.Wait()
}
