package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/internal/rabbitmq"
	"github.com/glimte/courier-go/messaging"
)

// Sender publishes to one queue or exchange
type Sender struct {
	transport *Transport
	uri       string
	addr      Address
}

var _ messaging.Sender = (*Sender)(nil)

func (s *Sender) Destination() string { return s.uri }

// Send publishes env and returns once the broker confirmed it. Queue
// addresses publish as mandatory, so a missing queue fails the send.
func (s *Sender) Send(ctx context.Context, env *contracts.Envelope) error {
	sess, err := s.transport.connect(ctx)
	if err != nil {
		return fmt.Errorf("send to %s: %w", s.uri, err)
	}
	if err := s.transport.provision(ctx, sess, s.addr); err != nil {
		return fmt.Errorf("send to %s: %w", s.uri, err)
	}

	msg := rabbitmq.PublishMessage{
		Exchange:   s.addr.Exchange,
		RoutingKey: s.addr.RoutingKeyFor(env),
		Mandatory:  s.addr.IsQueue(),
		Message:    toPublishing(env, time.Now()),
	}
	if err := sess.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("send to %s: %w", s.uri, err)
	}
	return nil
}

// Ping checks the connection and that the target queue or exchange exists
func (s *Sender) Ping(ctx context.Context) error {
	sess, err := s.transport.connect(ctx)
	if err != nil {
		return err
	}
	if !sess.manager.IsConnected() {
		return ErrNotConnected
	}
	if err := s.transport.provision(ctx, sess, s.addr); err != nil {
		return err
	}
	if s.addr.IsQueue() {
		_, err = sess.topology.InspectQueue(ctx, s.addr.Queue)
		return err
	}
	return sess.topology.InspectExchange(ctx, s.addr.Exchange)
}

func (s *Sender) Close() error { return nil }
