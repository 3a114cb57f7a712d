package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/internal/reliability"
	"github.com/glimte/courier-go/persistence"
)

// ErrNoReplyAddress is returned by Respond when the incoming envelope has
// no reply URI
var ErrNoReplyAddress = errors.New("messaging: envelope has no reply address")

type contextKey struct{}

// ContextWith returns a context carrying mc
func ContextWith(ctx context.Context, mc *MessageContext) context.Context {
	return context.WithValue(ctx, contextKey{}, mc)
}

// FromContext returns the MessageContext bound to ctx, if any
func FromContext(ctx context.Context) (*MessageContext, bool) {
	mc, ok := ctx.Value(contextKey{}).(*MessageContext)
	return mc, ok
}

// MessageContext is the unit of work around one handled envelope or one
// batch of sends from application code. Messages sent through it are held
// in its outbox until the work succeeds.
type MessageContext struct {
	runtime   *Runtime
	envelope  *contracts.Envelope
	outbox    *Outbox
	pauser    reliability.Pauser
	autoFlush bool
}

func newMessageContext(rt *Runtime, env *contracts.Envelope) *MessageContext {
	return &MessageContext{
		runtime:   rt,
		envelope:  env,
		outbox:    newOutbox(rt),
		autoFlush: env == nil,
	}
}

// Envelope returns the envelope being handled, nil outside a handler
func (mc *MessageContext) Envelope() *contracts.Envelope {
	return mc.envelope
}

// Outbox returns the context's outbox
func (mc *MessageContext) Outbox() *Outbox {
	return mc.outbox
}

func (mc *MessageContext) logger() *slog.Logger {
	return mc.runtime.logger
}

// EnlistInOutbox binds the context to a storage transaction. Durable
// envelopes are written through tx as they are sent and go out after
// FlushOutgoing commits it.
func (mc *MessageContext) EnlistInOutbox(tx persistence.Tx) {
	mc.outbox.EnlistTx(tx)
}

// Enlist adds an already routed envelope to the outbox
func (mc *MessageContext) Enlist(ctx context.Context, env *contracts.Envelope) error {
	return mc.outbox.Enlist(ctx, env)
}

// FlushOutgoing sends everything the context has buffered
func (mc *MessageContext) FlushOutgoing(ctx context.Context) error {
	return mc.outbox.Flush(ctx)
}

// Rollback discards buffered envelopes
func (mc *MessageContext) Rollback(ctx context.Context) error {
	return mc.outbox.Rollback(ctx)
}

// Outstanding returns the buffered envelopes
func (mc *MessageContext) Outstanding() []*contracts.Envelope {
	return mc.outbox.Outstanding()
}

// Send routes msg by its type, or by the options, and enlists the result
func (mc *MessageContext) Send(ctx context.Context, msg any, opts ...SendOption) error {
	return mc.send(ctx, msg, buildDeliveryOptions(opts), true)
}

// Publish is Send without the requirement that anyone subscribes
func (mc *MessageContext) Publish(ctx context.Context, msg any, opts ...SendOption) error {
	return mc.send(ctx, msg, buildDeliveryOptions(opts), false)
}

// SendToEndpoint sends msg to the named endpoint
func (mc *MessageContext) SendToEndpoint(ctx context.Context, name string, msg any, opts ...SendOption) error {
	o := buildDeliveryOptions(opts)
	o.EndpointName = name
	return mc.send(ctx, msg, o, true)
}

// SendToDestination sends msg to an explicit URI
func (mc *MessageContext) SendToDestination(ctx context.Context, uri string, msg any, opts ...SendOption) error {
	o := buildDeliveryOptions(opts)
	o.Destination = uri
	return mc.send(ctx, msg, o, true)
}

// SendToTopic sends msg to every endpoint routed for topic
func (mc *MessageContext) SendToTopic(ctx context.Context, topic string, msg any, opts ...SendOption) error {
	o := buildDeliveryOptions(opts)
	o.TopicName = topic
	return mc.send(ctx, msg, o, true)
}

// Schedule sends msg for execution at the given time
func (mc *MessageContext) Schedule(ctx context.Context, msg any, at time.Time, opts ...SendOption) error {
	o := buildDeliveryOptions(opts)
	o.ScheduledAt = &at
	return mc.send(ctx, msg, o, true)
}

// ScheduleDelayed sends msg for execution after delay
func (mc *MessageContext) ScheduleDelayed(ctx context.Context, msg any, delay time.Duration, opts ...SendOption) error {
	return mc.Schedule(ctx, msg, mc.runtime.now().Add(delay), opts...)
}

// Respond sends msg to the reply address of the envelope being handled
func (mc *MessageContext) Respond(ctx context.Context, msg any, opts ...SendOption) error {
	if mc.envelope == nil || mc.envelope.ReplyURI == "" {
		return ErrNoReplyAddress
	}
	return mc.SendToDestination(ctx, mc.envelope.ReplyURI, msg, opts...)
}

// SendAcknowledgement tells the sender its envelope was handled
func (mc *MessageContext) SendAcknowledgement(ctx context.Context) error {
	if mc.envelope == nil || mc.envelope.ReplyURI == "" {
		return ErrNoReplyAddress
	}
	ack := contracts.Acknowledgement{CorrelationID: mc.envelope.ID}
	return mc.sendNow(ctx, mc.envelope.ReplyURI, ack)
}

// SendFailureAcknowledgement tells the sender its envelope failed
func (mc *MessageContext) SendFailureAcknowledgement(ctx context.Context, message string) error {
	if mc.envelope == nil || mc.envelope.ReplyURI == "" {
		return ErrNoReplyAddress
	}
	ack := contracts.FailureAcknowledgement{CorrelationID: mc.envelope.ID, Message: message}
	return mc.sendNow(ctx, mc.envelope.ReplyURI, ack)
}

func (mc *MessageContext) sendNow(ctx context.Context, uri string, msg any) error {
	envs, err := mc.build(ctx, msg, &DeliveryOptions{Destination: uri})
	if err != nil {
		return err
	}
	for _, env := range envs {
		if err := mc.outbox.Enlist(ctx, env); err != nil {
			return err
		}
	}
	return mc.outbox.Flush(ctx)
}

func (mc *MessageContext) send(ctx context.Context, msg any, opts *DeliveryOptions, requireRoute bool) error {
	envs, err := mc.build(ctx, msg, opts)
	if err != nil {
		var noRoutes *contracts.NoRoutesError
		if !requireRoute && errors.As(err, &noRoutes) {
			mc.logger().Debug("no subscribers for published message", "messageType", noRoutes.MessageType)
			return nil
		}
		return err
	}

	for _, env := range envs {
		if err := mc.outbox.Enlist(ctx, env); err != nil {
			return err
		}
		mc.runtime.metrics.EnvelopeSent(env.Destination, env.MessageType)
	}

	if mc.autoFlush && !mc.outbox.HasTx() {
		return mc.outbox.Flush(ctx)
	}
	return nil
}

// build creates the envelope for msg, correlated with the envelope being
// handled, and routes it
func (mc *MessageContext) build(ctx context.Context, msg any, opts *DeliveryOptions) ([]*contracts.Envelope, error) {
	rt := mc.runtime

	var env *contracts.Envelope
	if mc.envelope != nil {
		env = mc.envelope.ForSend(msg, rt.serviceName)
	} else {
		env = contracts.NewEnvelope(msg)
		env.Source = rt.serviceName
		env.CorrelationID = env.ID
	}
	if opts.ContentType != "" {
		env.ContentType = opts.ContentType
	}
	if err := rt.codec.Write(env); err != nil {
		return nil, err
	}
	injectTrace(ctx, env)

	return rt.router.Route(env, opts)
}
