package messaging

import (
	"context"

	"github.com/glimte/courier-go/contracts"
)

// Transport connects the engine to one broker technology. Endpoints whose
// URI scheme matches Scheme are served by it.
type Transport interface {
	Scheme() string
	// Listener creates a fresh listener for endpoint. A stopped listener is
	// not restarted; the listening agent asks for a new one.
	Listener(endpoint *Endpoint) (Listener, error)
	Sender(endpoint *Endpoint) (Sender, error)
	Close() error
}

// Receiver accepts envelopes from a listener. Returning an error asks the
// listener to hand the delivery back to the broker.
type Receiver interface {
	Receive(ctx context.Context, listener Listener, env *contracts.Envelope) error
}

// Listener pulls envelopes from one broker address
type Listener interface {
	Address() string
	Start(ctx context.Context, receiver Receiver) error
	Stop() error
	// Complete acknowledges the delivery that produced env
	Complete(ctx context.Context, env *contracts.Envelope) error
	// Defer returns the delivery that produced env to the broker
	Defer(ctx context.Context, env *contracts.Envelope) error
}

// Sender pushes envelopes to one broker destination
type Sender interface {
	Destination() string
	Send(ctx context.Context, env *contracts.Envelope) error
	// Ping verifies the destination is reachable. Latched senders use it to
	// decide when to resume.
	Ping(ctx context.Context) error
	Close() error
}

// ReceiverFunc adapts a function to the Receiver interface
type ReceiverFunc func(ctx context.Context, listener Listener, env *contracts.Envelope) error

func (f ReceiverFunc) Receive(ctx context.Context, listener Listener, env *contracts.Envelope) error {
	return f(ctx, listener, env)
}
