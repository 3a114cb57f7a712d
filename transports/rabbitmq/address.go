package rabbitmq

import (
	"fmt"
	"strings"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/messaging"
)

// Scheme is the URI scheme served by this transport
const Scheme = "rabbitmq"

// Address is a parsed rabbitmq endpoint URI. Supported forms:
//
//	rabbitmq://queue/<queue>
//	rabbitmq://exchange/<exchange>
//	rabbitmq://exchange/<exchange>/<routing key>
//
// Exchange addresses without a routing key route by topic name, falling
// back to the message type.
type Address struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// ParseAddress parses a rabbitmq endpoint URI
func ParseAddress(uri string) (Address, error) {
	scheme, path, err := messaging.SplitURI(uri)
	if err != nil {
		return Address{}, err
	}
	if scheme != Scheme {
		return Address{}, fmt.Errorf("rabbitmq: unsupported scheme %q in %q", scheme, uri)
	}

	parts := strings.SplitN(path, "/", 3)
	switch parts[0] {
	case "queue":
		if len(parts) != 2 || parts[1] == "" {
			return Address{}, fmt.Errorf("rabbitmq: queue address %q needs exactly one queue name", uri)
		}
		return Address{Queue: parts[1]}, nil
	case "exchange", "topic":
		if len(parts) < 2 || parts[1] == "" {
			return Address{}, fmt.Errorf("rabbitmq: exchange address %q needs an exchange name", uri)
		}
		addr := Address{Exchange: parts[1]}
		if len(parts) == 3 {
			addr.RoutingKey = parts[2]
		}
		return addr, nil
	default:
		return Address{}, fmt.Errorf("rabbitmq: address %q must start with queue/ or exchange/", uri)
	}
}

// IsQueue reports whether the address names a queue
func (a Address) IsQueue() bool { return a.Queue != "" }

// RoutingKeyFor returns the routing key env is published with
func (a Address) RoutingKeyFor(env *contracts.Envelope) string {
	switch {
	case a.RoutingKey != "":
		return a.RoutingKey
	case a.Queue != "":
		return a.Queue
	case env.TopicName != "":
		return env.TopicName
	default:
		return env.MessageType
	}
}

func (a Address) String() string {
	if a.IsQueue() {
		return Scheme + "://queue/" + a.Queue
	}
	if a.RoutingKey != "" {
		return Scheme + "://exchange/" + a.Exchange + "/" + a.RoutingKey
	}
	return Scheme + "://exchange/" + a.Exchange
}
