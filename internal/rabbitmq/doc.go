// Package rabbitmq wraps amqp091-go for the courier rabbitmq transport.
//
// This package includes:
//   - ConnectionManager: one connection, re-dialled with exponential backoff
//     after the broker drops it, with state change notifications
//   - ChannelPool: publishing channels with idle eviction
//   - Publisher: publishes with publisher confirms and retries
//   - Consumer: basic.consume on dedicated channels, acked either on handler
//     success or manually by the owner of the delivery
//   - TopologyManager: declares and inspects exchanges, queues and bindings
package rabbitmq
