// Package rabbitmq wraps amqp091-go for the RabbitMQ transport.
//
//   - ConnectionManager: owns the connection and re-dials it after a drop
//   - ChannelPool: reuses channels on that connection
//   - TopologyManager: declares exchanges, queues and bindings
//   - Publisher: publishes with confirms, retries and an optional circuit breaker
//   - Consumer: one consumer per queue, acking on handler success
package rabbitmq
