package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares exchanges, queues and bindings through the pool
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// TopicExchange returns a durable topic exchange declaration
func TopicExchange(name string) ExchangeDeclaration {
	return ExchangeDeclaration{
		Name:    name,
		Type:    amqp.ExchangeTopic,
		Durable: true,
	}
}

// QueueDeclaration defines a queue to be declared. An empty Name lets the
// broker generate one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// SubscriberQueue declares a broker-named queue owned by this connection
// that is removed once its consumer goes away
func SubscriberQueue() QueueDeclaration {
	return QueueDeclaration{
		AutoDelete: true,
		Exclusive:  true,
	}
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool: pool,
	}
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		)
	})
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err}
	}
	return nil
}

// DeclareQueue declares a single queue and returns the broker's view of it
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		)
		return err
	})
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err}
	}
	return q, nil
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, binding.Arguments)
	})
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue + "<-" + binding.RoutingKey, Op: "bind", Err: err}
	}
	return nil
}

// UnbindQueue removes a queue binding
func (tm *TopologyManager) UnbindQueue(ctx context.Context, binding Binding) error {
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return ch.QueueUnbind(binding.Queue, binding.RoutingKey, binding.Exchange, binding.Arguments)
	})
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue + "<-" + binding.RoutingKey, Op: "unbind", Err: err}
	}
	return nil
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) error {
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(name, false, false, false)
		return err
	})
	if err != nil {
		return &TopologyError{Component: "queue", Name: name, Op: "delete", Err: err}
	}
	return nil
}
