// Package rabbitmq implements messaging.Transport on a RabbitMQ topic exchange.
//
// Every Subscribe gets its own broker-named queue bound to the exchange with
// the subscription pattern, so RabbitMQ performs the topic matching and each
// subscription receives its own copy of a message.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/glimte/topicbus/contracts"
	"github.com/glimte/topicbus/internal/rabbitmq"
	"github.com/glimte/topicbus/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	url string
	cfg config

	// lifecycle serializes Start, Stop and rebind; mu guards the fields below it
	lifecycle sync.Mutex

	mu        sync.RWMutex
	started   bool
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	active    []*binding
	pending   messaging.PendingSubscriptions
	listener  *reconnectListener
}

// binding is a live subscription: one queue, bound with the pattern, with
// one consumer
type binding struct {
	sub   messaging.Subscription
	queue string
	tag   string
}

// NewTransport creates a stopped transport for the broker at url
func NewTransport(url string, options ...TransportOption) *Transport {
	cfg := defaultConfig()
	for _, opt := range options {
		opt(&cfg)
	}

	return &Transport{
		url: url,
		cfg: cfg,
	}
}

// Exchange returns the topic exchange name
func (t *Transport) Exchange() string {
	return t.cfg.exchange
}

// Start connects, declares the exchange and binds every subscription
// registered so far, in registration order
func (t *Transport) Start(ctx context.Context) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}

	err := t.connect(ctx)
	if err == nil {
		if derr := t.pending.Drain(func(sub messaging.Subscription) error {
			return t.bind(ctx, sub)
		}); derr != nil {
			err = fmt.Errorf("rabbitmq transport: bind pending subscriptions: %w", derr)
		}
	}
	if err != nil {
		res := t.detach()
		t.mu.Unlock()
		_ = t.release(ctx, res)
		return err
	}

	t.started = true
	bound := len(t.active)
	t.mu.Unlock()

	t.cfg.logger.Info("rabbitmq transport started",
		"exchange", t.cfg.exchange,
		"subscriptions", bound,
	)
	return nil
}

// connect must be called with mu held
func (t *Transport) connect(ctx context.Context) error {
	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(t.cfg.logger)}, t.cfg.connectionOptions...)
	t.manager = rabbitmq.NewConnectionManager(t.url, connOpts...)
	if err := t.manager.Connect(ctx); err != nil {
		return err
	}

	pool, err := rabbitmq.NewChannelPool(t.manager, rabbitmq.WithChannelLogger(t.cfg.logger))
	if err != nil {
		return err
	}
	t.pool = pool
	t.topology = rabbitmq.NewTopologyManager(pool)

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(t.cfg.logger)}, t.cfg.publisherOptions...)
	t.publisher = rabbitmq.NewPublisher(pool, pubOpts...)

	consOpts := append([]rabbitmq.ConsumerOption{
		rabbitmq.WithConsumerLogger(t.cfg.logger),
		rabbitmq.WithPrefetchCount(t.cfg.prefetchCount),
		rabbitmq.WithRequeueOnError(t.cfg.requeueOnError),
	}, t.cfg.consumerOptions...)
	t.consumer = rabbitmq.NewConsumer(pool, consOpts...)

	exchange := rabbitmq.TopicExchange(t.cfg.exchange)
	if !t.cfg.durableExchange {
		exchange.Durable = false
		exchange.AutoDelete = true
	}
	if err := t.topology.DeclareExchange(ctx, exchange); err != nil {
		return err
	}

	t.listener = &reconnectListener{rebind: t.rebind}
	t.manager.AddStateListener(t.listener)
	return nil
}

// Stop cancels every consumer, deletes their queues and closes the
// connection. Subscriptions are kept for the next Start unless the
// retention policy drops them. Handlers still running when Stop is called
// may publish; they get ErrNotStarted.
func (t *Transport) Stop(ctx context.Context) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	res := t.detach()
	t.mu.Unlock()

	err := t.release(ctx, res)
	if t.cfg.retention == messaging.DropSubscriptions {
		t.pending.Clear()
	}

	t.cfg.logger.Info("rabbitmq transport stopped", "retention", t.cfg.retention.String())
	return err
}

// resources are the broker handles of one started period
type resources struct {
	manager  *rabbitmq.ConnectionManager
	pool     *rabbitmq.ChannelPool
	topology *rabbitmq.TopologyManager
	consumer *rabbitmq.Consumer
	listener *reconnectListener
	bindings []*binding
}

// detach moves live subscriptions back into the pending queue and hands the
// broker handles to the caller. Must be called with mu held.
func (t *Transport) detach() resources {
	res := resources{
		manager:  t.manager,
		pool:     t.pool,
		topology: t.topology,
		consumer: t.consumer,
		listener: t.listener,
		bindings: t.active,
	}

	subs := make([]messaging.Subscription, 0, len(t.active))
	for _, b := range t.active {
		subs = append(subs, b.sub)
	}
	t.pending.Requeue(subs)

	t.active = nil
	t.manager, t.pool, t.topology, t.publisher, t.consumer, t.listener = nil, nil, nil, nil, nil, nil
	return res
}

// release cancels the consumers of what detach returned, deletes their
// queues and closes the connection. mu must not be held: cancelling a
// consumer waits for its handler, which may publish.
func (t *Transport) release(ctx context.Context, res resources) error {
	if res.manager != nil && res.listener != nil {
		res.manager.RemoveStateListener(res.listener)
	}

	var g errgroup.Group
	if res.consumer != nil {
		for _, b := range res.bindings {
			g.Go(func() error {
				return res.unbind(ctx, b)
			})
		}
	}
	err := g.Wait()

	if res.pool != nil {
		_ = res.pool.Close()
	}
	if res.manager != nil {
		if cerr := res.manager.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

func (res resources) unbind(ctx context.Context, b *binding) error {
	err := res.consumer.Unsubscribe(ctx, b.tag)
	if errors.Is(err, rabbitmq.ErrConsumerNotFound) {
		err = nil
	}
	if derr := res.topology.DeleteQueue(ctx, b.queue); derr != nil && res.manager.IsConnected() {
		err = errors.Join(err, derr)
	}
	return err
}

// Publish sends msg to the exchange with its routing key
func (t *Transport) Publish(ctx context.Context, msg *contracts.Message) error {
	if msg == nil {
		return messaging.ErrNilMessage
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.started {
		return messaging.ErrNotStarted
	}

	publishing, err := toPublishing(msg)
	if err != nil {
		return err
	}
	return t.publisher.Publish(ctx, t.cfg.exchange, msg.GetType(), publishing)
}

func toPublishing(msg *contracts.Message) (amqp.Publishing, error) {
	body, err := contracts.EncodeEnvelope(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("rabbitmq transport: encode %s: %w", msg.GetID(), err)
	}

	return amqp.Publishing{
		ContentType:   contracts.ContentType,
		DeliveryMode:  amqp.Transient,
		MessageId:     msg.GetID(),
		CorrelationId: msg.GetCorrelationID(),
		Timestamp:     msg.GetTimestamp(),
		Type:          msg.GetType(),
		Body:          body,
	}, nil
}

// Subscribe binds handler to pattern. Before Start the subscription is
// queued; after Start it is bound before Subscribe returns.
func (t *Transport) Subscribe(ctx context.Context, pattern string, handler messaging.Handler) error {
	if handler == nil {
		return messaging.ErrNilHandler
	}
	if err := messaging.ValidatePattern(pattern); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	sub := messaging.Subscription{Pattern: pattern, Handler: handler}
	if !t.started {
		t.pending.Add(pattern, handler)
		return nil
	}
	return t.bind(ctx, sub)
}

// bind must be called with mu held
func (t *Transport) bind(ctx context.Context, sub messaging.Subscription) error {
	b := &binding{sub: sub}
	if err := t.attach(ctx, b); err != nil {
		return err
	}
	t.active = append(t.active, b)
	return nil
}

func (t *Transport) attach(ctx context.Context, b *binding) error {
	queue, err := t.topology.DeclareQueue(ctx, rabbitmq.SubscriberQueue())
	if err != nil {
		return err
	}

	if err := t.topology.BindQueue(ctx, rabbitmq.Binding{
		Queue:      queue.Name,
		Exchange:   t.cfg.exchange,
		RoutingKey: b.sub.Pattern,
	}); err != nil {
		_ = t.topology.DeleteQueue(ctx, queue.Name)
		return err
	}

	tag, err := t.consumer.Subscribe(ctx, queue.Name, t.deliveryHandler(b.sub))
	if err != nil {
		_ = t.topology.DeleteQueue(ctx, queue.Name)
		return err
	}

	b.queue, b.tag = queue.Name, tag
	t.cfg.logger.Debug("subscription bound", "pattern", b.sub.Pattern, "queue", queue.Name, "consumerTag", tag)
	return nil
}

// deliveryHandler decodes a delivery and runs the subscription handler.
// Undecodable deliveries are rejected without requeue.
func (t *Transport) deliveryHandler(sub messaging.Subscription) rabbitmq.MessageHandler {
	return func(ctx context.Context, d amqp.Delivery) error {
		msg, err := contracts.DecodeMessage(d.Body, d.RoutingKey)
		if err != nil {
			t.cfg.logger.Warn("dropping malformed delivery",
				"pattern", sub.Pattern,
				"routingKey", d.RoutingKey,
				"messageId", d.MessageId,
				"error", err,
			)
			return fmt.Errorf("%w: %w", rabbitmq.ErrInvalidDelivery, err)
		}

		if herr := messaging.Invoke(ctx, sub, msg); herr != nil {
			t.cfg.logger.Error("handler failed",
				"pattern", sub.Pattern,
				"routingKey", msg.GetType(),
				"messageId", msg.GetID(),
				"panicked", herr.Panicked,
				"error", herr.Err,
			)
			return herr
		}
		return nil
	}
}

// rebind re-creates every live subscription after the connection was
// re-established. Exclusive queues die with the old connection.
func (t *Transport) rebind() {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	t.mu.RLock()
	started, bindings := t.started, append([]*binding(nil), t.active...)
	consumer := t.consumer
	t.mu.RUnlock()

	if !started {
		return
	}

	ctx := context.Background()
	for _, b := range bindings {
		_ = consumer.Unsubscribe(ctx, b.tag)

		fresh := &binding{sub: b.sub}
		if err := t.attach(ctx, fresh); err != nil {
			t.cfg.logger.Error("failed to rebind subscription after reconnect",
				"pattern", b.sub.Pattern,
				"error", err,
			)
			continue
		}

		t.mu.Lock()
		b.queue, b.tag = fresh.queue, fresh.tag
		t.mu.Unlock()
	}
	t.cfg.logger.Info("subscriptions rebound after reconnect", "subscriptions", len(bindings))
}

// State implements messaging.StateReporter
func (t *Transport) State() messaging.State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.started {
		return messaging.StateStarted
	}
	return messaging.StateStopped
}

// HealthCheck reports an error unless the transport is started and connected
func (t *Transport) HealthCheck(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.started {
		return messaging.ErrNotStarted
	}
	if !t.manager.IsConnected() {
		return rabbitmq.ErrConnectionNotReady
	}
	return nil
}

// Subscriptions returns the patterns of live and queued subscriptions
func (t *Transport) Subscriptions() (active []string, pending int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, b := range t.active {
		active = append(active, b.sub.Pattern)
	}
	return active, t.pending.Len()
}

// reconnectListener rebinds after a connection loss. The connection
// manager delivers notifications in order.
type reconnectListener struct {
	rebind func()
	lost   atomic.Bool
}

func (l *reconnectListener) OnConnected() {
	if l.lost.CompareAndSwap(true, false) {
		l.rebind()
	}
}

func (l *reconnectListener) OnDisconnected(err error) {
	l.lost.Store(true)
}

func (l *reconnectListener) OnReconnecting(attempt int) {}
