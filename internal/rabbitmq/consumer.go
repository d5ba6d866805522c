package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// MessageHandler processes one delivery. Returning nil acks it.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer runs one consumer per queue, each on its own channel
type Consumer struct {
	pool           *ChannelPool
	prefetchCount  int
	autoAck        bool
	requeueOnError bool
	handlerTimeout time.Duration
	tagPrefix      string
	logger         *slog.Logger

	active *haxmap.Map[string, *ConsumerInfo]
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck enables automatic acknowledgment
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithRequeueOnError requeues deliveries whose handler failed with a
// retryable error. Otherwise failed deliveries are dropped.
func WithRequeueOnError(requeue bool) ConsumerOption {
	return func(c *Consumer) {
		c.requeueOnError = requeue
	}
}

// WithHandlerTimeout bounds a single handler invocation
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithConsumerTagPrefix sets the prefix of generated consumer tags
func WithConsumerTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:           pool,
		prefetchCount:  10,
		handlerTimeout: 30 * time.Second,
		tagPrefix:      "topicbus",
		logger:         slog.Default(),
		active:         haxmap.New[string, *ConsumerInfo](),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ConsumerInfo tracks a running consumer
type ConsumerInfo struct {
	Queue       string
	ConsumerTag string
	channel     *PooledChannel
	cancel      context.CancelFunc
	done        chan struct{}
}

// Subscribe starts consuming queue and returns the consumer tag.
// The consumer outlives ctx; stop it with Unsubscribe.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) (string, error) {
	tag := c.tagPrefix + "-" + uuid.NewString()

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return "", &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "subscribe", Err: err}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Discard(ch)
		return "", &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "qos", Err: err}
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		c.autoAck,
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.pool.Discard(ch)
		return "", &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err}
	}

	consumerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	info := &ConsumerInfo{
		Queue:       queue,
		ConsumerTag: tag,
		channel:     ch,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	c.active.Set(tag, info)

	go c.processMessages(consumerCtx, info, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
	)

	return tag, nil
}

func (c *Consumer) processMessages(ctx context.Context, info *ConsumerInfo, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		c.pool.Discard(info.channel)
		c.active.Del(info.ConsumerTag)
		close(info.done)
		c.logger.Info("consumer stopped", "queue", info.Queue, "consumerTag", info.ConsumerTag)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					c.logger.Warn("delivery channel closed", "queue", info.Queue, "consumerTag", info.ConsumerTag)
				}
				return
			}

			if err := c.handleMessage(ctx, delivery, handler); err != nil {
				c.logger.Error("failed to handle message",
					"error", err,
					"queue", info.Queue,
					"routingKey", delivery.RoutingKey,
					"messageId", delivery.MessageId,
				)
			}
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) error {
	msgCtx := ctx
	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		msgCtx, cancel = context.WithTimeout(ctx, c.handlerTimeout)
		defer cancel()
	}

	err := handler(msgCtx, delivery)

	if c.autoAck {
		return err
	}

	if err != nil {
		requeue := c.requeueOnError && IsRetryable(err)
		if nackErr := delivery.Nack(false, requeue); nackErr != nil {
			c.logger.Error("failed to nack message",
				"error", nackErr,
				"originalError", err,
			)
		}
		return err
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		return &ConsumerError{ConsumerTag: delivery.ConsumerTag, Op: "ack", Err: ackErr}
	}
	return nil
}

// Unsubscribe cancels the consumer and waits for its loop to exit
func (c *Consumer) Unsubscribe(ctx context.Context, tag string) error {
	info, ok := c.active.Get(tag)
	if !ok {
		return &ConsumerError{ConsumerTag: tag, Op: "unsubscribe", Err: ErrConsumerNotFound}
	}

	var cancelErr error
	if !info.channel.IsClosed() {
		cancelErr = info.channel.Cancel(tag, false)
	}
	info.cancel()

	select {
	case <-info.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if cancelErr != nil && !errors.Is(cancelErr, amqp.ErrClosed) {
		return &ConsumerError{Queue: info.Queue, ConsumerTag: tag, Op: "cancel", Err: cancelErr}
	}
	return nil
}

// UnsubscribeAll stops every active consumer concurrently
func (c *Consumer) UnsubscribeAll(ctx context.Context) error {
	var g errgroup.Group
	for _, tag := range c.ActiveConsumers() {
		g.Go(func() error {
			err := c.Unsubscribe(ctx, tag)
			if errors.Is(err, ErrConsumerNotFound) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// ActiveConsumers returns the tags of running consumers
func (c *Consumer) ActiveConsumers() []string {
	var tags []string
	c.active.ForEach(func(tag string, _ *ConsumerInfo) bool {
		tags = append(tags, tag)
		return true
	})
	return tags
}

// IsActive reports whether the consumer with tag is still running
func (c *Consumer) IsActive(tag string) bool {
	_, ok := c.active.Get(tag)
	return ok
}
