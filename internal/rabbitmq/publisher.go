package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/topicbus/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes with publisher confirms and retries failed attempts
type Publisher struct {
	pool           *ChannelPool
	policy         reliability.RetryPolicy
	breaker        *reliability.CircuitBreaker
	publishTimeout time.Duration
	confirms       bool
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishTimeout bounds Publish when ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithRetryPolicy replaces the retry policy
func WithRetryPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *Publisher) {
		if policy != nil {
			p.policy = policy
		}
	}
}

// WithCircuitBreaker guards every publish attempt with cb
func WithCircuitBreaker(cb *reliability.CircuitBreaker) PublisherOption {
	return func(p *Publisher) {
		p.breaker = cb
	}
}

// WithConfirmMode enables or disables publisher confirms
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirms = enabled
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		policy:         reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0, 3),
		publishTimeout: 10 * time.Second,
		confirms:       true,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg to exchange with routingKey and, in confirm mode, waits
// for the broker to confirm it
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	attempt := func(ctx context.Context) error {
		if p.breaker != nil {
			return p.breaker.Execute(ctx, func(ctx context.Context) error {
				return p.publishOnce(ctx, exchange, routingKey, msg)
			})
		}
		return p.publishOnce(ctx, exchange, routingKey, msg)
	}

	err := reliability.Retry(ctx, p.policy, func(ctx context.Context) error {
		err := attempt(ctx)
		if err != nil && !IsRetryable(err) {
			return reliability.Permanent(err)
		}
		if err != nil {
			p.logger.Debug("publish attempt failed", "routingKey", routingKey, "messageId", msg.MessageId, "error", err)
		}
		return err
	})
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			MessageID:  msg.MessageId,
			Err:        err,
		}
	}
	return nil
}

func (p *Publisher) publishOnce(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer p.pool.Put(ch)

	if !p.confirms {
		return ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	}

	if err := ch.EnableConfirms(); err != nil {
		return err
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return &ChannelError{Op: "publish", ChannelID: ch.ID(), Err: err}
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrPublishNotConfirmed
	}
	return nil
}
