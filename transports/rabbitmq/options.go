package rabbitmq

import (
	"log/slog"

	"github.com/glimte/topicbus/internal/rabbitmq"
	"github.com/glimte/topicbus/internal/reliability"
	"github.com/glimte/topicbus/messaging"
)

// DefaultExchange is the topic exchange used when none is configured
const DefaultExchange = "topicbus"

type config struct {
	exchange          string
	durableExchange   bool
	prefetchCount     int
	requeueOnError    bool
	retention         messaging.RetentionPolicy
	logger            *slog.Logger
	connectionOptions []rabbitmq.ConnectionOption
	publisherOptions  []rabbitmq.PublisherOption
	consumerOptions   []rabbitmq.ConsumerOption
}

func defaultConfig() config {
	return config{
		exchange:        DefaultExchange,
		durableExchange: true,
		prefetchCount:   10,
		retention:       messaging.RetainSubscriptions,
		logger:          slog.Default(),
	}
}

// TransportOption configures the transport
type TransportOption func(*config)

// WithExchange sets the topic exchange messages are published to
func WithExchange(name string) TransportOption {
	return func(cfg *config) {
		if name != "" {
			cfg.exchange = name
		}
	}
}

// WithDurableExchange controls whether the exchange survives a broker restart.
// A non-durable exchange is also auto-deleted once unused.
func WithDurableExchange(durable bool) TransportOption {
	return func(cfg *config) {
		cfg.durableExchange = durable
	}
}

// WithPrefetchCount sets the per-subscription prefetch
func WithPrefetchCount(count int) TransportOption {
	return func(cfg *config) {
		cfg.prefetchCount = count
	}
}

// WithRequeueOnError requeues deliveries whose handler failed with a
// retryable error instead of dropping them
func WithRequeueOnError(requeue bool) TransportOption {
	return func(cfg *config) {
		cfg.requeueOnError = requeue
	}
}

// WithRetention sets what happens to subscriptions on Stop
func WithRetention(policy messaging.RetentionPolicy) TransportOption {
	return func(cfg *config) {
		cfg.retention = policy
	}
}

// WithLogger sets the logger used by the transport and its connection
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithCircuitBreaker guards publishing with cb
func WithCircuitBreaker(cb *reliability.CircuitBreaker) TransportOption {
	return WithPublisherOptions(rabbitmq.WithCircuitBreaker(cb))
}

// WithConnectionOptions passes options to the connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *config) {
		cfg.connectionOptions = append(cfg.connectionOptions, opts...)
	}
}

// WithPublisherOptions passes options to the publisher
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *config) {
		cfg.publisherOptions = append(cfg.publisherOptions, opts...)
	}
}

// WithConsumerOptions passes options to the consumer
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *config) {
		cfg.consumerOptions = append(cfg.consumerOptions, opts...)
	}
}
