package nats

import (
	"log/slog"
	"time"

	"github.com/glimte/topicbus/messaging"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject prefix used when none is configured
const DefaultSubjectPrefix = "topicbus"

type config struct {
	prefix         string
	clientName     string
	connectTimeout time.Duration
	flushTimeout   time.Duration
	reconnectWait  time.Duration
	maxReconnects  int
	retention      messaging.RetentionPolicy
	logger         *slog.Logger
	natsOptions    []nats.Option
}

func defaultConfig() config {
	return config{
		prefix:         DefaultSubjectPrefix,
		clientName:     "topicbus",
		connectTimeout: 5 * time.Second,
		flushTimeout:   5 * time.Second,
		reconnectWait:  2 * time.Second,
		maxReconnects:  -1,
		retention:      messaging.RetainSubscriptions,
		logger:         slog.Default(),
	}
}

// TransportOption configures the transport
type TransportOption func(*config)

// WithSubjectPrefix puts every subject under prefix. An empty prefix
// publishes routing keys as bare subjects, which rules out the empty key.
func WithSubjectPrefix(prefix string) TransportOption {
	return func(cfg *config) {
		cfg.prefix = prefix
	}
}

// WithClientName sets the connection name shown by the server
func WithClientName(name string) TransportOption {
	return func(cfg *config) {
		if name != "" {
			cfg.clientName = name
		}
	}
}

// WithConnectTimeout bounds the initial connect
func WithConnectTimeout(timeout time.Duration) TransportOption {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.connectTimeout = timeout
		}
	}
}

// WithFlushTimeout bounds the round trip that confirms new subscriptions
func WithFlushTimeout(timeout time.Duration) TransportOption {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.flushTimeout = timeout
		}
	}
}

// WithReconnect sets the reconnect delay and attempt limit; -1 retries forever
func WithReconnect(wait time.Duration, maxReconnects int) TransportOption {
	return func(cfg *config) {
		cfg.reconnectWait = wait
		cfg.maxReconnects = maxReconnects
	}
}

// WithRetention sets what happens to subscriptions on Stop
func WithRetention(policy messaging.RetentionPolicy) TransportOption {
	return func(cfg *config) {
		cfg.retention = policy
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithNATSOptions passes raw client options, applied after the transport's own
func WithNATSOptions(opts ...nats.Option) TransportOption {
	return func(cfg *config) {
		cfg.natsOptions = append(cfg.natsOptions, opts...)
	}
}
