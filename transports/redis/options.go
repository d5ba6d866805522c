package redis

import (
	"log/slog"

	"github.com/glimte/topicbus/messaging"
	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix is the channel prefix used when none is configured
const DefaultChannelPrefix = "topicbus"

type config struct {
	prefix     string
	clientName string
	poolSize   int
	retention  messaging.RetentionPolicy
	logger     *slog.Logger
	configure  []func(*redis.Options)
}

func defaultConfig() config {
	return config{
		prefix:     DefaultChannelPrefix,
		clientName: "topicbus",
		poolSize:   10,
		retention:  messaging.RetainSubscriptions,
		logger:     slog.Default(),
	}
}

// TransportOption configures the transport
type TransportOption func(*config)

// WithChannelPrefix puts every channel under prefix
func WithChannelPrefix(prefix string) TransportOption {
	return func(cfg *config) {
		cfg.prefix = prefix
	}
}

// WithClientName sets the name reported by CLIENT LIST
func WithClientName(name string) TransportOption {
	return func(cfg *config) {
		cfg.clientName = name
	}
}

// WithPoolSize sets the connection pool size used for publishing
func WithPoolSize(size int) TransportOption {
	return func(cfg *config) {
		if size > 0 {
			cfg.poolSize = size
		}
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

// WithRedisOptions adjusts the client options parsed from the URL
func WithRedisOptions(fn func(*redis.Options)) TransportOption {
	return func(cfg *config) {
		if fn != nil {
			cfg.configure = append(cfg.configure, fn)
		}
	}
}
