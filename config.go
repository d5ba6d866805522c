package topicbus

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/topicbus/internal/rabbitmq"
	"github.com/glimte/topicbus/messaging"
	"github.com/glimte/topicbus/transports/memory"
	natstransport "github.com/glimte/topicbus/transports/nats"
	rabbitmqtransport "github.com/glimte/topicbus/transports/rabbitmq"
	redistransport "github.com/glimte/topicbus/transports/redis"
	"github.com/redis/go-redis/v9"
)

// Backend selects the transport a broker is built on
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendRabbitMQ Backend = "rabbitmq"
	BackendNATS     Backend = "nats"
	BackendRedis    Backend = "redis"
)

// ErrInvalidConfig is matched by every configuration validation error
var ErrInvalidConfig = errors.New("topicbus: invalid config")

// ParseBackend parses a backend name, case-insensitively
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendMemory, BackendRabbitMQ, BackendNATS, BackendRedis:
		return b, nil
	case "":
		return BackendMemory, nil
	default:
		return "", fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, s)
	}
}

// Config selects and configures a backend
type Config struct {
	Backend Backend

	// URL of the broker server; ignored by the memory backend
	URL string

	// Retention decides whether subscriptions survive Stop
	Retention messaging.RetentionPolicy

	// ClientName identifies the connection to the server
	ClientName string

	// Exchange is the RabbitMQ topic exchange
	Exchange string

	// Prefix is the NATS subject or Redis channel prefix
	Prefix string

	// PrefetchCount bounds unacknowledged RabbitMQ deliveries per subscription
	PrefetchCount int

	// DialTimeout bounds connecting to the server
	DialTimeout time.Duration
}

// DefaultConfig returns an in-process configuration
func DefaultConfig() Config {
	return Config{
		Backend:       BackendMemory,
		Retention:     messaging.RetainSubscriptions,
		ClientName:    "topicbus",
		PrefetchCount: 10,
		DialTimeout:   5 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch c.backend() {
	case BackendMemory, BackendRabbitMQ, BackendNATS, BackendRedis:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if c.backend() != BackendMemory && c.URL == "" {
		return fmt.Errorf("%w: backend %s requires a URL", ErrInvalidConfig, c.Backend)
	}
	if c.PrefetchCount < 0 {
		return fmt.Errorf("%w: prefetch count must not be negative", ErrInvalidConfig)
	}
	if c.DialTimeout < 0 {
		return fmt.Errorf("%w: dial timeout must not be negative", ErrInvalidConfig)
	}
	switch c.Retention {
	case messaging.RetainSubscriptions, messaging.DropSubscriptions:
	default:
		return fmt.Errorf("%w: unknown retention policy %d", ErrInvalidConfig, c.Retention)
	}
	return nil
}

// NewTransport builds the transport cfg selects. The transport is not started.
func NewTransport(cfg Config, logger *slog.Logger) (messaging.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("backend", string(cfg.backend()))

	switch cfg.backend() {
	case BackendRabbitMQ:
		connOpts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(logger)}
		if cfg.ClientName != "" {
			connOpts = append(connOpts, rabbitmq.WithConnectionName(cfg.ClientName))
		}
		if cfg.DialTimeout > 0 {
			connOpts = append(connOpts, rabbitmq.WithDialTimeout(cfg.DialTimeout))
		}
		opts := []rabbitmqtransport.TransportOption{
			rabbitmqtransport.WithLogger(logger),
			rabbitmqtransport.WithRetention(cfg.Retention),
			rabbitmqtransport.WithExchange(cfg.Exchange),
			rabbitmqtransport.WithConnectionOptions(connOpts...),
		}
		if cfg.PrefetchCount > 0 {
			opts = append(opts, rabbitmqtransport.WithPrefetchCount(cfg.PrefetchCount))
		}
		return rabbitmqtransport.NewTransport(cfg.URL, opts...), nil

	case BackendNATS:
		opts := []natstransport.TransportOption{
			natstransport.WithLogger(logger),
			natstransport.WithRetention(cfg.Retention),
			natstransport.WithClientName(cfg.ClientName),
		}
		if cfg.Prefix != "" {
			opts = append(opts, natstransport.WithSubjectPrefix(cfg.Prefix))
		}
		if cfg.DialTimeout > 0 {
			opts = append(opts, natstransport.WithConnectTimeout(cfg.DialTimeout))
		}
		return natstransport.NewTransport(cfg.URL, opts...), nil

	case BackendRedis:
		opts := []redistransport.TransportOption{
			redistransport.WithLogger(logger),
			redistransport.WithRetention(cfg.Retention),
			redistransport.WithClientName(cfg.ClientName),
		}
		if cfg.Prefix != "" {
			opts = append(opts, redistransport.WithChannelPrefix(cfg.Prefix))
		}
		if cfg.DialTimeout > 0 {
			opts = append(opts, redistransport.WithRedisOptions(func(o *redis.Options) {
				o.DialTimeout = cfg.DialTimeout
			}))
		}
		return redistransport.NewTransport(cfg.URL, opts...), nil

	default:
		return memory.NewTransport(
			memory.WithLogger(logger),
			memory.WithRetention(cfg.Retention),
		), nil
	}
}

func (c Config) backend() Backend {
	if c.Backend == "" {
		return BackendMemory
	}
	return c.Backend
}
