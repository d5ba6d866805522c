package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/topicbus/contracts"
	"github.com/glimte/topicbus/messaging"
	"github.com/trickstertwo/xclock"
)

// Interceptor processes messages before they reach the final handler
type Interceptor interface {
	// Intercept processes a message and calls the next handler in the chain
	Intercept(ctx context.Context, msg *contracts.Message, next messaging.Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg *contracts.Message, next messaging.Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg *contracts.Message, next messaging.Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg *contracts.Message, next messaging.Handler) error {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain runs interceptors in the order they were added, the first added
// being the outermost
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain creates an empty chain
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}

	return &Chain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add appends interceptors to the chain. Nil entries are skipped.
func (c *Chain) Add(interceptors ...Interceptor) *Chain {
	for _, i := range interceptors {
		if i != nil {
			c.interceptors = append(c.interceptors, i)
		}
	}
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Names returns the interceptor names, outermost first
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, ic := range c.interceptors {
		names[i] = ic.Name()
	}
	return names
}

// Wrap returns a handler that runs final behind every interceptor. The chain
// is captured when Wrap is called; later Adds do not affect it.
func (c *Chain) Wrap(final messaging.Handler) messaging.Handler {
	if len(c.interceptors) == 0 {
		return final
	}

	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = messaging.HandlerFunc(func(ctx context.Context, msg *contracts.Message) error {
			return interceptor.Intercept(ctx, msg, next)
		})
	}

	c.logger.Debug("handler wrapped", "interceptors", c.Names())
	return handler
}

// Execute runs msg through the chain and final
func (c *Chain) Execute(ctx context.Context, msg *contracts.Message, final messaging.Handler) error {
	return c.Wrap(final).Handle(ctx, msg)
}

// ChainBuilder builds a chain from the built-in interceptors
type ChainBuilder struct {
	chain  *Chain
	logger *slog.Logger
	clock  xclock.Clock
}

// NewChainBuilder creates a new builder
func NewChainBuilder(logger *slog.Logger) *ChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &ChainBuilder{
		chain:  NewChain(logger),
		logger: logger,
		clock:  xclock.Default(),
	}
}

// WithClock sets the clock used by the logging and metrics interceptors added after it
func (b *ChainBuilder) WithClock(clock xclock.Clock) *ChainBuilder {
	if clock != nil {
		b.clock = clock
	}
	return b
}

// WithRecovery adds a panic recovery interceptor
func (b *ChainBuilder) WithRecovery() *ChainBuilder {
	b.chain.Add(NewRecoveryInterceptor(b.logger))
	return b
}

// WithLogging adds a logging interceptor
func (b *ChainBuilder) WithLogging() *ChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger).WithClock(b.clock))
	return b
}

// WithMetrics adds a metrics interceptor
func (b *ChainBuilder) WithMetrics(collector MetricsCollector) *ChainBuilder {
	b.chain.Add(NewMetricsInterceptor(collector).WithClock(b.clock))
	return b
}

// WithTimeout adds a timeout interceptor
func (b *ChainBuilder) WithTimeout(timeout time.Duration) *ChainBuilder {
	b.chain.Add(NewTimeoutInterceptor(timeout))
	return b
}

// WithRetry adds a retry interceptor
func (b *ChainBuilder) WithRetry(policy RetryPolicy) *ChainBuilder {
	b.chain.Add(NewRetryInterceptor(policy).WithLogger(b.logger))
	return b
}

// WithCircuitBreaker adds a circuit breaker interceptor
func (b *ChainBuilder) WithCircuitBreaker(breaker CircuitBreaker) *ChainBuilder {
	b.chain.Add(NewCircuitBreakerInterceptor(breaker))
	return b
}

// WithCustom adds a custom interceptor
func (b *ChainBuilder) WithCustom(interceptor Interceptor) *ChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the built chain
func (b *ChainBuilder) Build() *Chain {
	return b.chain
}
