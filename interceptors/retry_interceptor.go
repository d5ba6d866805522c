package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/topicbus/contracts"
	"github.com/glimte/topicbus/internal/reliability"
	"github.com/glimte/topicbus/messaging"
)

// RetryPolicy decides whether a failed attempt is retried and after how long
type RetryPolicy interface {
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	MaxRetries() int
}

// ExponentialRetry returns a jittered exponential backoff policy
func ExponentialRetry(initial, max time.Duration, maxRetries int) RetryPolicy {
	return reliability.NewExponentialBackoff(initial, max, 2.0, maxRetries)
}

// FixedRetry returns a policy waiting delay between attempts
func FixedRetry(delay time.Duration, maxRetries int) RetryPolicy {
	return reliability.NewFixedDelay(delay, maxRetries)
}

// Permanent marks err so the retry interceptor gives up on it immediately
func Permanent(err error) error {
	return reliability.Permanent(err)
}

// RetryInterceptor re-runs the rest of the chain while the policy allows
type RetryInterceptor struct {
	retryPolicy RetryPolicy
	logger      *slog.Logger
}

// NewRetryInterceptor creates a new retry interceptor
func NewRetryInterceptor(retryPolicy RetryPolicy) *RetryInterceptor {
	return &RetryInterceptor{
		retryPolicy: retryPolicy,
		logger:      slog.Default(),
	}
}

// WithLogger sets the logger for the retry interceptor
func (r *RetryInterceptor) WithLogger(logger *slog.Logger) *RetryInterceptor {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// Intercept implements the Interceptor interface
func (r *RetryInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next messaging.Handler) error {
	attempt := 0
	return reliability.Retry(ctx, r.retryPolicy, func(ctx context.Context) error {
		if attempt > 0 {
			r.logger.Warn("retrying message",
				"messageId", msg.GetID(),
				"routingKey", msg.GetType(),
				"attempt", attempt,
			)
		}
		attempt++
		return next.Handle(ctx, msg)
	})
}

// Name returns the interceptor name
func (r *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}

// CircuitBreaker is satisfied by reliability circuit breakers
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures and probes again after timeout
func NewCircuitBreaker(name string, failureThreshold int, timeout time.Duration, logger *slog.Logger) CircuitBreaker {
	opts := []reliability.CircuitBreakerOption{
		reliability.WithName(name),
		reliability.WithFailureThreshold(failureThreshold),
		reliability.WithTimeout(timeout),
	}
	if logger != nil {
		opts = append(opts, reliability.WithBreakerLogger(logger))
	}
	return reliability.NewCircuitBreaker(opts...)
}

// CircuitBreakerInterceptor stops calling the handler while the breaker is open
type CircuitBreakerInterceptor struct {
	circuitBreaker CircuitBreaker
}

// NewCircuitBreakerInterceptor creates a new circuit breaker interceptor
func NewCircuitBreakerInterceptor(circuitBreaker CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{circuitBreaker: circuitBreaker}
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next messaging.Handler) error {
	return i.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		return next.Handle(ctx, msg)
	})
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}

// IsCircuitOpen reports whether err was returned by an open breaker
func IsCircuitOpen(err error) bool {
	return reliability.IsCircuitOpen(err)
}
