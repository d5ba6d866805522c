// Package reliability provides retry policies and a circuit breaker used by
// the broker transports and the retry and breaker interceptors.
//
//	policy := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)
//	err := Retry(ctx, policy, func(ctx context.Context) error {
//	    return publish(ctx)
//	})
//
// Errors are retried unless they implement IsRetryable() bool returning false,
// see Permanent.
package reliability
