// Package interceptors wraps message handlers with cross-cutting behavior.
//
// An Interceptor sees every message before the handler it wraps and decides
// whether and how to call the next handler. A Chain applies interceptors in
// the order they were added, the first being the outermost:
//
//	chain := interceptors.NewChainBuilder(logger).
//		WithRecovery().
//		WithLogging().
//		WithMetrics(interceptors.NewMemoryCollector()).
//		WithTimeout(5 * time.Second).
//		WithRetry(interceptors.ExponentialRetry(100*time.Millisecond, time.Second, 3)).
//		Build()
//
//	handler := chain.Wrap(messaging.HandlerFunc(handle))
//
// Built-in interceptors cover logging, panic recovery, timeouts, metrics,
// retries, circuit breaking and filtering by routing key or metadata.
package interceptors
