package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/glimte/topicbus/contracts"
	"github.com/glimte/topicbus/messaging"
	"github.com/trickstertwo/xclock"
)

// ErrHandlerTimeout is returned when a handler outlives its timeout
var ErrHandlerTimeout = errors.New("interceptors: handler timed out")

// PanicError carries a recovered panic
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("interceptors: handler panicked: %v", e.Value)
}

// Unwrap returns the panic value when it is an error
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
	clock  xclock.Clock
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger, clock: xclock.Default()}
}

// WithClock sets the clock used to time handlers
func (i *LoggingInterceptor) WithClock(clock xclock.Clock) *LoggingInterceptor {
	if clock != nil {
		i.clock = clock
	}
	return i
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next messaging.Handler) error {
	start := i.clock.Now()

	i.logger.Debug("processing message",
		"messageId", msg.GetID(),
		"routingKey", msg.GetType(),
		"correlationId", msg.GetCorrelationID(),
	)

	err := next.Handle(ctx, msg)
	duration := i.clock.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"messageId", msg.GetID(),
			"routingKey", msg.GetType(),
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Debug("message processed",
			"messageId", msg.GetID(),
			"routingKey", msg.GetType(),
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// RecoveryInterceptor turns handler panics into a *PanicError
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next messaging.Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Value: r, Stack: debug.Stack()}
			i.logger.Error("handler panicked",
				"messageId", msg.GetID(),
				"routingKey", msg.GetType(),
				"panic", r,
				"stack", string(perr.Stack),
			)
			err = perr
		}
	}()

	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// TimeoutInterceptor bounds handler execution. The handler's context is
// cancelled at the deadline; Intercept returns without waiting for it.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next messaging.Handler) error {
	if i.timeout <= 0 {
		return next.Handle(ctx, msg)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		done <- next.Handle(timeoutCtx, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %v for message %s", ErrHandlerTimeout, i.timeout, msg.GetID())
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// MetricsCollector defines the interface for collecting metrics
type MetricsCollector interface {
	IncrementMessageCount(routingKey string)
	RecordProcessingTime(routingKey string, duration time.Duration)
	IncrementErrorCount(routingKey string, errorType string)
}

// MetricsInterceptor collects metrics about message processing
type MetricsInterceptor struct {
	collector MetricsCollector
	clock     xclock.Clock
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector, clock: xclock.Default()}
}

// WithClock sets the clock used to time handlers
func (i *MetricsInterceptor) WithClock(clock xclock.Clock) *MetricsInterceptor {
	if clock != nil {
		i.clock = clock
	}
	return i
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next messaging.Handler) error {
	start := i.clock.Now()
	routingKey := msg.GetType()

	i.collector.IncrementMessageCount(routingKey)

	err := next.Handle(ctx, msg)
	i.collector.RecordProcessingTime(routingKey, i.clock.Since(start))

	if err != nil {
		i.collector.IncrementErrorCount(routingKey, errorType(err))
	}

	return err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

func errorType(err error) string {
	var perr *PanicError
	switch {
	case errors.As(err, &perr):
		return "panic"
	case errors.Is(err, ErrHandlerTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "processing_error"
	}
}

// RoutingKeyStats is a snapshot of the metrics recorded for one routing key
type RoutingKeyStats struct {
	Messages  int64
	Errors    map[string]int64
	TotalTime time.Duration
	MaxTime   time.Duration
}

type keyStats struct {
	messages  atomic.Int64
	totalTime atomic.Int64
	maxTime   atomic.Int64
	errors    *haxmap.Map[string, *atomic.Int64]
}

// MemoryCollector is a MetricsCollector that keeps counters in memory
type MemoryCollector struct {
	stats *haxmap.Map[string, *keyStats]
}

// NewMemoryCollector creates an empty collector
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{stats: haxmap.New[string, *keyStats]()}
}

func (c *MemoryCollector) get(routingKey string) *keyStats {
	s, _ := c.stats.GetOrCompute(routingKey, func() *keyStats {
		return &keyStats{errors: haxmap.New[string, *atomic.Int64]()}
	})
	return s
}

// IncrementMessageCount implements MetricsCollector
func (c *MemoryCollector) IncrementMessageCount(routingKey string) {
	c.get(routingKey).messages.Add(1)
}

// RecordProcessingTime implements MetricsCollector
func (c *MemoryCollector) RecordProcessingTime(routingKey string, duration time.Duration) {
	s := c.get(routingKey)
	s.totalTime.Add(int64(duration))
	for {
		current := s.maxTime.Load()
		if int64(duration) <= current || s.maxTime.CompareAndSwap(current, int64(duration)) {
			return
		}
	}
}

// IncrementErrorCount implements MetricsCollector
func (c *MemoryCollector) IncrementErrorCount(routingKey string, errorType string) {
	counter, _ := c.get(routingKey).errors.GetOrCompute(errorType, func() *atomic.Int64 {
		return new(atomic.Int64)
	})
	counter.Add(1)
}

// Stats returns a snapshot for routingKey
func (c *MemoryCollector) Stats(routingKey string) RoutingKeyStats {
	s, ok := c.stats.Get(routingKey)
	if !ok {
		return RoutingKeyStats{Errors: map[string]int64{}}
	}

	out := RoutingKeyStats{
		Messages:  s.messages.Load(),
		TotalTime: time.Duration(s.totalTime.Load()),
		MaxTime:   time.Duration(s.maxTime.Load()),
		Errors:    make(map[string]int64),
	}
	s.errors.ForEach(func(kind string, n *atomic.Int64) bool {
		out.Errors[kind] = n.Load()
		return true
	})
	return out
}

// RoutingKeys returns every routing key seen so far
func (c *MemoryCollector) RoutingKeys() []string {
	var keys []string
	c.stats.ForEach(func(key string, _ *keyStats) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}
