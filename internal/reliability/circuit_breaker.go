package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a failing dependency until a cool-down passes.
// After failureThreshold consecutive failures the circuit opens and Execute
// fails fast with a *CircuitBreakerError. Once timeout has elapsed a limited
// number of trial calls are let through; successThreshold successes close the
// circuit again and any failure reopens it.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	inFlight    int
	lastFailure time.Time

	failureThreshold int
	successThreshold int
	halfOpenRequests int
	timeout          time.Duration
	name             string
	clock            xclock.Clock
	logger           *slog.Logger
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 {
			cb.failureThreshold = threshold
		}
	}
}

// WithSuccessThreshold sets how many half-open successes close the circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 {
			cb.successThreshold = threshold
		}
	}
}

// WithTimeout sets how long the circuit stays open
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithHalfOpenRequests caps concurrent trial calls while half-open
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if requests > 0 {
			cb.halfOpenRequests = requests
		}
	}
}

// WithName names the breaker in errors and logs
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithClock replaces the clock used for the open timeout
func WithClock(clock xclock.Clock) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if clock != nil {
			cb.clock = clock
		}
	}
}

// WithBreakerLogger logs state transitions
func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if logger != nil {
			cb.logger = logger
		}
	}
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 2,
		halfOpenRequests: 1,
		timeout:          30 * time.Second,
		name:             "default",
		clock:            xclock.Default(),
		logger:           slog.Default(),
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.acquire(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		cb.release()
		return err
	}

	err := fn(ctx)
	cb.record(err)
	return err
}

// GetState returns the current state. An open circuit whose timeout has
// elapsed reports half-open.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.clock.Since(cb.lastFailure) >= cb.timeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the circuit and clears counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed, "reset")
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.clock.Since(cb.lastFailure) < cb.timeout {
			return cb.openError()
		}
		cb.transition(StateHalfOpen, "timeout expired")
	}

	if cb.state == StateHalfOpen {
		if cb.inFlight >= cb.halfOpenRequests {
			return cb.openError()
		}
		cb.inFlight++
	}
	return nil
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}

	if err != nil {
		cb.failures++
		cb.lastFailure = cb.clock.Now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.transition(StateOpen, fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
			}
		case StateHalfOpen:
			cb.transition(StateOpen, "failure in half-open state")
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transition(StateClosed, fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold))
		}
	}
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	cb.state = to
	cb.successes = 0
	cb.inFlight = 0
	if to == StateClosed {
		cb.failures = 0
	}

	if from != to {
		cb.logger.Info("circuit breaker state changed",
			"breaker", cb.name,
			"from", from.String(),
			"to", to.String(),
			"reason", reason,
		)
	}
}

func (cb *CircuitBreaker) openError() *CircuitBreakerError {
	return &CircuitBreakerError{
		Name:             cb.name,
		State:            cb.state,
		Failures:         cb.failures,
		FailureThreshold: cb.failureThreshold,
		NextRetry:        cb.lastFailure.Add(cb.timeout),
	}
}
