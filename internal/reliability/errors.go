package reliability

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is matched by every *CircuitBreakerError
var ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

// CircuitBreakerError is returned when the breaker rejects a call
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %s half-open: trial call limit reached", e.Name)
	}
	return fmt.Sprintf("circuit breaker %s open: call blocked (failures=%d/%d, retry after %s)",
		e.Name, e.Failures, e.FailureThreshold, e.NextRetry.Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrCircuitOpen) true
func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// IsRetryable reports false
func (e *CircuitBreakerError) IsRetryable() bool {
	return false
}

// IsCircuitOpen reports whether err was returned by a breaker rejecting a call
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
