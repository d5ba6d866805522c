package interceptors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/topicbus/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRetryPolicy struct {
	mock.Mock
}

func (m *mockRetryPolicy) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	args := m.Called(attempt, err)
	return args.Bool(0), args.Get(1).(time.Duration)
}

func (m *mockRetryPolicy) MaxRetries() int {
	args := m.Called()
	return args.Int(0)
}

func TestRetryInterceptor(t *testing.T) {
	t.Run("NewRetryInterceptor creates interceptor", func(t *testing.T) {
		policy := FixedRetry(time.Millisecond, 3)
		interceptor := NewRetryInterceptor(policy)

		assert.Equal(t, policy, interceptor.retryPolicy)
		assert.NotNil(t, interceptor.logger)
		assert.Equal(t, "RetryInterceptor", interceptor.Name())
	})

	t.Run("succeeds without retry", func(t *testing.T) {
		policy := &mockRetryPolicy{}
		handler := &mockHandler{}
		msg := testMessage()
		handler.On("Handle", mock.Anything, msg).Return(nil).Once()

		err := NewRetryInterceptor(policy).WithLogger(quietLogger()).Intercept(context.Background(), msg, handler)

		assert.NoError(t, err)
		handler.AssertExpectations(t)
		policy.AssertNotCalled(t, "ShouldRetry", mock.Anything, mock.Anything)
	})

	t.Run("retries until the handler succeeds", func(t *testing.T) {
		policy := &mockRetryPolicy{}
		handler := &mockHandler{}
		msg := testMessage()
		transient := errors.New("transient")

		handler.On("Handle", mock.Anything, msg).Return(transient).Twice()
		handler.On("Handle", mock.Anything, msg).Return(nil).Once()
		policy.On("ShouldRetry", 0, transient).Return(true, time.Millisecond)
		policy.On("ShouldRetry", 1, transient).Return(true, time.Millisecond)

		err := NewRetryInterceptor(policy).WithLogger(quietLogger()).Intercept(context.Background(), msg, handler)

		assert.NoError(t, err)
		handler.AssertNumberOfCalls(t, "Handle", 3)
		policy.AssertExpectations(t)
	})

	t.Run("returns the last error when retries are exhausted", func(t *testing.T) {
		handler := &mockHandler{}
		msg := testMessage()
		failure := errors.New("still failing")
		handler.On("Handle", mock.Anything, msg).Return(failure)

		err := NewRetryInterceptor(FixedRetry(time.Millisecond, 2)).WithLogger(quietLogger()).
			Intercept(context.Background(), msg, handler)

		assert.Equal(t, failure, err)
		handler.AssertNumberOfCalls(t, "Handle", 3)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		handler := &mockHandler{}
		msg := testMessage()
		cause := errors.New("bad input")
		handler.On("Handle", mock.Anything, msg).Return(Permanent(cause))

		err := NewRetryInterceptor(ExponentialRetry(time.Millisecond, 10*time.Millisecond, 5)).
			WithLogger(quietLogger()).
			Intercept(context.Background(), msg, handler)

		assert.ErrorIs(t, err, cause)
		handler.AssertNumberOfCalls(t, "Handle", 1)
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0

		err := NewRetryInterceptor(FixedRetry(time.Hour, 10)).WithLogger(quietLogger()).
			Intercept(ctx, testMessage(), handlerFunc(func() error {
				calls++
				cancel()
				return errors.New("fail")
			}))

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("Permanent of nil is nil", func(t *testing.T) {
		assert.NoError(t, Permanent(nil))
	})
}

func TestCircuitBreakerInterceptor(t *testing.T) {
	t.Run("opens after the failure threshold", func(t *testing.T) {
		breaker := NewCircuitBreaker("orders", 2, time.Hour, quietLogger())
		interceptor := NewCircuitBreakerInterceptor(breaker)
		handler := &mockHandler{}
		msg := testMessage()
		failure := errors.New("downstream unavailable")
		handler.On("Handle", mock.Anything, msg).Return(failure)

		assert.Equal(t, "CircuitBreakerInterceptor", interceptor.Name())
		assert.ErrorIs(t, interceptor.Intercept(context.Background(), msg, handler), failure)
		assert.ErrorIs(t, interceptor.Intercept(context.Background(), msg, handler), failure)

		err := interceptor.Intercept(context.Background(), msg, handler)
		require.Error(t, err)
		assert.True(t, IsCircuitOpen(err))
		handler.AssertNumberOfCalls(t, "Handle", 2)
	})

	t.Run("successes keep the circuit closed", func(t *testing.T) {
		interceptor := NewCircuitBreakerInterceptor(NewCircuitBreaker("ok", 1, time.Hour, nil))
		handler := &mockHandler{}
		msg := testMessage()
		handler.On("Handle", mock.Anything, msg).Return(nil)

		for i := 0; i < 5; i++ {
			assert.NoError(t, interceptor.Intercept(context.Background(), msg, handler))
		}
		handler.AssertNumberOfCalls(t, "Handle", 5)
	})

	t.Run("IsCircuitOpen is false for other errors", func(t *testing.T) {
		assert.False(t, IsCircuitOpen(errors.New("other")))
		assert.False(t, IsCircuitOpen(nil))
	})
}

type handlerFunc func() error

func (f handlerFunc) Handle(ctx context.Context, msg *contracts.Message) error {
	return f()
}
