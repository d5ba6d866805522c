package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with jitter enabled", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxRetries())
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			retry, delay := eb.ShouldRetry(i, errors.New("test"))
			assert.True(t, retry)
			assert.Greater(t, delay, time.Duration(0))
		}

		retry, delay := eb.ShouldRetry(3, errors.New("test"))
		assert.False(t, retry)
		assert.Zero(t, delay)
	})

	t.Run("NextDelay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{4, 1600 * time.Millisecond},
			{10, 10 * time.Second},
		}

		for _, tt := range tests {
			t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
				assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt))
			})
		}
	})

	t.Run("jitter stays within fifteen percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)

		for i := 0; i < 20; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		retry, _ := eb.ShouldRetry(0, Permanent(errors.New("bad input")))
		assert.False(t, retry)
	})
}

func TestFixedDelay(t *testing.T) {
	fd := NewFixedDelay(750*time.Millisecond, 2)

	retry, delay := fd.ShouldRetry(0, errors.New("x"))
	assert.True(t, retry)
	assert.Equal(t, 750*time.Millisecond, delay)

	retry, _ = fd.ShouldRetry(2, errors.New("x"))
	assert.False(t, retry)
	assert.Equal(t, 2, fd.MaxRetries())
}

func TestRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func(ctx context.Context) error {
			attempts++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("retries until success", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("returns the last error after max retries", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func(ctx context.Context) error {
			attempts++
			return fmt.Errorf("attempt %d", attempts)
		})

		assert.EqualError(t, err, "attempt 3")
		assert.Equal(t, 3, attempts)
	})

	t.Run("stops on permanent errors", func(t *testing.T) {
		base := errors.New("invalid")
		attempts := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func(ctx context.Context) error {
			attempts++
			return Permanent(base)
		})

		assert.ErrorIs(t, err, base)
		assert.Equal(t, 1, attempts)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var attempts atomic.Int32

		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		err := Retry(ctx, NewFixedDelay(time.Second, 5), func(ctx context.Context) error {
			attempts.Add(1)
			return errors.New("error")
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.LessOrEqual(t, attempts.Load(), int32(2))
	})

	t.Run("does not start on a done context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		called := false
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 5), func(ctx context.Context) error {
			called = true
			return nil
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(Permanent(errors.New("x"))))
	assert.False(t, IsRetryable(fmt.Errorf("wrapped: %w", Permanent(errors.New("x")))))
	assert.True(t, IsRetryable(RetryableError{Err: errors.New("x"), Retryable: true}))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(fmt.Errorf("op: %w", context.DeadlineExceeded)))
	assert.False(t, IsRetryable(&CircuitBreakerError{Name: "x", State: StateOpen}))

	require.Nil(t, Permanent(nil))
}
