package bridge_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/topicbus"
	"github.com/glimte/topicbus/bridge"
	"github.com/glimte/topicbus/contracts"
	"github.com/glimte/topicbus/interceptors"
	"github.com/glimte/topicbus/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startedBroker(t *testing.T) *topicbus.Broker {
	t.Helper()
	b, err := topicbus.New(topicbus.DefaultConfig(), topicbus.WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

type startThread struct {
	Title string `json:"title"`
}

func (startThread) Kind() contracts.Kind { return "StartThread" }

func TestBridgeRequestReply(t *testing.T) {
	ctx := context.Background()
	broker := startedBroker(t)

	require.NoError(t, broker.RouteFunc(ctx, "start.thread", func(ctx context.Context, msg *contracts.Message) error {
		title, _ := msg.Value("title")
		return bridge.Reply(ctx, broker, msg, "thread.started", map[string]any{"threadId": "t-1", "title": title})
	}))

	b, err := bridge.New(ctx, broker, broker, bridge.WithSessionID("s-1"), bridge.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, "s-1", b.SessionID())
	assert.Equal(t, "session.s-1", b.ReplyChannel())

	t.Run("reply is routed back to the requester", func(t *testing.T) {
		reply, err := b.Request(ctx, "start.thread", map[string]any{"title": "hello"}, time.Second)
		require.NoError(t, err)

		assert.Equal(t, "session.s-1.thread.started", reply.GetType())
		assert.Equal(t, "t-1", reply.GetPayload()["threadId"])
		assert.Equal(t, "hello", reply.GetPayload()["title"])
		assert.Equal(t, "s-1", reply.MetaString(bridge.MetaSessionID))
		assert.NotEmpty(t, reply.GetCorrelationID())
		assert.NotEmpty(t, reply.GetCausationID())
		assert.Equal(t, 0, b.PendingRequests())
	})

	t.Run("typed events use their derived routing key", func(t *testing.T) {
		reply, err := b.RequestEvent(ctx, startThread{Title: "typed"}, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "typed", reply.GetPayload()["title"])
	})

	t.Run("bridges sharing a broker only see their own replies", func(t *testing.T) {
		other, err := bridge.New(ctx, broker, broker, bridge.WithLogger(quietLogger()))
		require.NoError(t, err)
		defer other.Close()

		reply, err := other.Request(ctx, "start.thread", nil, time.Second)
		require.NoError(t, err)
		assert.Equal(t, other.ReplyChannel()+".thread.started", reply.GetType())
	})

	t.Run("replies without a pending request are ignored", func(t *testing.T) {
		stray := contracts.NewMessage("session.s-1.thread.started", nil, contracts.WithCorrelationID("unknown"))
		assert.NoError(t, broker.Publish(ctx, stray))
	})
}

func TestBridgeFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("request without a responder times out", func(t *testing.T) {
		broker := startedBroker(t)
		b, err := bridge.New(ctx, broker, broker, bridge.WithLogger(quietLogger()))
		require.NoError(t, err)

		_, err = b.Request(ctx, "nobody.home", nil, 20*time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, b.PendingRequests())
	})

	t.Run("publish errors are returned", func(t *testing.T) {
		broker, err := topicbus.New(topicbus.DefaultConfig(), topicbus.WithLogger(quietLogger()))
		require.NoError(t, err)
		b, err := bridge.New(ctx, broker, broker, bridge.WithLogger(quietLogger()))
		require.NoError(t, err)

		_, err = b.Request(ctx, "a.b", nil, time.Second)
		assert.ErrorIs(t, err, messaging.ErrNotStarted)
	})

	t.Run("closed bridge rejects requests", func(t *testing.T) {
		broker := startedBroker(t)
		b, err := bridge.New(ctx, broker, broker)
		require.NoError(t, err)
		require.NoError(t, b.Close())
		require.NoError(t, b.Close())

		_, err = b.Request(ctx, "a.b", nil, time.Second)
		assert.ErrorIs(t, err, bridge.ErrClosed)
	})

	t.Run("close fails pending requests", func(t *testing.T) {
		broker := startedBroker(t)
		b, err := bridge.New(ctx, broker, broker, bridge.WithLogger(quietLogger()))
		require.NoError(t, err)

		errs := make(chan error, 1)
		go func() {
			_, err := b.Request(ctx, "nobody.home", nil, 5*time.Second)
			errs <- err
		}()

		require.Eventually(t, func() bool { return b.PendingRequests() == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, b.Close())

		select {
		case err := <-errs:
			assert.ErrorIs(t, err, bridge.ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("pending request was not released")
		}
	})

	t.Run("pending requests are bounded", func(t *testing.T) {
		broker := startedBroker(t)
		b, err := bridge.New(ctx, broker, broker, bridge.WithMaxPendingRequests(1), bridge.WithLogger(quietLogger()))
		require.NoError(t, err)
		defer b.Close()

		go func() { _, _ = b.Request(ctx, "nobody.home", nil, time.Second) }()
		require.Eventually(t, func() bool { return b.PendingRequests() == 1 }, time.Second, 5*time.Millisecond)

		_, err = b.Request(ctx, "nobody.home", nil, time.Second)
		assert.ErrorIs(t, err, bridge.ErrTooManyRequests)
	})

	t.Run("reply needs a reply channel", func(t *testing.T) {
		broker := startedBroker(t)
		err := bridge.Reply(ctx, broker, contracts.NewMessage("a.b", nil), "done", nil)
		assert.ErrorIs(t, err, bridge.ErrNoReplyChannel)
	})

	t.Run("reply channel cannot contain wildcards", func(t *testing.T) {
		broker := startedBroker(t)
		_, err := bridge.New(ctx, broker, broker, bridge.WithReplyChannel("session.*"))
		assert.ErrorIs(t, err, messaging.ErrInvalidPattern)
	})

	t.Run("nil collaborators are rejected", func(t *testing.T) {
		broker := startedBroker(t)
		_, err := bridge.New(ctx, nil, broker)
		assert.Error(t, err)
		_, err = bridge.New(ctx, broker, nil)
		assert.Error(t, err)
	})
}

type failingPublisher struct {
	calls atomic.Int32
	err   error
}

func (p *failingPublisher) Publish(ctx context.Context, msg *contracts.Message) error {
	p.calls.Add(1)
	return p.err
}

func TestBridgeReliability(t *testing.T) {
	ctx := context.Background()
	unavailable := errors.New("unavailable")

	t.Run("publishes are retried", func(t *testing.T) {
		broker := startedBroker(t)
		pub := &failingPublisher{err: unavailable}
		b, err := bridge.New(ctx, pub, broker,
			bridge.WithRetryPolicy(interceptors.FixedRetry(time.Millisecond, 2)),
			bridge.WithLogger(quietLogger()),
		)
		require.NoError(t, err)

		_, err = b.Request(ctx, "a.b", nil, time.Second)
		assert.ErrorIs(t, err, unavailable)
		assert.Equal(t, int32(3), pub.calls.Load())
	})

	t.Run("circuit breaker stops publishing", func(t *testing.T) {
		broker := startedBroker(t)
		pub := &failingPublisher{err: unavailable}
		b, err := bridge.New(ctx, pub, broker,
			bridge.WithCircuitBreaker(interceptors.NewCircuitBreaker("bridge", 1, time.Hour, quietLogger())),
			bridge.WithLogger(quietLogger()),
		)
		require.NoError(t, err)

		_, err = b.Request(ctx, "a.b", nil, time.Second)
		assert.ErrorIs(t, err, unavailable)

		_, err = b.Request(ctx, "a.b", nil, time.Second)
		assert.True(t, interceptors.IsCircuitOpen(err))
		assert.Equal(t, int32(1), pub.calls.Load())
	})
}
