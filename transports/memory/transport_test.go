package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/glimte/topicbus/contracts"
	"github.com/glimte/topicbus/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	calls atomic.Int32
	last  atomic.Pointer[contracts.Message]
}

func (c *counter) Handle(ctx context.Context, msg *contracts.Message) error {
	c.calls.Add(1)
	c.last.Store(msg)
	return nil
}

func (c *counter) count() int {
	return int(c.calls.Load())
}

func TestTransportRouting(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers to every matching pattern exactly once", func(t *testing.T) {
		tr := NewTransport()
		wildcard, hash, literal, other := &counter{}, &counter{}, &counter{}, &counter{}

		require.NoError(t, tr.Subscribe(ctx, "alpha.*.gamma", wildcard))
		require.NoError(t, tr.Subscribe(ctx, "alpha.#", hash))
		require.NoError(t, tr.Subscribe(ctx, "alpha.beta.gamma", literal))
		require.NoError(t, tr.Subscribe(ctx, "x.y", other))
		require.NoError(t, tr.Start(ctx))

		msg := contracts.NewMessage("alpha.beta.gamma", map[string]any{"n": 1})
		require.NoError(t, tr.Publish(ctx, msg))

		assert.Equal(t, 1, wildcard.count())
		assert.Equal(t, 1, hash.count())
		assert.Equal(t, 1, literal.count())
		assert.Equal(t, 0, other.count())
		assert.Equal(t, msg.GetID(), literal.last.Load().GetID())
	})

	t.Run("publish with no matching route succeeds", func(t *testing.T) {
		tr := NewTransport()
		h := &counter{}
		require.NoError(t, tr.Subscribe(ctx, "a.b", h))
		require.NoError(t, tr.Start(ctx))

		assert.NoError(t, tr.Publish(ctx, contracts.NewMessage("c.d", nil)))
		assert.Equal(t, 0, h.count())
	})

	t.Run("subscribe after start is routed", func(t *testing.T) {
		tr := NewTransport()
		require.NoError(t, tr.Start(ctx))

		h := &counter{}
		require.NoError(t, tr.Subscribe(ctx, "orders.#", h))
		require.NoError(t, tr.Publish(ctx, contracts.NewMessage("orders.created", nil)))
		assert.Equal(t, 1, h.count())
	})

	t.Run("hash matches the empty routing key", func(t *testing.T) {
		tr := NewTransport()
		all, star := &counter{}, &counter{}
		require.NoError(t, tr.Subscribe(ctx, "#", all))
		require.NoError(t, tr.Subscribe(ctx, "*", star))
		require.NoError(t, tr.Start(ctx))

		require.NoError(t, tr.Publish(ctx, contracts.NewMessage("", nil)))
		assert.Equal(t, 1, all.count())
		assert.Equal(t, 0, star.count())
	})

	t.Run("same handler on two patterns runs twice", func(t *testing.T) {
		tr := NewTransport()
		h := &counter{}
		require.NoError(t, tr.Subscribe(ctx, "a.*", h))
		require.NoError(t, tr.Subscribe(ctx, "a.#", h))
		require.NoError(t, tr.Start(ctx))

		require.NoError(t, tr.Publish(ctx, contracts.NewMessage("a.b", nil)))
		assert.Equal(t, 2, h.count())
	})

	t.Run("invalid subscriptions are rejected", func(t *testing.T) {
		tr := NewTransport()
		assert.ErrorIs(t, tr.Subscribe(ctx, "#.a", &counter{}), messaging.ErrInvalidPattern)
		assert.ErrorIs(t, tr.Subscribe(ctx, "a", nil), messaging.ErrNilHandler)
		assert.Equal(t, 0, tr.Routes().Len())
	})

	t.Run("nil message is rejected", func(t *testing.T) {
		tr := NewTransport()
		require.NoError(t, tr.Start(ctx))
		assert.ErrorIs(t, tr.Publish(ctx, nil), messaging.ErrNilMessage)
	})
}

func TestTransportLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("publish before start fails", func(t *testing.T) {
		tr := NewTransport()
		h := &counter{}
		require.NoError(t, tr.Subscribe(ctx, "a", h))

		err := tr.Publish(ctx, contracts.NewMessage("a", nil))
		assert.ErrorIs(t, err, messaging.ErrNotStarted)
		assert.Equal(t, 0, h.count())
	})

	t.Run("publish after stop fails", func(t *testing.T) {
		tr := NewTransport()
		require.NoError(t, tr.Start(ctx))
		require.NoError(t, tr.Stop(ctx))

		assert.ErrorIs(t, tr.Publish(ctx, contracts.NewMessage("a", nil)), messaging.ErrNotStarted)
	})

	t.Run("start and stop are idempotent", func(t *testing.T) {
		tr := NewTransport()
		require.NoError(t, tr.Start(ctx))
		require.NoError(t, tr.Start(ctx))
		assert.Equal(t, messaging.StateStarted, tr.State())

		require.NoError(t, tr.Stop(ctx))
		require.NoError(t, tr.Stop(ctx))
		assert.Equal(t, messaging.StateStopped, tr.State())
	})

	t.Run("health follows state", func(t *testing.T) {
		tr := NewTransport()
		assert.ErrorIs(t, tr.HealthCheck(ctx), messaging.ErrNotStarted)
		require.NoError(t, tr.Start(ctx))
		assert.NoError(t, tr.HealthCheck(ctx))
	})

	t.Run("subscriptions survive a restart by default", func(t *testing.T) {
		tr := NewTransport()
		h := &counter{}
		require.NoError(t, tr.Subscribe(ctx, "a.#", h))
		require.NoError(t, tr.Start(ctx))
		require.NoError(t, tr.Stop(ctx))
		require.NoError(t, tr.Start(ctx))

		require.NoError(t, tr.Publish(ctx, contracts.NewMessage("a.b", nil)))
		assert.Equal(t, 1, h.count())
	})

	t.Run("drop retention clears subscriptions on stop", func(t *testing.T) {
		tr := NewTransport(WithRetention(messaging.DropSubscriptions))
		h := &counter{}
		require.NoError(t, tr.Subscribe(ctx, "a.#", h))
		require.NoError(t, tr.Start(ctx))
		require.NoError(t, tr.Stop(ctx))
		require.NoError(t, tr.Start(ctx))

		require.NoError(t, tr.Publish(ctx, contracts.NewMessage("a.b", nil)))
		assert.Equal(t, 0, h.count())
		assert.Equal(t, 0, tr.Routes().Len())
	})
}

func TestTransportHandlerFailures(t *testing.T) {
	ctx := context.Background()
	tr := NewTransport()
	boom := errors.New("boom")
	after := &counter{}

	require.NoError(t, tr.Subscribe(ctx, "a.#", messaging.HandlerFunc(func(ctx context.Context, msg *contracts.Message) error {
		return boom
	})))
	require.NoError(t, tr.Subscribe(ctx, "a.*", messaging.HandlerFunc(func(ctx context.Context, msg *contracts.Message) error {
		panic("handler exploded")
	})))
	require.NoError(t, tr.Subscribe(ctx, "a.b", after))
	require.NoError(t, tr.Start(ctx))

	err := tr.Publish(ctx, contracts.NewMessage("a.b", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, after.count())

	failures := messaging.HandlerFailures(err)
	require.Len(t, failures, 2)
	assert.Equal(t, "a.#", failures[0].Pattern)
	assert.True(t, failures[1].Panicked)

	// the transport keeps working after failures
	require.NoError(t, tr.Publish(ctx, contracts.NewMessage("a.b.c", nil)))
}

func TestTransportConcurrency(t *testing.T) {
	ctx := context.Background()
	tr := NewTransport()
	h := &counter{}
	require.NoError(t, tr.Subscribe(ctx, "load.#", h))
	require.NoError(t, tr.Start(ctx))

	const publishers = 8
	const perPublisher = 50

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(2)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				assert.NoError(t, tr.Publish(ctx, contracts.NewMessage(fmt.Sprintf("load.%d.%d", p, i), nil)))
			}
		}(p)
		go func(p int) {
			defer wg.Done()
			assert.NoError(t, tr.Subscribe(ctx, fmt.Sprintf("unrelated.%d", p), &counter{}))
		}(p)
	}
	wg.Wait()

	assert.Equal(t, publishers*perPublisher, h.count())
}

func TestTransportHandlerCanPublish(t *testing.T) {
	ctx := context.Background()
	tr := NewTransport()
	reply := &counter{}

	require.NoError(t, tr.Subscribe(ctx, "ping", messaging.HandlerFunc(func(ctx context.Context, msg *contracts.Message) error {
		return tr.Publish(ctx, contracts.NewMessage("pong", nil, contracts.WithCausedBy(msg)))
	})))
	require.NoError(t, tr.Subscribe(ctx, "pong", reply))
	require.NoError(t, tr.Start(ctx))

	ping := contracts.NewMessage("ping", nil)
	require.NoError(t, tr.Publish(ctx, ping))
	require.Equal(t, 1, reply.count())
	assert.Equal(t, ping.GetID(), reply.last.Load().GetCausationID())
}
