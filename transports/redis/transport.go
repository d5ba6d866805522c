// Package redis implements messaging.Transport on Redis pub/sub.
//
// Routing keys map to channels under a prefix. Each subscription holds its own
// PSUBSCRIBE connection with a glob covering its binding pattern; deliveries
// are filtered with messaging.Match so matching stays exact.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/glimte/topicbus/contracts"
	"github.com/glimte/topicbus/messaging"
	"github.com/redis/go-redis/v9"
)

// Transport implements messaging.Transport for Redis pub/sub
type Transport struct {
	url     string
	cfg     config
	channel channelMapper

	// lifecycle serializes Start and Stop; mu guards the fields below it
	lifecycle sync.Mutex

	mu      sync.RWMutex
	started bool
	client  *redis.Client
	active  []*binding
	pending messaging.PendingSubscriptions
	workers sync.WaitGroup
}

type binding struct {
	sub    messaging.Subscription
	glob   string
	pubsub *redis.PubSub
}

// NewTransport creates a stopped transport for the server at url
// (redis://[user:password@]host:port/db)
func NewTransport(url string, options ...TransportOption) *Transport {
	cfg := defaultConfig()
	for _, opt := range options {
		opt(&cfg)
	}

	return &Transport{
		url:     url,
		cfg:     cfg,
		channel: channelMapper{prefix: cfg.prefix},
	}
}

func (t *Transport) clientOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(t.url)
	if err != nil {
		return nil, fmt.Errorf("redis transport: parse url: %w", err)
	}
	opts.ClientName = t.cfg.clientName
	opts.PoolSize = t.cfg.poolSize
	for _, fn := range t.cfg.configure {
		fn(opts)
	}
	return opts, nil
}

// Start connects and subscribes every subscription registered so far
func (t *Transport) Start(ctx context.Context) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}

	addr, err := t.connect(ctx)
	if err != nil {
		res := t.detach()
		t.mu.Unlock()
		_ = t.release(res)
		return err
	}

	t.started = true
	bound := len(t.active)
	t.mu.Unlock()

	t.cfg.logger.Info("redis transport started",
		"addr", addr,
		"prefix", t.cfg.prefix,
		"subscriptions", bound,
	)
	return nil
}

// connect must be called with mu held
func (t *Transport) connect(ctx context.Context) (string, error) {
	opts, err := t.clientOptions()
	if err != nil {
		return "", err
	}

	t.client = redis.NewClient(opts)
	if err := t.client.Ping(ctx).Err(); err != nil {
		return "", fmt.Errorf("redis transport: ping %s: %w", opts.Addr, err)
	}

	if err := t.pending.Drain(func(sub messaging.Subscription) error {
		return t.bind(ctx, sub)
	}); err != nil {
		return "", fmt.Errorf("redis transport: bind pending subscriptions: %w", err)
	}
	return opts.Addr, nil
}

// Stop closes every subscription and the client. Handlers still running
// when Stop is called may publish; they get ErrNotStarted.
func (t *Transport) Stop(ctx context.Context) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	res := t.detach()
	t.mu.Unlock()

	err := t.release(res)
	if t.cfg.retention == messaging.DropSubscriptions {
		t.pending.Clear()
	}

	t.cfg.logger.Info("redis transport stopped", "retention", t.cfg.retention.String())
	return err
}

type resources struct {
	client   *redis.Client
	bindings []*binding
}

// detach moves live subscriptions back into the pending queue and hands the
// connections to the caller. Must be called with mu held.
func (t *Transport) detach() resources {
	res := resources{client: t.client, bindings: t.active}

	subs := make([]messaging.Subscription, 0, len(t.active))
	for _, b := range t.active {
		subs = append(subs, b.sub)
	}
	t.pending.Requeue(subs)

	t.active = nil
	t.client = nil
	return res
}

// release closes what detach returned and waits for the delivery workers.
// mu must not be held: a worker may be inside a handler that publishes.
func (t *Transport) release(res resources) error {
	var errs []error
	for _, b := range res.bindings {
		if err := b.pubsub.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	t.workers.Wait()

	if res.client != nil {
		if err := res.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publish sends msg on the channel derived from its routing key
func (t *Transport) Publish(ctx context.Context, msg *contracts.Message) error {
	if msg == nil {
		return messaging.ErrNilMessage
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.started {
		return messaging.ErrNotStarted
	}

	data, err := contracts.EncodeEnvelope(msg)
	if err != nil {
		return fmt.Errorf("redis transport: encode %s: %w", msg.GetID(), err)
	}

	channel := t.channel.Channel(msg.GetType())
	if err := t.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis transport: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe binds handler to pattern. After Start the subscription is
// confirmed by the server before Subscribe returns.
func (t *Transport) Subscribe(ctx context.Context, pattern string, handler messaging.Handler) error {
	if handler == nil {
		return messaging.ErrNilHandler
	}
	if err := messaging.ValidatePattern(pattern); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		t.pending.Add(pattern, handler)
		return nil
	}
	return t.bind(ctx, messaging.Subscription{Pattern: pattern, Handler: handler})
}

// bind must be called with mu held
func (t *Transport) bind(ctx context.Context, sub messaging.Subscription) error {
	glob := t.channel.Glob(sub.Pattern)
	pubsub := t.client.PSubscribe(ctx, glob)

	// wait for the psubscribe confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis transport: psubscribe %s: %w", glob, err)
	}

	b := &binding{sub: sub, glob: glob, pubsub: pubsub}
	t.active = append(t.active, b)

	messages := pubsub.Channel()
	t.workers.Add(1)
	go func() {
		defer t.workers.Done()
		for m := range messages {
			t.deliver(b.sub, m)
		}
	}()

	t.cfg.logger.Debug("subscription bound", "pattern", sub.Pattern, "glob", glob)
	return nil
}

// deliver runs the handler for a message that matches the binding pattern.
// Malformed payloads are dropped.
func (t *Transport) deliver(sub messaging.Subscription, m *redis.Message) {
	routingKey, ok := t.channel.RoutingKey(m.Channel)
	if !ok || !messaging.Match(sub.Pattern, routingKey) {
		return
	}

	msg, err := contracts.DecodeMessage([]byte(m.Payload), routingKey)
	if err != nil {
		t.cfg.logger.Warn("dropping malformed message",
			"pattern", sub.Pattern,
			"channel", m.Channel,
			"error", err,
		)
		return
	}

	if herr := messaging.Invoke(context.Background(), sub, msg); herr != nil {
		t.cfg.logger.Error("handler failed",
			"pattern", sub.Pattern,
			"routingKey", routingKey,
			"messageId", msg.GetID(),
			"panicked", herr.Panicked,
			"error", herr.Err,
		)
	}
}

// State implements messaging.StateReporter
func (t *Transport) State() messaging.State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.started {
		return messaging.StateStarted
	}
	return messaging.StateStopped
}

// HealthCheck pings the server
func (t *Transport) HealthCheck(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.started {
		return messaging.ErrNotStarted
	}
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis transport: ping: %w", err)
	}
	return nil
}

// Subscriptions returns the patterns of live subscriptions and the number queued
func (t *Transport) Subscriptions() (active []string, pending int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, b := range t.active {
		active = append(active, b.sub.Pattern)
	}
	return active, t.pending.Len()
}
