// Package memory provides the in-process reference transport.
package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/topicbus/contracts"
	"github.com/glimte/topicbus/messaging"
)

// Transport delivers messages in-process through a route table.
// Publish runs every matching handler sequentially before returning.
type Transport struct {
	mu        sync.RWMutex
	started   bool
	routes    *messaging.RouteTable
	retention messaging.RetentionPolicy
	logger    *slog.Logger
}

// Option configures the transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithRetention sets what happens to subscriptions on Stop
func WithRetention(policy messaging.RetentionPolicy) Option {
	return func(t *Transport) {
		t.retention = policy
	}
}

// NewTransport creates a stopped in-process transport
func NewTransport(options ...Option) *Transport {
	t := &Transport{
		routes:    messaging.NewRouteTable(),
		retention: messaging.RetainSubscriptions,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Start begins accepting publishes. Starting a started transport is a no-op.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return nil
	}
	t.started = true

	t.logger.Debug("memory transport started", "subscriptions", t.routes.Len())
	return nil
}

// Stop stops accepting publishes. Routes are kept or dropped according to
// the retention policy.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		return nil
	}
	t.started = false

	if t.retention == messaging.DropSubscriptions {
		t.routes.Reset()
	}

	t.logger.Debug("memory transport stopped", "retention", t.retention.String())
	return nil
}

// Publish delivers msg to every handler whose pattern matches its routing key.
// Handler failures are returned as a *messaging.DeliveryError after all
// handlers have run.
func (t *Transport) Publish(ctx context.Context, msg *contracts.Message) error {
	if msg == nil {
		return messaging.ErrNilMessage
	}

	t.mu.RLock()
	if !t.started {
		t.mu.RUnlock()
		return messaging.ErrNotStarted
	}
	subs := t.routes.Lookup(msg.GetType())
	t.mu.RUnlock()

	if len(subs) == 0 {
		t.logger.Debug("no route for message", "routingKey", msg.GetType(), "messageId", msg.GetID())
		return nil
	}

	err := messaging.Deliver(ctx, subs, msg)
	if err != nil {
		t.logger.Warn("message delivery had failures",
			"routingKey", msg.GetType(),
			"messageId", msg.GetID(),
			"handlers", len(subs),
			"failures", len(messaging.HandlerFailures(err)),
		)
	}
	return err
}

// Subscribe registers handler for pattern. Registrations made while stopped
// take effect on Start.
func (t *Transport) Subscribe(ctx context.Context, pattern string, handler messaging.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.routes.Add(pattern, handler); err != nil {
		return err
	}

	t.logger.Debug("subscribed", "pattern", pattern, "started", t.started)
	return nil
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

// HealthCheck implements messaging.HealthChecker
func (t *Transport) HealthCheck(ctx context.Context) error {
	if t.State() != messaging.StateStarted {
		return messaging.ErrNotStarted
	}
	return nil
}

// Routes exposes the route table for inspection
func (t *Transport) Routes() *messaging.RouteTable {
	return t.routes
}
