// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package topicbus is a publish/subscribe facility with AMQP topic routing
// over a pluggable transport.
//
// Routing keys are dot-separated words. Patterns use "*" for exactly one word
// and a trailing "#" for zero or more words:
//
//	broker, _ := topicbus.New(topicbus.DefaultConfig())
//	_ = broker.RouteFunc(ctx, "thread.*", func(ctx context.Context, msg *contracts.Message) error {
//		return nil
//	})
//	_ = broker.Start(ctx)
//	_ = broker.Emit(ctx, "thread.started", map[string]any{"id": "t-1"}, nil)
//
// The memory backend delivers in-process and synchronously. The rabbitmq,
// nats and redis backends deliver through an external server.
package topicbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/topicbus/contracts"
	"github.com/glimte/topicbus/health"
	"github.com/glimte/topicbus/interceptors"
	"github.com/glimte/topicbus/messaging"
	"github.com/trickstertwo/xclock"
)

// Broker is the facade applications publish and subscribe through
type Broker struct {
	transport messaging.Transport
	chain     *interceptors.Chain
	logger    *slog.Logger
	clock     xclock.Clock
	name      string
}

// New creates a broker on the transport cfg selects
func New(cfg Config, opts ...Option) (*Broker, error) {
	o := newBrokerOptions(opts)

	transport, err := NewTransport(cfg, o.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	b := newBroker(transport, o)
	b.name = string(cfg.backend())
	return b, nil
}

// NewBroker creates a broker on an existing transport
func NewBroker(transport messaging.Transport, opts ...Option) *Broker {
	return newBroker(transport, newBrokerOptions(opts))
}

func newBroker(transport messaging.Transport, o brokerOptions) *Broker {
	b := &Broker{
		transport: transport,
		logger:    o.logger,
		clock:     o.clock,
		name:      "transport",
	}
	if len(o.interceptors) > 0 {
		b.chain = interceptors.NewChain(o.logger).Add(o.interceptors...)
	}
	return b
}

// Start starts the transport
func (b *Broker) Start(ctx context.Context) error {
	if err := b.transport.Start(ctx); err != nil {
		return err
	}
	b.logger.Info("broker started", "transport", b.name)
	return nil
}

// Stop stops the transport
func (b *Broker) Stop(ctx context.Context) error {
	if err := b.transport.Stop(ctx); err != nil {
		return err
	}
	b.logger.Info("broker stopped", "transport", b.name)
	return nil
}

// Publish hands msg to the transport and returns the transport's error
// unchanged
func (b *Broker) Publish(ctx context.Context, msg *contracts.Message) error {
	return b.transport.Publish(ctx, msg)
}

// Emit builds a message from routingKey, payload and meta and publishes it.
// Meta travels with the message but is never matched against patterns.
func (b *Broker) Emit(ctx context.Context, routingKey string, payload map[string]any, meta map[string]any) error {
	opts := []contracts.MessageOption{contracts.WithTimestamp(b.clock.Now().UTC())}
	if len(meta) > 0 {
		opts = append(opts, contracts.WithMeta(meta))
	}
	return b.Publish(ctx, contracts.NewMessage(routingKey, payload, opts...))
}

// PublishEvent converts ev into a message routed by its kind and publishes it
func (b *Broker) PublishEvent(ctx context.Context, ev contracts.Event, opts ...contracts.MessageOption) error {
	opts = append([]contracts.MessageOption{contracts.WithTimestamp(b.clock.Now().UTC())}, opts...)
	msg, err := contracts.NewEventMessage(ev, opts...)
	if err != nil {
		return err
	}
	return b.Publish(ctx, msg)
}

// Route registers handler for pattern. When Route returns nil the handler
// receives every matching message published afterwards, or, on a stopped
// transport, every one published after the next Start.
func (b *Broker) Route(ctx context.Context, pattern string, handler messaging.Handler) error {
	if handler == nil {
		return messaging.ErrNilHandler
	}
	if b.chain != nil {
		handler = b.chain.Wrap(handler)
	}

	if err := b.transport.Subscribe(ctx, pattern, handler); err != nil {
		return err
	}

	b.logger.Debug("route registered", "pattern", pattern)
	return nil
}

// RouteFunc registers a handler function for pattern
func (b *Broker) RouteFunc(ctx context.Context, pattern string, fn func(ctx context.Context, msg *contracts.Message) error) error {
	if fn == nil {
		return messaging.ErrNilHandler
	}
	return b.Route(ctx, pattern, messaging.HandlerFunc(fn))
}

// Transport returns the underlying transport
func (b *Broker) Transport() messaging.Transport {
	return b.transport
}

// HealthChecker returns a checker for the broker's transport
func (b *Broker) HealthChecker() health.Checker {
	return health.NewTransportChecker(b.name, b.transport)
}
