// Package nats implements messaging.Transport on NATS core subjects.
//
// Routing keys map to subjects under a prefix and binding patterns to subject
// wildcards. Deliveries are checked against the binding pattern again before
// the handler runs, so matching is identical to the in-memory transport.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/topicbus/contracts"
	"github.com/glimte/topicbus/messaging"
	"github.com/nats-io/nats.go"
)

// ErrNotConnected is returned by HealthCheck while the client is reconnecting
var ErrNotConnected = errors.New("nats transport: not connected")

// Transport implements messaging.Transport for NATS
type Transport struct {
	url     string
	cfg     config
	subject subjectMapper

	mu      sync.RWMutex
	started bool
	conn    *nats.Conn
	active  []*binding
	pending messaging.PendingSubscriptions
}

type binding struct {
	sub  messaging.Subscription
	nsub []*nats.Subscription
}

// NewTransport creates a stopped transport for the server at url
func NewTransport(url string, options ...TransportOption) *Transport {
	cfg := defaultConfig()
	for _, opt := range options {
		opt(&cfg)
	}

	return &Transport{
		url:     url,
		cfg:     cfg,
		subject: subjectMapper{prefix: cfg.prefix},
	}
}

// Start connects and subscribes every subscription registered so far
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := nats.Connect(t.url, t.natsOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("nats transport: connect: %w", err)
	}
	t.conn = conn

	if err := t.pending.Drain(t.bind); err != nil {
		_ = t.teardown()
		return fmt.Errorf("nats transport: bind pending subscriptions: %w", err)
	}
	if err := t.conn.FlushTimeout(t.cfg.flushTimeout); err != nil {
		_ = t.teardown()
		return fmt.Errorf("nats transport: flush subscriptions: %w", err)
	}

	t.started = true
	t.cfg.logger.Info("nats transport started",
		"server", conn.ConnectedUrlRedacted(),
		"prefix", t.cfg.prefix,
		"subscriptions", len(t.active),
	)
	return nil
}

func (t *Transport) natsOptions(ctx context.Context) []nats.Option {
	timeout := t.cfg.connectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	logger := t.cfg.logger
	opts := []nats.Option{
		nats.Name(t.cfg.clientName),
		nats.Timeout(timeout),
		nats.ReconnectWait(t.cfg.reconnectWait),
		nats.MaxReconnects(t.cfg.maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "server", nc.ConnectedUrlRedacted())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	return append(opts, t.cfg.natsOptions...)
}

// Stop unsubscribes everything and closes the connection
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		return nil
	}
	t.started = false

	err := t.teardown()
	if t.cfg.retention == messaging.DropSubscriptions {
		t.pending.Clear()
	}

	t.cfg.logger.Info("nats transport stopped", "retention", t.cfg.retention.String())
	return err
}

// teardown must be called with mu held
func (t *Transport) teardown() error {
	subs := make([]messaging.Subscription, 0, len(t.active))
	var errs []error
	for _, b := range t.active {
		subs = append(subs, b.sub)
		for _, ns := range b.nsub {
			if err := ns.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
				errs = append(errs, err)
			}
		}
	}
	t.pending.Requeue(subs)
	t.active = nil

	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	return errors.Join(errs...)
}

// Publish sends msg on the subject derived from its routing key
func (t *Transport) Publish(ctx context.Context, msg *contracts.Message) error {
	if msg == nil {
		return messaging.ErrNilMessage
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.started {
		return messaging.ErrNotStarted
	}

	subject, err := t.subject.Subject(msg.GetType())
	if err != nil {
		return err
	}
	data, err := contracts.EncodeEnvelope(msg)
	if err != nil {
		return fmt.Errorf("nats transport: encode %s: %w", msg.GetID(), err)
	}

	out := nats.NewMsg(subject)
	out.Data = data
	out.Header.Set("Content-Type", contracts.ContentType)
	out.Header.Set(nats.MsgIdHdr, msg.GetID())

	if err := t.conn.PublishMsg(out); err != nil {
		return fmt.Errorf("nats transport: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe binds handler to pattern. After Start the subscription is
// confirmed by the server before Subscribe returns.
func (t *Transport) Subscribe(ctx context.Context, pattern string, handler messaging.Handler) error {
	if handler == nil {
		return messaging.ErrNilHandler
	}
	if _, err := t.subject.Subjects(pattern); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		t.pending.Add(pattern, handler)
		return nil
	}

	sub := messaging.Subscription{Pattern: pattern, Handler: handler}
	if err := t.bind(sub); err != nil {
		return err
	}
	if err := t.conn.FlushTimeout(t.cfg.flushTimeout); err != nil {
		t.unbind(t.active[len(t.active)-1])
		return fmt.Errorf("nats transport: flush subscription %q: %w", pattern, err)
	}
	return nil
}

// unbind drops b from the live subscriptions and unsubscribes its subjects.
// Must be called with mu held.
func (t *Transport) unbind(b *binding) {
	for i, live := range t.active {
		if live == b {
			t.active = append(t.active[:i:i], t.active[i+1:]...)
			break
		}
	}
	for _, ns := range b.nsub {
		_ = ns.Unsubscribe()
	}
}

// bind must be called with mu held
func (t *Transport) bind(sub messaging.Subscription) error {
	subjects, err := t.subject.Subjects(sub.Pattern)
	if err != nil {
		return err
	}

	b := &binding{sub: sub}
	callback := t.deliver(sub)
	for _, subject := range subjects {
		ns, err := t.conn.Subscribe(subject, callback)
		if err != nil {
			for _, prev := range b.nsub {
				_ = prev.Unsubscribe()
			}
			return fmt.Errorf("nats transport: subscribe %s: %w", subject, err)
		}
		b.nsub = append(b.nsub, ns)
	}

	t.active = append(t.active, b)
	t.cfg.logger.Debug("subscription bound", "pattern", sub.Pattern, "subjects", subjects)
	return nil
}

// deliver returns the NATS callback for sub. Malformed payloads are dropped.
func (t *Transport) deliver(sub messaging.Subscription) nats.MsgHandler {
	return func(m *nats.Msg) {
		routingKey := t.subject.RoutingKey(m.Subject)
		if !messaging.Match(sub.Pattern, routingKey) {
			return
		}

		msg, err := contracts.DecodeMessage(m.Data, routingKey)
		if err != nil {
			t.cfg.logger.Warn("dropping malformed message",
				"pattern", sub.Pattern,
				"subject", m.Subject,
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

// HealthCheck reports an error unless the transport is started and connected
func (t *Transport) HealthCheck(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.started {
		return messaging.ErrNotStarted
	}
	if status := t.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("%w: %s", ErrNotConnected, status)
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
