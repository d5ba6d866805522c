package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/topicbus/contracts"
	"github.com/glimte/topicbus/interceptors"
	"github.com/glimte/topicbus/internal/reliability"
	"github.com/glimte/topicbus/messaging"
	"github.com/google/uuid"
)

// Meta keys carried by requests and replies
const (
	MetaSessionID    = "session_id"
	MetaReplyChannel = "reply_channel"
)

var (
	// ErrClosed is returned by requests on a closed bridge
	ErrClosed = errors.New("bridge: closed")
	// ErrTooManyRequests is returned when the pending request limit is reached
	ErrTooManyRequests = errors.New("bridge: too many pending requests")
	// ErrNoReplyChannel is returned by Reply for a request without a reply channel
	ErrNoReplyChannel = errors.New("bridge: request has no reply channel")
)

// Publisher publishes messages
type Publisher interface {
	Publish(ctx context.Context, msg *contracts.Message) error
}

// Router registers handlers for patterns
type Router interface {
	Route(ctx context.Context, pattern string, handler messaging.Handler) error
}

type pendingRequest struct {
	replies chan *contracts.Message
}

// Bridge sends requests and waits for the reply published on its session's
// reply channel. Replies are matched to requests by correlation ID.
type Bridge struct {
	publisher      Publisher
	sessionID      string
	replyChannel   string
	circuitBreaker interceptors.CircuitBreaker
	retryPolicy    interceptors.RetryPolicy
	maxPending     int
	defaultTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

type bridgeConfig struct {
	sessionID      string
	replyChannel   string
	circuitBreaker interceptors.CircuitBreaker
	retryPolicy    interceptors.RetryPolicy
	maxPending     int
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// Option configures the bridge
type Option func(*bridgeConfig)

// WithSessionID sets the session ID; a random one is generated otherwise
func WithSessionID(id string) Option {
	return func(c *bridgeConfig) {
		if id != "" {
			c.sessionID = id
		}
	}
}

// WithReplyChannel sets the reply channel; it defaults to "session.<session id>"
func WithReplyChannel(channel string) Option {
	return func(c *bridgeConfig) {
		c.replyChannel = channel
	}
}

// WithCircuitBreaker guards request publishing with breaker
func WithCircuitBreaker(breaker interceptors.CircuitBreaker) Option {
	return func(c *bridgeConfig) {
		c.circuitBreaker = breaker
	}
}

// WithRetryPolicy retries failed request publishes
func WithRetryPolicy(policy interceptors.RetryPolicy) Option {
	return func(c *bridgeConfig) {
		c.retryPolicy = policy
	}
}

// WithMaxPendingRequests sets the maximum number of concurrent pending requests
func WithMaxPendingRequests(max int) Option {
	return func(c *bridgeConfig) {
		if max > 0 {
			c.maxPending = max
		}
	}
}

// WithDefaultTimeout sets the timeout used when a request passes none
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(c *bridgeConfig) {
		if timeout > 0 {
			c.defaultTimeout = timeout
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *bridgeConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a bridge and routes its reply channel through router. Router
// and publisher are usually the same broker.
func New(ctx context.Context, publisher Publisher, router Router, opts ...Option) (*Bridge, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if router == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}

	cfg := &bridgeConfig{
		sessionID:      uuid.New().String(),
		maxPending:     1000,
		defaultTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.replyChannel == "" {
		cfg.replyChannel = "session." + cfg.sessionID
	}
	for _, seg := range messaging.Segments(cfg.replyChannel) {
		if seg == messaging.SingleWildcard || seg == messaging.MultiWildcard {
			return nil, fmt.Errorf("%w: reply channel %q contains a wildcard", messaging.ErrInvalidPattern, cfg.replyChannel)
		}
	}

	b := &Bridge{
		publisher:      publisher,
		sessionID:      cfg.sessionID,
		replyChannel:   cfg.replyChannel,
		circuitBreaker: cfg.circuitBreaker,
		retryPolicy:    cfg.retryPolicy,
		maxPending:     cfg.maxPending,
		defaultTimeout: cfg.defaultTimeout,
		logger:         cfg.logger,
		pending:        make(map[string]*pendingRequest),
	}

	pattern := b.replyChannel + "." + messaging.MultiWildcard
	if err := router.Route(ctx, pattern, messaging.HandlerFunc(b.handleReply)); err != nil {
		return nil, fmt.Errorf("failed to route reply channel: %w", err)
	}

	return b, nil
}

// SessionID returns the session ID stamped on requests
func (b *Bridge) SessionID() string {
	return b.sessionID
}

// ReplyChannel returns the channel replies are routed under
func (b *Bridge) ReplyChannel() string {
	return b.replyChannel
}

// Request publishes a message on routingKey and waits for its reply. A
// non-positive timeout uses the default.
func (b *Bridge) Request(ctx context.Context, routingKey string, payload map[string]any, timeout time.Duration) (*contracts.Message, error) {
	correlationID := uuid.New().String()
	msg := contracts.NewMessage(routingKey, payload,
		contracts.WithCorrelationID(correlationID),
		contracts.WithMeta(map[string]any{
			MetaSessionID:    b.sessionID,
			MetaReplyChannel: b.replyChannel,
		}),
	)
	return b.send(ctx, msg, timeout)
}

// RequestEvent publishes a typed event and waits for its reply
func (b *Bridge) RequestEvent(ctx context.Context, ev contracts.Event, timeout time.Duration) (*contracts.Message, error) {
	msg, err := contracts.NewEventMessage(ev,
		contracts.WithCorrelationID(uuid.New().String()),
		contracts.WithMeta(map[string]any{
			MetaSessionID:    b.sessionID,
			MetaReplyChannel: b.replyChannel,
		}),
	)
	if err != nil {
		return nil, err
	}
	return b.send(ctx, msg, timeout)
}

func (b *Bridge) send(ctx context.Context, msg *contracts.Message, timeout time.Duration) (*contracts.Message, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}
	correlationID := msg.GetCorrelationID()

	pending := &pendingRequest{replies: make(chan *contracts.Message, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if len(b.pending) >= b.maxPending {
		b.mu.Unlock()
		return nil, ErrTooManyRequests
	}
	b.pending[correlationID] = pending
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, correlationID)
		b.mu.Unlock()
	}()

	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b.logger.Debug("sending request",
		"routingKey", msg.GetType(),
		"correlationId", correlationID,
		"replyChannel", b.replyChannel,
	)

	if err := b.publish(requestCtx, msg); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case reply, ok := <-pending.replies:
		if !ok {
			return nil, ErrClosed
		}
		return reply, nil
	case <-requestCtx.Done():
		return nil, fmt.Errorf("request %s timed out or was cancelled: %w", correlationID, requestCtx.Err())
	}
}

func (b *Bridge) publish(ctx context.Context, msg *contracts.Message) error {
	publish := func(ctx context.Context) error {
		return b.publisher.Publish(ctx, msg)
	}
	if b.retryPolicy != nil {
		inner := publish
		publish = func(ctx context.Context) error {
			return reliability.Retry(ctx, b.retryPolicy, inner)
		}
	}
	if b.circuitBreaker != nil {
		return b.circuitBreaker.Execute(ctx, publish)
	}
	return publish(ctx)
}

func (b *Bridge) handleReply(ctx context.Context, msg *contracts.Message) error {
	correlationID := msg.GetCorrelationID()
	if correlationID == "" {
		b.logger.Warn("reply without correlation id", "routingKey", msg.GetType(), "messageId", msg.GetID())
		return nil
	}

	b.mu.Lock()
	pending, ok := b.pending[correlationID]
	if ok {
		delete(b.pending, correlationID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("no pending request for reply", "correlationId", correlationID)
		return nil
	}

	pending.replies <- msg
	return nil
}

// PendingRequests returns the number of requests waiting for a reply
func (b *Bridge) PendingRequests() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close fails every pending request with ErrClosed. Replies arriving later
// are ignored.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, req := range b.pending {
		close(req.replies)
		delete(b.pending, id)
	}
	return nil
}

// Reply publishes payload as the reply to request, routed to
// "<reply_channel>.<suffix>". The reply keeps the request's session and
// correlation and is caused by it.
func Reply(ctx context.Context, publisher Publisher, request *contracts.Message, suffix string, payload map[string]any) error {
	replyChannel := request.MetaString(MetaReplyChannel)
	if replyChannel == "" {
		return fmt.Errorf("%w: %s", ErrNoReplyChannel, request.GetID())
	}

	meta := map[string]any{MetaReplyChannel: replyChannel}
	if session := request.MetaString(MetaSessionID); session != "" {
		meta[MetaSessionID] = session
	}

	reply := contracts.NewMessage(replyChannel+"."+suffix, payload,
		contracts.WithCausedBy(request),
		contracts.WithMeta(meta),
	)
	return publisher.Publish(ctx, reply)
}
