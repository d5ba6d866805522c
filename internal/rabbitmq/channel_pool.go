package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out AMQP channels on the managed connection and takes
// them back for reuse. Channels found closed are replaced transparently.
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	minSize     int
	idleTimeout time.Duration
	waitTimeout time.Duration
	logger      *slog.Logger

	mu          sync.Mutex
	closed      bool
	activeCount int
	done        chan struct{}
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	id         string
	lastUsed   time.Time
	confirming bool
}

// ID identifies the channel in logs and errors
func (pc *PooledChannel) ID() string {
	return pc.id
}

// EnableConfirms puts the channel into confirm mode once
func (pc *PooledChannel) EnableConfirms() error {
	if pc.confirming {
		return nil
	}
	if err := pc.Confirm(false); err != nil {
		return &ChannelError{Op: "enable confirms", ChannelID: pc.id, Err: err}
	}
	pc.confirming = true
	return nil
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets the number of channels opened up front
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithIdleTimeout sets how long an unused channel is kept above the minimum
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		if logger != nil {
			cp.logger = logger
		}
	}
}

// NewChannelPool creates a pool and opens minSize channels
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		minSize:     1,
		idleTimeout: 5 * time.Minute,
		waitTimeout: 5 * time.Second,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)

	for i := 0; i < pool.minSize; i++ {
		ch, err := pool.createChannel()
		if err != nil {
			_ = pool.Close()
			return nil, err
		}
		pool.channels <- ch
	}

	go pool.cleanupIdle()

	return pool, nil
}

// Get retrieves a channel from the pool, opening one if the pool is below
// its maximum, or waiting for one to be returned
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	for {
		if err := cp.checkOpen(); err != nil {
			return nil, err
		}

		select {
		case ch, ok := <-cp.channels:
			if !ok {
				return nil, ErrChannelPoolClosed
			}
			if ch.IsClosed() {
				cp.forget()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		default:
		}

		cp.mu.Lock()
		if cp.activeCount < cp.maxSize {
			cp.mu.Unlock()
			if err := ctx.Err(); err != nil {
				return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: err}
			}
			return cp.createChannel()
		}
		cp.mu.Unlock()

		timer := time.NewTimer(cp.waitTimeout)
		select {
		case ch, ok := <-cp.channels:
			timer.Stop()
			if !ok {
				return nil, ErrChannelPoolClosed
			}
			if ch.IsClosed() {
				cp.forget()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil

		case <-ctx.Done():
			timer.Stop()
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err()}

		case <-timer.C:
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted}
		}
	}
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if ch.IsClosed() {
		cp.activeCount--
		return
	}
	if cp.closed {
		cp.activeCount--
		_ = ch.Close()
		return
	}

	ch.lastUsed = time.Now()
	select {
	case cp.channels <- ch:
	default:
		cp.activeCount--
		_ = ch.Close()
	}
}

// Discard closes a channel instead of returning it, for channels whose state
// (QoS, consumers) should not leak into later users
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	if !ch.IsClosed() {
		_ = ch.Close()
	}
	cp.forget()
}

// Close closes all idle channels. Channels checked out are closed on Put.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.done)
	close(cp.channels)
	cp.mu.Unlock()

	for ch := range cp.channels {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
		cp.forget()
	}

	return nil
}

// Size returns the number of open channels, idle or checked out
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Execute runs fn with a pooled channel
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()

	return fn(ch.Channel)
}

func (cp *ChannelPool) checkOpen() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return ErrChannelPoolClosed
	}
	return nil
}

func (cp *ChannelPool) forget() {
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
}

func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
		}
	}

	pooled := &PooledChannel{
		Channel:  ch,
		id:       uuid.NewString(),
		lastUsed: time.Now(),
	}

	cp.mu.Lock()
	cp.activeCount++
	cp.mu.Unlock()

	cp.logger.Debug("opened channel", "channel", pooled.id)
	return pooled, nil
}

func (cp *ChannelPool) cleanupIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cp.done:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-cp.idleTimeout)

		cp.mu.Lock()
		if cp.closed {
			cp.mu.Unlock()
			return
		}
		n := len(cp.channels)
		for i := 0; i < n; i++ {
			var ch *PooledChannel
			select {
			case ch = <-cp.channels:
			default:
			}
			if ch == nil {
				break
			}
			if ch.IsClosed() || (ch.lastUsed.Before(cutoff) && cp.activeCount > cp.minSize) {
				_ = ch.Close()
				cp.activeCount--
				continue
			}
			cp.channels <- ch
		}
		cp.mu.Unlock()
	}
}
