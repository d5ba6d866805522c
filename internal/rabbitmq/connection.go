package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/topicbus/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the AMQP connection and re-dials it when the
// broker drops it. Listeners are notified asynchronously but in the order
// the state changes happened.
type ConnectionManager struct {
	url            string
	connectionName string
	dialTimeout    time.Duration
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool
	done        chan struct{}

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
	notifications  notifier
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts, -1 for no limit
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds a single dial
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithConnectionName shows up in the RabbitMQ management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectionName = name
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		connectionName: "topicbus",
		dialTimeout:    30 * time.Second,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect dials the broker and starts watching the connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{
			Op:       "connect",
			URL:      SanitizeURL(cm.url),
			Err:      err,
			Attempts: 1,
		}
	}

	cm.done = make(chan struct{})
	cm.attach(conn)

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	return nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close stops reconnecting and closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.done != nil {
		close(cm.done)
		cm.done = nil
	}
	cm.isConnected = false

	if cm.conn != nil {
		conn := cm.conn
		cm.conn = nil
		if !conn.IsClosed() {
			return conn.Close()
		}
	}

	return nil
}

func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	timeout := cm.dialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(cm.connectionName)

	return amqp.DialConfig(cm.url, amqp.Config{
		Properties: props,
		Heartbeat:  10 * time.Second,
		Dial:       amqp.DefaultDial(timeout),
	})
}

// attach must be called with mu held
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(closed, cm.done)
}

func (cm *ConnectionManager) watch(closed <-chan *amqp.Error, done <-chan struct{}) {
	select {
	case err, ok := <-closed:
		cm.mu.Lock()
		if cm.done != done {
			// closed by Close
			cm.mu.Unlock()
			return
		}
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		var cause error
		if ok && err != nil {
			cause = err
			cm.logger.Error("connection closed", "error", err)
		}
		cm.notifyDisconnected(cause)
		cm.reconnect(done)

	case <-done:
	}
}

func (cm *ConnectionManager) reconnect(done <-chan struct{}) {
	backoff := reliability.NewExponentialBackoff(cm.reconnectDelay, 5*time.Minute, 2.0, 0)
	started := time.Now()

	for attempt := 0; ; attempt++ {
		if cm.maxRetries >= 0 && attempt >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempt,
				"duration", time.Since(started))
			cm.notifyDisconnected(&ConnectionError{
				Op:       "reconnect",
				URL:      SanitizeURL(cm.url),
				Err:      ErrMaxRetriesExceeded,
				Attempts: attempt,
			})
			return
		}

		if attempt > 0 {
			timer := time.NewTimer(backoff.NextDelay(attempt - 1))
			select {
			case <-timer.C:
			case <-done:
				timer.Stop()
				return
			}
		}

		cm.logger.Info("attempting to reconnect", "attempt", attempt+1, "maxRetries", cm.maxRetries)
		cm.notifyReconnecting(attempt + 1)

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt+1)
			continue
		}

		cm.mu.Lock()
		if cm.done != done {
			cm.mu.Unlock()
			_ = conn.Close()
			return
		}
		cm.attach(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ",
			"attempts", attempt+1,
			"duration", time.Since(started))
		cm.notifyConnected()
		return
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyConnected() {
	listeners := cm.listeners()
	cm.notifications.enqueue(func() {
		for _, listener := range listeners {
			listener.OnConnected()
		}
	})
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	listeners := cm.listeners()
	cm.notifications.enqueue(func() {
		for _, listener := range listeners {
			listener.OnDisconnected(err)
		}
	})
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	listeners := cm.listeners()
	cm.notifications.enqueue(func() {
		for _, listener := range listeners {
			listener.OnReconnecting(attempt)
		}
	})
}

// notifier runs queued callbacks one at a time, in enqueue order, on a
// goroutine that exits once the queue is empty
type notifier struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (n *notifier) enqueue(fn func()) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.mu.Unlock()

	go n.run()
}

func (n *notifier) run() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.running = false
			n.mu.Unlock()
			return
		}
		fn := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()

		fn()
	}
}
