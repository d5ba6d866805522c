package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Message is the immutable unit of delivery. Its routing key decides which
// bindings receive it; everything else is carried untouched.
type Message struct {
	id            string
	routingKey    string
	timestamp     time.Time
	causationID   string
	correlationID string
	payload       map[string]any
	meta          map[string]any
}

// MessageOption configures a Message during construction
type MessageOption func(*Message)

// WithID sets an explicit message ID instead of a generated one
func WithID(id string) MessageOption {
	return func(m *Message) {
		if id != "" {
			m.id = id
		}
	}
}

// WithTimestamp sets the creation instant
func WithTimestamp(ts time.Time) MessageOption {
	return func(m *Message) {
		if !ts.IsZero() {
			m.timestamp = ts.UTC()
		}
	}
}

// WithCausationID links the message to the message that caused it
func WithCausationID(id string) MessageOption {
	return func(m *Message) {
		m.causationID = id
	}
}

// WithCorrelationID sets the correlation ID
func WithCorrelationID(id string) MessageOption {
	return func(m *Message) {
		m.correlationID = id
	}
}

// WithCausedBy records parent as the cause and inherits its correlation.
// A parent without a correlation ID starts a new correlation rooted at itself.
func WithCausedBy(parent *Message) MessageOption {
	return func(m *Message) {
		if parent == nil {
			return
		}
		m.causationID = parent.id
		m.correlationID = parent.correlationID
		if m.correlationID == "" {
			m.correlationID = parent.id
		}
	}
}

// WithMeta attaches metadata carried alongside the payload
func WithMeta(meta map[string]any) MessageOption {
	return func(m *Message) {
		m.meta = cloneMap(meta)
	}
}

// NewMessage creates a message with an explicit routing key
func NewMessage(routingKey string, payload map[string]any, opts ...MessageOption) *Message {
	m := &Message{
		id:         uuid.New().String(),
		routingKey: routingKey,
		timestamp:  time.Now().UTC(),
		payload:    cloneMap(payload),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.payload == nil {
		m.payload = map[string]any{}
	}
	if m.meta == nil {
		m.meta = map[string]any{}
	}
	return m
}

// NewKindMessage creates a message whose routing key is derived from kind
func NewKindMessage(kind Kind, payload map[string]any, opts ...MessageOption) *Message {
	return NewMessage(kind.RoutingKey(), payload, opts...)
}

// GetID returns the message ID
func (m *Message) GetID() string {
	return m.id
}

// GetType returns the routing key
func (m *Message) GetType() string {
	return m.routingKey
}

// GetTimestamp returns the creation instant
func (m *Message) GetTimestamp() time.Time {
	return m.timestamp
}

// GetCausationID returns the causation ID
func (m *Message) GetCausationID() string {
	return m.causationID
}

// GetCorrelationID returns the correlation ID
func (m *Message) GetCorrelationID() string {
	return m.correlationID
}

// GetPayload returns a copy of the payload
func (m *Message) GetPayload() map[string]any {
	return cloneMap(m.payload)
}

// GetMeta returns a copy of the metadata
func (m *Message) GetMeta() map[string]any {
	return cloneMap(m.meta)
}

// Value returns a single top-level payload value without copying the whole payload.
// Nested maps and slices are copied.
func (m *Message) Value(key string) (any, bool) {
	v, ok := m.payload[key]
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

// MetaString returns a string metadata value
func (m *Message) MetaString(key string) string {
	s, _ := m.meta[key].(string)
	return s
}

// Is reports whether other is the same message. Messages compare by ID only.
func (m *Message) Is(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.id == other.id
}

// String implements fmt.Stringer
func (m *Message) String() string {
	return m.routingKey + "#" + m.id
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
