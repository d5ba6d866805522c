package contracts

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// Kind names a message type from a closed set, e.g. "ThreadStarted"
type Kind string

// RoutingKey derives the routing key for the kind
func (k Kind) RoutingKey() string {
	return DeriveRoutingKey(string(k))
}

// DeriveRoutingKey converts a kind name into a routing key by inserting a dot
// before every uppercase character except the first and lowercasing the result.
//
//	DomainCreated -> domain.created
//	ThreadStarted -> thread.started
func DeriveRoutingKey(name string) string {
	var sb strings.Builder
	sb.Grow(len(name) + 4)

	first := true
	for _, r := range name {
		if unicode.IsUpper(r) && !first {
			sb.WriteByte('.')
		}
		sb.WriteRune(unicode.ToLower(r))
		first = false
	}
	return sb.String()
}

// Event is a typed payload that declares its kind
type Event interface {
	Kind() Kind
}

// NewEventMessage converts a typed event into a message. The event is encoded
// to JSON and its fields become the payload.
func NewEventMessage(ev Event, opts ...MessageOption) (*Message, error) {
	if ev == nil {
		return nil, fmt.Errorf("contracts: event cannot be nil")
	}
	payload, err := toPayload(ev)
	if err != nil {
		return nil, fmt.Errorf("contracts: encode %s: %w", ev.Kind(), err)
	}
	return NewKindMessage(ev.Kind(), payload, opts...), nil
}

// DecodePayload decodes the message payload into T
func DecodePayload[T any](msg *Message) (T, error) {
	var out T
	if msg == nil {
		return out, fmt.Errorf("contracts: message cannot be nil")
	}
	data, err := json.Marshal(msg.payload)
	if err != nil {
		return out, fmt.Errorf("contracts: encode payload: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("contracts: decode payload of %s: %w", msg.routingKey, err)
	}
	return out, nil
}

func toPayload(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// KindTable is a static mapping from a closed set of kinds to routing keys.
// It is built once and never mutated, so lookups need no locking.
type KindTable struct {
	keys  map[Kind]string
	kinds map[string]Kind
	order []Kind
}

// NewKindTable builds and validates a kind table
func NewKindTable(kinds ...Kind) (*KindTable, error) {
	t := &KindTable{
		keys:  make(map[Kind]string, len(kinds)),
		kinds: make(map[string]Kind, len(kinds)),
		order: make([]Kind, 0, len(kinds)),
	}

	for _, k := range kinds {
		if k == "" {
			return nil, fmt.Errorf("%w: empty kind", ErrInvalidKind)
		}
		if !utf8.ValidString(string(k)) {
			return nil, fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidKind, k)
		}
		if _, exists := t.keys[k]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKind, k)
		}

		key := k.RoutingKey()
		for _, seg := range strings.Split(key, ".") {
			if seg == "" || seg == "*" || seg == "#" {
				return nil, fmt.Errorf("%w: %s derives %q", ErrInvalidKind, k, key)
			}
		}
		if other, exists := t.kinds[key]; exists {
			return nil, fmt.Errorf("%w: %s and %s both derive %q", ErrKindCollision, other, k, key)
		}

		t.keys[k] = key
		t.kinds[key] = k
		t.order = append(t.order, k)
	}

	return t, nil
}

// MustKindTable is like NewKindTable but panics on an invalid set.
// Intended for package-level tables built at init time.
func MustKindTable(kinds ...Kind) *KindTable {
	t, err := NewKindTable(kinds...)
	if err != nil {
		panic(err)
	}
	return t
}

// RoutingKey returns the routing key registered for kind
func (t *KindTable) RoutingKey(kind Kind) (string, error) {
	key, ok := t.keys[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return key, nil
}

// Kind resolves a routing key back to its kind
func (t *KindTable) Kind(routingKey string) (Kind, bool) {
	k, ok := t.kinds[routingKey]
	return k, ok
}

// Kinds returns the registered kinds in registration order
func (t *KindTable) Kinds() []Kind {
	return append([]Kind(nil), t.order...)
}

// Len returns the number of kinds
func (t *KindTable) Len() int {
	return len(t.order)
}

// NewMessage creates a message for a registered kind
func (t *KindTable) NewMessage(kind Kind, payload map[string]any, opts ...MessageOption) (*Message, error) {
	key, err := t.RoutingKey(kind)
	if err != nil {
		return nil, err
	}
	return NewMessage(key, payload, opts...), nil
}

// NewEventMessage converts a typed event of a registered kind into a message
func (t *KindTable) NewEventMessage(ev Event, opts ...MessageOption) (*Message, error) {
	if ev == nil {
		return nil, fmt.Errorf("contracts: event cannot be nil")
	}
	if _, err := t.RoutingKey(ev.Kind()); err != nil {
		return nil, err
	}
	return NewEventMessage(ev, opts...)
}
