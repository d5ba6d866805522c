package messaging

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// RouteTable maps binding patterns to handlers.
//
// Patterns are kept in first-registration order and handlers on the same
// pattern in insertion order. Add and Lookup are safe for concurrent use;
// Lookup copies the matching handlers out so a concurrent Add only affects
// later lookups.
type RouteTable struct {
	mu       sync.RWMutex
	routes   *orderedmap.OrderedMap[string, []Handler]
	handlers int
}

// NewRouteTable creates an empty route table
func NewRouteTable() *RouteTable {
	return &RouteTable{
		routes: orderedmap.New[string, []Handler](),
	}
}

// Add registers handler for pattern
func (t *RouteTable) Add(pattern string, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	if err := ValidatePattern(pattern); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, _ := t.routes.Get(pattern)
	t.routes.Set(pattern, append(existing, handler))
	t.handlers++
	return nil
}

// Lookup returns a snapshot of every subscription whose pattern matches routingKey
func (t *RouteTable) Lookup(routingKey string) []Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var matched []Subscription
	for pair := t.routes.Oldest(); pair != nil; pair = pair.Next() {
		if !Match(pair.Key, routingKey) {
			continue
		}
		for _, h := range pair.Value {
			matched = append(matched, Subscription{Pattern: pair.Key, Handler: h})
		}
	}
	return matched
}

// Subscriptions returns every registration in visitation order
func (t *RouteTable) Subscriptions() []Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	subs := make([]Subscription, 0, t.handlers)
	for pair := t.routes.Oldest(); pair != nil; pair = pair.Next() {
		for _, h := range pair.Value {
			subs = append(subs, Subscription{Pattern: pair.Key, Handler: h})
		}
	}
	return subs
}

// Patterns returns the distinct patterns in registration order
func (t *RouteTable) Patterns() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	patterns := make([]string, 0, t.routes.Len())
	for pair := t.routes.Oldest(); pair != nil; pair = pair.Next() {
		patterns = append(patterns, pair.Key)
	}
	return patterns
}

// Len returns the number of registered handlers
func (t *RouteTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handlers
}

// Reset removes every registration
func (t *RouteTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.routes = orderedmap.New[string, []Handler]()
	t.handlers = 0
}
