package messaging

import "sync"

// PendingSubscriptions buffers subscriptions made before a transport started.
// The zero value is ready to use.
type PendingSubscriptions struct {
	mu    sync.Mutex
	items []Subscription
}

// Add queues a subscription
func (p *PendingSubscriptions) Add(pattern string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, Subscription{Pattern: pattern, Handler: handler})
}

// Drain applies queued subscriptions in registration order. If apply fails,
// the failed subscription and everything after it stay queued and the error
// is returned.
func (p *PendingSubscriptions) Drain(apply func(Subscription) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, sub := range p.items {
		if err := apply(sub); err != nil {
			p.items = append([]Subscription(nil), p.items[i:]...)
			return err
		}
	}
	p.items = nil
	return nil
}

// Requeue puts subs back at the front of the queue, ahead of anything still
// queued. Transports use it to keep live subscriptions across a restart.
func (p *PendingSubscriptions) Requeue(subs []Subscription) {
	if len(subs) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	items := make([]Subscription, 0, len(subs)+len(p.items))
	items = append(items, subs...)
	p.items = append(items, p.items...)
}

// Len returns the number of queued subscriptions
func (p *PendingSubscriptions) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Clear drops every queued subscription
func (p *PendingSubscriptions) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = nil
}
