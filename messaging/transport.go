package messaging

import (
	"context"

	"github.com/glimte/topicbus/contracts"
)

// Transport is a pluggable delivery backend.
//
// Start and Stop move the transport between Stopped and Started. Publish fails
// with ErrNotStarted while stopped. Subscribe may be called at any time:
// registrations made while stopped are applied, in order, by the next Start.
// Stop must be safe to call twice and after a failed Start.
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Publish(ctx context.Context, msg *contracts.Message) error
	Subscribe(ctx context.Context, pattern string, handler Handler) error
}

// State is a transport lifecycle state
type State int

const (
	// StateStopped accepts subscriptions but rejects publishes
	StateStopped State = iota
	// StateStarted delivers messages
	StateStarted
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	default:
		return "stopped"
	}
}

// StateReporter is implemented by transports that expose their lifecycle state
type StateReporter interface {
	State() State
}

// HealthChecker is implemented by transports that can probe their backend
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RetentionPolicy decides what happens to subscriptions when a transport stops
type RetentionPolicy int

const (
	// RetainSubscriptions keeps registrations so a restarted transport
	// delivers to the same handlers
	RetainSubscriptions RetentionPolicy = iota
	// DropSubscriptions forgets every registration on Stop
	DropSubscriptions
)

func (p RetentionPolicy) String() string {
	switch p {
	case DropSubscriptions:
		return "drop"
	default:
		return "retain"
	}
}
