package messaging

import (
	"context"

	"github.com/glimte/topicbus/contracts"
)

// Handler processes a delivered message
type Handler interface {
	Handle(ctx context.Context, msg *contracts.Message) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg *contracts.Message) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg *contracts.Message) error {
	return f(ctx, msg)
}

// Subscription binds a pattern to a handler
type Subscription struct {
	Pattern string
	Handler Handler
}
