package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/topicbus/contracts"
)

// Deliver invokes every subscription in order and waits for each to finish.
// A failing or panicking handler does not stop the others; all failures are
// returned together as a *DeliveryError. No subscriptions is success.
func Deliver(ctx context.Context, subs []Subscription, msg *contracts.Message) error {
	if len(subs) == 0 {
		return nil
	}

	var failures []*HandlerError
	for _, sub := range subs {
		if herr := Invoke(ctx, sub, msg); herr != nil {
			failures = append(failures, herr)
		}
	}

	if len(failures) == 0 {
		return nil
	}
	return &DeliveryError{
		RoutingKey: msg.GetType(),
		MessageID:  msg.GetID(),
		Delivered:  len(subs),
		Failures:   failures,
	}
}

// Invoke runs a single handler, converting an error or panic into a *HandlerError
func Invoke(ctx context.Context, sub Subscription, msg *contracts.Message) (herr *HandlerError) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			herr = &HandlerError{
				Pattern:    sub.Pattern,
				RoutingKey: msg.GetType(),
				MessageID:  msg.GetID(),
				Err:        err,
				Panicked:   true,
			}
		}
	}()

	if err := sub.Handler.Handle(ctx, msg); err != nil {
		return &HandlerError{
			Pattern:    sub.Pattern,
			RoutingKey: msg.GetType(),
			MessageID:  msg.GetID(),
			Err:        err,
		}
	}
	return nil
}
