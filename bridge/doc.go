// Package bridge provides request/reply over topic routing.
//
// A Bridge owns a session and a reply channel ("session.<id>" by default).
// Requests carry the session ID, the reply channel and a fresh correlation ID
// in their meta. The responder publishes its answer under
// "<reply_channel>.<suffix>" with the same correlation ID, which Reply does
// for it:
//
//	b, _ := bridge.New(ctx, broker, broker)
//
//	_ = broker.RouteFunc(ctx, "thread.start", func(ctx context.Context, msg *contracts.Message) error {
//		return bridge.Reply(ctx, broker, msg, "thread.started", map[string]any{"threadId": "t-1"})
//	})
//
//	reply, err := b.Request(ctx, "thread.start", map[string]any{"title": "hello"}, 5*time.Second)
//
// Any number of bridges can share one broker; each only sees replies under
// its own reply channel.
package bridge
