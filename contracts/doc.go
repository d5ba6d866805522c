// Package contracts defines the message model shared by every transport.
//
// A Message is immutable once constructed. Its routing key is either given
// explicitly or derived from a Kind:
//
//	msg := contracts.NewKindMessage("ThreadStarted", payload) // routing key "thread.started"
//
// Kinds used by an application can be collected in a KindTable, which checks
// once at startup that no two kinds derive the same routing key.
//
// Envelope is the JSON shape used when a message leaves the process:
//
//	{"meta": {"session_id", "reply_channel", "correlation_id", "routing_key"}, "body": {...}}
package contracts
