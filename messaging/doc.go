// Package messaging defines the transport contract and the topic routing
// shared by every backend.
//
// Binding patterns follow AMQP topic exchange rules. Keys and patterns are
// split on ".", "*" matches exactly one segment and a trailing "#" matches
// zero or more segments:
//
//	alpha.*.gamma  matches alpha.beta.gamma
//	alpha.#        matches alpha, alpha.beta, alpha.beta.gamma
//	#              matches every key, including ""
//
// RouteTable and Deliver implement in-process dispatch: every handler whose
// pattern matches runs sequentially, and handler failures are collected into
// a *DeliveryError instead of stopping delivery.
package messaging
