// Package transport is the narrow client of the external signaling broker.
// It delivers opaque payloads at-least-once with best-effort ordering per
// sender; everything above it must tolerate duplicates.
package transport

import "context"

// Handler receives the raw payload published to a subscribed channel.
type Handler func(payload []byte)

// StateHandler observes broker connectivity transitions.
type StateHandler func(connected bool)

// Transport is the pub/sub surface the call engine consumes.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool

	// EnsureConnected reconnects with a bounded fixed-interval poll and fails
	// hard once attempts are exhausted.
	EnsureConnected(ctx context.Context) error

	Subscribe(channel string, h Handler)
	Publish(destination string, payload []byte) error
	OnConnectionStateChange(h StateHandler)
}
