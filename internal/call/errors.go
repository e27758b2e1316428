package call

import "errors"

var (
	// ErrTransportUnavailable: publish attempted while the broker is
	// unreachable, after the bounded reconnect poll gave up.
	ErrTransportUnavailable = errors.New("signaling transport unavailable")

	// Media acquisition failures abort the call attempt back to Idle.
	ErrMediaAccessDenied      = errors.New("media access denied")
	ErrMediaDeviceUnavailable = errors.New("media device unavailable")
	ErrMediaDeviceAbsent      = errors.New("media device absent")

	// ErrInvalidCommand: a user command that the current state cannot accept
	// (accept without an incoming call, start while not idle).
	ErrInvalidCommand = errors.New("command not valid in current state")

	// ErrDuplicateSignal: a signal shed by a one-shot latch or a state guard.
	// Dropped silently by the engine; exported for tests.
	ErrDuplicateSignal = errors.New("duplicate signal")
)
