package core

import "errors"

// Error taxonomy of the engine. Nothing here is globally fatal: a single
// peer's failure never tears down the whole room session.
var (
	// ErrDeviceUnavailable means local capture failed. The session keeps
	// going receive-only where possible.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrNegotiationFailed marks one peer link as terminally failed.
	// Other links are unaffected.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrDelivery is a relay-layer delivery failure. Surfaced, not retried
	// here; retries are the relay's concern.
	ErrDelivery = errors.New("signal delivery failed")
)
