package core

import (
	"context"

	"github.com/praveenparshiva/instant-vid-link/internal/domain"
)

// TrackSource is an opaque handle to one locally captured track, produced by
// a MediaCapture and consumed by MediaTransports of the same stack.
type TrackSource interface {
	Kind() domain.TrackKind
	// OnEnded fires when the track dies unexpectedly (device unplugged,
	// permission revoked). Used to drive recovery, not teardown.
	OnEnded(fn func())
	// Stop releases the underlying device resource. Idempotent.
	Stop() error
}

// MediaCapture acquires local devices.
// Owned by the local media state; it must Stop() what it acquires.
type MediaCapture interface {
	// Acquire grabs the full track set for a mode (camera+mic or
	// screen+mic). On failure nothing is retained.
	Acquire(ctx context.Context, mode domain.CaptureMode) ([]TrackSource, error)
	// AcquireKind re-grabs a single kind within a mode, for dead-track
	// recovery.
	AcquireKind(ctx context.Context, mode domain.CaptureMode, kind domain.TrackKind) (TrackSource, error)
}
