package core

import (
	"context"

	"github.com/praveenparshiva/instant-vid-link/internal/domain"
)

// MediaTransport is one peer-to-peer media session: the primitive that
// actually moves audio/video bytes once negotiated. The engine configures
// it but never inspects descriptions or candidates; all payloads are opaque
// blobs handed back to the relay.
// Owned by exactly one peer link; the link must Close() it.
type MediaTransport interface {
	// CreateOffer builds and installs a local offer and returns it for the
	// relay. Blocking; honors ctx cancellation.
	CreateOffer(ctx context.Context) ([]byte, error)
	// CreateAnswer builds and installs a local answer. Valid only after
	// ApplyRemoteDescription.
	CreateAnswer(ctx context.Context) ([]byte, error)
	// ApplyRemoteDescription applies a remote offer or answer blob.
	ApplyRemoteDescription(ctx context.Context, payload []byte) error
	// AddRemoteCandidate applies a remote ICE candidate blob.
	AddRemoteCandidate(payload []byte) error

	// AttachTrack adds an outgoing track, replacing in place when a track
	// of the same kind is already attached.
	AttachTrack(kind domain.TrackKind, src TrackSource) error
	// DetachTrack removes the outgoing track of the given kind.
	DetachTrack(kind domain.TrackKind) error
	// SetTrackEnabled mutes or unmutes an outgoing kind in-band, without
	// renegotiation.
	SetTrackEnabled(kind domain.TrackKind, enabled bool) error
	// EnsureReceiver declares receive-only intent for a kind so the remote
	// side can send even when we have nothing attached.
	EnsureReceiver(kind domain.TrackKind) error

	OnLocalCandidate(fn func(payload []byte))
	OnRemoteTrack(fn func(kind domain.TrackKind))
	OnRemoteTrackEnded(fn func(kind domain.TrackKind))
	// OnFailure reports a transport-level failure of this session only.
	OnFailure(fn func(err error))

	// Close is idempotent and releases all transport resources.
	Close()
}

// MediaTransportFactory mints one transport per remote participant.
type MediaTransportFactory interface {
	NewTransport(remote domain.ParticipantID) (MediaTransport, error)
}
