package orch

import (
	"github.com/praveenparshiva/instant-vid-link/internal/core"
	"github.com/praveenparshiva/instant-vid-link/internal/domain"
)

// OnLocalTracksChanged fans the new track set out to every active link.
// Each link's update runs on its own worker: one peer's renegotiation
// failure or stall never affects the others. force renegotiates even when
// the kind set is unchanged (capture-mode switches).
func (o *Orchestrator) OnLocalTracksChanged(tracks map[domain.TrackKind]core.TrackSource, force bool) {
	for _, snap := range o.Registry.Snapshot() {
		l := snap.Link
		o.dispatch(l.RemoteID(), func() { l.UpdateLocalTracks(tracks, force) })
	}
}

// SetOutgoingEnabled propagates an in-band mute toggle to every link.
// Never triggers renegotiation.
func (o *Orchestrator) SetOutgoingEnabled(kind domain.TrackKind, enabled bool) {
	for _, snap := range o.Registry.Snapshot() {
		l := snap.Link
		o.dispatch(l.RemoteID(), func() { l.SetOutgoingEnabled(kind, enabled) })
	}
}
