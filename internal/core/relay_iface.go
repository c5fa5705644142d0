package core

import (
	"context"

	"github.com/praveenparshiva/instant-vid-link/internal/domain"
	"github.com/praveenparshiva/instant-vid-link/internal/signal"
)

// SignalRelay delivers envelopes addressed to one participant, or broadcast
// to the room when target is empty. Fire-and-forget from the engine's
// perspective; redelivery and retries belong to the relay layer.
type SignalRelay interface {
	Send(target domain.ParticipantID, typ signal.Type, payload []byte) error
}

// Presence is the room directory: durable-enough membership plus join/leave
// notification delivery. Events arrive at-least-once, in any order relative
// to signaling messages.
type Presence interface {
	Join(ctx context.Context, room domain.RoomID, self domain.Participant) error
	// Leave is idempotent.
	Leave(ctx context.Context, room domain.RoomID, id domain.ParticipantID) error
	// Participants lists current members excluding the given id.
	Participants(ctx context.Context, room domain.RoomID, excluding domain.ParticipantID) ([]domain.Participant, error)
}

// EventSink receives pushed presence and relay events. Callbacks may be
// invoked from any goroutine at any time; the implementation is responsible
// for serializing them.
type EventSink interface {
	OnParticipantJoined(p domain.Participant)
	OnParticipantLeft(id domain.ParticipantID)
	OnSignalReceived(env *signal.Envelope)
}
