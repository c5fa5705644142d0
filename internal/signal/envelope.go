// Package signal defines the wire-level vocabulary of the negotiation
// protocol: offers, answers and ICE candidates addressed between
// participants. Payloads are opaque; the engine only routes by type.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/praveenparshiva/instant-vid-link/internal/domain"
)

type Type string

const (
	TypeOffer  Type = "offer"
	TypeAnswer Type = "answer"
	TypeIce    Type = "ice"
)

var ErrMalformedSignal = errors.New("malformed signal")

// Envelope is a single addressed signaling message. An empty Target means
// broadcast to the room. Envelopes are transient: decoded, routed, dropped.
type Envelope struct {
	Sender  domain.ParticipantID `json:"sender_id"`
	Target  domain.ParticipantID `json:"target_id,omitempty"`
	Type    Type                 `json:"type"`
	Payload json.RawMessage      `json:"payload"`
}

func (e *Envelope) Broadcast() bool { return e.Target == "" }

func (t Type) Valid() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeIce:
		return true
	}
	return false
}

// Decode parses and validates a wire envelope. A failure affects only this
// envelope; callers drop it and keep going.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	if !e.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedSignal, e.Type)
	}
	if e.Sender == "" {
		return nil, fmt.Errorf("%w: missing sender", ErrMalformedSignal)
	}
	if len(e.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedSignal)
	}
	return &e, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	if !e.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedSignal, e.Type)
	}
	return json.Marshal(e)
}
