package signal

import (
	"encoding/json"
	"fmt"

	"github.com/praveenparshiva/instant-vid-link/internal/domain"
)

// ControlType tags the hub-level frames that share the websocket with
// signaling envelopes. Dispatch peeks at the common "type" key: offer,
// answer and ice go through Decode; everything else lands here.
type ControlType string

const (
	ControlJoin      ControlType = "join"
	ControlLeave     ControlType = "leave"
	ControlLeft      ControlType = "left"
	ControlJoined    ControlType = "member_joined"
	ControlDeparted  ControlType = "member_left"
	ControlRoomState ControlType = "room_state"
	ControlPing      ControlType = "ping"
	ControlPong      ControlType = "pong"
	ControlError     ControlType = "error"
)

// Control is a hub membership or housekeeping frame. Fields are populated
// per type; unknown fields are ignored on both ends.
type Control struct {
	Type ControlType   `json:"type"`
	Room domain.RoomID `json:"room,omitempty"`
	// Participant carries the subject of join and member_joined frames.
	Participant *domain.Participant `json:"participant,omitempty"`
	// Participants is the roster in a room_state frame, excluding the
	// recipient.
	Participants []domain.Participant `json:"participants,omitempty"`
	// ID identifies the subject of a member_left frame.
	ID    domain.ParticipantID `json:"id,omitempty"`
	Error string               `json:"error,omitempty"`
}

func (c *Control) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// PeekType extracts the "type" key so a reader can route a raw frame
// without committing to a shape.
func PeekType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	return head.Type, nil
}

func DecodeControl(data []byte) (*Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	if c.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedSignal)
	}
	return &c, nil
}
