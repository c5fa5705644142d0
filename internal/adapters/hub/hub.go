// Package hub is the bundled signaling relay: a websocket fan-out that
// tracks room membership and forwards envelopes between participants. It
// never inspects SDP or candidate payloads; media always flows peer to peer.
package hub

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/praveenparshiva/instant-vid-link/internal/domain"
	"github.com/praveenparshiva/instant-vid-link/internal/signal"
)

// sender is the outbound half of one client connection. TrySend must not
// block; a slow consumer gets an error, not a stalled room.
type sender interface {
	TrySend(data []byte) error
}

type client struct {
	out sender

	mu          sync.Mutex
	joined      bool
	participant domain.Participant
	room        domain.RoomID
}

func (c *client) identity() (domain.Participant, domain.RoomID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participant, c.room, c.joined
}

type Hub struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]map[domain.ParticipantID]*client
}

func New() *Hub {
	return &Hub{rooms: make(map[domain.RoomID]map[domain.ParticipantID]*client)}
}

func (h *Hub) newClient(out sender) *client {
	return &client{out: out}
}

// Dispatch routes one raw frame from a client. Envelope types are forwarded
// with the sender stamped server-side so a client can never speak for
// another id; everything else is a control frame.
func (h *Hub) Dispatch(c *client, data []byte) {
	typ, err := signal.PeekType(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "hub").Msg("unreadable frame")
		h.sendError(c, "bad_frame")
		return
	}

	switch signal.Type(typ) {
	case signal.TypeOffer, signal.TypeAnswer, signal.TypeIce:
		h.forward(c, data)
		return
	}

	switch signal.ControlType(typ) {
	case signal.ControlJoin:
		h.handleJoin(c, data)
	case signal.ControlLeave:
		h.handleLeave(c)
	case signal.ControlPing:
		h.reply(c, &signal.Control{Type: signal.ControlPong})
	default:
		log.Warn().Str("module", "hub").Str("type", typ).Msg("unknown frame type")
		h.sendError(c, "unknown_type")
	}
}

func (h *Hub) handleJoin(c *client, data []byte) {
	ctl, err := signal.DecodeControl(data)
	if err != nil || ctl.Participant == nil || ctl.Participant.ID == "" {
		log.Warn().Err(err).Str("module", "hub").Msg("bad join frame")
		h.sendError(c, "bad_join")
		return
	}
	roomID, err := domain.ParseRoomID(string(ctl.Room))
	if err != nil {
		h.sendError(c, "bad_room")
		return
	}
	p := *ctl.Participant
	if len(p.DisplayName) > domain.MaxDisplayNameLen {
		p.DisplayName = p.DisplayName[:domain.MaxDisplayNameLen]
	}

	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		h.sendError(c, "already_joined")
		return
	}
	c.joined = true
	c.participant = p
	c.room = roomID
	c.mu.Unlock()

	h.mu.Lock()
	room, ok := h.rooms[roomID]
	if !ok {
		room = make(map[domain.ParticipantID]*client)
		h.rooms[roomID] = room
	}
	roster := make([]domain.Participant, 0, len(room))
	for _, mate := range room {
		mp, _, _ := mate.identity()
		roster = append(roster, mp)
	}
	room[p.ID] = c
	h.mu.Unlock()

	log.Info().Str("module", "hub").Str("room", string(roomID)).Str("id", string(p.ID)).Str("name", p.DisplayName).Msg("join")

	h.reply(c, &signal.Control{
		Type:         signal.ControlRoomState,
		Room:         roomID,
		Participants: roster,
	})
	h.broadcastControl(roomID, p.ID, &signal.Control{
		Type:        signal.ControlJoined,
		Participant: &p,
	})
}

func (h *Hub) handleLeave(c *client) {
	if h.drop(c) {
		h.reply(c, &signal.Control{Type: signal.ControlLeft})
	}
}

// Disconnected removes a client whose socket died. Same bookkeeping as an
// explicit leave, minus the ack.
func (h *Hub) Disconnected(c *client) {
	h.drop(c)
}

func (h *Hub) drop(c *client) bool {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return false
	}
	p := c.participant
	roomID := c.room
	c.joined = false
	c.mu.Unlock()

	h.mu.Lock()
	if room, ok := h.rooms[roomID]; ok {
		delete(room, p.ID)
		if len(room) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()

	log.Info().Str("module", "hub").Str("room", string(roomID)).Str("id", string(p.ID)).Msg("leave")
	h.broadcastControl(roomID, p.ID, &signal.Control{
		Type: signal.ControlDeparted,
		ID:   p.ID,
	})
	return true
}

// forward relays an envelope to its target, or to every roommate when the
// target is empty. The sender id is always overwritten with the id the
// connection joined as.
func (h *Hub) forward(c *client, data []byte) {
	p, roomID, joined := c.identity()
	if !joined {
		h.sendError(c, "not_joined")
		return
	}
	env, err := signal.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "hub").Msg("bad envelope")
		h.sendError(c, "bad_envelope")
		return
	}
	env.Sender = p.ID
	out, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("re-encode envelope")
		return
	}

	h.mu.RLock()
	room := h.rooms[roomID]
	var targets []*client
	if env.Broadcast() {
		for id, mate := range room {
			if id == p.ID {
				continue
			}
			targets = append(targets, mate)
		}
	} else if mate, ok := room[env.Target]; ok {
		targets = append(targets, mate)
	}
	h.mu.RUnlock()

	if len(targets) == 0 && !env.Broadcast() {
		log.Warn().Str("module", "hub").Str("target", string(env.Target)).Str("type", string(env.Type)).Msg("envelope target not in room")
		return
	}
	for _, mate := range targets {
		if err := mate.out.TrySend(out); err != nil {
			log.Warn().Err(err).Str("module", "hub").Msg("envelope dropped")
		}
	}
}

func (h *Hub) broadcastControl(roomID domain.RoomID, except domain.ParticipantID, ctl *signal.Control) {
	data, err := ctl.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("encode control")
		return
	}
	h.mu.RLock()
	var targets []*client
	for id, mate := range h.rooms[roomID] {
		if id == except {
			continue
		}
		targets = append(targets, mate)
	}
	h.mu.RUnlock()
	for _, mate := range targets {
		if err := mate.out.TrySend(data); err != nil {
			log.Warn().Err(err).Str("module", "hub").Msg("control dropped")
		}
	}
}

func (h *Hub) reply(c *client, ctl *signal.Control) {
	data, err := ctl.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("encode reply")
		return
	}
	if err := c.out.TrySend(data); err != nil {
		log.Warn().Err(err).Str("module", "hub").Msg("reply dropped")
	}
}

func (h *Hub) sendError(c *client, msg string) {
	h.reply(c, &signal.Control{Type: signal.ControlError, Error: msg})
}
