package hub

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/praveenparshiva/instant-vid-link/internal/domain"
	"github.com/praveenparshiva/instant-vid-link/internal/signal"
)

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	reject bool
}

func (s *fakeSender) TrySend(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return ErrBackpressure
	}
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func (s *fakeSender) controls(typ signal.ControlType) []*signal.Control {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*signal.Control
	for _, f := range s.frames {
		ctl, err := signal.DecodeControl(f)
		if err == nil && ctl.Type == typ {
			out = append(out, ctl)
		}
	}
	return out
}

func (s *fakeSender) envelopes() []*signal.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*signal.Envelope
	for _, f := range s.frames {
		if env, err := signal.Decode(f); err == nil {
			out = append(out, env)
		}
	}
	return out
}

func join(t *testing.T, h *Hub, out *fakeSender, room, id, name string) *client {
	t.Helper()
	c := h.newClient(out)
	frame, err := (&signal.Control{
		Type:        signal.ControlJoin,
		Room:        domain.RoomID(room),
		Participant: &domain.Participant{ID: domain.ParticipantID(id), DisplayName: name},
	}).Encode()
	if err != nil {
		t.Fatal(err)
	}
	h.Dispatch(c, frame)
	return c
}

func TestJoinFlow(t *testing.T) {
	h := New()

	aOut := &fakeSender{}
	join(t, h, aOut, "room-1", "alice", "Alice")

	states := aOut.controls(signal.ControlRoomState)
	if len(states) != 1 {
		t.Fatalf("room_state frames = %d, want 1", len(states))
	}
	if len(states[0].Participants) != 0 {
		t.Fatal("first joiner should see an empty roster")
	}

	bOut := &fakeSender{}
	join(t, h, bOut, "room-1", "bob", "Bob")

	bStates := bOut.controls(signal.ControlRoomState)
	if len(bStates) != 1 || len(bStates[0].Participants) != 1 {
		t.Fatalf("second joiner roster = %+v, want alice only", bStates)
	}
	if bStates[0].Participants[0].ID != "alice" {
		t.Fatalf("roster id = %s, want alice", bStates[0].Participants[0].ID)
	}

	joined := aOut.controls(signal.ControlJoined)
	if len(joined) != 1 || joined[0].Participant.ID != "bob" {
		t.Fatalf("alice joined frames = %+v, want bob announcement", joined)
	}
	if len(bOut.controls(signal.ControlJoined)) != 0 {
		t.Fatal("joiner received its own announcement")
	}
}

func TestForwarding(t *testing.T) {
	h := New()
	aOut, bOut, cOut := &fakeSender{}, &fakeSender{}, &fakeSender{}
	a := join(t, h, aOut, "room-1", "alice", "Alice")
	join(t, h, bOut, "room-1", "bob", "Bob")
	join(t, h, cOut, "room-2", "carol", "Carol")

	t.Run("addressed envelope reaches only the target", func(t *testing.T) {
		frame, _ := (&signal.Envelope{
			Sender:  "spoofed",
			Target:  "bob",
			Type:    signal.TypeOffer,
			Payload: json.RawMessage(`{"sdp":"v=0"}`),
		}).Encode()
		h.Dispatch(a, frame)

		envs := bOut.envelopes()
		if len(envs) != 1 {
			t.Fatalf("bob envelopes = %d, want 1", len(envs))
		}
		if envs[0].Sender != "alice" {
			t.Fatalf("sender = %s, hub must stamp the joined id", envs[0].Sender)
		}
		if len(cOut.envelopes()) != 0 {
			t.Fatal("envelope leaked into another room")
		}
	})

	t.Run("broadcast reaches all roommates except sender", func(t *testing.T) {
		frame, _ := (&signal.Envelope{
			Sender:  "alice",
			Type:    signal.TypeIce,
			Payload: json.RawMessage(`{"candidate":"x"}`),
		}).Encode()
		h.Dispatch(a, frame)

		if got := len(bOut.envelopes()); got != 2 {
			t.Fatalf("bob envelopes = %d, want 2", got)
		}
		if got := len(aOut.envelopes()); got != 0 {
			t.Fatalf("broadcast echoed %d envelopes to sender", got)
		}
	})

	t.Run("envelope before join is rejected", func(t *testing.T) {
		loner := h.newClient(&fakeSender{})
		frame, _ := (&signal.Envelope{
			Sender: "x", Target: "bob", Type: signal.TypeOffer, Payload: json.RawMessage(`{}`),
		}).Encode()
		h.Dispatch(loner, frame)
		if got := len(bOut.envelopes()); got != 2 {
			t.Fatalf("bob envelopes = %d after unjoined send, want 2", got)
		}
	})
}

func TestLeave(t *testing.T) {
	h := New()
	aOut, bOut := &fakeSender{}, &fakeSender{}
	a := join(t, h, aOut, "room-1", "alice", "Alice")
	b := join(t, h, bOut, "room-1", "bob", "Bob")

	leave, _ := (&signal.Control{Type: signal.ControlLeave}).Encode()
	h.Dispatch(b, leave)

	if len(bOut.controls(signal.ControlLeft)) != 1 {
		t.Fatal("no leave ack")
	}
	departed := aOut.controls(signal.ControlDeparted)
	if len(departed) != 1 || departed[0].ID != "bob" {
		t.Fatalf("departed frames = %+v, want bob", departed)
	}

	// Envelopes to the departed id are dropped, not queued.
	frame, _ := (&signal.Envelope{
		Sender: "alice", Target: "bob", Type: signal.TypeOffer, Payload: json.RawMessage(`{}`),
	}).Encode()
	h.Dispatch(a, frame)
	if got := len(bOut.envelopes()); got != 0 {
		t.Fatalf("departed member received %d envelopes", got)
	}

	// A dead socket produces the same broadcast as an explicit leave.
	h.Disconnected(a)
	if len(aOut.controls(signal.ControlLeft)) != 0 {
		t.Fatal("disconnect should not be acked")
	}
}

func TestPingAndErrors(t *testing.T) {
	h := New()
	out := &fakeSender{}
	c := h.newClient(out)

	ping, _ := (&signal.Control{Type: signal.ControlPing}).Encode()
	h.Dispatch(c, ping)
	if len(out.controls(signal.ControlPong)) != 1 {
		t.Fatal("ping not answered")
	}

	h.Dispatch(c, []byte(`{"type":"mystery"}`))
	h.Dispatch(c, []byte(`not json`))
	if got := len(out.controls(signal.ControlError)); got != 2 {
		t.Fatalf("error frames = %d, want 2", got)
	}

	// Double join on one connection is refused.
	first, _ := (&signal.Control{
		Type:        signal.ControlJoin,
		Room:        "room-1",
		Participant: &domain.Participant{ID: "alice", DisplayName: "Alice"},
	}).Encode()
	h.Dispatch(c, first)
	again, _ := (&signal.Control{
		Type:        signal.ControlJoin,
		Room:        "room-1",
		Participant: &domain.Participant{ID: "alice2"},
	}).Encode()
	h.Dispatch(c, again)
	if got := len(out.controls(signal.ControlError)); got != 3 {
		t.Fatalf("error frames = %d after double join, want 3", got)
	}
}
