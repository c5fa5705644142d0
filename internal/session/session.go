// Package session exposes the public API for one joined room: a façade
// bound to one room id and one local participant. Presence events, relay
// messages and local media changes are serialized into a single event loop;
// the negotiation work they trigger runs asynchronously per peer link.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/praveenparshiva/instant-vid-link/internal/app"
	"github.com/praveenparshiva/instant-vid-link/internal/app/media"
	"github.com/praveenparshiva/instant-vid-link/internal/app/orch"
	"github.com/praveenparshiva/instant-vid-link/internal/core"
	"github.com/praveenparshiva/instant-vid-link/internal/domain"
	"github.com/praveenparshiva/instant-vid-link/internal/signal"
)

const (
	eventQueueSize = 128
	leaveTimeout   = 5 * time.Second
)

// ParticipantSnapshot is one remote participant as the UI layer sees it.
// Remote mute and video-off are derived from observed track liveness; the
// wire vocabulary carries no separate mute signal.
type ParticipantSnapshot struct {
	ID                domain.ParticipantID `json:"id"`
	DisplayName       string               `json:"display_name"`
	HasIncomingStream bool                 `json:"has_incoming_stream"`
	IsMuted           bool                 `json:"is_muted"`
	IsVideoOff        bool                 `json:"is_video_off"`
}

type Params struct {
	RoomID       domain.RoomID
	Self         domain.Participant
	Presence     core.Presence
	Relay        core.SignalRelay
	Transports   core.MediaTransportFactory
	Capture      core.MediaCapture
	Policy       app.MediaPolicy
	OfferTimeout time.Duration
}

type Session struct {
	roomID   domain.RoomID
	self     domain.Participant
	presence core.Presence
	media    *media.State
	registry *app.Registry
	orch     *orch.Orchestrator
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()

	mu       sync.Mutex
	joined   bool
	left     bool
	loopOnce sync.Once

	obsMu     sync.Mutex
	obsClosed bool
	observers map[int]chan []ParticipantSnapshot
	nextObs   int

	onDeviceError func(error)
}

func New(p Params) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		roomID:    p.RoomID,
		self:      p.Self,
		presence:  p.Presence,
		media:     media.New(p.Capture, p.Policy),
		registry:  app.NewRegistry(),
		logger:    log.With().Str("module", "session").Str("room", string(p.RoomID)).Str("self", string(p.Self.ID)).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan func(), eventQueueSize),
		observers: make(map[int]chan []ParticipantSnapshot),
	}
	s.orch = &orch.Orchestrator{
		LocalID:      p.Self.ID,
		Registry:     s.registry,
		Relay:        p.Relay,
		Transports:   p.Transports,
		Media:        s.media,
		OfferTimeout: p.OfferTimeout,
		OnChange:     s.publish,
	}
	// Fires only from inside the event loop (mode switches and recovery are
	// loop-driven), so it may touch the orchestrator directly.
	s.media.OnTracksChanged(func(tracks map[domain.TrackKind]core.TrackSource, renegotiate bool) {
		s.orch.OnLocalTracksChanged(tracks, renegotiate)
		s.publish()
	})
	s.media.OnTrackDead(func(kind domain.TrackKind) {
		s.post(func() {
			if err := s.media.RecoverDeadTrack(s.ctx, kind); err != nil {
				s.logger.Error().Err(err).Str("kind", string(kind)).Msg("track recovery failed")
				s.surfaceDeviceError(err)
			}
		})
	})
	return s
}

// OnDeviceError registers a callback for local capture problems. The session
// keeps running receive-only when devices fail.
func (s *Session) OnDeviceError(fn func(error)) { s.onDeviceError = fn }

// Join enters the room: acquires local media (capture failure is surfaced
// but not fatal), registers with presence and seeds links for members
// already in the room. Idempotent; a presence failure leaves the session
// joinable again.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		return nil
	}
	s.joined = true
	s.mu.Unlock()

	s.loopOnce.Do(func() { go s.loop() })

	if err := s.media.Acquire(ctx, domain.CaptureModeCamera); err != nil {
		s.logger.Warn().Err(err).Msg("joining receive-only, capture failed")
		s.surfaceDeviceError(err)
	}

	if err := s.presence.Join(ctx, s.roomID, s.self); err != nil {
		s.unjoin()
		return err
	}
	existing, err := s.presence.Participants(ctx, s.roomID, s.self.ID)
	if err != nil {
		s.unjoin()
		return err
	}
	for _, p := range existing {
		p := p
		s.post(func() { s.orch.OnExistingParticipant(p) })
	}
	s.logger.Info().Int("present", len(existing)).Msg("joined room")
	s.publish()
	return nil
}

// Leave tears the session down deterministically: every link closed, local
// media released, observers completed. Idempotent.
func (s *Session) Leave() error {
	s.mu.Lock()
	if !s.joined || s.left {
		s.mu.Unlock()
		return nil
	}
	s.left = true
	s.mu.Unlock()

	s.cancel()
	s.orch.Close()
	s.media.Release()

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := s.presence.Leave(ctx, s.roomID, s.self.ID); err != nil {
		s.logger.Warn().Err(err).Msg("presence leave")
	}
	s.closeObservers()
	s.logger.Info().Msg("left room")
	return nil
}

// ToggleMute flips the microphone and returns true when now muted.
// Mute is an in-band signal; it never triggers renegotiation.
func (s *Session) ToggleMute() (bool, error) {
	return s.do(func() (bool, error) {
		enabled, err := s.media.ToggleEnabled(s.ctx, domain.TrackKindAudio)
		if err != nil {
			return false, err
		}
		s.orch.SetOutgoingEnabled(domain.TrackKindAudio, enabled)
		s.publish()
		return !enabled, nil
	})
}

// ToggleCamera flips the camera and returns true when video is now off.
// Under the default policy the track stays alive and is disabled in-band;
// the stop-track policy goes through device recovery on re-enable.
func (s *Session) ToggleCamera() (bool, error) {
	return s.do(func() (bool, error) {
		enabled, err := s.media.ToggleEnabled(s.ctx, domain.TrackKindVideo)
		if err != nil {
			return false, err
		}
		s.orch.SetOutgoingEnabled(domain.TrackKindVideo, enabled)
		s.publish()
		return !enabled, nil
	})
}

// ToggleScreenShare switches between camera and screen capture and returns
// true when now sharing. A mode switch replaces the track set wholesale and
// renegotiates every link.
func (s *Session) ToggleScreenShare() (bool, error) {
	return s.do(func() (bool, error) {
		target := domain.CaptureModeScreen
		if s.media.Mode() == domain.CaptureModeScreen {
			target = domain.CaptureModeCamera
		}
		if err := s.media.SwitchMode(s.ctx, target); err != nil {
			return s.media.Mode() == domain.CaptureModeScreen, err
		}
		return target == domain.CaptureModeScreen, nil
	})
}

// ObserveParticipants returns a live snapshot stream, one element per
// change, starting with the current state. Latest-wins: a slow consumer
// only ever misses intermediate snapshots. The cancel func detaches.
func (s *Session) ObserveParticipants() (<-chan []ParticipantSnapshot, func()) {
	ch := make(chan []ParticipantSnapshot, 1)
	s.obsMu.Lock()
	if s.obsClosed {
		s.obsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextObs
	s.nextObs++
	s.observers[id] = ch
	s.obsMu.Unlock()

	ch <- s.snapshot()
	return ch, func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		if c, ok := s.observers[id]; ok {
			delete(s.observers, id)
			close(c)
		}
	}
}

// EventSink: pushed by the presence/relay adapter from arbitrary goroutines.

func (s *Session) OnParticipantJoined(p domain.Participant) {
	s.post(func() { s.orch.OnParticipantJoined(p) })
}

func (s *Session) OnParticipantLeft(id domain.ParticipantID) {
	s.post(func() { s.orch.OnParticipantLeft(id) })
}

func (s *Session) OnSignalReceived(env *signal.Envelope) {
	s.post(func() { s.orch.OnSignalReceived(env) })
}

func (s *Session) loop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.events:
			fn()
		}
	}
}

func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.ctx.Done():
	}
}

// do runs fn on the event loop and waits for its result.
func (s *Session) do(fn func() (bool, error)) (bool, error) {
	type result struct {
		v   bool
		err error
	}
	ch := make(chan result, 1)
	s.post(func() {
		v, err := fn()
		ch <- result{v, err}
	})
	select {
	case r := <-ch:
		return r.v, r.err
	case <-s.ctx.Done():
		return false, errors.New("session closed")
	}
}

func (s *Session) snapshot() []ParticipantSnapshot {
	snaps := s.registry.Snapshot()
	out := make([]ParticipantSnapshot, 0, len(snaps))
	for _, entry := range snaps {
		ls := entry.Link.Snapshot()
		out = append(out, ParticipantSnapshot{
			ID:                ls.RemoteID,
			DisplayName:       entry.Participant.DisplayName,
			HasIncomingStream: ls.HasIncomingStream,
			IsMuted:           !ls.RemoteAudioLive,
			IsVideoOff:        !ls.RemoteVideoLive,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Session) publish() {
	snaps := s.snapshot()
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	if s.obsClosed {
		return
	}
	for _, ch := range s.observers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snaps:
		default:
		}
	}
}

func (s *Session) closeObservers() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	if s.obsClosed {
		return
	}
	s.obsClosed = true
	for id, ch := range s.observers {
		delete(s.observers, id)
		close(ch)
	}
}

func (s *Session) unjoin() {
	s.mu.Lock()
	s.joined = false
	s.mu.Unlock()
	s.media.Release()
}

func (s *Session) surfaceDeviceError(err error) {
	if s.onDeviceError != nil {
		s.onDeviceError(err)
	}
}
