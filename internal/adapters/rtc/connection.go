// Package rtc backs the engine's media transport port with pion
// peer connections. Descriptions and candidates cross the package boundary
// as JSON blobs; nothing pion-specific leaks upward.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/praveenparshiva/instant-vid-link/internal/core"
	"github.com/praveenparshiva/instant-vid-link/internal/domain"
)

// localTrackCarrier is what a capture-side track source must provide for
// this transport stack to send it.
type localTrackCarrier interface {
	WebRTCTrack() webrtc.TrackLocal
}

type outgoing struct {
	sender  *webrtc.RTPSender
	track   webrtc.TrackLocal
	enabled bool
}

type transport struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	mu      sync.Mutex
	closed  bool
	sending map[domain.TrackKind]*outgoing
	recv    map[domain.TrackKind]bool

	onLocalCandidate   func([]byte)
	onRemoteTrack      func(domain.TrackKind)
	onRemoteTrackEnded func(domain.TrackKind)
	onFailure          func(error)
}

func newTransport(pc *webrtc.PeerConnection, remote domain.ParticipantID) *transport {
	t := &transport{
		pc:      pc,
		logger:  log.With().Str("module", "rtc").Str("remote", string(remote)).Logger(),
		sending: make(map[domain.TrackKind]*outgoing),
		recv:    make(map[domain.TrackKind]bool),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		payload, err := json.Marshal(cand.ToJSON())
		if err != nil {
			t.logger.Error().Err(err).Msg("marshal candidate")
			return
		}
		t.mu.Lock()
		fn := t.onLocalCandidate
		t.mu.Unlock()
		if fn != nil {
			fn(payload)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := kindFromPion(track.Kind())
		t.logger.Info().Str("kind", string(kind)).Str("track_id", track.ID()).Msg("remote track")
		t.mu.Lock()
		fn := t.onRemoteTrack
		t.mu.Unlock()
		if fn != nil {
			fn(kind)
		}
		go t.drain(track, kind)
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		t.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.logger.Info().Str("peer_state", s.String()).Msg("peer state")
		if s != webrtc.PeerConnectionStateFailed {
			return
		}
		t.mu.Lock()
		fn := t.onFailure
		closed := t.closed
		t.mu.Unlock()
		if !closed && fn != nil {
			fn(fmt.Errorf("%w: peer connection failed", core.ErrNegotiationFailed))
		}
	})
	return t
}

// drain keeps the remote track's RTP flowing and reports its end. The
// engine only cares about liveness; rendering is out of scope here.
func (t *transport) drain(track *webrtc.TrackRemote, kind domain.TrackKind) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			break
		}
	}
	t.logger.Info().Str("kind", string(kind)).Msg("remote track ended")
	t.mu.Lock()
	fn := t.onRemoteTrackEnded
	t.mu.Unlock()
	if fn != nil {
		fn(kind)
	}
}

func (t *transport) CreateOffer(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	return json.Marshal(offer)
}

func (t *transport) CreateAnswer(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local answer: %w", err)
	}
	return json.Marshal(answer)
}

// ApplyRemoteDescription installs a remote offer or answer. An offer that
// lands while our own is pending rolls the local one back first; the state
// machine above has already decided the remote side won.
func (t *transport) ApplyRemoteDescription(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("decode description: %w", err)
	}
	if desc.Type == webrtc.SDPTypeOffer && t.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		t.logger.Info().Msg("rolling back local offer")
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := t.pc.SetLocalDescription(rollback); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
	}
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	return nil
}

func (t *transport) AddRemoteCandidate(payload []byte) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return t.pc.AddICECandidate(init)
}

// AttachTrack adds or replaces the outgoing track of one kind. An in-place
// replacement reuses the existing sender so no renegotiation is needed.
func (t *transport) AttachTrack(kind domain.TrackKind, src core.TrackSource) error {
	carrier, ok := src.(localTrackCarrier)
	if !ok {
		return fmt.Errorf("track source for %s is not webrtc-backed", kind)
	}
	local := carrier.WebRTCTrack()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	if out, ok := t.sending[kind]; ok {
		out.track = local
		if !out.enabled {
			return nil
		}
		if err := out.sender.ReplaceTrack(local); err != nil {
			return fmt.Errorf("replace %s track: %w", kind, err)
		}
		return nil
	}
	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return fmt.Errorf("add %s track: %w", kind, err)
	}
	t.sending[kind] = &outgoing{sender: sender, track: local, enabled: true}
	go t.drainSender(sender)
	return nil
}

// drainSender consumes RTCP for one sender. Required before pion will
// release interceptor buffers.
func (t *transport) drainSender(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (t *transport) DetachTrack(kind domain.TrackKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	out, ok := t.sending[kind]
	if !ok {
		return nil
	}
	delete(t.sending, kind)
	if t.closed {
		return nil
	}
	if err := t.pc.RemoveTrack(out.sender); err != nil {
		return fmt.Errorf("remove %s track: %w", kind, err)
	}
	return nil
}

// SetTrackEnabled mutes by swapping the sender's track out for nil; the
// sender and its negotiated m-line stay in place.
func (t *transport) SetTrackEnabled(kind domain.TrackKind, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	out, ok := t.sending[kind]
	if !ok || t.closed || out.enabled == enabled {
		return nil
	}
	out.enabled = enabled
	if enabled {
		return out.sender.ReplaceTrack(out.track)
	}
	return out.sender.ReplaceTrack(nil)
}

// EnsureReceiver declares receive-only intent for a kind we are not
// sending, so the remote side gets an m-line to send on.
func (t *transport) EnsureReceiver(kind domain.TrackKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.recv[kind] {
		return nil
	}
	if _, ok := t.sending[kind]; ok {
		return nil
	}
	_, err := t.pc.AddTransceiverFromKind(kindToPion(kind), webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("add %s receiver: %w", kind, err)
	}
	t.recv[kind] = true
	return nil
}

func (t *transport) OnLocalCandidate(fn func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLocalCandidate = fn
}

func (t *transport) OnRemoteTrack(fn func(domain.TrackKind)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRemoteTrack = fn
}

func (t *transport) OnRemoteTrackEnded(fn func(domain.TrackKind)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRemoteTrackEnded = fn
}

func (t *transport) OnFailure(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFailure = fn
}

func (t *transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	if err := t.pc.Close(); err != nil {
		t.logger.Error().Err(err).Msg("close peer connection")
		return
	}
	t.logger.Info().Msg("peer connection closed")
}

func kindFromPion(kind webrtc.RTPCodecType) domain.TrackKind {
	if kind == webrtc.RTPCodecTypeAudio {
		return domain.TrackKindAudio
	}
	return domain.TrackKindVideo
}

func kindToPion(kind domain.TrackKind) webrtc.RTPCodecType {
	if kind == domain.TrackKindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}
