// Package link holds the per-peer negotiation state machine. One Link exists
// per remote participant; all of its signaling operations run on a single
// worker owned by the orchestrator, so ops never interleave within one link.
package link

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/praveenparshiva/instant-vid-link/internal/core"
	"github.com/praveenparshiva/instant-vid-link/internal/domain"
	"github.com/praveenparshiva/instant-vid-link/internal/signal"
)

type State int

const (
	StateIdle State = iota
	StateAwaitingLocalOffer
	StateOfferSent
	StateOfferReceived
	StateAnswerSent
	StateStable
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingLocalOffer:
		return "awaiting_local_offer"
	case StateOfferSent:
		return "offer_sent"
	case StateOfferReceived:
		return "offer_received"
	case StateAnswerSent:
		return "answer_sent"
	case StateStable:
		return "stable"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Role int

const (
	RoleUndetermined Role = iota
	RoleOfferer
	RoleAnswerer
)

const defaultOfferTimeout = 15 * time.Second

// Snapshot is a read-only view of a link for observers.
type Snapshot struct {
	RemoteID          domain.ParticipantID
	State             State
	Role              Role
	HasIncomingStream bool
	RemoteAudioLive   bool
	RemoteVideoLive   bool
}

type Params struct {
	LocalID      domain.ParticipantID
	RemoteID     domain.ParticipantID
	Transport    core.MediaTransport
	Relay        core.SignalRelay
	OfferTimeout time.Duration
	// OnChange fires after every observable state change. May be nil.
	OnChange func()
}

type Link struct {
	localID      domain.ParticipantID
	remoteID     domain.ParticipantID
	transport    core.MediaTransport
	relay        core.SignalRelay
	offerTimeout time.Duration
	onChange     func()
	logger       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	role          Role
	hasRemoteDesc bool
	pendingICE    [][]byte
	deferredOffer json.RawMessage
	attached      map[domain.TrackKind]core.TrackSource
	remoteLive    map[domain.TrackKind]bool
	gotRemote     bool
	renegotiate   bool
	offerTimer    *time.Timer
}

func New(p Params) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	timeout := p.OfferTimeout
	if timeout <= 0 {
		timeout = defaultOfferTimeout
	}
	l := &Link{
		localID:      p.LocalID,
		remoteID:     p.RemoteID,
		transport:    p.Transport,
		relay:        p.Relay,
		offerTimeout: timeout,
		onChange:     p.OnChange,
		logger:       log.With().Str("module", "app.link").Str("remote", string(p.RemoteID)).Logger(),
		ctx:          ctx,
		cancel:       cancel,
		attached:     make(map[domain.TrackKind]core.TrackSource),
		remoteLive:   make(map[domain.TrackKind]bool),
	}

	l.transport.OnLocalCandidate(func(payload []byte) {
		l.send(signal.TypeIce, payload)
	})
	l.transport.OnRemoteTrack(func(kind domain.TrackKind) {
		l.mu.Lock()
		l.remoteLive[kind] = true
		l.gotRemote = true
		l.mu.Unlock()
		l.notify()
	})
	l.transport.OnRemoteTrackEnded(func(kind domain.TrackKind) {
		l.mu.Lock()
		l.remoteLive[kind] = false
		l.mu.Unlock()
		l.notify()
	})
	l.transport.OnFailure(func(err error) {
		l.Fail(err)
	})
	return l
}

func (l *Link) RemoteID() domain.ParticipantID { return l.remoteID }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) Role() Role {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.role
}

func (l *Link) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		RemoteID:          l.remoteID,
		State:             l.state,
		Role:              l.role,
		HasIncomingStream: l.gotRemote,
		RemoteAudioLive:   l.remoteLive[domain.TrackKindAudio],
		RemoteVideoLive:   l.remoteLive[domain.TrackKindVideo],
	}
}

// SeedLocalTracks records the current local track set without touching the
// transport and without triggering an offer. Used when a link is created for
// an already-present participant whose offer we expect to receive.
func (l *Link) SeedLocalTracks(tracks map[domain.TrackKind]core.TrackSource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.terminalLocked() {
		return
	}
	l.attached = cloneTracks(tracks)
}

// Offer drives one outgoing offer cycle. Valid from Idle and Stable;
// renegotiation re-enters from Stable. Requested mid-negotiation it is
// remembered and replayed once the link settles.
func (l *Link) Offer() {
	l.mu.Lock()
	switch l.state {
	case StateIdle, StateStable:
	case StateClosed, StateFailed:
		l.mu.Unlock()
		return
	default:
		l.renegotiate = true
		l.mu.Unlock()
		l.logger.Debug().Str("state", l.State().String()).Msg("offer requested mid-negotiation, deferred")
		return
	}
	l.state = StateAwaitingLocalOffer
	if l.role == RoleUndetermined {
		l.role = RoleOfferer
	}
	l.mu.Unlock()
	l.notify()

	if err := l.syncOutgoing(); err != nil {
		l.Fail(err)
		return
	}
	payload, err := l.transport.CreateOffer(l.ctx)
	if err != nil {
		if l.ctx.Err() != nil {
			return
		}
		l.Fail(err)
		return
	}

	l.mu.Lock()
	if l.state != StateAwaitingLocalOffer {
		l.mu.Unlock()
		return
	}
	l.state = StateOfferSent
	l.armOfferTimerLocked()
	l.mu.Unlock()
	l.notify()

	l.send(signal.TypeOffer, payload)
}

// HandleOffer applies a remote offer and produces an answer. Valid from Idle
// and Stable. While our own offer is outstanding the incoming offer wins the
// glare tie-break only if the local id sorts lexicographically after the
// sender id; otherwise it is parked until the local offer resolves.
func (l *Link) HandleOffer(payload []byte) {
	l.mu.Lock()
	switch l.state {
	case StateClosed, StateFailed:
		l.mu.Unlock()
		return
	case StateIdle, StateStable:
	case StateOfferSent, StateAwaitingLocalOffer:
		if l.localID <= l.remoteID {
			l.deferredOffer = append([]byte(nil), payload...)
			l.mu.Unlock()
			l.logger.Info().Msg("glare: local offer wins, remote offer deferred")
			return
		}
		l.logger.Info().Msg("glare: remote offer wins, abandoning local offer")
		l.stopOfferTimerLocked()
	default:
		l.mu.Unlock()
		l.logger.Warn().Str("state", l.State().String()).Msg("out-of-order offer ignored")
		return
	}
	l.state = StateOfferReceived
	if l.role == RoleUndetermined {
		l.role = RoleAnswerer
	}
	l.mu.Unlock()
	l.notify()

	if err := l.transport.ApplyRemoteDescription(l.ctx, payload); err != nil {
		if l.ctx.Err() != nil {
			return
		}
		l.Fail(err)
		return
	}
	l.markRemoteDescAndFlush()

	if err := l.syncOutgoing(); err != nil {
		l.Fail(err)
		return
	}
	answer, err := l.transport.CreateAnswer(l.ctx)
	if err != nil {
		if l.ctx.Err() != nil {
			return
		}
		l.Fail(err)
		return
	}

	l.mu.Lock()
	if l.state != StateOfferReceived {
		l.mu.Unlock()
		return
	}
	l.state = StateAnswerSent
	l.mu.Unlock()
	l.notify()

	l.send(signal.TypeAnswer, answer)
	l.settle()
}

// HandleAnswer applies a remote answer. Valid only from OfferSent; anything
// else is a logged out-of-order redelivery, not an error.
func (l *Link) HandleAnswer(payload []byte) {
	l.mu.Lock()
	if l.state != StateOfferSent {
		state := l.state
		l.mu.Unlock()
		l.logger.Warn().Str("state", state.String()).Msg("out-of-order answer ignored")
		return
	}
	l.stopOfferTimerLocked()
	l.mu.Unlock()

	if err := l.transport.ApplyRemoteDescription(l.ctx, payload); err != nil {
		if l.ctx.Err() != nil {
			return
		}
		l.Fail(err)
		return
	}
	l.markRemoteDescAndFlush()
	l.settle()
}

// AddCandidate applies a remote ICE candidate immediately when a remote
// description is installed, otherwise queues it in arrival order. Candidates
// with no prior offer or answer wait indefinitely until one arrives or the
// link closes; that is deliberate tolerance for relay reordering.
func (l *Link) AddCandidate(payload []byte) {
	l.mu.Lock()
	if l.terminalLocked() {
		l.mu.Unlock()
		return
	}
	if !l.hasRemoteDesc {
		l.pendingICE = append(l.pendingICE, append([]byte(nil), payload...))
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	if err := l.transport.AddRemoteCandidate(payload); err != nil {
		l.logger.Warn().Err(err).Msg("apply remote candidate")
	}
}

// UpdateLocalTracks replaces the outgoing media set. Same-kind swaps happen
// in place; a fresh offer cycle runs only when the set of kinds changed or
// the caller forces one (wholesale capture-mode switches renegotiate even
// though the kinds stay the same).
func (l *Link) UpdateLocalTracks(tracks map[domain.TrackKind]core.TrackSource, force bool) {
	l.mu.Lock()
	if l.terminalLocked() {
		l.mu.Unlock()
		return
	}
	old := l.attached
	l.attached = cloneTracks(tracks)
	l.mu.Unlock()

	kindsChanged := false
	for kind, src := range tracks {
		prev, had := old[kind]
		if !had {
			kindsChanged = true
		}
		if had && prev == src {
			continue
		}
		if err := l.transport.AttachTrack(kind, src); err != nil {
			l.Fail(err)
			return
		}
	}
	for kind := range old {
		if _, still := tracks[kind]; still {
			continue
		}
		kindsChanged = true
		if err := l.transport.DetachTrack(kind); err != nil {
			l.Fail(err)
			return
		}
	}

	if kindsChanged || force {
		l.Offer()
	}
}

// SetOutgoingEnabled mutes or unmutes one outgoing kind in-band. Never
// triggers renegotiation.
func (l *Link) SetOutgoingEnabled(kind domain.TrackKind, enabled bool) {
	l.mu.Lock()
	if l.terminalLocked() {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	if err := l.transport.SetTrackEnabled(kind, enabled); err != nil {
		l.logger.Warn().Err(err).Str("kind", string(kind)).Msg("set track enabled")
	}
}

// Close tears the link down. Idempotent, safe from any state, cancels
// in-flight negotiation work and clears the ICE queue.
func (l *Link) Close() {
	l.cancel()
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.state = StateClosed
	l.stopOfferTimerLocked()
	l.pendingICE = nil
	l.deferredOffer = nil
	l.attached = nil
	l.mu.Unlock()
	l.transport.Close()
	l.logger.Info().Msg("link closed")
	l.notify()
}

// Fail marks the link terminally failed. Other links are unaffected; the
// orchestrator may recreate a fresh link for the same remote afterward.
func (l *Link) Fail(err error) {
	l.cancel()
	l.mu.Lock()
	if l.terminalLocked() {
		l.mu.Unlock()
		return
	}
	l.state = StateFailed
	l.stopOfferTimerLocked()
	l.pendingICE = nil
	l.deferredOffer = nil
	l.mu.Unlock()
	l.transport.Close()
	l.logger.Error().Err(err).Msg("negotiation failed")
	l.notify()
}

// settle commits Stable and replays whatever was parked during negotiation:
// a glare-deferred remote offer first, then a pending renegotiation.
func (l *Link) settle() {
	l.mu.Lock()
	if l.terminalLocked() {
		l.mu.Unlock()
		return
	}
	l.state = StateStable
	deferred := l.deferredOffer
	l.deferredOffer = nil
	renegotiate := l.renegotiate
	l.renegotiate = false
	l.mu.Unlock()
	l.notify()

	if deferred != nil {
		l.HandleOffer(deferred)
		return
	}
	if renegotiate {
		l.Offer()
	}
}

func (l *Link) markRemoteDescAndFlush() {
	l.mu.Lock()
	l.hasRemoteDesc = true
	queued := l.pendingICE
	l.pendingICE = nil
	l.mu.Unlock()
	for _, payload := range queued {
		if err := l.transport.AddRemoteCandidate(payload); err != nil {
			l.logger.Warn().Err(err).Msg("apply queued candidate")
		}
	}
}

// syncOutgoing reconciles the transport with the attached track set: every
// attached kind is (re)attached, every missing kind declares receive-only
// intent so the remote side can send without us sending.
func (l *Link) syncOutgoing() error {
	l.mu.Lock()
	tracks := cloneTracks(l.attached)
	l.mu.Unlock()
	for kind, src := range tracks {
		if err := l.transport.AttachTrack(kind, src); err != nil {
			return err
		}
	}
	for _, kind := range []domain.TrackKind{domain.TrackKindAudio, domain.TrackKindVideo} {
		if _, ok := tracks[kind]; ok {
			continue
		}
		if err := l.transport.EnsureReceiver(kind); err != nil {
			return err
		}
	}
	return nil
}

func (l *Link) send(typ signal.Type, payload []byte) {
	if err := l.relay.Send(l.remoteID, typ, payload); err != nil {
		l.logger.Warn().Err(err).Str("type", string(typ)).Msg("relay send")
	}
}

func (l *Link) armOfferTimerLocked() {
	l.stopOfferTimerLocked()
	l.offerTimer = time.AfterFunc(l.offerTimeout, func() {
		l.mu.Lock()
		stalled := l.state == StateOfferSent
		l.mu.Unlock()
		if stalled {
			l.logger.Warn().Dur("timeout", l.offerTimeout).Msg("offer unanswered")
		}
	})
}

func (l *Link) stopOfferTimerLocked() {
	if l.offerTimer != nil {
		l.offerTimer.Stop()
		l.offerTimer = nil
	}
}

func (l *Link) terminalLocked() bool {
	return l.state == StateClosed || l.state == StateFailed
}

func (l *Link) notify() {
	if l.onChange != nil {
		l.onChange()
	}
}

func cloneTracks(in map[domain.TrackKind]core.TrackSource) map[domain.TrackKind]core.TrackSource {
	out := make(map[domain.TrackKind]core.TrackSource, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
