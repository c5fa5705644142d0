// Package media owns the locally captured track set: camera+mic or
// screen+mic, with mute toggles, mode switches and dead-track recovery.
// Writes go through the session's serialized event stream; reads may come
// from any number of links.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/praveenparshiva/instant-vid-link/internal/app"
	"github.com/praveenparshiva/instant-vid-link/internal/core"
	"github.com/praveenparshiva/instant-vid-link/internal/domain"
)

var ErrNoTrack = errors.New("no track of that kind")

type State struct {
	capture core.MediaCapture
	policy  app.MediaPolicy
	logger  zerolog.Logger

	mu       sync.RWMutex
	acquired bool
	mode     domain.CaptureMode
	tracks   map[domain.TrackKind]core.TrackSource
	enabled  map[domain.TrackKind]bool
	dead     map[domain.TrackKind]bool

	onChange    func(tracks map[domain.TrackKind]core.TrackSource, renegotiate bool)
	onTrackDead func(kind domain.TrackKind)
}

func New(capture core.MediaCapture, policy app.MediaPolicy) *State {
	if policy == nil {
		policy = app.DisableOnly{}
	}
	return &State{
		capture: capture,
		policy:  policy,
		logger:  log.With().Str("module", "app.media").Logger(),
		tracks:  make(map[domain.TrackKind]core.TrackSource),
		enabled: make(map[domain.TrackKind]bool),
		dead:    make(map[domain.TrackKind]bool),
	}
}

// OnTracksChanged registers the orchestrator hook fired after every
// successful mode switch or track recovery. renegotiate is true for
// wholesale mode switches, false for same-kind recovery swaps.
func (s *State) OnTracksChanged(fn func(tracks map[domain.TrackKind]core.TrackSource, renegotiate bool)) {
	s.onChange = fn
}

// OnTrackDead registers the hook fired when a track ends unexpectedly.
func (s *State) OnTrackDead(fn func(domain.TrackKind)) {
	s.onTrackDead = fn
}

// Acquire grabs the initial track set for the given mode. On failure the
// previous state, if any, is left untouched.
func (s *State) Acquire(ctx context.Context, mode domain.CaptureMode) error {
	srcs, err := s.capture.Acquire(ctx, mode)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", mode, err)
	}
	s.mu.Lock()
	s.installLocked(mode, srcs)
	s.mu.Unlock()
	s.logger.Info().Str("mode", string(mode)).Int("tracks", len(srcs)).Msg("media acquired")
	return nil
}

// Tracks returns a snapshot of the current live track set. Dead tracks are
// excluded so links never attach a stopped source.
func (s *State) Tracks() map[domain.TrackKind]core.TrackSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.TrackKind]core.TrackSource, len(s.tracks))
	for kind, src := range s.tracks {
		if s.dead[kind] {
			continue
		}
		out[kind] = src
	}
	return out
}

func (s *State) Mode() domain.CaptureMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *State) Enabled(kind domain.TrackKind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled[kind]
}

// ToggleEnabled flips mute for one kind and returns the resulting enabled
// state. Plain disable is an in-band signal and never touches the device;
// the stop-track policy variant physically stops video on disable and
// re-acquires it through the recovery path on enable.
func (s *State) ToggleEnabled(ctx context.Context, kind domain.TrackKind) (bool, error) {
	s.mu.Lock()
	src, ok := s.tracks[kind]
	if !ok {
		s.mu.Unlock()
		return false, ErrNoTrack
	}
	enabled := !s.enabled[kind]
	s.enabled[kind] = enabled
	stopOnDisable := kind == domain.TrackKindVideo && s.policy.OnVideoDisabled() == app.VideoOffStop
	wasDead := s.dead[kind]
	if !enabled && stopOnDisable {
		s.dead[kind] = true
	}
	s.mu.Unlock()

	if !enabled && stopOnDisable {
		if err := src.Stop(); err != nil {
			s.logger.Warn().Err(err).Str("kind", string(kind)).Msg("stop on disable")
		}
		return enabled, nil
	}
	if enabled && wasDead {
		if err := s.RecoverDeadTrack(ctx, kind); err != nil {
			return enabled, err
		}
	}
	return enabled, nil
}

// SwitchMode acquires the new mode's tracks, then atomically swaps. The old
// set is stopped only after the new one is in hand, so a failed switch
// leaves the previous state untouched.
func (s *State) SwitchMode(ctx context.Context, mode domain.CaptureMode) error {
	s.mu.RLock()
	current := s.mode
	active := s.acquired
	s.mu.RUnlock()
	if active && current == mode {
		return nil
	}

	srcs, err := s.capture.Acquire(ctx, mode)
	if err != nil {
		return fmt.Errorf("switch to %s: %w", mode, err)
	}

	s.mu.Lock()
	old := s.tracks
	s.installLocked(mode, srcs)
	s.mu.Unlock()

	for kind, src := range old {
		if err := src.Stop(); err != nil {
			s.logger.Warn().Err(err).Str("kind", string(kind)).Msg("stop old track")
		}
	}
	s.logger.Info().Str("mode", string(mode)).Msg("capture mode switched")
	s.notify(true)
	return nil
}

// RecoverDeadTrack re-acquires a single kind after an unexpected end and
// swaps just that track.
func (s *State) RecoverDeadTrack(ctx context.Context, kind domain.TrackKind) error {
	s.mu.RLock()
	mode := s.mode
	s.mu.RUnlock()

	src, err := s.capture.AcquireKind(ctx, mode, kind)
	if err != nil {
		return fmt.Errorf("recover %s: %w", kind, err)
	}

	s.mu.Lock()
	old := s.tracks[kind]
	s.tracks[kind] = src
	s.dead[kind] = false
	if _, ok := s.enabled[kind]; !ok {
		s.enabled[kind] = true
	}
	s.watchLocked(kind, src)
	s.mu.Unlock()

	if old != nil {
		_ = old.Stop()
	}
	s.logger.Info().Str("kind", string(kind)).Msg("track recovered")
	s.notify(false)
	return nil
}

// Release stops everything. Idempotent; called at room-leave.
func (s *State) Release() {
	s.mu.Lock()
	old := s.tracks
	s.tracks = make(map[domain.TrackKind]core.TrackSource)
	s.enabled = make(map[domain.TrackKind]bool)
	s.dead = make(map[domain.TrackKind]bool)
	s.acquired = false
	s.mu.Unlock()
	for _, src := range old {
		_ = src.Stop()
	}
}

func (s *State) installLocked(mode domain.CaptureMode, srcs []core.TrackSource) {
	s.mode = mode
	s.acquired = true
	s.tracks = make(map[domain.TrackKind]core.TrackSource, len(srcs))
	s.enabled = make(map[domain.TrackKind]bool, len(srcs))
	s.dead = make(map[domain.TrackKind]bool)
	for _, src := range srcs {
		kind := src.Kind()
		s.tracks[kind] = src
		s.enabled[kind] = true
		s.watchLocked(kind, src)
	}
}

func (s *State) watchLocked(kind domain.TrackKind, src core.TrackSource) {
	src.OnEnded(func() {
		s.mu.Lock()
		// A track we replaced or stopped on purpose is not a casualty.
		if s.tracks[kind] != src || s.dead[kind] {
			s.mu.Unlock()
			return
		}
		s.dead[kind] = true
		s.mu.Unlock()
		s.logger.Warn().Str("kind", string(kind)).Msg("track ended unexpectedly")
		if s.onTrackDead != nil {
			s.onTrackDead(kind)
		}
	})
}

func (s *State) notify(renegotiate bool) {
	if s.onChange != nil {
		s.onChange(s.Tracks(), renegotiate)
	}
}
