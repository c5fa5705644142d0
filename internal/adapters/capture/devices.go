// Package capture acquires local media through pion/mediadevices: camera
// and microphone for the default mode, screen for sharing. Tracks come out
// already encoded, ready to hand to the rtc transport stack.
package capture

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	// Register the device drivers used by GetUserMedia/GetDisplayMedia.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"

	"github.com/praveenparshiva/instant-vid-link/internal/core"
	"github.com/praveenparshiva/instant-vid-link/internal/domain"
)

const (
	videoWidth   = 1280
	videoHeight  = 720
	audioBitRate = 32_000
	videoBitRate = 1_000_000
)

type Devices struct {
	selector *mediadevices.CodecSelector
	logger   zerolog.Logger
}

// New builds the device stack with opus audio and VP8 video encoders.
func New() (*Devices, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	opusParams.BitRate = audioBitRate

	vp8Params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vp8Params.BitRate = videoBitRate

	return &Devices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
			mediadevices.WithVideoEncoders(&vp8Params),
		),
		logger: log.With().Str("module", "capture").Logger(),
	}, nil
}

// PopulateEngine registers this stack's codecs on the transport's media
// engine so negotiated payload types line up with what we encode.
func (d *Devices) PopulateEngine(engine *webrtc.MediaEngine) {
	d.selector.Populate(engine)
}

// Acquire grabs the full track set for a mode. Nothing is retained on
// failure.
func (d *Devices) Acquire(ctx context.Context, mode domain.CaptureMode) ([]core.TrackSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	audio, err := d.acquireAudio()
	if err != nil {
		return nil, err
	}
	video, err := d.acquireVideo(mode)
	if err != nil {
		_ = audio.Stop()
		return nil, err
	}
	d.logger.Info().Str("mode", string(mode)).Msg("devices acquired")
	return []core.TrackSource{audio, video}, nil
}

// AcquireKind re-grabs a single kind within a mode, for recovery.
func (d *Devices) AcquireKind(ctx context.Context, mode domain.CaptureMode, kind domain.TrackKind) (core.TrackSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if kind == domain.TrackKindAudio {
		return d.acquireAudio()
	}
	return d.acquireVideo(mode)
}

func (d *Devices) acquireAudio() (core.TrackSource, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: microphone: %v", core.ErrDeviceUnavailable, err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no audio track", core.ErrDeviceUnavailable)
	}
	return newTrackSource(tracks[0], domain.TrackKindAudio), nil
}

func (d *Devices) acquireVideo(mode domain.CaptureMode) (core.TrackSource, error) {
	var (
		stream mediadevices.MediaStream
		err    error
	)
	if mode == domain.CaptureModeScreen {
		stream, err = mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
			Video: func(c *mediadevices.MediaTrackConstraints) {},
			Codec: d.selector,
		})
	} else {
		stream, err = mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Video: func(c *mediadevices.MediaTrackConstraints) {
				c.Width = prop.Int(videoWidth)
				c.Height = prop.Int(videoHeight)
			},
			Codec: d.selector,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s video: %v", core.ErrDeviceUnavailable, mode, err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no video track", core.ErrDeviceUnavailable)
	}
	return newTrackSource(tracks[0], domain.TrackKindVideo), nil
}

// trackSource wraps one mediadevices track behind the engine's opaque
// source handle. The rtc transport unwraps it via WebRTCTrack.
type trackSource struct {
	track mediadevices.Track
	kind  domain.TrackKind
}

func newTrackSource(track mediadevices.Track, kind domain.TrackKind) *trackSource {
	return &trackSource{track: track, kind: kind}
}

func (s *trackSource) Kind() domain.TrackKind { return s.kind }

func (s *trackSource) OnEnded(fn func()) {
	s.track.OnEnded(func(error) { fn() })
}

func (s *trackSource) Stop() error {
	return s.track.Close()
}

func (s *trackSource) WebRTCTrack() webrtc.TrackLocal { return s.track }
