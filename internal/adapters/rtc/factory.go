package rtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/praveenparshiva/instant-vid-link/internal/core"
	"github.com/praveenparshiva/instant-vid-link/internal/domain"
)

func DefaultICEServers() []string {
	return []string{"stun:stun.l.google.com:19302"}
}

// Factory mints one peer connection per remote participant, all sharing a
// media engine configured for the local capture stack's codecs.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewFactory builds the shared API. configure populates the media engine
// with the codecs the capture stack encodes; nil falls back to pion's
// defaults.
func NewFactory(iceServers []string, configure func(*webrtc.MediaEngine)) (*Factory, error) {
	engine := &webrtc.MediaEngine{}
	if configure != nil {
		configure(engine)
	} else if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	if len(iceServers) == 0 {
		iceServers = DefaultICEServers()
	}
	return &Factory{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(engine)),
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
		},
	}, nil
}

func (f *Factory) NewTransport(remote domain.ParticipantID) (core.MediaTransport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newTransport(pc, remote), nil
}
