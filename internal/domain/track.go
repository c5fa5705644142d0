package domain

// TrackKind is the media kind of a captured or transmitted track.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// CaptureMode selects which device set backs the local video track.
// Audio always comes from the microphone.
type CaptureMode string

const (
	CaptureModeCamera CaptureMode = "camera"
	CaptureModeScreen CaptureMode = "screen"
)
