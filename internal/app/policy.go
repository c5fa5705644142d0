package app

// VideoOffAction decides what toggling the camera off does to the device.
type VideoOffAction int

const (
	// VideoOffDisable keeps the track alive and mutes it in-band. Cheap,
	// no renegotiation. The default.
	VideoOffDisable VideoOffAction = iota
	// VideoOffStop physically stops the track; re-enabling goes through
	// the dead-track recovery path.
	VideoOffStop
)

type MediaPolicy interface {
	OnVideoDisabled() VideoOffAction
}

type DisableOnly struct{}

func (DisableOnly) OnVideoDisabled() VideoOffAction { return VideoOffDisable }

type StopOnDisable struct{}

func (StopOnDisable) OnVideoDisabled() VideoOffAction { return VideoOffStop }

func PolicyFromConfig(stopVideoOnDisable bool) MediaPolicy {
	if stopVideoOnDisable {
		return StopOnDisable{}
	}
	return DisableOnly{}
}
