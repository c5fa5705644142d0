package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/praveenparshiva/instant-vid-link/internal/domain"
)

// OnParticipantJoined handles a join announcement. The announced side is our
// cue to offer: each ordered pair produces exactly one offer in steady state
// because the joiner seeds its links silently via OnExistingParticipant.
func (o *Orchestrator) OnParticipantJoined(p domain.Participant) {
	l := o.ensureLink(p)
	if l == nil {
		return
	}
	log.Info().Str("module", "app.orch").Str("remote", string(p.ID)).Str("name", p.DisplayName).Msg("participant joined")
	if o.Media != nil && len(o.Media.Tracks()) > 0 {
		o.dispatch(p.ID, l.Offer)
	}
	o.notify()
}

// OnExistingParticipant seeds a link for a member that was already present
// when we joined. No offer: their side offers on our join announcement.
func (o *Orchestrator) OnExistingParticipant(p domain.Participant) {
	o.ensureLink(p)
	o.notify()
}

// OnParticipantLeft closes and removes the remote's link. Safe when no link
// exists; the id is tombstoned so in-flight stale signals stay dead.
func (o *Orchestrator) OnParticipantLeft(id domain.ParticipantID) {
	l, ok := o.Registry.Remove(id)
	o.stopWorker(id)
	if ok {
		l.Close()
		log.Info().Str("module", "app.orch").Str("remote", string(id)).Msg("participant left, link closed")
	}
	o.notify()
}

func (o *Orchestrator) notify() {
	if o.OnChange != nil {
		o.OnChange()
	}
}
