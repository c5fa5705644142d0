package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/praveenparshiva/instant-vid-link/internal/domain"
	"github.com/praveenparshiva/instant-vid-link/internal/signal"
)

// OnSignalReceived routes an envelope to its link's handler. An offer or
// candidate from an unknown sender creates the link first: presence and
// relay deliveries may arrive in either order. Signals from departed or
// unknown-and-unanswerable senders are dropped, never resurrected.
func (o *Orchestrator) OnSignalReceived(env *signal.Envelope) {
	if env.Sender == o.LocalID {
		return
	}
	if !env.Broadcast() && env.Target != o.LocalID {
		return
	}

	switch env.Type {
	case signal.TypeOffer:
		l := o.ensureLink(domain.Participant{ID: env.Sender})
		if l == nil {
			return
		}
		payload := []byte(env.Payload)
		o.dispatch(env.Sender, func() { l.HandleOffer(payload) })

	case signal.TypeAnswer:
		l, ok := o.Registry.Get(env.Sender)
		if !ok {
			log.Warn().Str("module", "app.orch").Str("sender", string(env.Sender)).Msg("answer for unknown link ignored")
			return
		}
		payload := []byte(env.Payload)
		o.dispatch(env.Sender, func() { l.HandleAnswer(payload) })

	case signal.TypeIce:
		l := o.ensureLink(domain.Participant{ID: env.Sender})
		if l == nil {
			return
		}
		payload := []byte(env.Payload)
		o.dispatch(env.Sender, func() { l.AddCandidate(payload) })

	default:
		log.Warn().Str("module", "app.orch").Str("type", string(env.Type)).Msg("unknown signal type")
	}
}
