// Package orch coordinates negotiation across peer links: it reacts to
// presence and relay events, decides who offers, and fans local media
// changes out to every link. Registry mutation is serialized by the owning
// session; per-link signaling runs on one worker per remote id so links
// progress independently while any one of them waits on its transport.
package orch

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/praveenparshiva/instant-vid-link/internal/app"
	"github.com/praveenparshiva/instant-vid-link/internal/app/link"
	"github.com/praveenparshiva/instant-vid-link/internal/app/media"
	"github.com/praveenparshiva/instant-vid-link/internal/core"
	"github.com/praveenparshiva/instant-vid-link/internal/domain"
)

const workerQueueSize = 256

type Orchestrator struct {
	LocalID      domain.ParticipantID
	Registry     *app.Registry
	Relay        core.SignalRelay
	Transports   core.MediaTransportFactory
	Media        *media.State
	OfferTimeout time.Duration
	// OnChange fires after any observable link change. May be nil.
	OnChange func()

	mu      sync.Mutex
	workers map[domain.ParticipantID]chan func()
	closed  bool
}

// ensureLink returns the link for a participant, creating it on first
// contact. Duplicate creation is idempotent; departed ids are never
// resurrected.
func (o *Orchestrator) ensureLink(p domain.Participant) *link.Link {
	if o.Registry.Departed(p.ID) {
		log.Warn().Str("module", "app.orch").Str("remote", string(p.ID)).Msg("ignoring contact from departed participant")
		return nil
	}
	o.upsertMember(p)
	if l, ok := o.Registry.Get(p.ID); ok {
		return l
	}

	tp, err := o.Transports.NewTransport(p.ID)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("remote", string(p.ID)).Msg("new transport")
		return nil
	}
	l := link.New(link.Params{
		LocalID:      o.LocalID,
		RemoteID:     p.ID,
		Transport:    tp,
		Relay:        o.Relay,
		OfferTimeout: o.OfferTimeout,
		OnChange:     o.OnChange,
	})
	if o.Media != nil {
		l.SeedLocalTracks(o.Media.Tracks())
	}
	actual, created := o.Registry.PutIfAbsent(p.ID, l)
	if !created {
		l.Close()
	}
	return actual
}

func (o *Orchestrator) upsertMember(p domain.Participant) {
	if p.DisplayName != "" {
		o.Registry.UpsertMember(p)
		return
	}
	if _, known := o.Registry.Member(p.ID); !known {
		o.Registry.UpsertMember(p)
	}
}

// dispatch enqueues work on the remote's FIFO worker. Ordering holds per
// remote id; reordering across different remotes is expected.
func (o *Orchestrator) dispatch(id domain.ParticipantID, fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if o.workers == nil {
		o.workers = make(map[domain.ParticipantID]chan func())
	}
	tasks, ok := o.workers[id]
	if !ok {
		tasks = make(chan func(), workerQueueSize)
		o.workers[id] = tasks
		go func() {
			for task := range tasks {
				task()
			}
		}()
	}
	select {
	case tasks <- fn:
	default:
		log.Error().Str("module", "app.orch").Str("remote", string(id)).Msg("link worker queue full, dropping op")
	}
}

func (o *Orchestrator) stopWorker(id domain.ParticipantID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if tasks, ok := o.workers[id]; ok {
		close(tasks)
		delete(o.workers, id)
	}
}

// Close tears down every link and worker. Idempotent.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	for id, tasks := range o.workers {
		close(tasks)
		delete(o.workers, id)
	}
	o.mu.Unlock()

	var wg conc.WaitGroup
	for _, l := range o.Registry.Drain() {
		wg.Go(l.Close)
	}
	wg.Wait()
	log.Info().Str("module", "app.orch").Msg("orchestrator closed")
}
