package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/praveenparshiva/instant-vid-link/internal/app/link"
	"github.com/praveenparshiva/instant-vid-link/internal/domain"
)

// Registry is the per-session peer link arena: at most one link per remote
// id, exclusively mutated through the session's serialized event stream.
// Departed ids are tombstoned so stale signals can never resurrect a link
// (a re-join mints a fresh id).
type Registry struct {
	mu       sync.RWMutex
	links    map[domain.ParticipantID]*link.Link
	members  map[domain.ParticipantID]domain.Participant
	departed map[domain.ParticipantID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		links:    make(map[domain.ParticipantID]*link.Link),
		members:  make(map[domain.ParticipantID]domain.Participant),
		departed: make(map[domain.ParticipantID]struct{}),
	}
}

// PutIfAbsent registers a link unless one already exists for the remote id.
// Duplicate creation is idempotent: the existing link wins.
func (r *Registry) PutIfAbsent(id domain.ParticipantID, l *link.Link) (*link.Link, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.links[id]; ok {
		return existing, false
	}
	r.links[id] = l
	delete(r.departed, id)
	log.Info().Str("module", "app.registry").Str("remote", string(id)).Msg("link registered")
	return l, true
}

func (r *Registry) Get(id domain.ParticipantID) (*link.Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[id]
	return l, ok
}

// Remove drops a link and tombstones the id. Safe when no link exists.
func (r *Registry) Remove(id domain.ParticipantID) (*link.Link, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[id]
	delete(r.links, id)
	delete(r.members, id)
	r.departed[id] = struct{}{}
	if ok {
		log.Info().Str("module", "app.registry").Str("remote", string(id)).Msg("link removed")
	}
	return l, ok
}

func (r *Registry) Departed(id domain.ParticipantID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, gone := r.departed[id]
	return gone
}

func (r *Registry) UpsertMember(p domain.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[p.ID] = p
}

func (r *Registry) Member(id domain.ParticipantID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.members[id]
	return p, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// LinkSnap pairs a link with the participant meta it belongs to.
type LinkSnap struct {
	Participant domain.Participant
	Link        *link.Link
}

func (r *Registry) Snapshot() []LinkSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LinkSnap, 0, len(r.links))
	for id, l := range r.links {
		out = append(out, LinkSnap{Participant: r.members[id], Link: l})
	}
	return out
}

// Drain removes and returns every link; used at session teardown.
func (r *Registry) Drain() []*link.Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*link.Link, 0, len(r.links))
	for id, l := range r.links {
		out = append(out, l)
		delete(r.links, id)
		delete(r.members, id)
	}
	return out
}
