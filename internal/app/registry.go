package app

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// Registry is the single authority for "is this identity currently
// reachable". It holds a non-owning identity→session association; the
// transport adapter owns the connection itself.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.UserID]core.UserSession
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.UserID]core.UserSession)}
}

// Register binds sess under its identity, replacing any prior entry. A
// reconnect supersedes the old transport; the old transport is not closed
// here, it just becomes unreachable for routing.
func (r *Registry) Register(sess core.UserSession) {
	id := sess.User().ID
	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("user", string(id)).Msg("registered")
}

// Unregister removes the entry for id only if it still points at sess, so a
// late unregister from a superseded connection cannot delete a newer one.
// Reports whether the entry was removed.
func (r *Registry) Unregister(id domain.UserID, sess core.UserSession) bool {
	r.mu.Lock()
	cur, ok := r.sessions[id]
	if !ok || cur != sess {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("user", string(id)).Msg("unregistered")
	return true
}

func (r *Registry) Lookup(id domain.UserID) (core.UserSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Snapshot returns the live sessions ordered by identity for stable fan-out.
func (r *Registry) Snapshot() []core.UserSession {
	r.mu.RLock()
	out := make([]core.UserSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].User().ID < out[j].User().ID
	})
	return out
}
