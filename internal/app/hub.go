package app

import (
	"github.com/dkeye/Huddle/internal/protocol"
)

// Hub bundles the shared hub state handed into every connection-handling
// context. Registry and Calls are guarded independently; no ambient globals,
// so teardown and tests stay deterministic.
type Hub struct {
	Registry *Registry
	Calls    *CallTracker
}

func NewHub() *Hub {
	return &Hub{
		Registry: NewRegistry(),
		Calls:    NewCallTracker(),
	}
}

// Roster recomputes the broadcast roster: every registered identity joined
// with the tracker's active set. It is derived state, never stored.
func (h *Hub) Roster() []protocol.RosterEntry {
	active := h.Calls.ActiveSet()
	sessions := h.Registry.Snapshot()
	out := make([]protocol.RosterEntry, 0, len(sessions))
	for _, sess := range sessions {
		u := sess.User()
		out = append(out, protocol.RosterEntry{
			ID:       u.ID,
			Username: u.Username,
			InCall:   active[u.ID],
		})
	}
	return out
}
