package app

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/domain"
)

// ErrBusy is the call-admission conflict: one side of the requested pair
// already holds a session. Recovered with a callBusy notice, never fatal.
var ErrBusy = errors.New("participant busy")

type callState int

const (
	callPending callState = iota
	callConnected
)

// callSession is an identity pair negotiating or holding a call.
type callSession struct {
	caller domain.UserID
	callee domain.UserID
	state  callState
}

func (s *callSession) other(id domain.UserID) domain.UserID {
	if s.caller == id {
		return s.callee
	}
	return s.caller
}

// CallTracker records which identity pairs are in a call. Invariant: an
// identity appears in at most one session, pending or connected. TryOpen is
// the sole admission check and is atomic under the tracker mutex, so two
// racing offers to the same callee cannot both succeed.
type CallTracker struct {
	mu       sync.Mutex
	sessions map[domain.UserID]*callSession // both participants key the same session
}

func NewCallTracker() *CallTracker {
	return &CallTracker{sessions: make(map[domain.UserID]*callSession)}
}

// TryOpen admits an offer from caller to callee, recording a pending session
// and reporting created=true. An offer within an already-tracked
// caller↔callee pair is admitted with created=false: that is an ICE-restart
// renegotiation, not a new call. Any other overlap fails with ErrBusy.
func (t *CallTracker) TryOpen(caller, callee domain.UserID) (bool, error) {
	if caller == callee {
		return false, ErrBusy
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[caller]; ok {
		if s.other(caller) == callee {
			return false, nil
		}
		return false, ErrBusy
	}
	if _, ok := t.sessions[callee]; ok {
		return false, ErrBusy
	}
	s := &callSession{caller: caller, callee: callee}
	t.sessions[caller] = s
	t.sessions[callee] = s
	log.Info().Str("module", "app.calls").Str("caller", string(caller)).Str("callee", string(callee)).Msg("call pending")
	return true, nil
}

// Confirm promotes the pending caller→callee session to connected when the
// answer is routed back. No-op when nothing matches: the session already
// ended and the answer is stale.
func (t *CallTracker) Confirm(caller, callee domain.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[caller]
	if !ok || s.caller != caller || s.callee != callee {
		return false
	}
	s.state = callConnected
	log.Info().Str("module", "app.calls").Str("caller", string(caller)).Str("callee", string(callee)).Msg("call connected")
	return true
}

// Close removes the session containing id, regardless of role, and returns
// the counterpart so the caller can notify it. ok is false when id had no
// session; closing twice is a no-op.
func (t *CallTracker) Close(id domain.UserID) (domain.UserID, bool) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if !ok {
		t.mu.Unlock()
		return "", false
	}
	other := s.other(id)
	delete(t.sessions, s.caller)
	delete(t.sessions, s.callee)
	t.mu.Unlock()
	log.Info().Str("module", "app.calls").Str("closer", string(id)).Str("counterpart", string(other)).Msg("call closed")
	return other, true
}

// InCall reports whether id holds a pending or connected session.
func (t *CallTracker) InCall(id domain.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[id]
	return ok
}

// ActiveSet returns the identities currently in a session, for roster joins.
func (t *CallTracker) ActiveSet() map[domain.UserID]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[domain.UserID]bool, len(t.sessions))
	for id := range t.sessions {
		out[id] = true
	}
	return out
}
