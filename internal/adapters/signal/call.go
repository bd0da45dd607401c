package signal

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/protocol"
)

// handleOffer admits a call offer through the tracker before forwarding it.
// Busy means a callBusy notice back to the caller; the offer is not relayed.
// Admission happens after the target lookup so an unreachable callee never
// leaves a dangling pending session.
func (ctl *SignalWSController) handleOffer(sess core.UserSession, c *wsSignalConn, data []byte) {
	caller := sess.User().ID
	to, ok := directedTarget(data)
	if !ok {
		ctl.deliveryFailure(c, data)
		return
	}
	if _, ok := ctl.Hub.Registry.Lookup(to); !ok {
		ctl.deliveryFailure(c, data)
		return
	}

	created, err := ctl.Hub.Calls.TryOpen(caller, to)
	if err != nil {
		if errors.Is(err, app.ErrBusy) {
			log.Info().Str("module", "signal").Str("caller", string(caller)).Str("callee", string(to)).Msg("offer rejected: busy")
			ctl.sendJSON(c, protocol.Control{
				Type:     protocol.TypeCallBusy,
				Directed: protocol.Directed{From: to},
			})
			return
		}
		log.Error().Err(err).Str("module", "signal").Msg("call admission")
		return
	}

	if !ctl.forward(sess, c, to, data) {
		// The callee vanished between lookup and send; release the slot,
		// unless this was a renegotiation inside an existing session.
		if created {
			ctl.Hub.Calls.Close(caller)
		}
		return
	}
	if created {
		ctl.publishRoster()
	}
}

// handleAnswer routes the callee's answer back and promotes the pending
// session to connected. A stale answer (session already gone) still forwards
// but confirms nothing.
func (ctl *SignalWSController) handleAnswer(sess core.UserSession, c *wsSignalConn, data []byte) {
	callee := sess.User().ID
	to, ok := directedTarget(data)
	if !ok {
		ctl.deliveryFailure(c, data)
		return
	}
	if !ctl.forward(sess, c, to, data) {
		return
	}
	if !ctl.Hub.Calls.Confirm(to, callee) {
		log.Info().Str("module", "signal").Str("caller", string(to)).Str("callee", string(callee)).Msg("answer without pending session")
	}
}

// handleDecline relays a callRejected or callBusy back to the caller and
// drops the pending session. A callee whose client is already engaged when
// the offer lands declines with callBusy before the hub ever sees an answer;
// without the close both identities would stay marked in-call. The caller
// gets the decline itself, not an extra endCall.
func (ctl *SignalWSController) handleDecline(sess core.UserSession, c *wsSignalConn, data []byte) {
	callee := sess.User().ID
	to, ok := directedTarget(data)
	if !ok {
		ctl.deliveryFailure(c, data)
		return
	}
	ctl.forward(sess, c, to, data)
	if _, closed := ctl.Hub.Calls.Close(callee); closed {
		ctl.publishRoster()
	}
}

// handleEndCall tears the session down and notifies the counterpart with an
// endCall naming the closer. Safe when no session exists: the close already
// happened from the other side or from a disconnect.
func (ctl *SignalWSController) handleEndCall(sess core.UserSession, data []byte) {
	user := sess.User()
	other, closed := ctl.Hub.Calls.Close(user.ID)
	if !closed {
		// Redundant hangup; the counterpart was already notified.
		if to, ok := directedTarget(data); ok {
			log.Info().Str("module", "signal").Str("user", string(user.ID)).Str("to", string(to)).Msg("endCall without session")
		}
		return
	}
	ctl.sendToUser(other, protocol.Control{
		Type:     protocol.TypeEndCall,
		Directed: protocol.Directed{From: user.ID, FromUsername: user.Username},
	})
	ctl.publishRoster()
}
