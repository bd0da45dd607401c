package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
)

// handleChat fans a chat message out to every live connection, the sender
// included. The sender field is stamped from the authenticated session;
// whatever the client claimed is ignored. Nothing is persisted.
func (ctl *SignalWSController) handleChat(sess core.UserSession, data []byte) {
	var p struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad chat payload")
		return
	}
	ctl.broadcast(protocol.Chat{
		Type:    protocol.TypeMessage,
		Content: p.Content,
		Sender:  sess.User().Username,
	})
}

// handlePingAll is the broadcast ping variant: fan-out with a stamped sender.
func (ctl *SignalWSController) handlePingAll(sess core.UserSession) {
	user := sess.User()
	ctl.broadcast(protocol.Control{
		Type:     protocol.TypePingAll,
		Directed: protocol.Directed{From: user.ID, FromUsername: user.Username},
	})
}

// handleDirected relays a unicast message (ping, iceCandidate) to its
// target, stamped with the authenticated sender. An unreachable target is
// reported back to the sender, never treated as a hub error.
func (ctl *SignalWSController) handleDirected(sess core.UserSession, c *wsSignalConn, data []byte) {
	to, ok := directedTarget(data)
	if !ok {
		ctl.deliveryFailure(c, data)
		return
	}
	ctl.forward(sess, c, to, data)
}

// directedTarget pulls the target identity out of a directed payload.
func directedTarget(data []byte) (domain.UserID, bool) {
	var p struct {
		To domain.UserID `json:"to"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.To == "" {
		return "", false
	}
	return p.To, true
}

// forward stamps data with the authenticated sender and unicasts it to the
// target identity. Any failure along the way turns into a delivery-failure
// notice to the sender. Reports whether delivery was handed to the target's
// send queue.
func (ctl *SignalWSController) forward(sess core.UserSession, c *wsSignalConn, to domain.UserID, data []byte) bool {
	target, ok := ctl.Hub.Registry.Lookup(to)
	if !ok {
		ctl.deliveryFailure(c, data)
		return false
	}
	stamped, err := protocol.Stamp(data, sess.User())
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("stamp")
		ctl.deliveryFailure(c, data)
		return false
	}
	if err := target.Signal().TrySend(stamped); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("to", string(to)).Msg("forward dropped")
		ctl.deliveryFailure(c, data)
		return false
	}
	return true
}

// deliveryFailure tells the sender its directed message went nowhere,
// carrying the original payload for client-side handling.
func (ctl *SignalWSController) deliveryFailure(c *wsSignalConn, original []byte) {
	ctl.sendJSON(c, protocol.DeliveryError{
		Type:            protocol.TypeError,
		Content:         "Target user not available",
		OriginalMessage: json.RawMessage(original),
	})
}
