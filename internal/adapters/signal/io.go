package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *wsSignalConn) {
	ticker := time.NewTicker(ctl.Cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, sess core.UserSession, c *wsSignalConn) {
	id := sess.User().ID
	defer func() {
		log.Info().Str("module", "signal").Str("user", string(id)).Msg("readPump closing")
		c.Close()
		ctl.teardown(sess)
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("user", string(id)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("user", string(id)).Msg("readPump read end")
				return
			}
			ctl.handleSignal(sess, c, data)
		}
	}
}

// teardown runs once per transport: an unexpected close is an implicit
// end-call plus unregister, surfaced to others only through the resulting
// presence and call-session updates.
func (ctl *SignalWSController) teardown(sess core.UserSession) {
	user := sess.User()
	if !ctl.Hub.Registry.Unregister(user.ID, sess) {
		// Superseded by a newer transport for the same identity; the newer
		// connection's state must stay untouched.
		return
	}
	if other, ok := ctl.Hub.Calls.Close(user.ID); ok {
		ctl.sendToUser(other, protocol.Control{
			Type:     protocol.TypeEndCall,
			Directed: protocol.Directed{From: user.ID, FromUsername: user.Username},
		})
	}
	ctl.publishRoster()
}

func (ctl *SignalWSController) handleSignal(sess core.UserSession, c *wsSignalConn, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case protocol.TypeMessage:
		ctl.handleChat(sess, data)
	case protocol.TypePingAll:
		ctl.handlePingAll(sess)
	case protocol.TypePing, protocol.TypeICECandidate:
		ctl.handleDirected(sess, c, data)
	case protocol.TypeVideoCallOffer:
		ctl.handleOffer(sess, c, data)
	case protocol.TypeVideoCallAnswer:
		ctl.handleAnswer(sess, c, data)
	case protocol.TypeCallRejected, protocol.TypeCallBusy:
		ctl.handleDecline(sess, c, data)
	case protocol.TypeEndCall:
		ctl.handleEndCall(sess, data)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

func (ctl *SignalWSController) sendJSON(c core.SignalConnection, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("sendJSON dropped")
	}
}

// sendToUser delivers v to id's live connection, if any. Best effort: a
// missing or slow target only logs.
func (ctl *SignalWSController) sendToUser(id domain.UserID, v any) {
	sess, ok := ctl.Hub.Registry.Lookup(id)
	if !ok {
		log.Info().Str("module", "signal").Str("user", string(id)).Msg("sendToUser: not registered")
		return
	}
	ctl.sendJSON(sess.Signal(), v)
}

// broadcast fans v out to every live connection, the sender included.
func (ctl *SignalWSController) broadcast(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("broadcast marshal")
		return
	}
	for _, sess := range ctl.Hub.Registry.Snapshot() {
		if err := sess.Signal().TrySend(b); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("user", string(sess.User().ID)).Msg("broadcast dropped")
		}
	}
}
