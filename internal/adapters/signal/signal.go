package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/auth"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

const (
	closeReasonNoToken  = "Token required"
	closeReasonBadToken = "Invalid token"
)

type SignalWSController struct {
	Hub      *app.Hub
	Verifier auth.Verifier
	Cfg      *config.Config
}

func NewSignalWSController(hub *app.Hub, verifier auth.Verifier, cfg *config.Config) *SignalWSController {
	return &SignalWSController{
		Hub:      hub,
		Verifier: verifier,
		Cfg:      cfg,
	}
}

type wsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// closePolicy sends close code 1008 with reason and drops the socket. Used
// only for the two authentication failures at accept time.
func closePolicy(ws *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = ws.Close()
}

// HandleSignal upgrades the request, authenticates the credential passed as
// a query parameter and, on success, registers the connection and starts the
// pumps. Authentication failure is fatal to the connection only.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	token := c.Query("token")
	if token == "" {
		log.Warn().Str("module", "signal").Msg("connection without token")
		closePolicy(ws, closeReasonNoToken)
		return
	}

	vctx, vcancel := context.WithTimeout(ctx, ctl.Cfg.VerifyTimeout)
	user, err := ctl.Verifier.Verify(vctx, token)
	vcancel()
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("token verification failed")
		closePolicy(ws, closeReasonBadToken)
		return
	}

	log.Info().Str("module", "signal").Str("user", string(user.ID)).Str("username", user.Username).Msg("new WS connection")

	ws.SetReadLimit(ctl.Cfg.ReadLimit)
	conn := &wsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}
	sess := core.NewUserSession(user, conn)
	ctl.Hub.Registry.Register(sess)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, sess, conn)

	ctl.sendUserData(conn, user)
	ctl.publishRoster()
}
