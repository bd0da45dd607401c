package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
)

var ErrNotConnected = errors.New("transport not connected")

// TokenProvider returns a fresh credential for each connection attempt, so a
// reconnect after token expiry picks up a valid one.
type TokenProvider func(ctx context.Context) (string, error)

// Handler consumes each decoded inbound message.
type Handler func(msgType string, raw []byte)

// Transport is the supervised signaling connection: it owns the websocket,
// redials on close after a fixed wait with unlimited retries, and keeps the
// client's view of its own identity and the roster.
type Transport struct {
	endpoint string
	token    TokenProvider
	wait     time.Duration
	dialer   *websocket.Dialer
	handler  Handler

	mu     sync.Mutex
	conn   *websocket.Conn
	self   *domain.User
	roster []protocol.RosterEntry
}

func NewTransport(endpoint string, token TokenProvider, wait time.Duration) *Transport {
	return &Transport{
		endpoint: endpoint,
		token:    token,
		wait:     wait,
		dialer:   websocket.DefaultDialer,
	}
}

// OnMessage registers the inbound handler. Must be set before Run.
func (t *Transport) OnMessage(h Handler) { t.handler = h }

// Send writes one message on the open connection. Writes are serialized; a
// closed transport reports ErrNotConnected and the caller treats delivery as
// best-effort.
func (t *Transport) Send(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	return t.conn.WriteJSON(v)
}

// Self returns the verified identity the hub reported in userData.
func (t *Transport) Self() (*domain.User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self, t.self != nil
}

// Roster returns the latest broadcast roster.
func (t *Transport) Roster() []protocol.RosterEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.RosterEntry, len(t.roster))
	copy(out, t.roster)
	return out
}

// Run dials and reads until ctx is done. Each connection failure or close
// waits the fixed backoff and redials with a fresh token.
func (t *Transport) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := t.connectOnce(ctx); err != nil {
			log.Warn().Err(err).Str("module", "client.transport").Msg("connect failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.wait):
		}
		log.Info().Str("module", "client.transport").Msg("reconnecting")
	}
}

func (t *Transport) connectOnce(ctx context.Context) error {
	token, err := t.token(ctx)
	if err != nil {
		return err
	}

	u, err := url.Parse(t.endpoint)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return err
	}
	log.Info().Str("module", "client.transport").Msg("connected")

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.readLoop(ctx, conn)

	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()
	return nil
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "client.transport").Msg("read end")
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Error().Err(err).Str("module", "client.transport").Msg("bad json")
			continue
		}
		t.track(env.Type, raw)
		if t.handler != nil {
			t.handler(env.Type, raw)
		}
	}
}

// track keeps identity and roster state current regardless of what the
// application handler does with the message.
func (t *Transport) track(msgType string, raw []byte) {
	switch msgType {
	case protocol.TypeUserData:
		var p protocol.UserData
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		t.mu.Lock()
		user := p.User
		t.self = &user
		t.mu.Unlock()
	case protocol.TypeUserList:
		var p protocol.UserList
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		t.mu.Lock()
		t.roster = p.Users
		t.mu.Unlock()
	}
}
