package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsEndpoint(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func staticToken(string) TokenProvider {
	return func(context.Context) (string, error) { return "token", nil }
}

func TestSendWhileDisconnected(t *testing.T) {
	tr := NewTransport("ws://localhost/api/ws/signal", staticToken("token"), time.Second)
	assert.ErrorIs(t, tr.Send(protocol.Chat{Type: protocol.TypeMessage}), ErrNotConnected)
}

func TestTransportTracksIdentityAndRoster(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(protocol.UserData{
			Type: protocol.TypeUserData,
			User: domain.User{ID: "alice", Username: "Alice"},
		}))
		require.NoError(t, conn.WriteJSON(protocol.UserList{
			Type: protocol.TypeUserList,
			Users: []protocol.RosterEntry{
				{ID: "alice", Username: "Alice"},
				{ID: "bob", Username: "Bob", InCall: true},
			},
		}))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tr := NewTransport(wsEndpoint(srv), staticToken("token"), time.Second)

	var seen atomic.Int32
	tr.OnMessage(func(msgType string, _ []byte) {
		if msgType == protocol.TypeUserList {
			seen.Add(1)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	assert.Eventually(t, func() bool {
		self, ok := tr.Self()
		return ok && self.ID == "alice" && len(tr.Roster()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	roster := tr.Roster()
	assert.Equal(t, "Bob", roster[1].Username)
	assert.True(t, roster[1].InCall)
	assert.GreaterOrEqual(t, seen.Load(), int32(1))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

// Every dial attempt must request a fresh token so a reconnect after expiry
// does not reuse a dead credential.
func TestTransportRedialsWithFreshToken(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conns.Add(1)
		conn.Close()
	}))
	defer srv.Close()

	var tokens atomic.Int32
	provider := func(context.Context) (string, error) {
		tokens.Add(1)
		return "token", nil
	}

	tr := NewTransport(wsEndpoint(srv), provider, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	assert.Eventually(t, func() bool {
		return conns.Load() >= 2 && tokens.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}
