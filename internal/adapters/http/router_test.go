package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/auth"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/domain"
)

func newTestRouter(t *testing.T) (*httptest.Server, *auth.JWTVerifier) {
	t.Helper()
	cfg := &config.Config{
		Mode:          "release",
		AuthSecret:    "router-test-secret",
		ReadLimit:     32768,
		PingPeriod:    time.Minute,
		VerifyTimeout: time.Second,
	}
	verifier := auth.NewJWTVerifier(cfg.AuthSecret)
	r := SetupRouter(context.Background(), cfg, app.NewHub(), verifier)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, verifier
}

type guestLoginResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

func postGuest(t *testing.T, client *http.Client, url, username string) guestLoginResponse {
	t.Helper()
	body, err := json.Marshal(map[string]string{"username": username})
	require.NoError(t, err)
	resp, err := client.Post(url+"/api/auth/guest", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out guestLoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestGuestLoginIssuesVerifiableToken(t *testing.T) {
	srv, verifier := newTestRouter(t)

	out := postGuest(t, srv.Client(), srv.URL, "Alice")
	assert.Equal(t, "Alice", out.User.Username)
	require.NotEmpty(t, out.User.ID)

	user, err := verifier.Verify(context.Background(), out.Token)
	require.NoError(t, err)
	assert.Equal(t, out.User.ID, user.ID)
	assert.Equal(t, "Alice", user.Username)
}

// A repeat login on the same cookie session keeps the guest id, so a reload
// refreshes the token without minting a new identity.
func TestGuestLoginIdentitySticksToSession(t *testing.T) {
	srv, _ := newTestRouter(t)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	first := postGuest(t, client, srv.URL, "Alice")
	second := postGuest(t, client, srv.URL, "Alice B")

	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, "Alice B", second.User.Username)
}

func TestGuestLoginRequiresUsername(t *testing.T) {
	srv, _ := newTestRouter(t)

	resp, err := srv.Client().Post(srv.URL+"/api/auth/guest", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
