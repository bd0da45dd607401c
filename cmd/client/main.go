package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/adapters/rtc"
	"github.com/dkeye/Huddle/internal/client"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/domain"
)

func main() {
	var server, username string
	flag.StringVar(&server, "server", "", "hub address as host:port (default localhost:<config port>)")
	flag.StringVar(&username, "username", "", "display name to log in with")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if username == "" {
		log.Fatal().Msg("-username is required")
	}
	if server == "" {
		server = fmt.Sprintf("localhost:%d", cfg.Port)
	}

	newLink := func() (client.PeerLink, error) {
		return rtc.NewPeer(rtc.WebRTCConfigFrom(cfg.ICEServers), cfg.GatherTimeout)
	}
	prompt := client.PrompterFunc(func(_ domain.UserID, name string) bool {
		fmt.Printf("* incoming call from %s, accepting\n", name)
		return true
	})

	c := client.New("ws://"+server+"/api/ws/signal", guestToken(server, username), cfg.ReconnectWait, localMedia, newLink, prompt)
	c.OnChat(func(sender, content string) {
		fmt.Printf("%s: %s\n", sender, content)
	})

	go readInput(ctx, cancel, c)

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("client stopped")
	}
}

// guestToken logs in through the hub's guest endpoint on every connection
// attempt. The cookie jar keeps the guest identity stable across reconnect
// token refreshes.
func guestToken(server, username string) client.TokenProvider {
	jar, _ := cookiejar.New(nil)
	httpc := &http.Client{Jar: jar, Timeout: 10 * time.Second}
	endpoint := "http://" + server + "/api/auth/guest"
	return func(ctx context.Context) (string, error) {
		body, err := json.Marshal(map[string]string{"username": username})
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := httpc.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("guest login: status %d", resp.StatusCode)
		}
		var out struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", err
		}
		return out.Token, nil
	}
}

// localMedia builds the track set offered on a call. A capture pipeline
// would feed the sample track; this client negotiates an opus track it never
// writes to.
func localMedia() client.MediaSource {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "huddle")
	if err != nil {
		log.Error().Err(err).Msg("audio track")
		return client.NewStaticMedia(nil, nil)
	}
	return client.NewStaticMedia([]webrtc.TrackLocal{track}, nil)
}

func readInput(ctx context.Context, cancel context.CancelFunc, c *client.Client) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case line == "/quit":
			cancel()
			return
		case line == "/hangup":
			c.Hangup()
		case line == "/roster":
			for _, e := range c.Transport.Roster() {
				marker := ""
				if e.InCall {
					marker = " (in call)"
				}
				fmt.Printf("  %s [%s]%s\n", e.Username, e.ID, marker)
			}
		case strings.HasPrefix(line, "/call "):
			target := domain.UserID(strings.TrimSpace(strings.TrimPrefix(line, "/call ")))
			if err := c.Call(ctx, target); err != nil {
				fmt.Printf("* call failed: %v\n", err)
			}
		default:
			if err := c.SendChat(line); err != nil {
				fmt.Printf("* not delivered: %v\n", err)
			}
		}
	}
}
