// Package client implements the hub-facing endpoint: a supervised signaling
// transport, the per-call negotiation engine and the glue between them.
package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
)

// Client wires the transport to the call manager and exposes the small
// application surface: chat, roster and call control.
type Client struct {
	Transport *Transport
	Calls     *CallManager

	onChat func(sender, content string)
}

func New(endpoint string, token TokenProvider, wait time.Duration, media MediaFactory, newLink LinkFactory, prompt Prompter) *Client {
	t := NewTransport(endpoint, token, wait)
	c := &Client{
		Transport: t,
		Calls:     NewCallManager(t, media, newLink, prompt),
	}
	t.OnMessage(c.route)
	return c
}

// OnChat registers the chat callback. Must be set before Run.
func (c *Client) OnChat(fn func(sender, content string)) { c.onChat = fn }

// Run drives the transport until ctx is done, then hangs up any live call.
func (c *Client) Run(ctx context.Context) error {
	defer c.Calls.Close()
	return c.Transport.Run(ctx)
}

// SendChat broadcasts a chat message through the hub. The hub stamps the
// sender; only content travels up.
func (c *Client) SendChat(content string) error {
	return c.Transport.Send(protocol.Chat{
		Type:    protocol.TypeMessage,
		Content: content,
	})
}

// Call places an outbound call to target.
func (c *Client) Call(ctx context.Context, target domain.UserID) error {
	return c.Calls.StartCall(ctx, target)
}

// Hangup ends the ongoing call, if any.
func (c *Client) Hangup() { c.Calls.Hangup() }

func (c *Client) route(msgType string, raw []byte) {
	switch msgType {
	case protocol.TypeMessage:
		var p protocol.Chat
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Error().Err(err).Str("module", "client").Msg("bad chat")
			return
		}
		if c.onChat != nil {
			c.onChat(p.Sender, p.Content)
		}
	case protocol.TypeUserData, protocol.TypeUserList:
		// Tracked by the transport itself.
	case protocol.TypeError:
		c.handleDeliveryError(raw)
	default:
		c.Calls.HandleMessage(context.Background(), msgType, raw)
	}
}

// handleDeliveryError surfaces "user unavailable" and, when the undelivered
// message was part of call signaling, ends the dangling attempt.
func (c *Client) handleDeliveryError(raw []byte) {
	var p protocol.DeliveryError
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	log.Warn().Str("module", "client").Str("content", p.Content).Msg("delivery failure")

	var orig protocol.Envelope
	if err := json.Unmarshal(p.OriginalMessage, &orig); err != nil {
		return
	}
	switch orig.Type {
	case protocol.TypeVideoCallOffer, protocol.TypeVideoCallAnswer, protocol.TypeICECandidate:
		if eng, ok := c.Calls.Current(); ok {
			eng.HandleRemoteEnd()
		}
	}
}
