// Package protocol defines the JSON wire messages exchanged between the hub
// and its clients. Every message carries a required "type" discriminator.
package protocol

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Huddle/internal/domain"
)

const (
	TypeMessage         = "message"
	TypePing            = "ping"
	TypePingAll         = "pingAll"
	TypeVideoCallOffer  = "videoCallOffer"
	TypeVideoCallAnswer = "videoCallAnswer"
	TypeICECandidate    = "iceCandidate"
	TypeCallBusy        = "callBusy"
	TypeCallRejected    = "callRejected"
	TypeEndCall         = "endCall"
	TypeUserList        = "userList"
	TypeUserData        = "userData"
	TypeError           = "error"
)

// Envelope is the minimal decode used to dispatch on the discriminator.
type Envelope struct {
	Type string `json:"type"`
}

// Directed is embedded by every unicast message. Clients fill To; the hub
// stamps From/FromUsername from the authenticated session and never trusts
// the client-supplied values.
type Directed struct {
	To           domain.UserID `json:"to,omitempty"`
	From         domain.UserID `json:"from,omitempty"`
	FromUsername string        `json:"fromUsername,omitempty"`
}

// Chat is the broadcast chat message. Inbound carries only Content; the hub
// stamps Sender with the authenticated display name on fan-out.
type Chat struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Sender  string `json:"sender,omitempty"`
}

type CallOffer struct {
	Type string `json:"type"`
	Directed
	Offer webrtc.SessionDescription `json:"offer"`
}

type CallAnswer struct {
	Type string `json:"type"`
	Directed
	Answer webrtc.SessionDescription `json:"answer"`
}

type ICECandidate struct {
	Type string `json:"type"`
	Directed
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Control covers the payload-free signals: ping, pingAll, callBusy,
// callRejected and endCall.
type Control struct {
	Type string `json:"type"`
	Directed
}

type RosterEntry struct {
	ID       domain.UserID `json:"id"`
	Username string        `json:"username"`
	InCall   bool          `json:"inCall"`
}

type UserList struct {
	Type  string        `json:"type"`
	Users []RosterEntry `json:"users"`
}

// UserData is sent once right after a successful connect with the verified
// identity's public profile.
type UserData struct {
	Type string      `json:"type"`
	User domain.User `json:"user"`
}

// DeliveryError tells a sender its directed message could not be delivered.
// The original message rides along so the client can surface context.
type DeliveryError struct {
	Type            string          `json:"type"`
	Content         string          `json:"content"`
	OriginalMessage json.RawMessage `json:"originalMessage,omitempty"`
}

// Stamp re-encodes a raw directed message with from/fromUsername set to the
// authenticated sender, overwriting whatever the client claimed.
func Stamp(raw []byte, from *domain.User) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m["from"] = string(from.ID)
	m["fromUsername"] = from.Username
	return json.Marshal(m)
}
