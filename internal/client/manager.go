package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
)

// Prompter is the synchronous accept/reject decision point for an incoming
// call. A UI shows a dialog; tests answer immediately.
type Prompter interface {
	Accept(from domain.UserID, username string) bool
}

// PrompterFunc adapts a plain function to Prompter.
type PrompterFunc func(from domain.UserID, username string) bool

func (f PrompterFunc) Accept(from domain.UserID, username string) bool { return f(from, username) }

// MediaFactory builds a fresh MediaSource per call attempt; the engine
// releases it on teardown.
type MediaFactory func() MediaSource

// CallManager owns at most one Engine at a time and routes inbound call
// signaling to it. An offer while engaged with another peer is answered
// with callBusy immediately, without prompting.
type CallManager struct {
	send    Sender
	media   MediaFactory
	newLink LinkFactory
	prompt  Prompter

	mu      sync.Mutex
	current *Engine
}

func NewCallManager(send Sender, media MediaFactory, newLink LinkFactory, prompt Prompter) *CallManager {
	return &CallManager{
		send:    send,
		media:   media,
		newLink: newLink,
		prompt:  prompt,
	}
}

// Current returns the engine for the ongoing call attempt, if any.
func (m *CallManager) Current() (*Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current != nil
}

// StartCall places an outbound call to target.
func (m *CallManager) StartCall(ctx context.Context, target domain.UserID) error {
	eng, err := m.adopt()
	if err != nil {
		return err
	}
	if err := eng.Dial(ctx, target); err != nil {
		return err
	}
	return nil
}

// adopt installs a fresh engine as the single current call attempt.
func (m *CallManager) adopt() (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return nil, ErrEngaged
	}
	eng := NewEngine(m.send, m.media(), m.newLink)
	eng.OnEnded(func() {
		m.mu.Lock()
		if m.current == eng {
			m.current = nil
		}
		m.mu.Unlock()
	})
	m.current = eng
	return eng, nil
}

// Hangup ends the current call, if any. Safe to call redundantly.
func (m *CallManager) Hangup() {
	if eng, ok := m.Current(); ok {
		eng.Hangup()
	}
}

// Close ends any ongoing call on shutdown.
func (m *CallManager) Close() {
	if eng, ok := m.Current(); ok {
		eng.Hangup()
	}
}

// HandleMessage consumes one decoded signaling message from the transport.
// Stale events for a call that already ended are no-ops, not errors.
func (m *CallManager) HandleMessage(ctx context.Context, msgType string, raw []byte) {
	switch msgType {
	case protocol.TypeVideoCallOffer:
		m.handleOffer(ctx, raw)
	case protocol.TypeVideoCallAnswer:
		var p protocol.CallAnswer
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Error().Err(err).Str("module", "client.calls").Msg("bad answer")
			return
		}
		if eng, ok := m.Current(); ok {
			eng.HandleAnswer(p.Answer)
		}
	case protocol.TypeICECandidate:
		var p protocol.ICECandidate
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Error().Err(err).Str("module", "client.calls").Msg("bad candidate")
			return
		}
		if eng, ok := m.Current(); ok {
			eng.HandleCandidate(p.Candidate)
		}
	case protocol.TypeEndCall:
		if eng, ok := m.Current(); ok {
			eng.HandleRemoteEnd()
		}
	case protocol.TypeCallBusy:
		log.Info().Str("module", "client.calls").Msg("peer busy")
		if eng, ok := m.Current(); ok {
			eng.HandleRemoteEnd()
		}
	case protocol.TypeCallRejected:
		log.Info().Str("module", "client.calls").Msg("call rejected")
		if eng, ok := m.Current(); ok {
			eng.HandleRemoteEnd()
		}
	}
}

func (m *CallManager) handleOffer(ctx context.Context, raw []byte) {
	var p protocol.CallOffer
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error().Err(err).Str("module", "client.calls").Msg("bad offer")
		return
	}
	if p.From == "" {
		return
	}

	if eng, ok := m.Current(); ok {
		if eng.Peer() == p.From {
			// In-call offer from the current peer: transport renegotiation.
			eng.HandleRenegotiate(p.Offer)
			return
		}
		// Busy: reply immediately, no prompt.
		err := m.send.Send(protocol.Control{
			Type:     protocol.TypeCallBusy,
			Directed: protocol.Directed{To: p.From},
		})
		if err != nil {
			log.Warn().Err(err).Str("module", "client.calls").Msg("busy send")
		}
		return
	}

	if !m.prompt.Accept(p.From, p.FromUsername) {
		err := m.send.Send(protocol.Control{
			Type:     protocol.TypeCallRejected,
			Directed: protocol.Directed{To: p.From},
		})
		if err != nil {
			log.Warn().Err(err).Str("module", "client.calls").Msg("reject send")
		}
		return
	}

	eng, err := m.adopt()
	if err != nil {
		// Lost a race with an outbound attempt; treat as busy.
		_ = m.send.Send(protocol.Control{
			Type:     protocol.TypeCallBusy,
			Directed: protocol.Directed{To: p.From},
		})
		return
	}
	if err := eng.AnswerIncoming(ctx, p.From, p.Offer); err != nil {
		// Media or negotiation failure; teardown already notified the hub,
		// which clears the pending session and signals the caller.
		log.Error().Err(err).Str("module", "client.calls").Msg("answer incoming")
	}
}
