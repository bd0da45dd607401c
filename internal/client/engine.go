package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
)

var (
	ErrEngaged = errors.New("already in a call")
	ErrEnded   = errors.New("call ended")
)

// PeerLink is the transport-negotiation surface the engine drives. The pion
// implementation lives in internal/adapters/rtc; tests substitute a fake.
type PeerLink interface {
	AddTrack(webrtc.TrackLocal) error
	Offer(iceRestart bool) (webrtc.SessionDescription, error)
	Answer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AcceptAnswer(remote webrtc.SessionDescription) error
	AddCandidate(webrtc.ICECandidateInit) error
	OnCandidate(func(webrtc.ICECandidateInit))
	OnICEStateChange(func(webrtc.ICEConnectionState))
	OnStateChange(func(webrtc.PeerConnectionState))
	ICEState() webrtc.ICEConnectionState
	Close() error
}

// LinkFactory builds a fresh PeerLink per call attempt.
type LinkFactory func() (PeerLink, error)

// MediaSource provides the local tracks for a call attempt and releases the
// underlying devices on Close.
type MediaSource interface {
	Tracks(ctx context.Context) ([]webrtc.TrackLocal, error)
	Close() error
}

// Sender is the outbound half of the signaling transport.
type Sender interface {
	Send(v any) error
}

type State int

const (
	StateIdle State = iota
	StateGatheringMedia
	StateOffering
	StateAnswering
	StateNegotiating
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGatheringMedia:
		return "gathering-media"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

const defaultHealthInterval = 5 * time.Second

// Engine is the per-call-attempt negotiation state machine. It owns exactly
// one PeerLink and one MediaSource, buffers network-path candidates that
// arrive before the remote description, and restarts the transport path on
// transient failure instead of dropping the call.
type Engine struct {
	send    Sender
	media   MediaSource
	newLink LinkFactory

	healthInterval time.Duration
	onEnded        func()

	mu        sync.Mutex
	state     State
	peer      domain.UserID
	link      PeerLink
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	stop      chan struct{}
}

func NewEngine(send Sender, media MediaSource, newLink LinkFactory) *Engine {
	return &Engine{
		send:           send,
		media:          media,
		newLink:        newLink,
		healthInterval: defaultHealthInterval,
		stop:           make(chan struct{}),
	}
}

// OnEnded registers a callback fired exactly once when the engine reaches
// its terminal state.
func (e *Engine) OnEnded(fn func()) { e.onEnded = fn }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Peer() domain.UserID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peer
}

// advance moves from→to under the lock; false means a concurrent transition
// (usually teardown) won the race and the caller must back off.
func (e *Engine) advance(from, to State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != from {
		return false
	}
	e.state = to
	return true
}

// Dial runs the outbound leg: local media, peer link, offer with a bounded
// candidate-gathering wait, then the offer goes to target and the engine
// waits for the routed answer.
func (e *Engine) Dial(ctx context.Context, target domain.UserID) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrEngaged
	}
	e.state = StateGatheringMedia
	e.peer = target
	e.mu.Unlock()

	link, err := e.setupLink(ctx, target)
	if err != nil {
		return err
	}

	if !e.advance(StateGatheringMedia, StateOffering) {
		link.Close()
		return ErrEnded
	}

	offer, err := link.Offer(false)
	if err != nil {
		e.Teardown()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := e.send.Send(protocol.CallOffer{
		Type:     protocol.TypeVideoCallOffer,
		Directed: protocol.Directed{To: target},
		Offer:    offer,
	}); err != nil {
		e.Teardown()
		return fmt.Errorf("send offer: %w", err)
	}

	e.startHealthLoop()
	log.Info().Str("module", "client.engine").Str("peer", string(target)).Msg("offer sent")
	return nil
}

// AnswerIncoming runs the inbound leg for an already-accepted offer.
func (e *Engine) AnswerIncoming(ctx context.Context, from domain.UserID, offer webrtc.SessionDescription) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrEngaged
	}
	e.state = StateGatheringMedia
	e.peer = from
	e.mu.Unlock()

	link, err := e.setupLink(ctx, from)
	if err != nil {
		return err
	}

	if !e.advance(StateGatheringMedia, StateAnswering) {
		link.Close()
		return ErrEnded
	}

	answer, err := link.Answer(offer)
	if err != nil {
		e.Teardown()
		return fmt.Errorf("create answer: %w", err)
	}
	e.remoteApplied(link)

	if err := e.send.Send(protocol.CallAnswer{
		Type:     protocol.TypeVideoCallAnswer,
		Directed: protocol.Directed{To: from},
		Answer:   answer,
	}); err != nil {
		e.Teardown()
		return fmt.Errorf("send answer: %w", err)
	}

	if !e.advance(StateAnswering, StateNegotiating) {
		return ErrEnded
	}
	e.startHealthLoop()
	log.Info().Str("module", "client.engine").Str("peer", string(from)).Msg("answer sent")
	return nil
}

// setupLink acquires media, builds the link, binds callbacks and attaches
// local tracks. A media-acquisition failure aborts the attempt and leaves
// hub state untouched.
func (e *Engine) setupLink(ctx context.Context, peer domain.UserID) (PeerLink, error) {
	tracks, err := e.media.Tracks(ctx)
	if err != nil {
		e.Teardown()
		return nil, fmt.Errorf("acquire media: %w", err)
	}

	link, err := e.newLink()
	if err != nil {
		e.Teardown()
		return nil, fmt.Errorf("create peer link: %w", err)
	}

	link.OnCandidate(func(ci webrtc.ICECandidateInit) {
		err := e.send.Send(protocol.ICECandidate{
			Type:      protocol.TypeICECandidate,
			Directed:  protocol.Directed{To: peer},
			Candidate: ci,
		})
		if err != nil {
			log.Warn().Err(err).Str("module", "client.engine").Msg("candidate send")
		}
	})
	link.OnICEStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "client.engine").Str("ice_state", s.String()).Msg("ICE state")
		switch s {
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
			e.restartPath()
		case webrtc.ICEConnectionStateConnected:
			e.markActive()
		}
	})
	link.OnStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "client.engine").Str("peer_state", s.String()).Msg("peer state")
		// Only the overall failed state is fatal; transient transport
		// trouble is handled by the ICE restart path.
		if s == webrtc.PeerConnectionStateFailed {
			e.Teardown()
		}
	})

	for _, t := range tracks {
		if err := link.AddTrack(t); err != nil {
			link.Close()
			e.Teardown()
			return nil, fmt.Errorf("add track: %w", err)
		}
	}

	e.mu.Lock()
	if e.state == StateEnded {
		e.mu.Unlock()
		link.Close()
		return nil, ErrEnded
	}
	e.link = link
	e.mu.Unlock()
	return link, nil
}

// HandleAnswer applies the routed answer on the offering side, then flushes
// any candidates that arrived early. Stale answers are no-ops.
func (e *Engine) HandleAnswer(answer webrtc.SessionDescription) {
	e.mu.Lock()
	if e.state != StateOffering {
		e.mu.Unlock()
		log.Info().Str("module", "client.engine").Str("state", e.state.String()).Msg("answer ignored")
		return
	}
	link := e.link
	e.mu.Unlock()

	if err := link.AcceptAnswer(answer); err != nil {
		log.Error().Err(err).Str("module", "client.engine").Msg("apply answer")
		e.Teardown()
		return
	}
	e.remoteApplied(link)
	e.advance(StateOffering, StateNegotiating)
}

// HandleRenegotiate answers an in-call offer from the current peer: an ICE
// restart renegotiating the transport path without touching call state.
func (e *Engine) HandleRenegotiate(offer webrtc.SessionDescription) {
	e.mu.Lock()
	if e.state != StateNegotiating && e.state != StateActive {
		e.mu.Unlock()
		return
	}
	link := e.link
	peer := e.peer
	e.mu.Unlock()

	answer, err := link.Answer(offer)
	if err != nil {
		log.Error().Err(err).Str("module", "client.engine").Msg("renegotiate answer")
		return
	}
	err = e.send.Send(protocol.CallAnswer{
		Type:     protocol.TypeVideoCallAnswer,
		Directed: protocol.Directed{To: peer},
		Answer:   answer,
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "client.engine").Msg("renegotiate send")
	}
}

// HandleCandidate applies a routed network-path candidate. Candidates that
// arrive before the remote description MUST be queued, never applied early
// and never dropped; they flush in arrival order once the description lands.
func (e *Engine) HandleCandidate(ci webrtc.ICECandidateInit) {
	e.mu.Lock()
	if e.state == StateEnded {
		e.mu.Unlock()
		return
	}
	if !e.remoteSet || e.link == nil {
		e.pending = append(e.pending, ci)
		e.mu.Unlock()
		return
	}
	link := e.link
	e.mu.Unlock()

	if err := link.AddCandidate(ci); err != nil {
		log.Error().Err(err).Str("module", "client.engine").Msg("add candidate")
	}
}

// remoteApplied marks the remote description present and flushes the queue
// in arrival order.
func (e *Engine) remoteApplied(link PeerLink) {
	e.mu.Lock()
	e.remoteSet = true
	queued := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, ci := range queued {
		if err := link.AddCandidate(ci); err != nil {
			log.Error().Err(err).Str("module", "client.engine").Msg("flush candidate")
		}
	}
}

func (e *Engine) markActive() {
	if e.advance(StateNegotiating, StateActive) {
		log.Info().Str("module", "client.engine").Msg("call active")
	}
}

// restartPath triggers a non-destructive transport renegotiation: a fresh
// offer with new ICE credentials sent over the existing signaling session.
func (e *Engine) restartPath() {
	e.mu.Lock()
	if e.state != StateNegotiating && e.state != StateActive {
		e.mu.Unlock()
		return
	}
	link := e.link
	peer := e.peer
	e.mu.Unlock()

	log.Info().Str("module", "client.engine").Str("peer", string(peer)).Msg("restarting network path")
	offer, err := link.Offer(true)
	if err != nil {
		log.Error().Err(err).Str("module", "client.engine").Msg("restart offer")
		return
	}
	err = e.send.Send(protocol.CallOffer{
		Type:     protocol.TypeVideoCallOffer,
		Directed: protocol.Directed{To: peer},
		Offer:    offer,
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "client.engine").Msg("restart send")
	}
}

// startHealthLoop watches the link and re-triggers a path restart while it
// stays failed. Stops when the engine ends.
func (e *Engine) startHealthLoop() {
	e.mu.Lock()
	if e.state == StateEnded {
		e.mu.Unlock()
		return
	}
	stop := e.stop
	e.mu.Unlock()

	go func() {
		ticker := time.NewTicker(e.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.mu.Lock()
				link := e.link
				e.mu.Unlock()
				if link != nil && link.ICEState() == webrtc.ICEConnectionStateFailed {
					e.restartPath()
				}
			}
		}
	}()
}

// Hangup ends the call locally and tells the peer.
func (e *Engine) Hangup() { e.teardown(true) }

// HandleRemoteEnd ends the call after the peer already hung up; no endCall
// goes back.
func (e *Engine) HandleRemoteEnd() { e.teardown(false) }

// Teardown is the fatal-failure path: release everything and notify the
// peer. Idempotent from any state and safe under concurrent triggers: the
// hangup button, a remote endCall, the health timer and the fatal
// state-change callback may all race here.
func (e *Engine) Teardown() { e.teardown(true) }

func (e *Engine) teardown(notifyPeer bool) {
	e.mu.Lock()
	if e.state == StateEnded {
		e.mu.Unlock()
		return
	}
	prev := e.state
	e.state = StateEnded
	link := e.link
	peer := e.peer
	stop := e.stop
	e.link = nil
	e.pending = nil
	e.mu.Unlock()

	close(stop)
	if notifyPeer && peer != "" && prev != StateIdle {
		err := e.send.Send(protocol.Control{
			Type:     protocol.TypeEndCall,
			Directed: protocol.Directed{To: peer},
		})
		if err != nil {
			log.Warn().Err(err).Str("module", "client.engine").Msg("endCall send")
		}
	}
	if link != nil {
		if err := link.Close(); err != nil {
			log.Error().Err(err).Str("module", "client.engine").Msg("link close")
		}
	}
	if err := e.media.Close(); err != nil {
		log.Error().Err(err).Str("module", "client.engine").Msg("media close")
	}
	log.Info().Str("module", "client.engine").Str("from", prev.String()).Msg("call ended")
	if e.onEnded != nil {
		e.onEnded()
	}
}
