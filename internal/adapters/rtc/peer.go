// Package rtc wraps pion's PeerConnection behind the small surface the call
// engine needs. The engine never touches pion directly, so tests can run
// against a fake link.
package rtc

import (
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/config"
)

type Peer struct {
	pc            *webrtc.PeerConnection
	gatherTimeout time.Duration
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// WebRTCConfigFrom maps configured ICE servers (STUN plus TURN relays with
// credentials) to pion's configuration. Empty config falls back to the
// default public STUN server.
func WebRTCConfigFrom(servers []config.ICEServer) webrtc.Configuration {
	if len(servers) == 0 {
		return DefaultWebRTCConfig()
	}
	out := webrtc.Configuration{}
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
		}
		out.ICEServers = append(out.ICEServers, ice)
	}
	return out
}

func NewPeer(cfg webrtc.Configuration, gatherTimeout time.Duration) (*Peer, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Peer{pc: pc, gatherTimeout: gatherTimeout}, nil
}

func (p *Peer) AddTrack(track webrtc.TrackLocal) error {
	_, err := p.pc.AddTrack(track)
	return err
}

// Offer produces a local description, waiting for candidate gathering to
// settle but never longer than the gather timeout; trickled candidates cover
// whatever arrives later. iceRestart requests fresh transport credentials
// for a non-destructive network-path restart.
func (p *Peer) Offer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	p.waitGather(gatherComplete)
	return *p.pc.LocalDescription(), nil
}

// Answer applies the remote offer and produces a local answer with the same
// bounded gathering wait as Offer.
func (p *Peer) Answer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	p.waitGather(gatherComplete)
	return *p.pc.LocalDescription(), nil
}

func (p *Peer) waitGather(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(p.gatherTimeout):
		log.Info().Str("module", "rtc").Dur("timeout", p.gatherTimeout).Msg("gathering still in progress, proceeding")
	}
}

func (p *Peer) AcceptAnswer(remote webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(remote)
}

func (p *Peer) AddCandidate(ci webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(ci)
}

func (p *Peer) OnCandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			fn(cand.ToJSON())
		}
	})
}

func (p *Peer) OnICEStateChange(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(fn)
}

func (p *Peer) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *Peer) ICEState() webrtc.ICEConnectionState {
	return p.pc.ICEConnectionState()
}

func (p *Peer) Close() error {
	return p.pc.Close()
}
