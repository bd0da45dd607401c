package client

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Huddle/internal/protocol"
)

type fakeLink struct {
	mu         sync.Mutex
	tracks     int
	offers     []bool
	answers    int
	accepted   int
	candidates []webrtc.ICECandidateInit
	closed     int

	onCand  func(webrtc.ICECandidateInit)
	onICE   func(webrtc.ICEConnectionState)
	onState func(webrtc.PeerConnectionState)

	iceState webrtc.ICEConnectionState
	offerErr error
}

func (l *fakeLink) AddTrack(webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracks++
	return nil
}

func (l *fakeLink) Offer(iceRestart bool) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.offerErr != nil {
		return webrtc.SessionDescription{}, l.offerErr
	}
	l.offers = append(l.offers, iceRestart)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, nil
}

func (l *fakeLink) Answer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}, nil
}

func (l *fakeLink) AcceptAnswer(webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accepted++
	return nil
}

func (l *fakeLink) AddCandidate(ci webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, ci)
	return nil
}

func (l *fakeLink) OnCandidate(fn func(webrtc.ICECandidateInit))        { l.onCand = fn }
func (l *fakeLink) OnICEStateChange(fn func(webrtc.ICEConnectionState)) { l.onICE = fn }
func (l *fakeLink) OnStateChange(fn func(webrtc.PeerConnectionState))   { l.onState = fn }

func (l *fakeLink) ICEState() webrtc.ICEConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.iceState
}

func (l *fakeLink) setICEState(s webrtc.ICEConnectionState) {
	l.mu.Lock()
	l.iceState = s
	l.mu.Unlock()
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed++
	return nil
}

func (l *fakeLink) appliedCandidates() []webrtc.ICECandidateInit {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(l.candidates))
	copy(out, l.candidates)
	return out
}

func (l *fakeLink) restartOffers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, restart := range l.offers {
		if restart {
			n++
		}
	}
	return n
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []any
}

func (s *fakeSender) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, v)
	return nil
}

func (s *fakeSender) controls(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if c, ok := m.(protocol.Control); ok && c.Type == typ {
			n++
		}
	}
	return n
}

func (s *fakeSender) offers() []protocol.CallOffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.CallOffer
	for _, m := range s.msgs {
		if o, ok := m.(protocol.CallOffer); ok {
			out = append(out, o)
		}
	}
	return out
}

func (s *fakeSender) answers() []protocol.CallAnswer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.CallAnswer
	for _, m := range s.msgs {
		if a, ok := m.(protocol.CallAnswer); ok {
			out = append(out, a)
		}
	}
	return out
}

type fakeMedia struct {
	err    error
	closed int32
}

func (m *fakeMedia) Tracks(context.Context) ([]webrtc.TrackLocal, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []webrtc.TrackLocal{nil}, nil
}

func (m *fakeMedia) Close() error {
	atomic.AddInt32(&m.closed, 1)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeSender, *fakeLink, *fakeMedia) {
	t.Helper()
	sender := &fakeSender{}
	link := &fakeLink{}
	media := &fakeMedia{}
	eng := NewEngine(sender, media, func() (PeerLink, error) { return link, nil })
	return eng, sender, link, media
}

func TestDialSendsOffer(t *testing.T) {
	eng, sender, link, _ := newTestEngine(t)
	require.NoError(t, eng.Dial(context.Background(), "bob"))

	offers := sender.offers()
	require.Len(t, offers, 1)
	assert.Equal(t, protocol.TypeVideoCallOffer, offers[0].Type)
	assert.EqualValues(t, "bob", offers[0].To)
	assert.Equal(t, 1, link.tracks)
	assert.Equal(t, StateOffering, eng.State())
}

func TestDialWhileEngaged(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	require.NoError(t, eng.Dial(context.Background(), "bob"))
	assert.ErrorIs(t, eng.Dial(context.Background(), "carol"), ErrEngaged)
}

// Candidates delivered before the remote description must be queued and
// flushed in arrival order once the answer is applied, never before.
func TestCandidatesBufferedUntilAnswer(t *testing.T) {
	eng, _, link, _ := newTestEngine(t)
	require.NoError(t, eng.Dial(context.Background(), "bob"))

	first := webrtc.ICECandidateInit{Candidate: "candidate:1"}
	second := webrtc.ICECandidateInit{Candidate: "candidate:2"}
	third := webrtc.ICECandidateInit{Candidate: "candidate:3"}
	eng.HandleCandidate(first)
	eng.HandleCandidate(second)
	eng.HandleCandidate(third)
	assert.Empty(t, link.appliedCandidates(), "candidate applied before remote description")

	eng.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})

	applied := link.appliedCandidates()
	require.Len(t, applied, 3)
	assert.Equal(t, "candidate:1", applied[0].Candidate)
	assert.Equal(t, "candidate:2", applied[1].Candidate)
	assert.Equal(t, "candidate:3", applied[2].Candidate)
	assert.Equal(t, StateNegotiating, eng.State())

	// Later candidates apply immediately.
	eng.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:4"})
	assert.Len(t, link.appliedCandidates(), 4)
}

func TestAnswerIncomingFlushesEarlyCandidates(t *testing.T) {
	eng, sender, link, _ := newTestEngine(t)

	// The caller's candidates can race ahead of local media acquisition.
	eng.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1"})
	eng.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:2"})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	require.NoError(t, eng.AnswerIncoming(context.Background(), "alice", offer))

	applied := link.appliedCandidates()
	require.Len(t, applied, 2)
	assert.Equal(t, "candidate:1", applied[0].Candidate)
	assert.Equal(t, "candidate:2", applied[1].Candidate)

	answers := sender.answers()
	require.Len(t, answers, 1)
	assert.EqualValues(t, "alice", answers[0].To)
	assert.Equal(t, StateNegotiating, eng.State())
}

// Two concurrent teardown triggers must produce one observable endCall and
// leave state identical to a single invocation.
func TestTeardownIdempotent(t *testing.T) {
	eng, sender, link, media := newTestEngine(t)
	require.NoError(t, eng.Dial(context.Background(), "bob"))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.Hangup()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, sender.controls(protocol.TypeEndCall))
	assert.Equal(t, 1, link.closed)
	assert.EqualValues(t, 1, atomic.LoadInt32(&media.closed))
	assert.Equal(t, StateEnded, eng.State())

	// A trailing remote endCall for the already-dead call is a no-op.
	eng.HandleRemoteEnd()
	assert.Equal(t, 1, sender.controls(protocol.TypeEndCall))
	assert.Equal(t, 1, link.closed)
}

func TestRemoteEndSendsNothing(t *testing.T) {
	eng, sender, link, _ := newTestEngine(t)
	require.NoError(t, eng.Dial(context.Background(), "bob"))

	eng.HandleRemoteEnd()
	assert.Equal(t, 0, sender.controls(protocol.TypeEndCall))
	assert.Equal(t, 1, link.closed)
	assert.Equal(t, StateEnded, eng.State())
}

func TestMediaFailureAbortsAttempt(t *testing.T) {
	sender := &fakeSender{}
	link := &fakeLink{}
	media := &fakeMedia{err: ErrNoTracks}
	eng := NewEngine(sender, media, func() (PeerLink, error) { return link, nil })

	err := eng.Dial(context.Background(), "bob")
	assert.ErrorIs(t, err, ErrNoTracks)
	assert.Empty(t, sender.offers())
	assert.Equal(t, StateEnded, eng.State())
	assert.EqualValues(t, 1, atomic.LoadInt32(&media.closed))
}

func TestStaleAnswerIgnored(t *testing.T) {
	eng, _, link, _ := newTestEngine(t)
	require.NoError(t, eng.Dial(context.Background(), "bob"))
	eng.Hangup()

	eng.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	assert.Equal(t, 0, link.accepted)
	assert.Equal(t, StateEnded, eng.State())
}

func TestStaleCandidateIgnoredAfterEnd(t *testing.T) {
	eng, _, link, _ := newTestEngine(t)
	require.NoError(t, eng.Dial(context.Background(), "bob"))
	eng.Hangup()

	eng.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:9"})
	assert.Empty(t, link.appliedCandidates())
}

func TestICEFailureTriggersRestart(t *testing.T) {
	eng, sender, link, _ := newTestEngine(t)
	require.NoError(t, eng.Dial(context.Background(), "bob"))
	eng.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})

	link.onICE(webrtc.ICEConnectionStateFailed)

	assert.Equal(t, 1, link.restartOffers())
	// Initial offer plus the restart offer.
	assert.Len(t, sender.offers(), 2)
	assert.Equal(t, StateNegotiating, eng.State())
}

func TestICEConnectedMarksActive(t *testing.T) {
	eng, _, link, _ := newTestEngine(t)
	require.NoError(t, eng.Dial(context.Background(), "bob"))
	eng.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})

	link.onICE(webrtc.ICEConnectionStateConnected)
	assert.Equal(t, StateActive, eng.State())
}

func TestPeerFailedIsFatal(t *testing.T) {
	eng, _, link, media := newTestEngine(t)
	require.NoError(t, eng.Dial(context.Background(), "bob"))

	link.onState(webrtc.PeerConnectionStateFailed)

	assert.Equal(t, StateEnded, eng.State())
	assert.Equal(t, 1, link.closed)
	assert.EqualValues(t, 1, atomic.LoadInt32(&media.closed))
}

func TestHealthLoopRetriesRestart(t *testing.T) {
	eng, _, link, _ := newTestEngine(t)
	eng.healthInterval = 10 * time.Millisecond
	require.NoError(t, eng.Dial(context.Background(), "bob"))
	eng.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})

	link.setICEState(webrtc.ICEConnectionStateFailed)

	assert.Eventually(t, func() bool {
		return link.restartOffers() >= 2
	}, time.Second, 5*time.Millisecond, "health loop did not re-trigger restart")

	eng.Hangup()
}
