package client

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

var ErrNoTracks = errors.New("no local tracks")

// StaticMedia is a MediaSource over caller-provided pion tracks, typically
// TrackLocalStaticSample instances fed by a capture pipeline. Device capture
// itself is outside this package; whoever builds the tracks passes a release
// hook that stops the devices.
type StaticMedia struct {
	mu      sync.Mutex
	tracks  []webrtc.TrackLocal
	release func()
	closed  bool
}

func NewStaticMedia(tracks []webrtc.TrackLocal, release func()) *StaticMedia {
	return &StaticMedia{tracks: tracks, release: release}
}

func (m *StaticMedia) Tracks(ctx context.Context) ([]webrtc.TrackLocal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrNoTracks
	}
	if len(m.tracks) == 0 {
		return nil, ErrNoTracks
	}
	out := make([]webrtc.TrackLocal, len(m.tracks))
	copy(out, m.tracks)
	return out, nil
}

// Close releases the underlying devices. Idempotent; the engine calls it
// from teardown which may itself run redundantly.
func (m *StaticMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.release != nil {
		m.release()
	}
	return nil
}
