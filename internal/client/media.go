package client

import (
	"os"

	"github.com/pion/webrtc/v4"
)

// LocalMedia holds the capture tracks for one call. At most one
// LocalMedia is live per process; Close releases the hardware.
type LocalMedia struct {
	AudioTrack webrtc.TrackLocal
	VideoTrack webrtc.TrackLocal

	release func()
	closed  bool
}

// HasVideo reports whether a camera track was captured
func (m *LocalMedia) HasVideo() bool { return m.VideoTrack != nil }

// Close stops all capture tracks. Idempotent.
func (m *LocalMedia) Close() {
	if m.closed {
		return
	}
	m.closed = true
	if m.release != nil {
		m.release()
	}
}

// MediaSource abstracts platform media capture and transport
// construction. The real implementation is selected by build tag;
// tests substitute a fake.
type MediaSource interface {
	// NewPeerConnection builds a transport whose media engine matches
	// the capture codecs of this source.
	NewPeerConnection() (*webrtc.PeerConnection, error)

	// Acquire opens camera and/or microphone. Fails with a
	// DEVICE_UNAVAILABLE error when hardware is busy or missing;
	// callers retry once with video=false before surfacing it.
	Acquire(video, audio bool) (*LocalMedia, error)

	// AcquireScreen opens a screen capture track for share mode. The
	// returned stop func releases the capture.
	AcquireScreen() (webrtc.TrackLocal, func(), error)
}

func stunServerURL() string {
	if s := os.Getenv("STUN_SERVER"); s != "" {
		return s
	}
	return "stun:stun.l.google.com:19302"
}
