package client

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	apperrors "teleconsult-backend/pkg/errors"
	"teleconsult-backend/pkg/logger"
)

// ConnState is the peer connection lifecycle state
type ConnState string

const (
	StateIdle         ConnState = "idle"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateFailed       ConnState = "failed"
)

// SignalPayload is the negotiation message carried inside a signal
// envelope: an SDP offer/answer or a trickled ICE candidate.
type SignalPayload struct {
	Kind      string                   `json:"kind"` // offer, answer, ice
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// peerConn is the subset of *webrtc.PeerConnection the manager drives.
// *webrtc.PeerConnection satisfies it directly; tests substitute a fake.
type peerConn interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	RemoteDescription() *webrtc.SessionDescription
	Close() error
}

// trackSender is the subset of *webrtc.RTPSender used for muting and
// screen-share track replacement
type trackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// PeerManager owns one peer-to-peer connection and its negotiation
// state machine. Exactly one side of a call is the initiator; the role
// is decided from session metadata before the manager is created, so a
// simultaneous join never produces two offers.
type PeerManager struct {
	conn       peerConn
	sendSignal func(payload json.RawMessage) error
	initiator  bool

	mu            sync.Mutex
	state         ConnState
	onStateChange func(ConnState)

	audioSender trackSender
	videoSender trackSender
	audioTrack  webrtc.TrackLocal
	cameraTrack webrtc.TrackLocal
	screenStop  func()

	audioEnabled bool
	videoEnabled bool
	sharing      bool

	// ICE candidates that arrived before the remote description
	pendingCandidates []webrtc.ICECandidateInit

	closeOnce sync.Once
}

// NewPeerManager creates a manager over an established transport.
// sendSignal forwards local negotiation events to the signaling server.
func NewPeerManager(conn peerConn, initiator bool, sendSignal func(payload json.RawMessage) error) *PeerManager {
	return &PeerManager{
		conn:         conn,
		sendSignal:   sendSignal,
		initiator:    initiator,
		state:        StateIdle,
		audioEnabled: true,
		videoEnabled: true,
	}
}

// IsInitiator reports the fixed negotiation role of this side
func (p *PeerManager) IsInitiator() bool { return p.initiator }

// OnStateChange registers a callback fired on every connection state
// transition. Must be set before negotiation starts.
func (p *PeerManager) OnStateChange(fn func(ConnState)) {
	p.mu.Lock()
	p.onStateChange = fn
	p.mu.Unlock()
}

// State returns the current connection state
func (p *PeerManager) State() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// BindSenders attaches the RTP senders created when local tracks were
// added to the transport. Called once during call setup.
func (p *PeerManager) BindSenders(audio, video trackSender, audioTrack, cameraTrack webrtc.TrackLocal) {
	p.mu.Lock()
	p.audioSender = audio
	p.videoSender = video
	p.audioTrack = audioTrack
	p.cameraTrack = cameraTrack
	p.mu.Unlock()
}

// StartNegotiation creates and sends the initial offer. No-op on the
// responder side, which waits for the offer instead.
func (p *PeerManager) StartNegotiation() error {
	if !p.initiator {
		return nil
	}

	p.setState(StateConnecting)

	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return apperrors.ConnectionFailedError("failed to create offer: " + err.Error())
	}
	if err := p.conn.SetLocalDescription(offer); err != nil {
		return apperrors.ConnectionFailedError("failed to set local description: " + err.Error())
	}

	return p.send(&SignalPayload{Kind: "offer", SDP: offer.SDP})
}

// HandleSignal feeds one relayed negotiation payload into the transport
func (p *PeerManager) HandleSignal(raw json.RawMessage) error {
	var payload SignalPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return apperrors.InvalidInputError("malformed signal payload: " + err.Error())
	}

	switch payload.Kind {
	case "offer":
		return p.handleOffer(payload.SDP)
	case "answer":
		return p.handleAnswer(payload.SDP)
	case "ice":
		return p.handleCandidate(payload.Candidate)
	default:
		logger.Debug("Ignoring unknown signal kind", zap.String("kind", payload.Kind))
		return nil
	}
}

func (p *PeerManager) handleOffer(sdp string) error {
	if p.initiator {
		// Role convention broken on the other side. Refuse rather than
		// glare with two simultaneous offers.
		return apperrors.ConnectionFailedError("received an offer while holding the initiator role")
	}

	p.setState(StateConnecting)

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.conn.SetRemoteDescription(desc); err != nil {
		return apperrors.ConnectionFailedError("failed to apply offer: " + err.Error())
	}
	p.flushPendingCandidates()

	answer, err := p.conn.CreateAnswer(nil)
	if err != nil {
		return apperrors.ConnectionFailedError("failed to create answer: " + err.Error())
	}
	if err := p.conn.SetLocalDescription(answer); err != nil {
		return apperrors.ConnectionFailedError("failed to set local description: " + err.Error())
	}

	return p.send(&SignalPayload{Kind: "answer", SDP: answer.SDP})
}

func (p *PeerManager) handleAnswer(sdp string) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := p.conn.SetRemoteDescription(desc); err != nil {
		return apperrors.ConnectionFailedError("failed to apply answer: " + err.Error())
	}
	p.flushPendingCandidates()
	return nil
}

func (p *PeerManager) handleCandidate(candidate *webrtc.ICECandidateInit) error {
	if candidate == nil {
		return nil
	}

	// Candidates can trickle in before the SDP exchange completes
	if p.conn.RemoteDescription() == nil {
		p.mu.Lock()
		p.pendingCandidates = append(p.pendingCandidates, *candidate)
		p.mu.Unlock()
		return nil
	}

	return p.conn.AddICECandidate(*candidate)
}

func (p *PeerManager) flushPendingCandidates() {
	p.mu.Lock()
	pending := p.pendingCandidates
	p.pendingCandidates = nil
	p.mu.Unlock()

	for _, candidate := range pending {
		if err := p.conn.AddICECandidate(candidate); err != nil {
			logger.Warn("Failed to add buffered ICE candidate", zap.Error(err))
		}
	}
}

// HandleLocalCandidate forwards a locally gathered ICE candidate to the
// peer. Wired to OnICECandidate at transport construction.
func (p *PeerManager) HandleLocalCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}
	init := candidate.ToJSON()
	if err := p.send(&SignalPayload{Kind: "ice", Candidate: &init}); err != nil {
		logger.Warn("Failed to relay ICE candidate", zap.Error(err))
	}
}

// HandleConnectionStateChange maps transport state into the manager's
// state machine. Wired to OnConnectionStateChange at construction.
func (p *PeerManager) HandleConnectionStateChange(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		p.setState(StateConnecting)
	case webrtc.PeerConnectionStateConnected:
		p.setState(StateConnected)
	case webrtc.PeerConnectionStateDisconnected:
		p.setState(StateDisconnected)
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		p.setState(StateFailed)
	}
}

// ToggleAudio enables or disables the outgoing audio track without
// renegotiating. Disabling swaps the sender to a nil track.
func (p *PeerManager) ToggleAudio(enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.audioSender == nil || enabled == p.audioEnabled {
		return nil
	}

	var track webrtc.TrackLocal
	if enabled {
		track = p.audioTrack
	}
	if err := p.audioSender.ReplaceTrack(track); err != nil {
		return apperrors.ConnectionFailedError("failed to toggle audio: " + err.Error())
	}
	p.audioEnabled = enabled
	return nil
}

// ToggleVideo enables or disables the outgoing video track without
// renegotiating. Disabled while screen sharing is a no-op; the share
// keeps running.
func (p *PeerManager) ToggleVideo(enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.videoSender == nil || enabled == p.videoEnabled || p.sharing {
		return nil
	}

	var track webrtc.TrackLocal
	if enabled {
		track = p.cameraTrack
	}
	if err := p.videoSender.ReplaceTrack(track); err != nil {
		return apperrors.ConnectionFailedError("failed to toggle video: " + err.Error())
	}
	p.videoEnabled = enabled
	return nil
}

// AudioEnabled reports whether outgoing audio is live
func (p *PeerManager) AudioEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.audioEnabled
}

// VideoEnabled reports whether outgoing video is live
func (p *PeerManager) VideoEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.videoEnabled
}

// Sharing reports whether the outgoing video is a screen capture
func (p *PeerManager) Sharing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sharing
}

// StartScreenShare replaces the outgoing camera track with a screen
// capture track. The remote side sees a seamless switch; no second
// capture of the same kind ever runs.
func (p *PeerManager) StartScreenShare(screenTrack webrtc.TrackLocal, stop func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.videoSender == nil {
		return apperrors.ConnectionFailedError("no video sender to share on")
	}
	if p.sharing {
		return apperrors.InvalidInputError("screen share already active")
	}

	if err := p.videoSender.ReplaceTrack(screenTrack); err != nil {
		return apperrors.ConnectionFailedError("failed to switch to screen track: " + err.Error())
	}
	p.sharing = true
	p.screenStop = stop
	return nil
}

// StopScreenShare reverts the outgoing video to the camera track and
// releases the screen capture
func (p *PeerManager) StopScreenShare() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.sharing {
		return nil
	}

	var track webrtc.TrackLocal
	if p.videoEnabled {
		track = p.cameraTrack
	}
	if err := p.videoSender.ReplaceTrack(track); err != nil {
		return apperrors.ConnectionFailedError("failed to restore camera track: " + err.Error())
	}

	if p.screenStop != nil {
		p.screenStop()
		p.screenStop = nil
	}
	p.sharing = false
	return nil
}

func (p *PeerManager) send(payload *SignalPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.sendSignal(data)
}

func (p *PeerManager) setState(state ConnState) {
	p.mu.Lock()
	if p.state == state {
		p.mu.Unlock()
		return
	}
	p.state = state
	fn := p.onStateChange
	p.mu.Unlock()

	if fn != nil {
		fn(state)
	}
}

// Close tears down the transport and stops any active screen capture.
// Idempotent.
func (p *PeerManager) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		stop := p.screenStop
		p.screenStop = nil
		p.sharing = false
		p.mu.Unlock()

		if stop != nil {
			stop()
		}
		if err := p.conn.Close(); err != nil {
			logger.Debug("Peer connection close", zap.Error(err))
		}
		p.setState(StateIdle)
	})
}
