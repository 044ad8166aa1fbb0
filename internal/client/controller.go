package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"teleconsult-backend/internal/signal"
	"teleconsult-backend/pkg/constants"
	apperrors "teleconsult-backend/pkg/errors"
	"teleconsult-backend/pkg/logger"
)

// CallState is the controller lifecycle state
type CallState string

const (
	CallLoading CallState = "loading"
	CallActive  CallState = "active"
	CallEnded   CallState = "ended"
	CallError   CallState = "error"
)

// signalingConn is the signaling surface the controller drives.
// *SignalingClient satisfies it; tests substitute a fake.
type signalingConn interface {
	Events() <-chan *signal.Envelope
	SendSignal(payload json.RawMessage) error
	SendChat(body string) error
	SendLeave() error
	Close()
}

// CallControllerConfig configures one call attempt
type CallControllerConfig struct {
	ServerURL string
	Token     string
	SessionID uuid.UUID

	API   ConsultAPI
	Media MediaSource

	// DisconnectGrace bounds how long a disconnected transport may
	// self-heal before the call is force-ended. Zero means the default.
	DisconnectGrace time.Duration
}

// CallController drives the end-to-end lifecycle of one consult call:
// fetch session, mark started, acquire media, join signaling, negotiate,
// and guarantee exactly one end-call side effect no matter which path
// triggers it.
type CallController struct {
	cfg        CallControllerConfig
	api        ConsultAPI
	media      MediaSource
	transcript *Transcript

	// dial is swappable for tests
	dial func(ctx context.Context) (signalingConn, error)
	// setupPeer builds the transport and PeerManager; swappable for tests
	setupPeer func() error

	mu         sync.Mutex
	state      CallState
	session    *SessionInfo
	selfID     uuid.UUID
	sig        signalingConn
	peer       *PeerManager
	localMedia *LocalMedia
	videoOn    bool

	connectedAt time.Time
	durationSec int
	graceTimer  *time.Timer

	onStateChange func(CallState)
	negotiateOnce sync.Once
	endOnce       sync.Once
	done          chan struct{}

	now func() time.Time
}

// NewCallController creates a controller for one call attempt
func NewCallController(cfg CallControllerConfig) *CallController {
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = constants.DisconnectGracePeriod
	}

	c := &CallController{
		cfg:        cfg,
		api:        cfg.API,
		media:      cfg.Media,
		transcript: &Transcript{},
		state:      CallLoading,
		videoOn:    true,
		done:       make(chan struct{}),
		now:        time.Now,
	}
	c.dial = func(ctx context.Context) (signalingConn, error) {
		return DialSignaling(ctx, cfg.ServerURL, cfg.Token, cfg.SessionID)
	}
	c.setupPeer = c.buildPeer
	return c
}

// OnStateChange registers a state transition callback. Must be called
// before Run.
func (c *CallController) OnStateChange(fn func(CallState)) {
	c.mu.Lock()
	c.onStateChange = fn
	c.mu.Unlock()
}

// State returns the current call state
func (c *CallController) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns the local chat log
func (c *CallController) Transcript() *Transcript {
	return c.transcript
}

// Session returns the fetched session metadata, nil before Run
func (c *CallController) Session() *SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// DurationSeconds returns the locally displayed call duration
func (c *CallController) DurationSeconds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.durationSec
}

// Done is closed once the call has fully ended
func (c *CallController) Done() <-chan struct{} {
	return c.done
}

// Run executes the call setup sequence and blocks until the signaling
// event loop starts. Cleanup on any setup failure releases the camera
// even when the peer connection never existed.
func (c *CallController) Run(ctx context.Context) error {
	session, err := c.api.FetchSession(ctx, c.cfg.SessionID)
	if err != nil {
		c.fail(err)
		return err
	}

	now := c.now()
	if now.Before(session.JoinWindowStart) || now.After(session.JoinWindowEnd) {
		err := apperrors.OutsideJoinWindowError("the consultation cannot be joined at this time")
		c.fail(err)
		return err
	}

	c.mu.Lock()
	c.session = session
	c.selfID = session.ClinicianID
	if session.Role == "initiator" {
		c.selfID = session.PatientID
	}
	c.mu.Unlock()

	// Record the start before media setup so the counterpart is
	// notified even if this side stalls on a permission prompt
	if err := c.api.MarkStarted(ctx, c.cfg.SessionID); err != nil {
		c.fail(err)
		return err
	}

	media, err := c.acquireMedia()
	if err != nil {
		c.abandonStartedSession()
		c.fail(err)
		return err
	}
	c.mu.Lock()
	c.localMedia = media
	c.videoOn = media.HasVideo()
	c.mu.Unlock()

	sig, err := c.dial(ctx)
	if err != nil {
		c.releaseMedia()
		c.abandonStartedSession()
		c.fail(err)
		return err
	}
	c.mu.Lock()
	c.sig = sig
	c.mu.Unlock()

	if err := c.setupPeer(); err != nil {
		sig.Close()
		c.releaseMedia()
		c.abandonStartedSession()
		c.fail(err)
		return err
	}

	go c.eventLoop()
	return nil
}

// abandonStartedSession closes out the server-side row when setup fails
// after the start was already recorded, so the session does not linger
// active with nobody in the call. Best effort.
func (c *CallController) abandonStartedSession() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.api.MarkEnded(ctx, c.cfg.SessionID, 0); err != nil {
		logger.Warn("Failed to close abandoned session", zap.Error(err))
	}
}

// acquireMedia opens camera and mic, degrading once to audio-only on a
// device failure before surfacing the error
func (c *CallController) acquireMedia() (*LocalMedia, error) {
	media, err := c.media.Acquire(true, true)
	if err == nil {
		return media, nil
	}
	if !apperrors.Is(err, apperrors.ErrCodeDeviceUnavailable) {
		return nil, err
	}

	logger.Warn("Camera unavailable, retrying audio-only", zap.Error(err))
	return c.media.Acquire(false, true)
}

// buildPeer constructs the real pion transport, adds the local tracks
// and wires transport events into the PeerManager
func (c *CallController) buildPeer() error {
	pc, err := c.media.NewPeerConnection()
	if err != nil {
		return apperrors.ConnectionFailedError("failed to create peer connection: " + err.Error())
	}

	c.mu.Lock()
	media := c.localMedia
	session := c.session
	sig := c.sig
	c.mu.Unlock()

	peer := NewPeerManager(pc, session.Role == "initiator", sig.SendSignal)

	var audioSender, videoSender trackSender
	if media.AudioTrack != nil {
		sender, err := pc.AddTrack(media.AudioTrack)
		if err != nil {
			pc.Close()
			return apperrors.ConnectionFailedError("failed to add audio track: " + err.Error())
		}
		audioSender = sender
	}
	if media.VideoTrack != nil {
		sender, err := pc.AddTrack(media.VideoTrack)
		if err != nil {
			pc.Close()
			return apperrors.ConnectionFailedError("failed to add video track: " + err.Error())
		}
		videoSender = sender
	}
	peer.BindSenders(audioSender, videoSender, media.AudioTrack, media.VideoTrack)

	pc.OnICECandidate(peer.HandleLocalCandidate)
	pc.OnConnectionStateChange(peer.HandleConnectionStateChange)
	peer.OnStateChange(c.handlePeerState)

	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()
	return nil
}

// eventLoop consumes signaling events until the connection drops or the
// call ends
func (c *CallController) eventLoop() {
	c.mu.Lock()
	sig := c.sig
	c.mu.Unlock()

	for env := range sig.Events() {
		switch env.Type {
		case signal.TypePeerAlreadyPresent, signal.TypePeerJoined:
			c.startNegotiation()

		case signal.TypeSignal:
			c.mu.Lock()
			peer := c.peer
			c.mu.Unlock()
			if peer != nil {
				if err := peer.HandleSignal(env.Payload); err != nil {
					logger.Warn("Failed to handle signal", zap.Error(err))
				}
			}

		case signal.TypeChatMessage:
			c.transcript.Append(TranscriptMessage{
				SenderID:   env.SenderID,
				SenderName: env.SenderName,
				Body:       env.Body,
				ReceivedAt: c.now(),
				Own:        env.SenderID == c.selfID,
			})

		case signal.TypePeerLeft:
			logger.Info("Peer left the room")
			c.scheduleForcedEnd()

		case signal.TypeError:
			logger.Error("Signaling error",
				zap.String("code", env.Code),
				zap.String("body", env.Body))
			c.EndCall()
			return
		}
	}

	// Signaling dropped underneath us. Give the transport its grace
	// period in case the media path survives, then end.
	select {
	case <-c.done:
	default:
		c.scheduleForcedEnd()
	}
}

// startNegotiation fires the initial offer exactly once on the
// initiator side, whether triggered by peer_already_present at join or
// a later peer_joined
func (c *CallController) startNegotiation() {
	c.negotiateOnce.Do(func() {
		c.mu.Lock()
		peer := c.peer
		c.mu.Unlock()
		if peer == nil {
			return
		}
		if err := peer.StartNegotiation(); err != nil {
			logger.Error("Negotiation failed", zap.Error(err))
			c.EndCall()
		}
	})
}

func (c *CallController) handlePeerState(state ConnState) {
	switch state {
	case StateConnected:
		c.mu.Lock()
		c.cancelGraceLocked()
		if c.connectedAt.IsZero() {
			c.connectedAt = c.now()
			go c.durationLoop()
		}
		c.mu.Unlock()
		c.setState(CallActive)

	case StateDisconnected:
		c.scheduleForcedEnd()

	case StateFailed:
		c.EndCall()
	}
}

// scheduleForcedEnd arms the bounded grace timer. A recovery to
// connected disarms it; a second disconnect re-arms it.
func (c *CallController) scheduleForcedEnd() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.graceTimer != nil {
		return
	}
	logger.Info("Connection lost, waiting for recovery",
		zap.Duration("grace", c.cfg.DisconnectGrace))
	c.graceTimer = time.AfterFunc(c.cfg.DisconnectGrace, func() {
		logger.Warn("Connection did not recover, ending call")
		c.EndCall()
	})
}

func (c *CallController) cancelGraceLocked() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}

// durationLoop ticks the local display duration once per second. Not
// the source of truth for the persisted duration; that is computed once
// at end-call time.
func (c *CallController) durationLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.durationSec = int(c.now().Sub(c.connectedAt) / time.Second)
			c.mu.Unlock()
		}
	}
}

// ToggleAudio mutes or unmutes the microphone
func (c *CallController) ToggleAudio(enabled bool) error {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil {
		return nil
	}
	return peer.ToggleAudio(enabled)
}

// ToggleVideo turns the camera on or off
func (c *CallController) ToggleVideo(enabled bool) error {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil {
		return nil
	}
	return peer.ToggleVideo(enabled)
}

// StartScreenShare switches the outgoing video to a screen capture
func (c *CallController) StartScreenShare() error {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil {
		return apperrors.ConnectionFailedError("call not connected")
	}

	track, stop, err := c.media.AcquireScreen()
	if err != nil {
		return err
	}
	if err := peer.StartScreenShare(track, stop); err != nil {
		stop()
		return err
	}
	return nil
}

// StopScreenShare reverts to the camera
func (c *CallController) StopScreenShare() error {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil {
		return nil
	}
	return peer.StopScreenShare()
}

// SendChat relays a chat message. The local transcript appends when the
// server echo arrives, keeping both sides on relay order.
func (c *CallController) SendChat(body string) error {
	c.mu.Lock()
	sig := c.sig
	c.mu.Unlock()
	if sig == nil {
		return apperrors.ConnectionFailedError("call not connected")
	}
	return sig.SendChat(body)
}

// EndCall tears the call down. Exactly one end-call side effect fires
// no matter how many paths trigger it (hang-up button, disconnect
// timeout, peer departure, signaling loss). Local cleanup always runs,
// even when the persistence call fails.
func (c *CallController) EndCall() {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.cancelGraceLocked()
		sig := c.sig
		peer := c.peer
		duration := 0
		if !c.connectedAt.IsZero() {
			duration = int(c.now().Sub(c.connectedAt) / time.Second)
		}
		c.mu.Unlock()

		// Best effort. A registry outage must not hold the camera open.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.api.MarkEnded(ctx, c.cfg.SessionID, duration); err != nil {
			logger.Warn("Failed to persist call end",
				zap.String("session_id", c.cfg.SessionID.String()),
				zap.Error(err))
		}

		if sig != nil {
			if err := sig.SendLeave(); err != nil {
				logger.Debug("Leave notification failed", zap.Error(err))
			}
			sig.Close()
		}
		if peer != nil {
			peer.Close()
		}
		c.releaseMedia()

		c.setState(CallEnded)
		close(c.done)

		logger.Info("Call ended",
			zap.String("session_id", c.cfg.SessionID.String()),
			zap.Int("duration_seconds", duration))
	})
}

func (c *CallController) releaseMedia() {
	c.mu.Lock()
	media := c.localMedia
	c.mu.Unlock()
	if media != nil {
		media.Close()
	}
}

func (c *CallController) fail(err error) {
	logger.Error("Call setup failed",
		zap.String("session_id", c.cfg.SessionID.String()),
		zap.Error(err))
	c.setState(CallError)
}

func (c *CallController) setState(state CallState) {
	c.mu.Lock()
	if c.state == state || c.state == CallEnded {
		c.mu.Unlock()
		return
	}
	c.state = state
	fn := c.onStateChange
	c.mu.Unlock()

	if fn != nil {
		fn(state)
	}
}
