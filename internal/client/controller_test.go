package client

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult-backend/internal/domain"
	"teleconsult-backend/internal/signal"
	apperrors "teleconsult-backend/pkg/errors"
)

type fakeAPI struct {
	mu        sync.Mutex
	session   *SessionInfo
	fetchErr  error
	startErr  error
	endErr    error
	started   int
	ended     int
	durations []int
}

func (f *fakeAPI) FetchSession(ctx context.Context, sessionID uuid.UUID) (*SessionInfo, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.session, nil
}

func (f *fakeAPI) MarkStarted(ctx context.Context, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started++
	return nil
}

func (f *fakeAPI) MarkEnded(ctx context.Context, sessionID uuid.UUID, durationSeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.endErr != nil {
		return f.endErr
	}
	f.ended++
	f.durations = append(f.durations, durationSeconds)
	return nil
}

func (f *fakeAPI) endCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended
}

func (f *fakeAPI) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeAPI) lastDuration() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.durations) == 0 {
		return -1
	}
	return f.durations[len(f.durations)-1]
}

type fakeMediaSource struct {
	mu       sync.Mutex
	videoErr error // returned when video capture is requested
	audioErr error // returned for the audio-only fallback
	released int
}

func (f *fakeMediaSource) NewPeerConnection() (*webrtc.PeerConnection, error) {
	return nil, nil
}

func (f *fakeMediaSource) Acquire(video, audio bool) (*LocalMedia, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if video && f.videoErr != nil {
		return nil, f.videoErr
	}
	if !video && f.audioErr != nil {
		return nil, f.audioErr
	}

	media := &LocalMedia{
		AudioTrack: &fakeTrack{id: "mic", kind: webrtc.RTPCodecTypeAudio},
		release: func() {
			f.mu.Lock()
			f.released++
			f.mu.Unlock()
		},
	}
	if video {
		media.VideoTrack = &fakeTrack{id: "camera", kind: webrtc.RTPCodecTypeVideo}
	}
	return media, nil
}

func (f *fakeMediaSource) AcquireScreen() (webrtc.TrackLocal, func(), error) {
	return &fakeTrack{id: "screen", kind: webrtc.RTPCodecTypeVideo}, func() {}, nil
}

func (f *fakeMediaSource) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

type fakeSignalingConn struct {
	events chan *signal.Envelope

	mu        sync.Mutex
	signals   []json.RawMessage
	chats     []string
	left      bool
	closed    bool
	closeOnce sync.Once
}

func newFakeSignalingConn() *fakeSignalingConn {
	return &fakeSignalingConn{events: make(chan *signal.Envelope, 16)}
}

func (f *fakeSignalingConn) Events() <-chan *signal.Envelope { return f.events }

func (f *fakeSignalingConn) SendSignal(payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, payload)
	return nil
}

func (f *fakeSignalingConn) SendChat(body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, body)
	return nil
}

func (f *fakeSignalingConn) SendLeave() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = true
	return nil
}

func (f *fakeSignalingConn) Close() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
	})
}

func (f *fakeSignalingConn) signalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.signals)
}

func activeSessionInfo() *SessionInfo {
	now := time.Now()
	return &SessionInfo{
		CallSession: domain.CallSession{
			ID:          uuid.New(),
			RoomID:      uuid.New().String(),
			PatientID:   uuid.New(),
			ClinicianID: uuid.New(),
			ScheduledAt: now,
			Status:      domain.SessionWaiting,
		},
		Role:            "initiator",
		JoinWindowStart: now.Add(-10 * time.Minute),
		JoinWindowEnd:   now.Add(30 * time.Minute),
	}
}

type controllerHarness struct {
	ctrl  *CallController
	api   *fakeAPI
	media *fakeMediaSource
	sig   *fakeSignalingConn
	conn  *fakeTransport
}

func newHarness(t *testing.T, session *SessionInfo, grace time.Duration) *controllerHarness {
	t.Helper()

	h := &controllerHarness{
		api:   &fakeAPI{session: session},
		media: &fakeMediaSource{},
		sig:   newFakeSignalingConn(),
		conn:  &fakeTransport{},
	}

	h.ctrl = NewCallController(CallControllerConfig{
		SessionID:       session.ID,
		API:             h.api,
		Media:           h.media,
		DisconnectGrace: grace,
	})
	h.ctrl.dial = func(ctx context.Context) (signalingConn, error) {
		return h.sig, nil
	}
	h.ctrl.setupPeer = func() error {
		peer := NewPeerManager(h.conn, session.Role == "initiator", h.sig.SendSignal)
		peer.OnStateChange(h.ctrl.handlePeerState)
		h.ctrl.mu.Lock()
		media := h.ctrl.localMedia
		h.ctrl.peer = peer
		h.ctrl.mu.Unlock()
		peer.BindSenders(&fakeSender{current: media.AudioTrack}, &fakeSender{current: media.VideoTrack},
			media.AudioTrack, media.VideoTrack)
		return nil
	}
	return h
}

func TestRun_OutsideJoinWindow(t *testing.T) {
	session := activeSessionInfo()
	session.JoinWindowStart = time.Now().Add(time.Hour)
	session.JoinWindowEnd = time.Now().Add(2 * time.Hour)
	h := newHarness(t, session, 0)

	err := h.ctrl.Run(context.Background())

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeOutsideJoinWindow))
	assert.Equal(t, 0, h.api.startCount())
	assert.Equal(t, CallError, h.ctrl.State())
}

func TestRun_MarksStartedAndJoins(t *testing.T) {
	h := newHarness(t, activeSessionInfo(), 0)

	require.NoError(t, h.ctrl.Run(context.Background()))
	defer h.ctrl.EndCall()

	assert.Equal(t, 1, h.api.startCount())
	assert.Equal(t, CallLoading, h.ctrl.State())
	require.NotNil(t, h.ctrl.Session())
}

func TestRun_AudioOnlyFallback(t *testing.T) {
	h := newHarness(t, activeSessionInfo(), 0)
	h.media.videoErr = apperrors.DeviceUnavailableError(assert.AnError)

	require.NoError(t, h.ctrl.Run(context.Background()))
	defer h.ctrl.EndCall()

	h.ctrl.mu.Lock()
	media := h.ctrl.localMedia
	h.ctrl.mu.Unlock()
	require.NotNil(t, media)
	assert.False(t, media.HasVideo())
	assert.NotNil(t, media.AudioTrack)
}

func TestRun_DeviceUnavailableSurfaced(t *testing.T) {
	h := newHarness(t, activeSessionInfo(), 0)
	h.media.videoErr = apperrors.DeviceUnavailableError(assert.AnError)
	h.media.audioErr = apperrors.DeviceUnavailableError(assert.AnError)

	err := h.ctrl.Run(context.Background())

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeDeviceUnavailable))
	assert.Equal(t, CallError, h.ctrl.State())

	// The start was already recorded, so the row is closed out rather
	// than left active with nobody in the call
	assert.Equal(t, 1, h.api.endCount())
	assert.Equal(t, 0, h.api.lastDuration())
}

func TestRun_DialFailureClosesStartedSession(t *testing.T) {
	h := newHarness(t, activeSessionInfo(), 0)
	h.ctrl.dial = func(ctx context.Context) (signalingConn, error) {
		return nil, apperrors.SignalingUnavailableError(assert.AnError)
	}

	err := h.ctrl.Run(context.Background())

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeSignalingUnavailable))
	assert.Equal(t, CallError, h.ctrl.State())
	assert.Equal(t, 1, h.api.startCount())
	assert.Equal(t, 1, h.api.endCount())
	assert.Equal(t, 0, h.api.lastDuration())
	assert.Equal(t, 1, h.media.releaseCount())
}

func TestNegotiationStartsOnce(t *testing.T) {
	h := newHarness(t, activeSessionInfo(), 0)
	require.NoError(t, h.ctrl.Run(context.Background()))
	defer h.ctrl.EndCall()

	// Both triggers race in real calls; only one offer may result
	h.sig.events <- &signal.Envelope{Type: signal.TypePeerAlreadyPresent}
	h.sig.events <- &signal.Envelope{Type: signal.TypePeerJoined}

	assert.Eventually(t, func() bool { return h.sig.signalCount() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.sig.signalCount())
}

func TestChatEchoAppendsTranscript(t *testing.T) {
	session := activeSessionInfo()
	h := newHarness(t, session, 0)
	require.NoError(t, h.ctrl.Run(context.Background()))
	defer h.ctrl.EndCall()

	require.NoError(t, h.ctrl.SendChat("hello"))

	// Server echo carries the sender id; own messages are flagged
	h.sig.events <- &signal.Envelope{
		Type:     signal.TypeChatMessage,
		SenderID: session.PatientID,
		Body:     "hello",
	}
	h.sig.events <- &signal.Envelope{
		Type:     signal.TypeChatMessage,
		SenderID: session.ClinicianID,
		Body:     "hi there",
	}

	assert.Eventually(t, func() bool { return h.ctrl.Transcript().Len() == 2 }, time.Second, 5*time.Millisecond)
	msgs := h.ctrl.Transcript().Messages()
	assert.True(t, msgs[0].Own)
	assert.False(t, msgs[1].Own)
	assert.Equal(t, "hello", msgs[0].Body)
}

func TestEndCall_Idempotent(t *testing.T) {
	h := newHarness(t, activeSessionInfo(), 0)
	require.NoError(t, h.ctrl.Run(context.Background()))

	h.ctrl.handlePeerState(StateConnected)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.ctrl.EndCall()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.api.endCount())
	assert.Equal(t, 1, h.media.releaseCount())
	assert.True(t, h.sig.left)
	assert.True(t, h.sig.closed)
	assert.Equal(t, CallEnded, h.ctrl.State())
}

func TestEndCall_PersistFailureStillCleansUp(t *testing.T) {
	h := newHarness(t, activeSessionInfo(), 0)
	require.NoError(t, h.ctrl.Run(context.Background()))
	h.api.endErr = assert.AnError

	h.ctrl.EndCall()

	assert.Equal(t, 1, h.media.releaseCount())
	assert.True(t, h.sig.closed)
	assert.True(t, h.conn.closed)
	assert.Equal(t, CallEnded, h.ctrl.State())
}

func TestDisconnectGraceEscalatesToEnd(t *testing.T) {
	h := newHarness(t, activeSessionInfo(), 30*time.Millisecond)
	require.NoError(t, h.ctrl.Run(context.Background()))

	h.ctrl.handlePeerState(StateConnected)
	h.ctrl.handlePeerState(StateDisconnected)

	select {
	case <-h.ctrl.Done():
	case <-time.After(time.Second):
		t.Fatal("call did not end after grace period")
	}
	assert.Equal(t, 1, h.api.endCount())
	assert.Equal(t, CallEnded, h.ctrl.State())
}

func TestDisconnectRecoveryCancelsForcedEnd(t *testing.T) {
	h := newHarness(t, activeSessionInfo(), 60*time.Millisecond)
	require.NoError(t, h.ctrl.Run(context.Background()))
	defer h.ctrl.EndCall()

	h.ctrl.handlePeerState(StateConnected)
	h.ctrl.handlePeerState(StateDisconnected)
	time.Sleep(10 * time.Millisecond)
	h.ctrl.handlePeerState(StateConnected)

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 0, h.api.endCount())
	assert.Equal(t, CallActive, h.ctrl.State())
}

func TestPeerLeftForcesEndAfterGrace(t *testing.T) {
	h := newHarness(t, activeSessionInfo(), 20*time.Millisecond)
	require.NoError(t, h.ctrl.Run(context.Background()))

	h.ctrl.handlePeerState(StateConnected)
	h.sig.events <- &signal.Envelope{Type: signal.TypePeerLeft}

	select {
	case <-h.ctrl.Done():
	case <-time.After(time.Second):
		t.Fatal("call did not end after peer left")
	}
	assert.Equal(t, 1, h.api.endCount())
}

func TestScreenShareLifecycle(t *testing.T) {
	h := newHarness(t, activeSessionInfo(), 0)
	require.NoError(t, h.ctrl.Run(context.Background()))
	defer h.ctrl.EndCall()

	require.NoError(t, h.ctrl.StartScreenShare())
	h.ctrl.mu.Lock()
	peer := h.ctrl.peer
	h.ctrl.mu.Unlock()
	assert.True(t, peer.Sharing())

	require.NoError(t, h.ctrl.StopScreenShare())
	assert.False(t, peer.Sharing())
}
