//go:build !linux || !cgo

package client

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	apperrors "teleconsult-backend/pkg/errors"
)

// recvOnlySource is used on platforms without pion/mediadevices driver
// support. The transport still works; capture always fails with
// DEVICE_UNAVAILABLE and the controller surfaces it.
type recvOnlySource struct{}

// NewMediaSource builds the non-Linux transport-only source
func NewMediaSource() (MediaSource, error) {
	return &recvOnlySource{}, nil
}

func (s *recvOnlySource) NewPeerConnection() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{stunServerURL()}},
		},
	})
}

func (s *recvOnlySource) Acquire(video, audio bool) (*LocalMedia, error) {
	return nil, apperrors.DeviceUnavailableError(
		fmt.Errorf("media capture is not supported on this platform"))
}

func (s *recvOnlySource) AcquireScreen() (webrtc.TrackLocal, func(), error) {
	return nil, nil, apperrors.DeviceUnavailableError(
		fmt.Errorf("screen capture is not supported on this platform"))
}
