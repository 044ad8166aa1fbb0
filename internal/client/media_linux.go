//go:build linux && cgo

package client

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	apperrors "teleconsult-backend/pkg/errors"
	"teleconsult-backend/pkg/logger"
)

// captureSource captures camera, microphone and screen via
// pion/mediadevices (V4L2 and malgo on Linux), encoding VP8 and Opus
type captureSource struct {
	selector *mediadevices.CodecSelector
}

// NewMediaSource builds the Linux capture source
func NewMediaSource() (MediaSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, apperrors.DeviceUnavailableError(err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, apperrors.DeviceUnavailableError(err)
	}

	return &captureSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// NewPeerConnection builds a transport populated with the capture codecs
func (s *captureSource) NewPeerConnection() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	s.selector.Populate(mediaEngine)

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

// Acquire opens camera and/or microphone as one capture stream
func (s *captureSource) Acquire(video, audio bool) (*LocalMedia, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only. Some cameras expose an MJPEG node that
			// produces malformed frames and poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	if audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, apperrors.DeviceUnavailableError(err)
	}

	tracks := stream.GetTracks()
	media := &LocalMedia{
		release: func() {
			for _, t := range tracks {
				t.Close()
			}
		},
	}
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				logger.Debug("Local track ended", zap.Error(err))
			}
		})
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			media.AudioTrack = track
		case webrtc.RTPCodecTypeVideo:
			media.VideoTrack = track
		}
	}

	logger.Info("Local media captured",
		zap.Bool("video", media.VideoTrack != nil),
		zap.Bool("audio", media.AudioTrack != nil))

	return media, nil
}

// AcquireScreen opens a screen capture track for share mode
func (s *captureSource) AcquireScreen() (webrtc.TrackLocal, func(), error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: s.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, nil, apperrors.DeviceUnavailableError(err)
	}

	tracks := stream.GetTracks()
	stop := func() {
		for _, t := range tracks {
			t.Close()
		}
	}
	for _, track := range tracks {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			return track, stop, nil
		}
	}

	stop()
	return nil, nil, apperrors.DeviceUnavailableError(fmt.Errorf("display capture produced no video track"))
}
