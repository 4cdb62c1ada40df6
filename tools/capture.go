package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	realtime "github.com/bt-bridge/realtime-session"
	"github.com/bt-bridge/realtime-session/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

const defaultFrameDuration = 20 * time.Millisecond

// Microphone is the production AudioCapture collaborator, backed by the host
// microphone through pion/mediadevices with an Opus encoder.
type Microphone struct {
	logger        shared.LoggerAdapter
	frameDuration time.Duration
}

var _ realtime.AudioCapture = (*Microphone)(nil)

func NewMicrophone(logger shared.LoggerAdapter) (*Microphone, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Microphone{
		logger:        logger,
		frameDuration: defaultFrameDuration,
	}, nil
}

// Acquire opens the microphone with the requested settings. Echo
// cancellation, noise suppression, and gain control ride on the platform
// driver; sample rate is applied as a capture constraint.
func (m *Microphone) Acquire(settings realtime.AudioSettings) (realtime.AudioSource, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	sampleRate := settings.SampleRate
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(sampleRate)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("getting microphone stream: %w", err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, errors.New("no audio track found in microphone stream")
	}
	return &micSource{
		logger:        m.logger,
		track:         tracks[0],
		frameDuration: time.Duration(opusParams.Latency),
	}, nil
}

// micSource is a live local microphone track attached to one peer
// connection for the session's lifetime.
type micSource struct {
	logger        shared.LoggerAdapter
	track         mediadevices.Track
	local         *webrtc.TrackLocalStaticSample
	frameDuration time.Duration
	closeOnce     sync.Once
}

func (s *micSource) AddTo(pc *webrtc.PeerConnection) error {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio",
		"mic",
	)
	if err != nil {
		return fmt.Errorf("creating local audio track: %w", err)
	}
	if _, err := pc.AddTrack(local); err != nil {
		return fmt.Errorf("adding audio track to peer connection: %w", err)
	}
	s.local = local
	return nil
}

func (s *micSource) Start(ctx context.Context) {
	if s.local == nil {
		s.logger.Warn("audio source started before being attached")
		return
	}
	StreamLocalAudio(ctx, s.logger, s.local, s.track, s.frameDuration)
}

func (s *micSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.track.Close()
	})
	if err != nil {
		return fmt.Errorf("closing microphone track: %w", err)
	}
	return nil
}
