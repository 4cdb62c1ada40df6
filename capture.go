package realtime

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// ControlChannel is the reliable ordered side-channel carrying structured
// JSON protocol messages. *webrtc.DataChannel satisfies it; tests substitute
// fakes.
type ControlChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
	Close() error
}

var _ ControlChannel = (*webrtc.DataChannel)(nil)

// AudioCapture is the local microphone collaborator. It is consulted only
// when the session negotiates the AUDIO modality.
type AudioCapture interface {
	Acquire(settings AudioSettings) (AudioSource, error)
}

// AudioSource is a live local audio track. AddTo attaches it to the peer
// connection before the offer is built; Start begins pumping encoded frames
// once the transport is connected; Close stops the underlying track and is
// safe to call more than once.
type AudioSource interface {
	AddTo(pc *webrtc.PeerConnection) error
	Start(ctx context.Context)
	Close() error
}
