package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCapture struct {
	calls int
	err   error
	src   *fakeAudioSource
}

func (f *fakeCapture) Acquire(settings AudioSettings) (AudioSource, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.src == nil {
		f.src = &fakeAudioSource{}
	}
	return f.src, nil
}

type fakeAudioSource struct {
	added   bool
	started bool
	closed  int
}

func (s *fakeAudioSource) AddTo(pc *webrtc.PeerConnection) error {
	s.added = true
	return nil
}

func (s *fakeAudioSource) Start(ctx context.Context) {
	s.started = true
}

func (s *fakeAudioSource) Close() error {
	s.closed++
	return nil
}

func newTestController(t *testing.T, capture AudioCapture) (*Controller, *Store) {
	t.Helper()
	logger := shared.NewNopLogger()
	store := NewStore()
	emitter := NewEmitter[Event](logger)
	dispatcher, err := NewDispatcher(logger, store, emitter)
	require.NoError(t, err)
	signaling, err := NewSignalingClient(logger)
	require.NoError(t, err)
	c, err := NewController(logger, store, dispatcher, signaling, capture, ControllerOptions{})
	require.NoError(t, err)
	return c, store
}

func textConfig() *SessionConfig {
	return &SessionConfig{
		ID:           "sess-1",
		Model:        "gpt-realtime",
		ClientSecret: "ephemeral-token",
		Modalities:   []Modality{ModalityText},
		// Nothing listens here; the handshake must fail fast.
		ApiUrl: "http://127.0.0.1:1",
	}
}

func TestICEStateMapping(t *testing.T) {
	tests := []struct {
		name     string
		state    webrtc.ICEConnectionState
		expected ConnectionStatus
	}{
		{"checking", webrtc.ICEConnectionStateChecking, StatusConnecting},
		{"connected", webrtc.ICEConnectionStateConnected, StatusConnected},
		{"completed", webrtc.ICEConnectionStateCompleted, StatusConnected},
		{"disconnected", webrtc.ICEConnectionStateDisconnected, StatusDisconnected},
		{"failed", webrtc.ICEConnectionStateFailed, StatusFailed},
		{"closed", webrtc.ICEConnectionStateClosed, StatusClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, store := newTestController(t, nil)
			c.afterFunc = func(d time.Duration, fn func()) *time.Timer {
				return time.NewTimer(time.Hour)
			}
			store.Dispatch(ActionInitSession{ID: "sess-1", Modalities: []Modality{ModalityText}})
			c.handleICEState(c.gen, tt.state)
			assert.Equal(t, tt.expected, store.Session().ConnectionStatus)
		})
	}
}

func TestICEConnectedClearsEstablishmentTimer(t *testing.T) {
	c, store := newTestController(t, nil)
	store.Dispatch(ActionInitSession{ID: "sess-1", Modalities: []Modality{ModalityText}})
	c.connectTimer = time.AfterFunc(time.Hour, func() {})
	c.handleICEState(c.gen, webrtc.ICEConnectionStateConnected)
	assert.Nil(t, c.connectTimer)
	snap := store.Session()
	assert.Equal(t, StatusConnected, snap.ConnectionStatus)
	assert.False(t, snap.StartTime.IsZero())
}

func TestStaleGenerationCallbackDiscarded(t *testing.T) {
	c, store := newTestController(t, nil)
	store.Dispatch(ActionInitSession{ID: "sess-1", Modalities: []Modality{ModalityText}})
	c.handleICEState(c.gen+1, webrtc.ICEConnectionStateConnected)
	assert.Equal(t, StatusConnecting, store.Session().ConnectionStatus)
}

func TestReconnectScheduledExactlyOnce(t *testing.T) {
	c, store := newTestController(t, nil)
	var scheduled []func()
	c.afterFunc = func(d time.Duration, fn func()) *time.Timer {
		scheduled = append(scheduled, fn)
		return time.NewTimer(time.Hour)
	}
	store.Dispatch(ActionInitSession{ID: "sess-1", Modalities: []Modality{ModalityText}})

	c.handleICEState(c.gen, webrtc.ICEConnectionStateDisconnected)
	assert.Equal(t, StatusDisconnected, store.Session().ConnectionStatus)
	assert.Len(t, scheduled, 1)

	// Oscillation inside the delay window must not stack attempts.
	c.handleICEState(c.gen, webrtc.ICEConnectionStateConnected)
	c.handleICEState(c.gen, webrtc.ICEConnectionStateDisconnected)
	assert.Len(t, scheduled, 1)
}

func TestDisconnectedStatusPrecedesReconnectTimer(t *testing.T) {
	c, store := newTestController(t, nil)
	var statusWhenArmed ConnectionStatus
	c.afterFunc = func(d time.Duration, fn func()) *time.Timer {
		statusWhenArmed = store.Session().ConnectionStatus
		return time.NewTimer(time.Hour)
	}
	store.Dispatch(ActionInitSession{ID: "sess-1", Modalities: []Modality{ModalityText}})

	c.handleICEState(c.gen, webrtc.ICEConnectionStateDisconnected)
	assert.Equal(t, StatusDisconnected, statusWhenArmed)
}

func TestReconnectAttemptFailureLeavesState(t *testing.T) {
	c, store := newTestController(t, nil)
	var scheduled []func()
	c.afterFunc = func(d time.Duration, fn func()) *time.Timer {
		scheduled = append(scheduled, fn)
		return time.NewTimer(time.Hour)
	}
	store.Dispatch(ActionInitSession{ID: "sess-1", Modalities: []Modality{ModalityText}})

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer func() { _ = pc.Close() }()
	c.pc = pc
	c.cfg = textConfig()
	c.ctx = context.Background()

	c.handleICEState(c.gen, webrtc.ICEConnectionStateDisconnected)
	require.Len(t, scheduled, 1)
	scheduled[0]()

	// The exchange is refused; the attempt logs and leaves the state as-is.
	assert.Equal(t, StatusReconnecting, store.Session().ConnectionStatus)
	assert.False(t, c.reconnecting)
}

func TestStaleReconnectAttemptDiscarded(t *testing.T) {
	c, store := newTestController(t, nil)
	store.Dispatch(ActionInitSession{ID: "sess-1", Modalities: []Modality{ModalityText}})
	c.attemptReconnect(c.gen + 1)
	assert.Equal(t, StatusConnecting, store.Session().ConnectionStatus)
}

func TestEstablishmentTimeout(t *testing.T) {
	c, store := newTestController(t, nil)
	store.Dispatch(ActionInitSession{ID: "sess-1", Modalities: []Modality{ModalityText}})
	c.connectTimer = time.AfterFunc(time.Hour, func() {})
	c.cfg = textConfig()

	c.handleEstablishmentTimeout(c.gen)
	assert.Equal(t, StatusFailed, store.Session().ConnectionStatus)
	assert.Nil(t, c.connectTimer)
	assert.Nil(t, c.pc)
	assert.Nil(t, c.dc)
}

func TestChannelOpenMarksConnected(t *testing.T) {
	c, store := newTestController(t, nil)
	store.Dispatch(ActionInitSession{ID: "sess-1", Modalities: []Modality{ModalityText}})
	c.connectTimer = time.AfterFunc(time.Hour, func() {})
	opened := false
	c.SetChannelOpenHandler(func() { opened = true })

	c.handleChannelOpen(c.gen)
	snap := store.Session()
	assert.Equal(t, StatusConnected, snap.ConnectionStatus)
	assert.False(t, snap.StartTime.IsZero())
	assert.Nil(t, c.connectTimer)
	assert.True(t, opened)
}

func TestSessionEndHandlerOnChannelClose(t *testing.T) {
	c, store := newTestController(t, nil)
	store.Dispatch(ActionInitSession{ID: "sess-1", Modalities: []Modality{ModalityText}})
	ended := 0
	c.SetSessionEndHandler(func() { ended++ })

	gen := c.gen
	c.handleChannelClose(gen)
	assert.Equal(t, 1, ended)
	assert.Equal(t, StatusClosed, store.Session().ConnectionStatus)

	// The close bumped the generation; a late duplicate is discarded.
	c.handleChannelClose(gen)
	assert.Equal(t, 1, ended)
}

func TestSessionEndHandlerOnICEFailure(t *testing.T) {
	c, store := newTestController(t, nil)
	store.Dispatch(ActionInitSession{ID: "sess-1", Modalities: []Modality{ModalityText}})
	ended := 0
	c.SetSessionEndHandler(func() { ended++ })

	c.handleICEState(c.gen, webrtc.ICEConnectionStateFailed)
	assert.Equal(t, 1, ended)
	assert.Equal(t, StatusFailed, store.Session().ConnectionStatus)
}

func TestSessionEndHandlerOnEstablishmentTimeout(t *testing.T) {
	c, store := newTestController(t, nil)
	store.Dispatch(ActionInitSession{ID: "sess-1", Modalities: []Modality{ModalityText}})
	c.connectTimer = time.AfterFunc(time.Hour, func() {})
	ended := 0
	c.SetSessionEndHandler(func() { ended++ })

	c.handleEstablishmentTimeout(c.gen)
	assert.Equal(t, 1, ended)
}

func TestSessionEndHandlerNotFiredByDisconnect(t *testing.T) {
	c, store := newTestController(t, nil)
	store.Dispatch(ActionInitSession{ID: "sess-1", Modalities: []Modality{ModalityText}})
	ended := 0
	c.SetSessionEndHandler(func() { ended++ })

	c.Disconnect()
	assert.Zero(t, ended)
	assert.Equal(t, StatusClosed, store.Session().ConnectionStatus)
}

func TestConnectTextOnlyNeverTouchesCapture(t *testing.T) {
	capture := &fakeCapture{}
	c, store := newTestController(t, capture)

	err := c.Connect(context.Background(), textConfig(), nil)
	require.Error(t, err)
	assert.Zero(t, capture.calls)
	// A failed initial connect leaves no session behind.
	assert.Nil(t, store.Session())
}

func TestConnectCaptureFailureIsFatal(t *testing.T) {
	capture := &fakeCapture{err: errors.New("device busy")}
	c, store := newTestController(t, capture)

	cfg := textConfig()
	cfg.Modalities = []Modality{ModalityText, ModalityAudio}
	err := c.Connect(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrMicrophoneAccess)
	assert.Equal(t, 1, capture.calls)
	assert.Nil(t, store.Session())
}

func TestConnectAudioHandshakeFailureClosesSource(t *testing.T) {
	capture := &fakeCapture{}
	c, store := newTestController(t, capture)

	cfg := textConfig()
	cfg.Modalities = []Modality{ModalityAudio}
	err := c.Connect(context.Background(), cfg, nil)
	require.Error(t, err)
	require.NotNil(t, capture.src)
	assert.True(t, capture.src.added)
	assert.GreaterOrEqual(t, capture.src.closed, 1)
	assert.Nil(t, store.Session())
}

func TestConnectValidation(t *testing.T) {
	c, _ := newTestController(t, nil)
	tests := []struct {
		name     string
		mutate   func(cfg *SessionConfig)
		expected error
	}{
		{"missing id", func(cfg *SessionConfig) { cfg.ID = "" }, shared.ErrNoSessionID},
		{"missing secret", func(cfg *SessionConfig) { cfg.ClientSecret = "" }, shared.ErrNoClientSecret},
		{"missing modalities", func(cfg *SessionConfig) { cfg.Modalities = nil }, shared.ErrNoModalities},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := textConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, c.Connect(context.Background(), cfg, nil), tt.expected)
		})
	}
	assert.ErrorIs(t, c.Connect(context.Background(), nil, nil), shared.ErrNoConfig)
}

func TestDisconnectIdempotent(t *testing.T) {
	c, store := newTestController(t, nil)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	c.now = func() time.Time { return end }

	store.Dispatch(ActionInitSession{ID: "sess-1", Modalities: []Modality{ModalityText}})
	store.Dispatch(ActionSetStartTime{StartTime: start})

	c.Disconnect()
	snap := store.Session()
	assert.Equal(t, StatusClosed, snap.ConnectionStatus)
	assert.Equal(t, end, snap.EndTime)
	assert.Equal(t, 90.0, snap.Duration)

	// A later second disconnect must not move the end time.
	c.now = func() time.Time { return end.Add(time.Hour) }
	assert.NotPanics(t, c.Disconnect)
	snap = store.Session()
	assert.Equal(t, end, snap.EndTime)
	assert.Equal(t, 90.0, snap.Duration)
}

func TestDisconnectWithoutSession(t *testing.T) {
	c, store := newTestController(t, nil)
	assert.NotPanics(t, c.Disconnect)
	assert.Nil(t, store.Session())
}

func TestCleanupIdempotent(t *testing.T) {
	c, _ := newTestController(t, nil)
	src := &fakeAudioSource{}
	c.audio = src
	c.connectTimer = time.AfterFunc(time.Hour, func() {})
	c.Cleanup()
	c.Cleanup()
	assert.Equal(t, 1, src.closed)
	assert.Nil(t, c.audio)
	assert.Nil(t, c.connectTimer)
	assert.False(t, c.reconnecting)
}
