package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout = 15 * time.Second
	defaultReconnectDelay = 2 * time.Second

	controlChannelLabel = "oai"
)

type ControllerOptions struct {
	// ConnectTimeout bounds connection establishment; when it fires before
	// the transport reaches connected, the session is failed and cleaned up.
	ConnectTimeout time.Duration
	// ReconnectDelay is the fixed wait between an ICE disconnect and the
	// single reconnection attempt.
	ReconnectDelay time.Duration
}

// Controller owns the transport lifecycle: local media acquisition, the
// WebRTC negotiation state machine, the establishment timeout, and the
// reconnection policy. It is the exclusive owner of the peer connection,
// data channel, and audio source; their only direct mutation happens in the
// teardown routine.
type Controller struct {
	logger     shared.LoggerAdapter
	store      *Store
	dispatcher *Dispatcher
	signaling  *SignalingClient
	capture    AudioCapture

	connectTimeout time.Duration
	reconnectDelay time.Duration

	mu           sync.Mutex
	gen          uint64
	cfg          *SessionConfig
	pc           *webrtc.PeerConnection
	dc           ControlChannel
	audio        AudioSource
	connectTimer *time.Timer
	reconnecting bool
	audioStarted bool
	ctx          context.Context
	cancel       context.CancelFunc

	remoteTrackHandler func(track *webrtc.TrackRemote)
	channelOpenHandler func()
	sessionEndHandler  func()

	// Test seams; production values are set by the constructor.
	newPeerConnection func() (*webrtc.PeerConnection, error)
	afterFunc         func(d time.Duration, fn func()) *time.Timer
	now               func() time.Time
}

// SetRemoteTrackHandler registers the collaborator receiving inbound audio
// tracks. Must be set before Connect.
func (c *Controller) SetRemoteTrackHandler(handler func(track *webrtc.TrackRemote)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteTrackHandler = handler
}

// SetChannelOpenHandler registers a hook invoked once the control channel
// opens. Must be set before Connect.
func (c *Controller) SetChannelOpenHandler(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelOpenHandler = handler
}

// SetSessionEndHandler registers a hook invoked when the transport ends the
// session on its own: remote channel close, terminal ICE state, or the
// establishment timeout. An external Disconnect does not fire it.
func (c *Controller) SetSessionEndHandler(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionEndHandler = handler
}

func (c *Controller) notifySessionEnd() {
	c.mu.Lock()
	handler := c.sessionEndHandler
	c.mu.Unlock()
	if handler != nil {
		handler()
	}
}

func NewController(
	logger shared.LoggerAdapter,
	store *Store,
	dispatcher *Dispatcher,
	signaling *SignalingClient,
	capture AudioCapture,
	opts ControllerOptions,
) (*Controller, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	return &Controller{
		logger:         logger,
		store:          store,
		dispatcher:     dispatcher,
		signaling:      signaling,
		capture:        capture,
		connectTimeout: opts.ConnectTimeout,
		reconnectDelay: opts.ReconnectDelay,
		newPeerConnection: func() (*webrtc.PeerConnection, error) {
			return webrtc.NewPeerConnection(webrtc.Configuration{})
		},
		afterFunc: time.AfterFunc,
		now:       time.Now,
	}, nil
}

// Connect establishes a new session, replacing any prior one wholesale. It
// returns once the offer/answer handshake is posted; the connected status
// arrives asynchronously through the connectivity state machine. Failures
// before the session is live (media acquisition, initial handshake) are
// returned to the caller and leave no session behind.
func (c *Controller) Connect(ctx context.Context, cfg *SessionConfig, handler FunctionCallHandler) error {
	if cfg == nil {
		return shared.ErrNoConfig
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.cleanupLocked()
	gen := c.gen
	sessionCtx, cancel := context.WithCancel(ctx)
	c.ctx = sessionCtx
	c.cancel = cancel
	c.cfg = cfg
	c.mu.Unlock()

	if c.dispatcher != nil {
		c.dispatcher.SetFunctionCallHandler(handler)
	}
	c.store.Dispatch(ActionInitSession{ID: cfg.ID, Modalities: cfg.Modalities})

	var audio AudioSource
	if cfg.wantsAudio() {
		if c.capture == nil {
			c.store.Clear()
			return shared.ErrNoAudioCapture
		}
		settings := DefaultAudioSettings()
		if cfg.Audio != nil {
			settings = *cfg.Audio
		}
		src, err := c.capture.Acquire(settings)
		if err != nil {
			c.store.Clear()
			return fmt.Errorf("%w: %w", shared.ErrMicrophoneAccess, err)
		}
		audio = src
	}

	pc, err := c.newPeerConnection()
	if err != nil {
		c.abortConnect(gen, audio)
		return fmt.Errorf("creating peer connection: %w", err)
	}
	dc, err := pc.CreateDataChannel(controlChannelLabel, nil)
	if err != nil {
		_ = pc.Close()
		c.abortConnect(gen, audio)
		return fmt.Errorf("creating data channel: %w", err)
	}
	if audio != nil {
		if err := audio.AddTo(pc); err != nil {
			_ = pc.Close()
			c.abortConnect(gen, audio)
			return fmt.Errorf("attaching local audio: %w", err)
		}
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.handleICEState(gen, state)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.mu.Lock()
		handler := c.remoteTrackHandler
		live := gen == c.gen
		c.mu.Unlock()
		if live && handler != nil && track.Kind() == webrtc.RTPCodecTypeAudio {
			go handler(track)
		}
	})
	dc.OnOpen(func() {
		c.handleChannelOpen(gen)
	})
	dc.OnClose(func() {
		c.handleChannelClose(gen)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			c.logger.Warn("received non-string message on control channel")
			return
		}
		c.dispatcher.Dispatch(msg.Data)
	})

	c.mu.Lock()
	if gen != c.gen {
		// Another connect or teardown raced us; abandon this transport.
		c.mu.Unlock()
		_ = pc.Close()
		if audio != nil {
			_ = audio.Close()
		}
		return shared.ErrSessionActive
	}
	c.pc = pc
	c.dc = dc
	c.audio = audio
	c.connectTimer = c.afterFunc(c.connectTimeout, func() {
		c.handleEstablishmentTimeout(gen)
	})
	c.mu.Unlock()

	c.store.Dispatch(ActionAttachTransport{PeerConnection: pc, DataChannel: dc, Audio: audio})
	if audio != nil {
		c.store.Dispatch(ActionSetAudio{HasAudio: true})
	}

	if err := c.handshake(sessionCtx, pc, cfg, false); err != nil {
		c.Cleanup()
		c.store.Clear()
		return err
	}
	return nil
}

// handshake builds an offer, posts it through the signaling client, and
// applies the answer. With iceRestart set it produces an ICE-restart offer
// for the reconnection path.
func (c *Controller) handshake(ctx context.Context, pc *webrtc.PeerConnection, cfg *SessionConfig, iceRestart bool) error {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	answer, err := c.signaling.Exchange(ctx, offer.SDP, cfg.Model, cfg.apiUrlOrDefault(), cfg.ClientSecret)
	if err != nil {
		return fmt.Errorf("exchanging offer: %w", err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

// handleICEState maps transport connectivity onto the session status. Stale
// generations (a delayed callback after teardown or a newer connect) are
// discarded.
func (c *Controller) handleICEState(gen uint64, state webrtc.ICEConnectionState) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.logger.Trace("ice connection state changed", zap.String("state", state.String()))
	switch state {
	case webrtc.ICEConnectionStateChecking:
		c.mu.Unlock()
		c.store.Dispatch(ActionSetStatus{Status: StatusConnecting})
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		c.markConnectedLocked()
		c.mu.Unlock()
	case webrtc.ICEConnectionStateDisconnected:
		// Dispatch before arming the timer so observers never see the
		// reconnect attempt's RECONNECTING ahead of DISCONNECTED.
		c.store.Dispatch(ActionSetStatus{Status: StatusDisconnected})
		c.scheduleReconnectLocked(gen)
		c.mu.Unlock()
	case webrtc.ICEConnectionStateFailed:
		c.stopConnectTimerLocked()
		c.cleanupLocked()
		c.mu.Unlock()
		c.store.Dispatch(ActionSetStatus{Status: StatusFailed})
		c.notifySessionEnd()
	case webrtc.ICEConnectionStateClosed:
		c.stopConnectTimerLocked()
		c.cleanupLocked()
		c.mu.Unlock()
		c.store.Dispatch(ActionSetStatus{Status: StatusClosed})
		c.notifySessionEnd()
	default:
		c.mu.Unlock()
	}
}

// markConnectedLocked stops the establishment timer, records the start time
// once, and starts the audio pump on the first transition to connected.
func (c *Controller) markConnectedLocked() {
	c.stopConnectTimerLocked()
	if c.audio != nil && !c.audioStarted {
		c.audioStarted = true
		go c.audio.Start(c.ctx)
	}
	c.store.Dispatch(ActionSetStatus{Status: StatusConnected})
	if snap := c.store.Session(); snap != nil && snap.StartTime.IsZero() {
		c.store.Dispatch(ActionSetStartTime{StartTime: c.now()})
	}
}

func (c *Controller) handleChannelOpen(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.logger.Info("control channel opened")
	c.markConnectedLocked()
	handler := c.channelOpenHandler
	c.mu.Unlock()
	if handler != nil {
		handler()
	}
}

func (c *Controller) handleChannelClose(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.logger.Info("control channel closed")
	c.Disconnect()
	c.notifySessionEnd()
}

// scheduleReconnectLocked arms the single delayed reconnection attempt. At
// most one attempt is in flight per session; further disconnects inside the
// delay window are absorbed.
func (c *Controller) scheduleReconnectLocked(gen uint64) {
	if c.reconnecting {
		return
	}
	c.reconnecting = true
	c.afterFunc(c.reconnectDelay, func() {
		c.attemptReconnect(gen)
	})
}

func (c *Controller) attemptReconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.pc == nil {
		c.reconnecting = false
		c.mu.Unlock()
		return
	}
	pc := c.pc
	cfg := c.cfg
	ctx := c.ctx
	c.mu.Unlock()

	c.store.Dispatch(ActionSetStatus{Status: StatusReconnecting})
	c.logger.Info("attempting reconnection")
	err := c.handshake(ctx, pc, cfg, true)

	c.mu.Lock()
	if gen == c.gen {
		c.reconnecting = false
	}
	c.mu.Unlock()

	if err != nil {
		// Best effort only: the session stays where the state machine left
		// it until a later connectivity change or an external disconnect.
		c.logger.Error("reconnection attempt failed", err)
	}
}

func (c *Controller) handleEstablishmentTimeout(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.connectTimer == nil {
		c.mu.Unlock()
		return
	}
	sessionID := ""
	if c.cfg != nil {
		sessionID = c.cfg.ID
	}
	c.connectTimer = nil
	c.cleanupLocked()
	c.mu.Unlock()
	c.logger.Error(
		"connection establishment timed out",
		&shared.EstablishmentTimeoutError{SessionID: sessionID},
	)
	c.store.Dispatch(ActionSetStatus{Status: StatusFailed})
	c.notifySessionEnd()
}

// ControlChannel returns the live control channel, nil when not connected.
func (c *Controller) ControlChannel() ControlChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dc
}

// Disconnect tears the transport down and closes the session snapshot. It is
// idempotent and a safe no-op with no active session.
func (c *Controller) Disconnect() {
	c.Cleanup()
	c.store.Dispatch(ActionEndSession{EndTime: c.now()})
}

// Cleanup releases every owned transport handle. Safe to call repeatedly and
// with no session at all.
func (c *Controller) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
}

func (c *Controller) stopConnectTimerLocked() {
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
}

// cleanupLocked is the teardown routine: the one place allowed to mutate the
// owned transport handles directly. Bumping the generation invalidates every
// delayed callback and in-flight signaling result.
func (c *Controller) cleanupLocked() {
	c.gen++
	c.stopConnectTimerLocked()
	if c.audio != nil {
		if err := c.audio.Close(); err != nil {
			c.logger.Error("closing audio source", err)
		}
		c.audio = nil
	}
	if c.dc != nil {
		if err := c.dc.Close(); err != nil {
			c.logger.Error("closing control channel", err)
		}
		c.dc = nil
	}
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			c.logger.Error("closing peer connection", err)
		}
		c.pc = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.reconnecting = false
	c.audioStarted = false
	c.cfg = nil
}

// abortConnect clears a half-built session after an early failure.
func (c *Controller) abortConnect(gen uint64, audio AudioSource) {
	if audio != nil {
		_ = audio.Close()
	}
	c.mu.Lock()
	if gen == c.gen {
		c.cleanupLocked()
	}
	c.mu.Unlock()
	c.store.Clear()
}
