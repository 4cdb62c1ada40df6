package realtime

import (
	"context"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Manager is the public facade. It composes the state store, the connection
// controller, the protocol dispatcher, and the event registry, and is the
// explicitly constructed context object owning the session lifecycle.
type Manager struct {
	logger     shared.LoggerAdapter
	store      *Store
	emitter    *Emitter[Event]
	dispatcher *Dispatcher
	controller *Controller

	newEventId func() string
}

func NewManager(logger shared.LoggerAdapter, capture AudioCapture, opts ControllerOptions) (*Manager, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	store := NewStore()
	emitter := NewEmitter[Event](logger)
	dispatcher, err := NewDispatcher(logger, store, emitter)
	if err != nil {
		return nil, err
	}
	signaling, err := NewSignalingClient(logger)
	if err != nil {
		return nil, err
	}
	controller, err := NewController(logger, store, dispatcher, signaling, capture, opts)
	if err != nil {
		return nil, err
	}
	return &Manager{
		logger:     logger,
		store:      store,
		emitter:    emitter,
		dispatcher: dispatcher,
		controller: controller,
		newEventId: uuid.NewString,
	}, nil
}

// SetRemoteTrackHandler registers the collaborator that consumes inbound
// audio tracks (playback). Must be called before Connect.
func (m *Manager) SetRemoteTrackHandler(handler func(track *webrtc.TrackRemote)) {
	m.controller.SetRemoteTrackHandler(handler)
}

// SetChannelOpenHandler registers a hook invoked once the control channel
// opens; useful for pushing an initial session.update or greeting. Must be
// called before Connect.
func (m *Manager) SetChannelOpenHandler(handler func()) {
	m.controller.SetChannelOpenHandler(handler)
}

// SetSessionEndHandler registers a hook invoked when the transport ends the
// session on its own; an external Disconnect does not fire it. Must be called
// before Connect.
func (m *Manager) SetSessionEndHandler(handler func()) {
	m.controller.SetSessionEndHandler(handler)
}

// Connect establishes a new session per cfg, replacing any prior session.
// handler may be nil when the session never requests function calls.
func (m *Manager) Connect(ctx context.Context, cfg *SessionConfig, handler FunctionCallHandler) error {
	return m.controller.Connect(ctx, cfg, handler)
}

// Disconnect tears the session down, records the end time and duration, and
// marks the session CLOSED. Calling it with no active session is a no-op.
func (m *Manager) Disconnect() {
	m.controller.Disconnect()
}

// Session returns a copy of the current session snapshot, nil when none.
func (m *Manager) Session() *Session {
	return m.store.Session()
}

func (m *Manager) On(eventType EventType, fn Listener[Event]) {
	m.emitter.On(eventType, fn)
}

func (m *Manager) Off(eventType EventType, fn ...Listener[Event]) {
	m.emitter.Off(eventType, fn...)
}

// SendClientEvent delivers event over the control channel. A missing
// event_id gets a freshly generated one; a caller-supplied id is preserved
// verbatim. When the channel is not open the event is logged and dropped --
// never buffered, never an error to the caller.
func (m *Manager) SendClientEvent(event *ClientEvent) {
	dc := m.controller.ControlChannel()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		m.logger.Warn(
			"dropping client event: control channel is not open",
			zap.String("type", string(event.Type)),
		)
		return
	}
	if event.EventId == "" {
		event.EventId = m.newEventId()
	}
	payload, err := event.MarshalJSON()
	if err != nil {
		m.logger.Error("marshaling client event", err, zap.String("type", string(event.Type)))
		return
	}
	if err := dc.Send(payload); err != nil {
		m.logger.Error("sending client event", err, zap.String("type", string(event.Type)))
		return
	}
	m.logger.Trace(
		"sent client event",
		zap.String("type", string(event.Type)),
		zap.String("event_id", event.EventId),
	)
}

// SendTextMessage creates a user message item carrying text.
func (m *Manager) SendTextMessage(text string) {
	m.SendClientEvent(NewTextMessageEvent(text))
}

// CreateResponse asks the model to produce a response; overrides may be nil.
func (m *Manager) CreateResponse(overrides map[string]any) {
	m.SendClientEvent(NewResponseCreateEvent(overrides))
}

// SendAudioChunk appends base64 PCM16 audio to the input buffer.
func (m *Manager) SendAudioChunk(audioB64 string) {
	m.SendClientEvent(NewAudioAppendEvent(audioB64))
}

// CommitAudioBuffer closes the current user audio turn.
func (m *Manager) CommitAudioBuffer() {
	m.SendClientEvent(NewAudioCommitEvent())
}

// UpdateSession pushes a partial session configuration to the service.
func (m *Manager) UpdateSession(session map[string]any) {
	m.SendClientEvent(NewSessionUpdateEvent(session))
}
