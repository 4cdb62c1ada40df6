package realtime

import (
	"testing"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/pion/webrtc/v4"
)

type fakeControlChannel struct {
	state webrtc.DataChannelState
	sent  [][]byte
}

func (f *fakeControlChannel) Label() string { return "oai" }

func (f *fakeControlChannel) ReadyState() webrtc.DataChannelState { return f.state }

func (f *fakeControlChannel) Send(data []byte) error {
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeControlChannel) Close() error { return nil }

func newTestManager(t *testing.T) (*Manager, *fakeControlChannel) {
	t.Helper()
	m, err := NewManager(shared.NewNopLogger(), nil, ControllerOptions{})
	require.NoError(t, err)
	dc := &fakeControlChannel{state: webrtc.DataChannelStateOpen}
	m.controller.dc = dc
	return m, dc
}

func decodeSent(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var got map[string]any
	require.NoError(t, sonic.Unmarshal(payload, &got))
	return got
}

func TestSendClientEventAssignsEventId(t *testing.T) {
	m, dc := newTestManager(t)
	m.SendClientEvent(NewAudioCommitEvent())
	require.Len(t, dc.sent, 1)
	got := decodeSent(t, dc.sent[0])
	id, ok := got["event_id"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, id)
}

func TestSendClientEventPreservesCallerId(t *testing.T) {
	m, dc := newTestManager(t)
	event := NewAudioCommitEvent()
	event.EventId = "X"
	m.SendClientEvent(event)
	require.Len(t, dc.sent, 1)
	assert.Equal(t, "X", decodeSent(t, dc.sent[0])["event_id"])
}

func TestSendClientEventDroppedWhenChannelClosed(t *testing.T) {
	m, dc := newTestManager(t)
	dc.state = webrtc.DataChannelStateClosed
	assert.NotPanics(t, func() {
		m.SendClientEvent(NewAudioCommitEvent())
	})
	assert.Empty(t, dc.sent)
}

func TestSendClientEventDroppedWithoutChannel(t *testing.T) {
	m, _ := newTestManager(t)
	m.controller.dc = nil
	assert.NotPanics(t, func() {
		m.SendTextMessage("hello")
	})
}

func TestCommitThenResponseOrder(t *testing.T) {
	m, dc := newTestManager(t)
	m.CommitAudioBuffer()
	m.CreateResponse(nil)
	require.Len(t, dc.sent, 2)
	assert.Equal(t, "input_audio_buffer.commit", decodeSent(t, dc.sent[0])["type"])
	assert.Equal(t, "response.create", decodeSent(t, dc.sent[1])["type"])
}

func TestSendTextMessageShape(t *testing.T) {
	m, dc := newTestManager(t)
	m.SendTextMessage("hello there")
	require.Len(t, dc.sent, 1)
	got := decodeSent(t, dc.sent[0])
	assert.Equal(t, "conversation.item.create", got["type"])
	item := got["item"].(map[string]any)
	assert.Equal(t, "message", item["type"])
	assert.Equal(t, "user", item["role"])
	content := item["content"].([]any)
	require.Len(t, content, 1)
	part := content[0].(map[string]any)
	assert.Equal(t, "input_text", part["type"])
	assert.Equal(t, "hello there", part["text"])
}

func TestSendAudioChunkShape(t *testing.T) {
	m, dc := newTestManager(t)
	m.SendAudioChunk("AQD//w==")
	require.Len(t, dc.sent, 1)
	got := decodeSent(t, dc.sent[0])
	assert.Equal(t, "input_audio_buffer.append", got["type"])
	assert.Equal(t, "AQD//w==", got["audio"])
}

func TestManagerSessionNilBeforeConnect(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Nil(t, m.Session())
}

func TestManagerOnOffRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	calls := 0
	cb := func(Event) { calls++ }
	m.On(EventType(ServerEventTypeError), cb)
	m.dispatcher.Dispatch([]byte(`{"type":"error","error":{"message":"boom"}}`))
	assert.Equal(t, 1, calls)

	m.Off(EventType(ServerEventTypeError), cb)
	m.dispatcher.Dispatch([]byte(`{"type":"error","error":{"message":"boom"}}`))
	assert.Equal(t, 1, calls)
}

func TestManagerRequiresLogger(t *testing.T) {
	_, err := NewManager(nil, nil, ControllerOptions{})
	assert.ErrorIs(t, err, shared.ErrNoLogger)
}
