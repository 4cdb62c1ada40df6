package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types (recognized subset of the wire protocol)
const (
	ServerEventTypeError                             ServerEventType = "error"
	ServerEventTypeInputAudioTranscriptionCompleted  ServerEventType = "conversation.item.input_audio_transcription.completed"
	ServerEventTypeResponseAudioTranscriptDone       ServerEventType = "response.audio_transcript.done"
	ServerEventTypeResponseOutputItemDone            ServerEventType = "response.output_item.done"
	ServerEventTypeResponseDone                      ServerEventType = "response.done"
	ServerEventTypeRateLimitsUpdated                 ServerEventType = "rate_limits.updated"
)

// Client event types
const (
	ClientEventTypeSessionUpdate          ClientEventType = "session.update"
	ClientEventTypeConversationItemCreate ClientEventType = "conversation.item.create"
	ClientEventTypeResponseCreate         ClientEventType = "response.create"
	ClientEventTypeInputAudioBufferAppend ClientEventType = "input_audio_buffer.append"
	ClientEventTypeInputAudioBufferCommit ClientEventType = "input_audio_buffer.commit"
)

// ErrUnknownEventType marks an inbound type outside the recognized subset.
// The dispatcher treats it as a forward-compatible no-op.
var ErrUnknownEventType = errors.New("unknown event type")

type Event interface {
	EventType() EventType
	IsServerEvent() bool
	IsClientEvent() bool
	MarshalYAML() ([]byte, error)
	MarshalJSON() ([]byte, error)
}

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

var serverEventParams = map[ServerEventType]func() EventParam{
	ServerEventTypeError:                            func() EventParam { return new(ServerEventParamError) },
	ServerEventTypeInputAudioTranscriptionCompleted: func() EventParam { return new(ServerEventParamInputAudioTranscriptionCompleted) },
	ServerEventTypeResponseAudioTranscriptDone:      func() EventParam { return new(ServerEventParamResponseAudioTranscriptDone) },
	ServerEventTypeResponseOutputItemDone:           func() EventParam { return new(ServerEventParamResponseOutputItemDone) },
	ServerEventTypeResponseDone:                     func() EventParam { return new(ServerEventParamResponseDone) },
	ServerEventTypeRateLimitsUpdated:                func() EventParam { return new(ServerEventParamRateLimitsUpdated) },
}

var clientEventParams = map[ClientEventType]func() EventParam{
	ClientEventTypeSessionUpdate:          func() EventParam { return new(ClientEventParamSessionUpdate) },
	ClientEventTypeConversationItemCreate: func() EventParam { return new(ClientEventParamConversationItemCreate) },
	ClientEventTypeResponseCreate:         func() EventParam { return new(ClientEventParamResponseCreate) },
	ClientEventTypeInputAudioBufferAppend: func() EventParam { return new(ClientEventParamInputAudioBufferAppend) },
	ClientEventTypeInputAudioBufferCommit: func() EventParam { return new(ClientEventParamInputAudioBufferCommit) },
}

var serverEventTypes = []ServerEventType{
	ServerEventTypeError,
	ServerEventTypeInputAudioTranscriptionCompleted,
	ServerEventTypeResponseAudioTranscriptDone,
	ServerEventTypeResponseOutputItemDone,
	ServerEventTypeResponseDone,
	ServerEventTypeRateLimitsUpdated,
}

var clientEventTypes = []ClientEventType{
	ClientEventTypeSessionUpdate,
	ClientEventTypeConversationItemCreate,
	ClientEventTypeResponseCreate,
	ClientEventTypeInputAudioBufferAppend,
	ClientEventTypeInputAudioBufferCommit,
}

// Every enumerated discriminant must have a param constructor; a miss is a
// programming error caught at startup rather than at dispatch time.
func init() {
	for _, t := range serverEventTypes {
		if _, ok := serverEventParams[t]; !ok {
			panic(fmt.Sprintf("server event type %q has no param constructor", t))
		}
	}
	for _, t := range clientEventTypes {
		if _, ok := clientEventParams[t]; !ok {
			panic(fmt.Sprintf("client event type %q has no param constructor", t))
		}
	}
}

type ServerEvent struct {
	EventId string
	Type    ServerEventType
	Param   EventParam
}

var _ Event = (*ServerEvent)(nil)

func (e *ServerEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ServerEvent) IsServerEvent() bool {
	return true
}

func (e *ServerEvent) IsClientEvent() bool {
	return false
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	if e.EventId != "" {
		resp["event_id"] = e.EventId
	}
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	}
	v, ok := raw["type"].(string)
	if !ok {
		return errors.New("missing type")
	}
	e.Type = ServerEventType(v)
	delete(raw, "type")
	ctor, ok := serverEventParams[e.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, e.Type)
	}
	e.Param = ctor()
	return e.Param.New(raw)
}

func (e *ServerEvent) MarshalYAML() ([]byte, error) {
	jsonBytes, err := e.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := sonic.Unmarshal(jsonBytes, &raw); err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(raw, yaml.UseJSONMarshaler())
}

type ClientEvent struct {
	EventId string
	Type    ClientEventType
	Param   EventParam
}

var _ Event = (*ClientEvent)(nil)

func (e *ClientEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ClientEvent) IsServerEvent() bool {
	return false
}

func (e *ClientEvent) IsClientEvent() bool {
	return true
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	if e.EventId != "" {
		resp["event_id"] = e.EventId
	}
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}

func (e *ClientEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	}
	v, ok := raw["type"].(string)
	if !ok {
		return errors.New("missing type")
	}
	e.Type = ClientEventType(v)
	delete(raw, "type")
	ctor, ok := clientEventParams[e.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, e.Type)
	}
	e.Param = ctor()
	return e.Param.New(raw)
}

func (e *ClientEvent) MarshalYAML() ([]byte, error) {
	jsonBytes, err := e.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := sonic.Unmarshal(jsonBytes, &raw); err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(raw, yaml.UseJSONMarshaler())
}

// Helpers for number conversions
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}

// error
type ServerEventParamError struct {
	Type    string
	EventId string
	Code    string
	Message string
	Param   any
}

func (p *ServerEventParamError) New(m map[string]any) error {
	errObj, ok := m["error"].(map[string]any)
	if !ok {
		return errors.New("missing error")
	}
	if v, ok := errObj["type"].(string); ok {
		p.Type = v
	}
	if v, ok := errObj["code"].(string); ok {
		p.Code = v
	}
	if v, ok := errObj["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing error.message")
	}
	if v, ok := errObj["event_id"].(string); ok {
		p.EventId = v
	}
	p.Param = errObj["param"]
	return nil
}

func (p *ServerEventParamError) Json() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"type":     p.Type,
			"event_id": p.EventId,
			"code":     p.Code,
			"message":  p.Message,
			"param":    p.Param,
		},
	}
}

// conversation.item.input_audio_transcription.completed
type ServerEventParamInputAudioTranscriptionCompleted struct {
	ItemId     string
	Transcript string
}

func (p *ServerEventParamInputAudioTranscriptionCompleted) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	v, ok := m["transcript"].(string)
	if !ok {
		return errors.New("missing transcript")
	}
	p.Transcript = v
	return nil
}

func (p *ServerEventParamInputAudioTranscriptionCompleted) Json() map[string]any {
	return map[string]any{
		"item_id":    p.ItemId,
		"transcript": p.Transcript,
	}
}

// response.audio_transcript.done
type ServerEventParamResponseAudioTranscriptDone struct {
	ItemId     string
	ResponseId string
	Transcript string
}

func (p *ServerEventParamResponseAudioTranscriptDone) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	if v, ok := m["response_id"].(string); ok {
		p.ResponseId = v
	}
	v, ok := m["transcript"].(string)
	if !ok {
		return errors.New("missing transcript")
	}
	p.Transcript = v
	return nil
}

func (p *ServerEventParamResponseAudioTranscriptDone) Json() map[string]any {
	return map[string]any{
		"item_id":     p.ItemId,
		"response_id": p.ResponseId,
		"transcript":  p.Transcript,
	}
}

// response.output_item.done
type ServerEventParamResponseOutputItemDone struct {
	Item map[string]any
}

func (p *ServerEventParamResponseOutputItemDone) New(m map[string]any) error {
	item, ok := m["item"].(map[string]any)
	if !ok {
		return errors.New("missing item")
	}
	p.Item = item
	return nil
}

func (p *ServerEventParamResponseOutputItemDone) Json() map[string]any {
	return map[string]any{
		"item": p.Item,
	}
}

// ItemType returns the "type" field of the output item, empty if absent.
func (p *ServerEventParamResponseOutputItemDone) ItemType() string {
	v, _ := p.Item["type"].(string)
	return v
}

// FunctionCall extracts the call name and raw arguments of a function_call
// item. ok is false for any other item type.
func (p *ServerEventParamResponseOutputItemDone) FunctionCall() (name, arguments string, ok bool) {
	if p.ItemType() != "function_call" {
		return "", "", false
	}
	name, _ = p.Item["name"].(string)
	arguments, _ = p.Item["arguments"].(string)
	return name, arguments, true
}

// response.done
type ServerEventParamResponseDone struct {
	Response map[string]any
}

func (p *ServerEventParamResponseDone) New(m map[string]any) error {
	resp, ok := m["response"].(map[string]any)
	if !ok {
		return errors.New("missing response")
	}
	p.Response = resp
	return nil
}

func (p *ServerEventParamResponseDone) Json() map[string]any {
	return map[string]any{
		"response": p.Response,
	}
}

// Usage extracts token usage from the completed response. ok is false when
// the server omitted the usage object.
func (p *ServerEventParamResponseDone) Usage() (usage TokenUsage, ok bool) {
	raw, okUsage := p.Response["usage"].(map[string]any)
	if !okUsage {
		return TokenUsage{}, false
	}
	usage.InputTokens, _ = asInt(raw["input_tokens"])
	usage.OutputTokens, _ = asInt(raw["output_tokens"])
	usage.TotalTokens, _ = asInt(raw["total_tokens"])
	return usage, true
}

// rate_limits.updated
type ServerEventParamRateLimitsUpdated struct {
	RateLimits []RateLimit
}

func (p *ServerEventParamRateLimitsUpdated) New(m map[string]any) error {
	raw, ok := m["rate_limits"].([]any)
	if !ok {
		return errors.New("missing rate_limits")
	}
	p.RateLimits = make([]RateLimit, 0, len(raw))
	for _, entry := range raw {
		obj, ok := entry.(map[string]any)
		if !ok {
			return errors.New("rate_limits entry is not an object")
		}
		var rl RateLimit
		rl.Name, _ = obj["name"].(string)
		rl.Remaining, _ = asFloat64(obj["remaining"])
		rl.ResetSeconds, _ = asFloat64(obj["reset_seconds"])
		p.RateLimits = append(p.RateLimits, rl)
	}
	return nil
}

func (p *ServerEventParamRateLimitsUpdated) Json() map[string]any {
	limits := make([]any, 0, len(p.RateLimits))
	for _, rl := range p.RateLimits {
		limits = append(limits, map[string]any{
			"name":          rl.Name,
			"remaining":     rl.Remaining,
			"reset_seconds": rl.ResetSeconds,
		})
	}
	return map[string]any{
		"rate_limits": limits,
	}
}

// session.update
type ClientEventParamSessionUpdate struct {
	Session map[string]any
}

func (p *ClientEventParamSessionUpdate) New(m map[string]any) error {
	session, ok := m["session"].(map[string]any)
	if !ok {
		return errors.New("missing session")
	}
	p.Session = session
	return nil
}

func (p *ClientEventParamSessionUpdate) Json() map[string]any {
	return map[string]any{
		"session": p.Session,
	}
}

// conversation.item.create
type ClientEventParamConversationItemCreate struct {
	Item map[string]any
}

func (p *ClientEventParamConversationItemCreate) New(m map[string]any) error {
	item, ok := m["item"].(map[string]any)
	if !ok {
		return errors.New("missing item")
	}
	p.Item = item
	return nil
}

func (p *ClientEventParamConversationItemCreate) Json() map[string]any {
	return map[string]any{
		"item": p.Item,
	}
}

// response.create
type ClientEventParamResponseCreate struct {
	Response map[string]any
}

func (p *ClientEventParamResponseCreate) New(m map[string]any) error {
	if resp, ok := m["response"].(map[string]any); ok {
		p.Response = resp
	}
	return nil
}

func (p *ClientEventParamResponseCreate) Json() map[string]any {
	if p.Response == nil {
		return map[string]any{}
	}
	return map[string]any{
		"response": p.Response,
	}
}

// input_audio_buffer.append
type ClientEventParamInputAudioBufferAppend struct {
	Audio string
}

func (p *ClientEventParamInputAudioBufferAppend) New(m map[string]any) error {
	v, ok := m["audio"].(string)
	if !ok {
		return errors.New("missing audio")
	}
	p.Audio = v
	return nil
}

func (p *ClientEventParamInputAudioBufferAppend) Json() map[string]any {
	return map[string]any{
		"audio": p.Audio,
	}
}

// input_audio_buffer.commit
type ClientEventParamInputAudioBufferCommit struct{}

func (p *ClientEventParamInputAudioBufferCommit) New(m map[string]any) error {
	return nil
}

func (p *ClientEventParamInputAudioBufferCommit) Json() map[string]any {
	return map[string]any{}
}

// NewTextMessageEvent builds the conversation.item.create event carrying a
// single user text content part.
func NewTextMessageEvent(text string) *ClientEvent {
	return &ClientEvent{
		Type: ClientEventTypeConversationItemCreate,
		Param: &ClientEventParamConversationItemCreate{
			Item: map[string]any{
				"type": "message",
				"role": "user",
				"content": []any{
					map[string]any{
						"type": "input_text",
						"text": text,
					},
				},
			},
		},
	}
}

// NewResponseCreateEvent builds a response.create event; overrides may be nil.
func NewResponseCreateEvent(overrides map[string]any) *ClientEvent {
	return &ClientEvent{
		Type:  ClientEventTypeResponseCreate,
		Param: &ClientEventParamResponseCreate{Response: overrides},
	}
}

// NewAudioAppendEvent builds an input_audio_buffer.append event with base64
// PCM16 audio.
func NewAudioAppendEvent(audioB64 string) *ClientEvent {
	return &ClientEvent{
		Type:  ClientEventTypeInputAudioBufferAppend,
		Param: &ClientEventParamInputAudioBufferAppend{Audio: audioB64},
	}
}

// NewAudioCommitEvent builds an input_audio_buffer.commit event.
func NewAudioCommitEvent() *ClientEvent {
	return &ClientEvent{
		Type:  ClientEventTypeInputAudioBufferCommit,
		Param: &ClientEventParamInputAudioBufferCommit{},
	}
}

// NewSessionUpdateEvent builds a session.update event with a partial session
// configuration.
func NewSessionUpdateEvent(session map[string]any) *ClientEvent {
	return &ClientEvent{
		Type:  ClientEventTypeSessionUpdate,
		Param: &ClientEventParamSessionUpdate{Session: session},
	}
}
