package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// FunctionCallHandler is the external collaborator invoked when the model
// completes a function_call output item.
type FunctionCallHandler func(name string, args map[string]any)

// Dispatcher parses inbound control-channel messages and converts them into
// state-store actions. Unknown event types are a forward-compatible no-op.
type Dispatcher struct {
	logger  shared.LoggerAdapter
	store   *Store
	emitter *Emitter[Event]
	now     func() time.Time

	// mu guards handler: a reconnecting session may swap it while a prior
	// transport's message callback is still dispatching.
	mu      sync.Mutex
	handler FunctionCallHandler
}

func NewDispatcher(logger shared.LoggerAdapter, store *Store, emitter *Emitter[Event]) (*Dispatcher, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Dispatcher{
		logger:  logger,
		store:   store,
		emitter: emitter,
		now:     time.Now,
	}, nil
}

// SetFunctionCallHandler replaces the function-call collaborator; nil
// disables function-call dispatch.
func (d *Dispatcher) SetFunctionCallHandler(handler FunctionCallHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
}

// Dispatch parses raw as a server event and applies the recognized mapping.
// Every recognized event is additionally re-emitted on the event registry
// keyed by its wire type.
func (d *Dispatcher) Dispatch(raw []byte) {
	event := new(ServerEvent)
	if err := event.UnmarshalJSON(raw); err != nil {
		if errors.Is(err, ErrUnknownEventType) {
			d.logger.Trace("ignoring unrecognized event", zap.Error(err))
			return
		}
		d.logger.Error("can not unmarshal event", err, zap.ByteString("data", raw))
		return
	}
	d.logger.Trace(
		"received event",
		zap.String("type", string(event.Type)),
		zap.String("event_id", event.EventId),
	)

	switch param := event.Param.(type) {
	case *ServerEventParamError:
		d.logger.Error(
			"server reported an error",
			nil,
			zap.String("code", param.Code),
			zap.String("message", param.Message),
		)
	case *ServerEventParamInputAudioTranscriptionCompleted:
		d.store.Dispatch(ActionAddTranscript{Transcript: Transcript{
			Content:   param.Transcript,
			Timestamp: d.now(),
			Type:      TranscriptTypeInput,
			Role:      TranscriptRoleUser,
		}})
	case *ServerEventParamResponseAudioTranscriptDone:
		d.store.Dispatch(ActionAddTranscript{Transcript: Transcript{
			Content:   param.Transcript,
			Timestamp: d.now(),
			Type:      TranscriptTypeOutput,
			Role:      TranscriptRoleAssistant,
		}})
	case *ServerEventParamResponseOutputItemDone:
		d.dispatchFunctionCall(param)
	case *ServerEventParamResponseDone:
		if usage, ok := param.Usage(); ok {
			d.store.Dispatch(ActionSetTokenUsage{Usage: usage})
		}
	case *ServerEventParamRateLimitsUpdated:
		d.dispatchRateLimits(param)
	}

	if d.emitter != nil {
		d.emitter.Emit(event.EventType(), event)
	}
}

func (d *Dispatcher) dispatchFunctionCall(param *ServerEventParamResponseOutputItemDone) {
	name, rawArgs, ok := param.FunctionCall()
	if !ok {
		return
	}
	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	if handler == nil {
		return
	}
	args := map[string]any{}
	if rawArgs != "" {
		if err := sonic.Unmarshal([]byte(rawArgs), &args); err != nil {
			// Malformed arguments degrade to an empty object.
			d.logger.Warn(
				"function call arguments are not valid JSON",
				zap.String("name", name),
				zap.String("arguments", rawArgs),
			)
			args = map[string]any{}
		}
	}
	handler(name, args)
}

func (d *Dispatcher) dispatchRateLimits(param *ServerEventParamRateLimitsUpdated) {
	var resetSeconds float64
	limited := false
	for _, rl := range param.RateLimits {
		if rl.ResetSeconds > resetSeconds {
			resetSeconds = rl.ResetSeconds
		}
		if rl.Remaining <= 0 {
			limited = true
		}
	}
	resetTime := d.now().Add(time.Duration(resetSeconds * float64(time.Second)))
	d.store.Dispatch(ActionSetRateLimits{
		RateLimits:    param.RateLimits,
		ResetTime:     resetTime,
		IsRateLimited: limited,
	})
	if limited {
		d.logger.Error(
			"session is rate limited",
			nil,
			zap.Float64("reset_seconds", resetSeconds),
		)
	}
}
