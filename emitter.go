package realtime

import (
	"sync"
	"unsafe"

	"github.com/bt-bridge/realtime-session/shared"
	"go.uber.org/zap"
)

type Listener[T any] func(T)

// Emitter is a typed publish/subscribe registry keyed by event type.
// Listener sets are identified by function value, so registering the same
// stored function value twice is a no-op and Off removes exactly that value.
type Emitter[T any] struct {
	logger shared.LoggerAdapter

	mu        sync.Mutex
	listeners map[EventType]map[uintptr]Listener[T]
}

func NewEmitter[T any](logger shared.LoggerAdapter) *Emitter[T] {
	return &Emitter[T]{
		logger:    logger,
		listeners: make(map[EventType]map[uintptr]Listener[T]),
	}
}

// listenerKey reads the func value header, a pointer to the underlying
// funcval. Unlike the code pointer it is distinct for method values bound to
// different receivers, while a func stored in a variable keeps one key across
// On and Off.
func listenerKey[T any](fn Listener[T]) uintptr {
	return *(*uintptr)(unsafe.Pointer(&fn))
}

func (e *Emitter[T]) On(eventType EventType, fn Listener[T]) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.listeners[eventType]
	if !ok {
		set = make(map[uintptr]Listener[T])
		e.listeners[eventType] = set
	}
	set[listenerKey(fn)] = fn
}

// Off removes the given listener for eventType; with no listener argument it
// removes every listener registered for eventType.
func (e *Emitter[T]) Off(eventType EventType, fn ...Listener[T]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(fn) == 0 {
		delete(e.listeners, eventType)
		return
	}
	set, ok := e.listeners[eventType]
	if !ok {
		return
	}
	for _, f := range fn {
		if f != nil {
			delete(set, listenerKey(f))
		}
	}
	if len(set) == 0 {
		delete(e.listeners, eventType)
	}
}

// Emit invokes every currently registered listener for eventType
// synchronously, in unspecified order. A panicking listener is recovered and
// logged; remaining listeners still run.
func (e *Emitter[T]) Emit(eventType EventType, payload T) {
	e.mu.Lock()
	snapshot := make([]Listener[T], 0, len(e.listeners[eventType]))
	for _, fn := range e.listeners[eventType] {
		snapshot = append(snapshot, fn)
	}
	e.mu.Unlock()
	for _, fn := range snapshot {
		e.invoke(eventType, fn, payload)
	}
}

func (e *Emitter[T]) invoke(eventType EventType, fn Listener[T], payload T) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(
				"event listener panicked",
				nil,
				zap.String("type", string(eventType)),
				zap.Any("panic", r),
			)
		}
	}()
	fn(payload)
}

func (e *Emitter[T]) RemoveAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[EventType]map[uintptr]Listener[T])
}
