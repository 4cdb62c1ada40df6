package realtime

import (
	"testing"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/stretchr/testify/assert"
)

func TestEmitterOnEmit(t *testing.T) {
	e := NewEmitter[string](shared.NewNopLogger())
	calls := 0
	cb := func(s string) {
		calls++
		assert.Equal(t, "payload", s)
	}
	e.On("test.event", cb)
	e.Emit("test.event", "payload")
	assert.Equal(t, 1, calls)

	// Other types do not reach the listener.
	e.Emit("other.event", "payload")
	assert.Equal(t, 1, calls)
}

func TestEmitterDuplicateRegistration(t *testing.T) {
	e := NewEmitter[int](shared.NewNopLogger())
	calls := 0
	cb := func(int) { calls++ }
	e.On("dup", cb)
	e.On("dup", cb)
	e.Emit("dup", 0)
	assert.Equal(t, 1, calls)
}

func TestEmitterOff(t *testing.T) {
	e := NewEmitter[int](shared.NewNopLogger())
	aCalls, bCalls := 0, 0
	a := func(int) { aCalls++ }
	b := func(int) { bCalls++ }
	e.On("evt", a)
	e.On("evt", b)

	e.Off("evt", a)
	e.Emit("evt", 0)
	assert.Equal(t, 0, aCalls)
	assert.Equal(t, 1, bCalls)

	// Off without a callback clears every listener for the type.
	e.On("evt", a)
	e.Off("evt")
	e.Emit("evt", 0)
	assert.Equal(t, 0, aCalls)
	assert.Equal(t, 1, bCalls)
}

type countingSubscriber struct {
	hits int
}

func (s *countingSubscriber) handle(int) {
	s.hits++
}

func TestEmitterKeepsMethodValuesOnDistinctReceivers(t *testing.T) {
	e := NewEmitter[int](shared.NewNopLogger())
	x := &countingSubscriber{}
	y := &countingSubscriber{}
	onX := Listener[int](x.handle)
	onY := Listener[int](y.handle)
	e.On("evt", onX)
	e.On("evt", onY)

	e.Emit("evt", 0)
	assert.Equal(t, 1, x.hits)
	assert.Equal(t, 1, y.hits)

	// Removing one receiver's listener must not affect the other's.
	e.Off("evt", onX)
	e.Emit("evt", 0)
	assert.Equal(t, 1, x.hits)
	assert.Equal(t, 2, y.hits)
}

func TestEmitterPanickingListener(t *testing.T) {
	e := NewEmitter[int](shared.NewNopLogger())
	survived := 0
	e.On("evt", func(int) { panic("listener exploded") })
	e.On("evt", func(int) { survived++ })
	assert.NotPanics(t, func() {
		e.Emit("evt", 0)
	})
	assert.Equal(t, 1, survived)
}

func TestEmitterRemoveAll(t *testing.T) {
	e := NewEmitter[int](shared.NewNopLogger())
	calls := 0
	e.On("a", func(int) { calls++ })
	e.On("b", func(int) { calls++ })
	e.RemoveAll()
	e.Emit("a", 0)
	e.Emit("b", 0)
	assert.Equal(t, 0, calls)
}
