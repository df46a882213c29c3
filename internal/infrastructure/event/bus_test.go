package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInMemoryEventBus_Publish(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	threshold := newTestHandler("usage.threshold_reached")
	all := newTestHandler()
	bus.Subscribe(threshold)
	bus.Subscribe(all)

	require.NoError(t, bus.Publish(context.Background(),
		newTestEvent("usage.threshold_reached"),
		newTestEvent("billing.phase_transitioned"),
	))

	assert.Equal(t, 1, threshold.count())
	assert.Equal(t, 2, all.count())
	assert.EqualValues(t, 2, bus.Stats().Published)
}

func TestInMemoryEventBus_ExplicitTypesOverrideHandler(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	h := newTestHandler("ignored")
	bus.Subscribe(h, "usage.recorded")

	require.NoError(t, bus.Publish(context.Background(), newTestEvent("usage.recorded"), newTestEvent("ignored")))
	assert.Equal(t, 1, h.count())
}

func TestInMemoryEventBus_HandlerFailuresAreContained(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	bus := NewInMemoryEventBus(zap.New(core))

	failing := newTestHandler("x")
	failing.err = errors.New("sink unavailable")
	panicking := newTestHandler("x")
	panicking.panicWith = "boom"
	healthy := newTestHandler("x")

	bus.Subscribe(failing)
	bus.Subscribe(panicking)
	bus.Subscribe(healthy)

	err := bus.Publish(context.Background(), newTestEvent("x"))

	require.NoError(t, err, "publishing is best-effort")
	assert.Equal(t, 1, healthy.count())
	assert.EqualValues(t, 2, bus.Stats().Failed)
	assert.Equal(t, 1, logs.FilterMessage("handler failed to process event").Len())
	assert.Equal(t, 1, logs.FilterMessage("handler panicked").Len())
}

func TestInMemoryEventBus_Dispatcher(t *testing.T) {
	d := &queueDispatcher{}
	bus := NewInMemoryEventBus(zap.NewNop(), WithDispatcher(d))
	h := newTestHandler("x")
	bus.Subscribe(h)

	require.NoError(t, bus.Publish(context.Background(), newTestEvent("x")))
	assert.Zero(t, h.count(), "delivery waits for the dispatcher")

	d.drain()
	assert.Equal(t, 1, h.count())

	d.reject = true
	require.NoError(t, bus.Publish(context.Background(), newTestEvent("x")))
	assert.EqualValues(t, 1, bus.Stats().Dropped)
}

func TestInMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewInMemoryEventBus(nil)
	h := newTestHandler("x")
	bus.Subscribe(h)
	bus.Unsubscribe(h)

	require.NoError(t, bus.Publish(context.Background(), newTestEvent("x")))
	assert.Zero(t, h.count())
}

func TestInMemoryEventBus_StartStop(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	require.NoError(t, bus.Start(context.Background()))
	assert.True(t, bus.running.Load())
	require.NoError(t, bus.Stop(context.Background()))
	assert.False(t, bus.running.Load())
}
