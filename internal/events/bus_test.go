package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitReachesSubscribers(t *testing.T) {
	bus := NewEventBus()
	var hits atomic.Int32

	bus.Subscribe(EventRoomFilled, "a", func(ctx context.Context, e Event) error {
		p, ok := e.Payload.(RoomPayload)
		assert.True(t, ok)
		assert.Equal(t, int64(5), p.RoomID)
		hits.Add(1)
		return nil
	})
	bus.Subscribe(EventRoomFilled, "b", func(ctx context.Context, e Event) error {
		hits.Add(1)
		return nil
	})
	bus.Subscribe(EventRoomRemoved, "other", func(ctx context.Context, e Event) error {
		t.Error("wrong event type delivered")
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventRoomFilled, Payload: RoomPayload{RoomID: 5}})
	bus.Wait()
	assert.Equal(t, int32(2), hits.Load())
}

func TestEmitSyncFirstErrorAndPanics(t *testing.T) {
	bus := NewEventBus()
	boom := errors.New("boom")

	bus.Subscribe(EventShutdown, "fails", func(context.Context, Event) error { return boom })
	bus.Subscribe(EventShutdown, "panics", func(context.Context, Event) error { panic("bad handler") })

	err := bus.EmitSync(context.Background(), Event{Type: EventShutdown})
	assert.ErrorIs(t, err, boom)
}

func TestUnsubscribeAndStop(t *testing.T) {
	bus := NewEventBus()
	var hits atomic.Int32
	handler := func(context.Context, Event) error { hits.Add(1); return nil }

	bus.Subscribe(EventPlayerSeated, "keep", handler)
	bus.Subscribe(EventPlayerSeated, "drop", handler)
	bus.Unsubscribe(EventPlayerSeated, "drop")
	assert.Equal(t, 1, bus.HandlerCount(EventPlayerSeated))

	bus.Emit(context.Background(), Event{Type: EventPlayerSeated})
	bus.Stop()
	bus.Stop()

	select {
	case <-bus.StopCh():
	default:
		t.Fatal("stop channel not closed")
	}

	bus.Emit(context.Background(), Event{Type: EventPlayerSeated})
	bus.Wait()
	assert.Equal(t, int32(1), hits.Load())
}

func TestEnumJSON(t *testing.T) {
	b, err := SessionDisconnected.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"disconnected"`, string(b))
	assert.Equal(t, "heartbeat_timeout", ReasonTimeout.String())
	assert.Equal(t, "unknown", SessionState(42).String())
}
