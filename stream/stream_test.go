package stream_test

import (
	"testing"
	"time"

	"github.com/adwski/peerchess/stream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "stream closed unexpectedly")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	panic("unreachable")
}

func TestBroadcaster_Publish(t *testing.T) {
	logger := zerolog.Nop()

	t.Run("all subscribers receive values in emission order", func(t *testing.T) {
		b := stream.New[int](&logger)
		first, second := b.Subscribe(), b.Subscribe()

		for i := 1; i <= 3; i++ {
			b.Publish(i)
		}
		for i := 1; i <= 3; i++ {
			assert.Equal(t, i, recv(t, first))
			assert.Equal(t, i, recv(t, second))
		}
	})

	t.Run("late subscriber sees nothing without replay", func(t *testing.T) {
		b := stream.New[int](&logger)
		b.Publish(42)

		sub := b.Subscribe()
		select {
		case v := <-sub:
			t.Fatalf("unexpected value %d", v)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestBroadcaster_Replay(t *testing.T) {
	logger := zerolog.Nop()

	t.Run("initial value delivered to first subscriber", func(t *testing.T) {
		b := stream.NewReplay(&logger, "disconnected")
		assert.Equal(t, "disconnected", recv(t, b.Subscribe()))
	})

	t.Run("late subscriber receives latest value only", func(t *testing.T) {
		b := stream.NewReplay(&logger, "disconnected")
		b.Publish("connecting")
		b.Publish("connected")

		sub := b.Subscribe()
		assert.Equal(t, "connected", recv(t, sub))
		select {
		case v := <-sub:
			t.Fatalf("unexpected extra value %q", v)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("latest reflects last published value", func(t *testing.T) {
		b := stream.NewReplay(&logger, 0)
		assert.Equal(t, 0, b.Latest())
		b.Publish(7)
		assert.Equal(t, 7, b.Latest())
	})
}

func TestBroadcaster_Close(t *testing.T) {
	logger := zerolog.Nop()

	t.Run("close closes subscriber channels", func(t *testing.T) {
		b := stream.New[int](&logger)
		sub := b.Subscribe()
		b.Close()

		_, ok := <-sub
		assert.False(t, ok)
	})

	t.Run("publish and close after close are no-ops", func(t *testing.T) {
		b := stream.New[int](&logger)
		b.Close()
		b.Publish(1)
		b.Close()

		sub := b.Subscribe()
		_, ok := <-sub
		assert.False(t, ok)
	})
}
