package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/gignet/internal/config"
	"github.com/energizer-project/gignet/internal/events"
	"github.com/energizer-project/gignet/internal/room"
	"github.com/energizer-project/gignet/internal/server"
)

type nopAgent struct{}

func (nopAgent) CreateRoom(int64, int, int, bool)   {}
func (nopAgent) OnFilledRoom(int64, room.Info)      {}
func (nopAgent) OnPlayerDisconnect(int64, int)      {}
func (nopAgent) OnPlayerReconnect(int64, int)       {}
func (nopAgent) BindRemoveRoom(func(roomID int64)) {}

func newTestCLI(t *testing.T, input string) (*CLI, *bytes.Buffer, *events.EventBus) {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	game, err := server.New(config.DefaultConfig(), nopAgent{}, bus)
	require.NoError(t, err)

	out := &bytes.Buffer{}
	return NewCLI(bus, game, strings.NewReader(input), out), out, bus
}

func TestRoomsAndStatusTables(t *testing.T) {
	c, out, _ := newTestCLI(t, "")
	ctx := context.Background()

	quit, err := c.Execute(ctx, "rooms", nil)
	require.NoError(t, err)
	assert.False(t, quit)
	assert.Contains(t, out.String(), "12345")
	assert.Contains(t, out.String(), "permanent")

	out.Reset()
	_, err = c.Execute(ctx, "status", nil)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Pooled frames")

	out.Reset()
	_, err = c.Execute(ctx, "room", []string{"12345"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Room 12345: 0/1 seated")
	assert.Contains(t, out.String(), "Player 1")

	out.Reset()
	_, err = c.Execute(ctx, "sessions", nil)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "PLAYER")
}

func TestCommandErrors(t *testing.T) {
	c, out, _ := newTestCLI(t, "")
	ctx := context.Background()

	_, err := c.Execute(ctx, "endroom", nil)
	assert.Error(t, err)
	_, err = c.Execute(ctx, "endroom", []string{"abc"})
	assert.Error(t, err)
	_, err = c.Execute(ctx, "endroom", []string{"77"})
	assert.ErrorIs(t, err, room.ErrNoRoom)
	_, err = c.Execute(ctx, "room", []string{"77"})
	assert.Error(t, err)

	_, err = c.Execute(ctx, "endroom", []string{"12345"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Room 12345 is ending")

	out.Reset()
	quit, err := c.Execute(ctx, "bogus", nil)
	require.NoError(t, err)
	assert.False(t, quit)
	assert.Contains(t, out.String(), "Unknown command")
}

func TestQuitEmitsShutdown(t *testing.T) {
	c, out, bus := newTestCLI(t, "help\n\nquit\nstatus\n")

	got := make(chan events.Event, 1)
	bus.Subscribe(events.EventShutdown, "test", func(_ context.Context, e events.Event) error {
		got <- e
		return nil
	})

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("console did not exit on quit")
	}

	select {
	case e := <-got:
		assert.Equal(t, "cli", e.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown event not emitted")
	}
	assert.Contains(t, out.String(), "endroom <id>")
	assert.NotContains(t, out.String(), "Session token")
}

func TestStartEndsWithInput(t *testing.T) {
	c, _, _ := newTestCLI(t, "rooms\n")

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("console did not exit at end of input")
	}
}
