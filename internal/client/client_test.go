package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/gignet/internal/config"
	"github.com/energizer-project/gignet/internal/events"
	"github.com/energizer-project/gignet/internal/protocol"
	"github.com/energizer-project/gignet/internal/room"
	"github.com/energizer-project/gignet/internal/rpc"
	"github.com/energizer-project/gignet/internal/server"
)

const waitFor = 3 * time.Second

// nopAgent accepts every callback. The tick goroutine calls it.
type nopAgent struct{}

func (nopAgent) CreateRoom(roomID int64, capacity, botCount int, botWins bool) {}
func (nopAgent) OnFilledRoom(roomID int64, info room.Info) {}
func (nopAgent) OnPlayerDisconnect(roomID int64, seat int) {}
func (nopAgent) OnPlayerReconnect(roomID int64, seat int) {}
func (nopAgent) BindRemoveRoom(remove func(int64)) {}

func startServer(t *testing.T) *server.Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Network.BindAddress = "127.0.0.1"
	cfg.Network.TCPPort = 0
	cfg.Network.WSPort = 0
	cfg.Network.UDPPort = 0
	cfg.Network.AudioPort = 0
	cfg.Network.AcceptPerIPSec = 1000

	s, err := server.New(cfg, nopAgent{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Listen(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		s.Bus().Stop()
	})
	return s
}

func testOptions(s *server.Server, roomHint int64) Options {
	return Options{
		Transport:         "tcp",
		Address:           s.TCPAddr(),
		RoomHint:          roomHint,
		HeartbeatInterval: 50 * time.Millisecond,
		ReconnectDelay:    50 * time.Millisecond,
	}
}

func runClient(t *testing.T, opts Options, cb Callbacks) *Client {
	t.Helper()
	c := New(opts, cb)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Connected():
	case <-time.After(waitFor):
		t.Fatal("client never received an id")
	}
}

func TestClientsFillProvisionedRoom(t *testing.T) {
	s := startServer(t)
	_, err := s.Provision(context.Background(), room.Spec{
		ID:       5,
		Capacity: 2,
		Participants: []events.Participant{
			{ID: 9001, Name: "Bot", ActualID: "bot-1"},
		},
	})
	require.NoError(t, err)

	rosters := make(chan []protocol.RosterEntry, 2)
	cb := Callbacks{OnRoomFilled: func(r []protocol.RosterEntry) { rosters <- r }}

	a := runClient(t, testOptions(s, 5), cb)
	waitConnected(t, a)
	b := runClient(t, testOptions(s, 5), cb)
	waitConnected(t, b)

	for i := 0; i < 2; i++ {
		select {
		case r := <-rosters:
			require.Len(t, r, 3)
			assert.Equal(t, "Player 1", r[0].Name)
			assert.Equal(t, "Player 2", r[1].Name)
			assert.Equal(t, "Bot", r[2].Name)
		case <-time.After(waitFor):
			t.Fatal("roster not delivered")
		}
	}

	roomA, seatA := a.Room()
	roomB, seatB := b.Room()
	assert.Equal(t, int64(5), roomA)
	assert.Equal(t, int64(5), roomB)
	assert.ElementsMatch(t, []int{0, 1}, []int{seatA, seatB})
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, s.SessionToken(), a.SessionToken())
}

func TestClientMeasuresPing(t *testing.T) {
	s := startServer(t)
	c := runClient(t, testOptions(s, protocol.AnyRoom), Callbacks{})
	waitConnected(t, c)

	assert.Eventually(t, func() bool { return c.Ping() > 0 }, waitFor, 10*time.Millisecond)
	st := c.Stats()
	assert.Positive(t, st.BytesIn)
	assert.Positive(t, st.BytesOut)
}

func TestClientReconnectsWithSameID(t *testing.T) {
	s := startServer(t)
	_, err := s.Provision(context.Background(), room.Spec{ID: 9, Capacity: 2})
	require.NoError(t, err)

	var mu sync.Mutex
	var ids []int64
	c := runClient(t, testOptions(s, 9), Callbacks{
		OnConnected: func(id int64) {
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
		},
	})
	waitConnected(t, c)
	require.Eventually(t, func() bool {
		r, _ := c.Room()
		return r == 9
	}, waitFor, 10*time.Millisecond)

	s.Connections().CloseAll()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) == 2
	}, waitFor, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, ids[0], ids[1])
	mu.Unlock()
	assert.Equal(t, 1, c.Stats().Reconnects)

	r, seat := c.Room()
	assert.Equal(t, int64(9), r)
	assert.Equal(t, 0, seat)
}

func TestForceQuitStopsClient(t *testing.T) {
	s := startServer(t)
	_, err := s.Provision(context.Background(), room.Spec{ID: 7, Capacity: 1})
	require.NoError(t, err)

	quit := make(chan struct{}, 1)
	c := runClient(t, testOptions(s, 7), Callbacks{OnForceQuit: func() { quit <- struct{}{} }})
	waitConnected(t, c)
	require.Eventually(t, func() bool {
		r, _ := c.Room()
		return r == 7
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, s.EndRoom(7))

	select {
	case <-quit:
	case <-time.After(waitFor):
		t.Fatal("force quit not delivered")
	}
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("client kept running")
	}
	assert.Equal(t, StateDisconnected, c.State())
}

func TestMatchmakingWatchdog(t *testing.T) {
	s := startServer(t)
	_, err := s.Provision(context.Background(), room.Spec{ID: 3, Capacity: 2})
	require.NoError(t, err)

	quit := make(chan struct{}, 1)
	opts := testOptions(s, 3)
	opts.MatchmakingTimeout = 150 * time.Millisecond
	c := runClient(t, opts, Callbacks{OnForceQuit: func() { quit <- struct{}{} }})
	waitConnected(t, c)

	select {
	case <-quit:
	case <-time.After(waitFor):
		t.Fatal("watchdog did not fire")
	}
}

func TestWebSocketTransport(t *testing.T) {
	s := startServer(t)
	opts := testOptions(s, protocol.AnyRoom)
	opts.Transport = "ws"
	opts.Address = "ws://" + s.WSAddr() + "/"

	assigned := make(chan int64, 1)
	c := runClient(t, opts, Callbacks{OnRoomAssigned: func(roomID int64, seat int) { assigned <- roomID }})
	waitConnected(t, c)

	select {
	case roomID := <-assigned:
		assert.GreaterOrEqual(t, roomID, int64(0))
	case <-time.After(waitFor):
		t.Fatal("no room assigned over websocket")
	}
}

func TestServerRPCReachesClientRouter(t *testing.T) {
	s := startServer(t)
	c := New(testOptions(s, protocol.AnyRoom), Callbacks{})

	got := make(chan string, 1)
	require.NoError(t, c.Router().Register(42, "Say", []rpc.Kind{rpc.KindString}, func(args []rpc.Arg) {
		got <- args[0].Str()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitConnected(t, c)

	require.Eventually(t, func() bool {
		n, err := s.SendRPC(42, "Say", rpc.String("hello"))
		return err == nil && n == 1
	}, waitFor, 10*time.Millisecond)

	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg)
	case <-time.After(waitFor):
		t.Fatal("rpc not dispatched")
	}
}

func TestAudioIsRelayedBetweenClients(t *testing.T) {
	s := startServer(t)

	heard := make(chan int64, 16)
	optsA := testOptions(s, protocol.AnyRoom)
	optsA.AudioAddress = s.AudioAddr()
	optsB := optsA

	a := runClient(t, optsA, Callbacks{})
	b := runClient(t, optsB, Callbacks{OnAudio: func(sender int64, packet []byte) { heard <- sender }})
	waitConnected(t, a)
	waitConnected(t, b)
	require.Eventually(t, func() bool { return a.Audio() != nil && b.Audio() != nil }, waitFor, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		require.NoError(t, a.Audio().Send([]byte{1, 2, 3}))
		select {
		case sender := <-heard:
			return sender == a.ID()
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, waitFor, 10*time.Millisecond)
}

func TestMissCounting(t *testing.T) {
	var mu sync.Mutex
	var timeouts []bool
	quits := 0
	c := New(Options{Address: "127.0.0.1:1", TimeoutWarnAfter: 5, ForceQuitAfter: 16}, Callbacks{
		OnTimeout: func(v bool) {
			mu.Lock()
			timeouts = append(timeouts, v)
			mu.Unlock()
		},
		OnForceQuit: func() {
			mu.Lock()
			quits++
			mu.Unlock()
		},
	})

	for i := 0; i < 5; i++ {
		assert.False(t, c.miss())
	}
	assert.Empty(t, timeouts)

	assert.False(t, c.miss())
	assert.False(t, c.miss())
	assert.Equal(t, []bool{true}, timeouts)

	c.onHeartbeatEcho(heartbeatBody(time.Now()))
	assert.Equal(t, []bool{true, false}, timeouts)

	for i := 0; i < 15; i++ {
		assert.False(t, c.miss())
	}
	assert.True(t, c.miss())
	assert.Equal(t, 1, quits)
	assert.Equal(t, []bool{true, false, true}, timeouts)

	select {
	case <-c.Done():
	default:
		t.Fatal("client not stopped after force quit")
	}
}

func heartbeatBody(at time.Time) []byte {
	payload, err := protocol.DecodeFrame(protocol.BuildHeartbeat(at.UnixNano()), 0)
	if err != nil {
		panic(err)
	}
	_, body, err := protocol.SplitTag(payload)
	if err != nil {
		panic(err)
	}
	return body
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	opts := OptionsFromConfig(cfg.Client, cfg.Network)
	assert.Equal(t, "tcp", opts.Transport)
	assert.Equal(t, "127.0.0.1:7778", opts.Address)
	assert.Equal(t, "127.0.0.1:7778", opts.UDPAddress)
	assert.Equal(t, "127.0.0.1:7779", opts.AudioAddress)
	assert.Equal(t, protocol.AnyRoom, opts.RoomHint)
	assert.Equal(t, time.Second, opts.HeartbeatInterval)
	assert.Equal(t, 3*time.Second, opts.ReconnectDelay)
	assert.Equal(t, 90*time.Second, opts.MatchmakingTimeout)

	cfg.Client.Transport = "ws"
	cfg.Network.AudioEnabled = false
	opts = OptionsFromConfig(cfg.Client, cfg.Network)
	assert.Equal(t, "ws://127.0.0.1:7784/", opts.Address)
	assert.Empty(t, opts.AudioAddress)
}

func TestForceQuitFiresOnceAtOrPastThreshold(t *testing.T) {
	quits := 0
	c := New(Options{Address: "127.0.0.1:1", TimeoutWarnAfter: 5, ForceQuitAfter: 2}, Callbacks{
		OnForceQuit: func() { quits++ },
	})

	assert.False(t, c.miss())
	assert.True(t, c.miss())
	assert.True(t, c.miss(), "misses past the threshold still report the quit")
	assert.Equal(t, 1, quits)
}

func TestNonPositiveThresholdsFallBackToDefaults(t *testing.T) {
	o := Options{TimeoutWarnAfter: -1, ForceQuitAfter: 0}.withDefaults()
	assert.Equal(t, 5, o.TimeoutWarnAfter)
	assert.Equal(t, 16, o.ForceQuitAfter)
}
