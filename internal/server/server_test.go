package server

import (
	"context"
	"io"
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
)

type fakePeer struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	id     int64
}

func newPeer() *fakePeer { return &fakePeer{id: protocol.NoID} }

func (p *fakePeer) Send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return io.ErrClosedPipe
	}
	p.frames = append(p.frames, append([]byte(nil), frame...))
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) RemoteAddr() string { return "127.0.0.1:40000" }

func (p *fakePeer) PlayerID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *fakePeer) SetPlayerID(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.id = id
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// received returns the bodies of every frame with tag, in order.
func (p *fakePeer) received(t *testing.T, tag protocol.PackType) [][]byte {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()

	var out [][]byte
	for _, f := range p.frames {
		payload, err := protocol.DecodeFrame(f, 0)
		require.NoError(t, err)
		got, body, err := protocol.SplitTag(payload)
		require.NoError(t, err)
		if got == tag {
			out = append(out, body)
		}
	}
	return out
}

func (p *fakePeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

type seatCall struct {
	room int64
	seat int
}

type fakeAgent struct {
	created     []int64
	filled      []int64
	disconnects []seatCall
	reconnects  []seatCall
	netEvents   []protocol.NetEvent
	spawns      []protocol.Spawn
	despawns    []protocol.Destroy
	remove      func(int64)
}

func (a *fakeAgent) CreateRoom(roomID int64, capacity, botCount int, botWins bool) {
	a.created = append(a.created, roomID)
}
func (a *fakeAgent) OnFilledRoom(roomID int64, info room.Info) { a.filled = append(a.filled, roomID) }
func (a *fakeAgent) OnPlayerDisconnect(roomID int64, seat int) {
	a.disconnects = append(a.disconnects, seatCall{roomID, seat})
}
func (a *fakeAgent) OnPlayerReconnect(roomID int64, seat int) {
	a.reconnects = append(a.reconnects, seatCall{roomID, seat})
}
func (a *fakeAgent) BindRemoveRoom(remove func(int64)) { a.remove = remove }
func (a *fakeAgent) OnNetEvent(roomID int64, eventID byte, args []byte) {
	a.netEvents = append(a.netEvents, protocol.NetEvent{RoomID: roomID, EventID: eventID, Args: args})
}
func (a *fakeAgent) OnSpawn(s protocol.Spawn) { a.spawns = append(a.spawns, s) }
func (a *fakeAgent) OnDespawn(objectID int32, ownerID int64) {
	a.despawns = append(a.despawns, protocol.Destroy{ObjectID: objectID, OwnerID: ownerID})
}

func newTestServer(t *testing.T) (*Server, *fakeAgent) {
	t.Helper()
	agent := &fakeAgent{}
	s, err := New(config.DefaultConfig(), agent, nil)
	require.NoError(t, err)
	t.Cleanup(s.Bus().Stop)
	return s, agent
}

func provision(t *testing.T, s *Server, spec room.Spec) (room.Info, error) {
	t.Helper()
	type result struct {
		info room.Info
		err  error
	}
	done := make(chan result, 1)
	go func() {
		info, err := s.Provision(context.Background(), spec)
		done <- result{info, err}
	}()

	deadline := time.After(2 * time.Second)
	for {
		s.Tick(0)
		select {
		case r := <-done:
			return r.info, r.err
		case <-deadline:
			t.Fatal("provisioning was never applied")
		case <-time.After(time.Millisecond):
		}
	}
}

func deliver(s *Server, p *fakePeer, frame []byte) {
	payload, err := protocol.DecodeFrame(frame, 0)
	if err != nil {
		panic(err)
	}
	s.handlePayload(p, payload)
}

func requestID(s *Server, p *fakePeer, id, roomID, token int64) {
	deliver(s, p, protocol.BuildIDRequest(protocol.IDRequest{RequestedID: id, RoomToJoin: roomID, SessionToken: token}))
}

func replyOf(t *testing.T, p *fakePeer) protocol.IDReply {
	t.Helper()
	bodies := p.received(t, protocol.PackIDAssignment)
	require.Len(t, bodies, 1)
	reply, err := protocol.ParseIDReply(bodies[0])
	require.NoError(t, err)
	return reply
}

func assignOf(t *testing.T, p *fakePeer) protocol.RoomAssign {
	t.Helper()
	bodies := p.received(t, protocol.PackRoomAssign)
	require.NotEmpty(t, bodies)
	a, err := protocol.ParseRoomAssign(bodies[len(bodies)-1])
	require.NoError(t, err)
	return a
}

// fillRoom5 provisions room 5 (capacity 2) and seats two fresh players.
func fillRoom5(t *testing.T, s *Server) (*fakePeer, *fakePeer) {
	t.Helper()
	_, err := provision(t, s, room.Spec{ID: 5, Capacity: 2})
	require.NoError(t, err)

	p1, p2 := newPeer(), newPeer()
	requestID(s, p1, protocol.NoID, 5, protocol.NoSession)
	s.Tick(0)
	requestID(s, p2, protocol.NoID, 5, protocol.NoSession)
	s.Tick(0)
	return p1, p2
}

func TestNewRequiresAgent(t *testing.T) {
	_, err := New(config.DefaultConfig(), nil, nil)
	assert.ErrorIs(t, err, ErrNoAgent)
}

func TestFreshJoinIntoProvisionedRoom(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := provision(t, s, room.Spec{ID: 5, Capacity: 2})
	require.NoError(t, err)

	p := newPeer()
	requestID(s, p, protocol.NoID, 5, protocol.NoSession)

	reply := replyOf(t, p)
	assert.Equal(t, int64(1), reply.ID)
	assert.Equal(t, s.SessionToken(), reply.SessionToken)
	assert.Equal(t, int64(1), p.PlayerID())

	assert.Empty(t, p.received(t, protocol.PackRoomAssign), "seating waits for the tick")
	s.Tick(0)

	assert.Equal(t, protocol.RoomAssign{RoomID: 5, Seat: 0}, assignOf(t, p))
	assert.Equal(t, []int64{1}, s.Rooms().Seats(5))

	info, ok := s.Sessions().Get(1)
	require.True(t, ok)
	assert.Equal(t, int64(5), info.Room)
	assert.Equal(t, events.SessionConnected, info.State)
}

func TestSecondClientFillsRoom(t *testing.T) {
	s, agent := newTestServer(t)
	p1, p2 := fillRoom5(t, s)

	assert.Equal(t, protocol.RoomAssign{RoomID: 5, Seat: 1}, assignOf(t, p2))
	for _, p := range []*fakePeer{p1, p2} {
		bodies := p.received(t, protocol.PackRoomFilled)
		require.Len(t, bodies, 1)
		roster, err := protocol.ParseRoomFilled(bodies[0])
		require.NoError(t, err)
		assert.Len(t, roster, 2)
	}

	assert.Equal(t, []int64{5}, agent.created)
	assert.Equal(t, []int64{5}, agent.filled)

	s.Tick(0)
	s.Tick(0)
	assert.Len(t, agent.created, 1, "fill callbacks fire once")
	assert.Len(t, agent.filled, 1)
}

func TestReconnectKeepsSeat(t *testing.T) {
	s, agent := newTestServer(t)
	p1, p2 := fillRoom5(t, s)

	s.handleClose(p1, io.EOF)
	s.Tick(0)
	assert.Equal(t, []seatCall{{5, 0}}, agent.disconnects)

	back := newPeer()
	requestID(s, back, 1, 5, s.SessionToken())
	reply := replyOf(t, back)
	assert.Equal(t, int64(1), reply.ID)

	p2Frames := p2.count()
	s.Tick(0)

	assert.Equal(t, protocol.RoomAssign{RoomID: 5, Seat: 0}, assignOf(t, back))
	assert.Len(t, back.received(t, protocol.PackRoomFilled), 1, "a reseat into a filled room resends the roster")
	assert.Equal(t, p2Frames, p2.count(), "other seats are not re-announced")
	assert.Equal(t, []seatCall{{5, 0}}, agent.reconnects)
	assert.Len(t, agent.filled, 1)

	info, _ := s.Sessions().Get(1)
	assert.True(t, info.Active)
}

func TestReconnectRejections(t *testing.T) {
	s, _ := newTestServer(t)
	fillRoom5(t, s)

	tests := []struct {
		name  string
		id    int64
		room  int64
		token int64
	}{
		{"token mismatch", 1, 5, s.SessionToken() + 1},
		{"unknown room", 1, 6, s.SessionToken()},
		{"no previous session", 42, 5, s.SessionToken()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPeer()
			requestID(s, p, tt.id, tt.room, tt.token)
			assert.True(t, p.isClosed())
			assert.Zero(t, p.count(), "rejections get no reply")
		})
	}
}

func TestJoinRejectsUnknownAndEndedRooms(t *testing.T) {
	s, _ := newTestServer(t)

	p := newPeer()
	requestID(s, p, protocol.NoID, 77, protocol.NoSession)
	assert.True(t, p.isClosed())
	assert.Zero(t, p.count())

	fillRoom5(t, s)
	require.NoError(t, s.EndRoom(5))
	s.Tick(0)

	late := newPeer()
	requestID(s, late, protocol.NoID, 5, protocol.NoSession)
	assert.True(t, late.isClosed())
	assert.Zero(t, late.count())
}

func TestEndRoomSendsForceQuit(t *testing.T) {
	s, agent := newTestServer(t)
	p1, p2 := fillRoom5(t, s)

	require.NotNil(t, agent.remove)
	agent.remove(5)
	s.Tick(0)

	for _, p := range []*fakePeer{p1, p2} {
		assert.Len(t, p.received(t, protocol.PackForceQuit), 1)
		assert.True(t, p.isClosed())
	}
	total, _ := s.Sessions().Count()
	assert.Zero(t, total, "teardown removes lobby entries")
	assert.ErrorIs(t, s.Rooms().Joinable(5), room.ErrRoomEnded)
	assert.ErrorIs(t, s.EndRoom(5), room.ErrNoRoom)
}

func TestPermanentRoomIsReset(t *testing.T) {
	s, agent := newTestServer(t)

	p := newPeer()
	requestID(s, p, protocol.NoID, config.DefaultPermanentRoomID, protocol.NoSession)
	s.Tick(0)
	assert.Equal(t, []int64{config.DefaultPermanentRoomID}, agent.filled)

	agent.remove(config.DefaultPermanentRoomID)
	s.Tick(0)
	assert.True(t, p.isClosed())
	assert.NoError(t, s.Rooms().Joinable(config.DefaultPermanentRoomID))
	assert.Empty(t, s.Rooms().Seats(config.DefaultPermanentRoomID))
}

func TestAutoFillSeatsIntoSharedRooms(t *testing.T) {
	s, agent := newTestServer(t)

	peers := []*fakePeer{newPeer(), newPeer(), newPeer()}
	for _, p := range peers {
		requestID(s, p, protocol.NoID, protocol.AnyRoom, protocol.NoSession)
	}
	s.Tick(0)

	a0, a1, a2 := assignOf(t, peers[0]), assignOf(t, peers[1]), assignOf(t, peers[2])
	assert.Equal(t, a0.RoomID, a1.RoomID)
	assert.Equal(t, int32(0), a0.Seat)
	assert.Equal(t, int32(1), a1.Seat)
	assert.NotEqual(t, a0.RoomID, a2.RoomID, "the cursor moves past a filled room")
	assert.Equal(t, []int64{a0.RoomID}, agent.filled)
}

func TestFullRoomRejectsNewPlayer(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := provision(t, s, room.Spec{ID: 9, Capacity: 1})
	require.NoError(t, err)

	p1, p2 := newPeer(), newPeer()
	requestID(s, p1, protocol.NoID, 9, protocol.NoSession)
	requestID(s, p2, protocol.NoID, 9, protocol.NoSession)
	s.Tick(0)

	assert.False(t, p1.isClosed())
	assert.True(t, p2.isClosed())
	_, ok := s.Sessions().Get(p2.PlayerID())
	assert.False(t, ok)
	assert.Equal(t, []int64{p1.PlayerID()}, s.Rooms().Seats(9))
}

func TestProvisionRejectsDuplicate(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := provision(t, s, room.Spec{ID: 5, Capacity: 2})
	require.NoError(t, err)
	_, err = provision(t, s, room.Spec{ID: 5, Capacity: 2})
	assert.ErrorIs(t, err, room.ErrRoomExists)
}

func TestFreshIDsAreNotReused(t *testing.T) {
	s, _ := newTestServer(t)
	seen := make(map[int64]bool)
	for i := 0; i < 10; i++ {
		p := newPeer()
		requestID(s, p, protocol.NoID, protocol.AnyRoom, protocol.NoSession)
		id := replyOf(t, p).ID
		assert.False(t, seen[id], "id %d handed out twice", id)
		seen[id] = true
	}
}

func TestHeartbeatEchoAndEviction(t *testing.T) {
	s, agent := newTestServer(t)
	_, err := provision(t, s, room.Spec{ID: 5, Capacity: 2})
	require.NoError(t, err)

	p := newPeer()
	requestID(s, p, protocol.NoID, 5, protocol.NoSession)
	s.Tick(0)

	s.Tick(4 * time.Second)
	hb := protocol.BuildHeartbeat(123456)
	deliver(s, p, hb)

	echoes := p.received(t, protocol.PackHeartbeat)
	require.Len(t, echoes, 1)
	ticks, err := protocol.ParseHeartbeat(echoes[0])
	require.NoError(t, err)
	assert.Equal(t, int64(123456), ticks)

	info, _ := s.Sessions().Get(1)
	assert.Zero(t, info.Silence, "a heartbeat resets the timer to zero")

	s.Tick(5 * time.Second)
	assert.False(t, p.isClosed())
	s.Tick(0)
	assert.True(t, p.isClosed())
	assert.Equal(t, []seatCall{{5, 0}}, agent.disconnects)

	s.Tick(10 * time.Second)
	assert.Len(t, agent.disconnects, 1, "eviction happens once per silence")
}

func TestUnknownRPCIsDropped(t *testing.T) {
	s, _ := newTestServer(t)

	var got []int32
	require.NoError(t, s.Router().Register(1, "Score", []rpc.Kind{rpc.KindInt}, func(args []rpc.Arg) {
		got = append(got, args[0].Int())
	}))

	p := newPeer()
	unknown, err := rpc.Encode(999, "Score", rpc.Int(1))
	require.NoError(t, err)
	deliver(s, p, unknown)

	known, err := rpc.Encode(1, "Score", rpc.Int(7))
	require.NoError(t, err)
	deliver(s, p, known)

	assert.Equal(t, []int32{7}, got)
	assert.False(t, p.isClosed())
}

func TestSpawnsArePooledForLateJoiners(t *testing.T) {
	s, agent := newTestServer(t)

	p1 := newPeer()
	requestID(s, p1, protocol.NoID, protocol.AnyRoom, protocol.NoSession)
	deliver(s, p1, protocol.BuildSpawnRequest(protocol.Spawn{OwnerID: 1, Name: "Ball"}))

	spawns := p1.received(t, protocol.PackInstantiation)
	require.Len(t, spawns, 1)
	sp, err := protocol.ParseSpawn(spawns[0])
	require.NoError(t, err)
	assert.Equal(t, int32(1), sp.ObjectID)
	assert.Equal(t, "Ball", sp.Name)

	p2 := newPeer()
	requestID(s, p2, protocol.NoID, protocol.AnyRoom, protocol.NoSession)
	assert.Len(t, p2.received(t, protocol.PackInstantiation), 1, "late joiners get the pooled spawn")

	deliver(s, p1, protocol.BuildDestroy(protocol.Destroy{ObjectID: 1, OwnerID: 1}))
	assert.Len(t, p2.received(t, protocol.PackDestroy), 1)

	s.Tick(0)
	require.Len(t, agent.spawns, 1)
	assert.Equal(t, int32(1), agent.spawns[0].ObjectID)
	assert.Equal(t, []protocol.Destroy{{ObjectID: 1, OwnerID: 1}}, agent.despawns)
	assert.Equal(t, 2, s.Stats().PooledFrames)
}

func TestNetEventsReachAgentWithRoom(t *testing.T) {
	s, agent := newTestServer(t)
	p1, _ := fillRoom5(t, s)

	deliver(s, p1, protocol.BuildClientEvent(3, []byte{9, 8}))
	s.Tick(0)

	require.Len(t, agent.netEvents, 1)
	assert.Equal(t, protocol.NetEvent{RoomID: 5, EventID: 3, Args: []byte{9, 8}}, agent.netEvents[0])
}

func TestRoomScopedSends(t *testing.T) {
	s, _ := newTestServer(t)
	p1, p2 := fillRoom5(t, s)
	outsider := newPeer()
	requestID(s, outsider, protocol.NoID, protocol.AnyRoom, protocol.NoSession)
	s.Tick(0)

	assert.Equal(t, 2, s.RaiseEvent(5, 4, []byte{1}))
	for _, p := range []*fakePeer{p1, p2} {
		bodies := p.received(t, protocol.PackNetEvent)
		require.Len(t, bodies, 1)
		ev, err := protocol.ParseRoomEvent(bodies[0])
		require.NoError(t, err)
		assert.Equal(t, int64(5), ev.RoomID)
		assert.Equal(t, byte(4), ev.EventID)
	}
	assert.Empty(t, outsider.received(t, protocol.PackNetEvent))

	require.NoError(t, s.SendSeatRPC(5, 1, 3, "Hit", rpc.Int(2)))
	assert.Len(t, p2.received(t, protocol.PackRPC), 1)
	assert.Empty(t, p1.received(t, protocol.PackRPC))
	assert.ErrorIs(t, s.SendSeatRPC(5, 7, 3, "Hit"), ErrNoSeat)

	n, err := s.SendRoomRPC(5, 3, "Hit", rpc.Int(3))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.SendRPC(3, "Hit", rpc.Int(4))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestIDMapAndParameters(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := provision(t, s, room.Spec{
		ID:       8,
		Capacity: 1,
		BotCount: 1,
		Participants: []events.Participant{
			{ID: 1, Name: "Ada", ActualID: "u-1"},
			{ID: 50, Name: "Bot", ActualID: "bot-50"},
		},
		Extras: map[string]string{"tournamentId": "t-9"},
	})
	require.NoError(t, err)

	p := newPeer()
	requestID(s, p, 1, 8, protocol.NoSession)
	s.Tick(0)

	ids, ok := s.IDMap(8)
	require.True(t, ok)
	assert.Equal(t, []string{"u-1", "bot-50"}, ids)

	v, ok := s.RoomParameter(8, "tournamentId")
	assert.True(t, ok)
	assert.Equal(t, "t-9", v)

	bodies := p.received(t, protocol.PackRoomFilled)
	require.Len(t, bodies, 1)
	roster, err := protocol.ParseRoomFilled(bodies[0])
	require.NoError(t, err)
	assert.Equal(t, []protocol.RosterEntry{{Name: "Ada"}, {Name: "Bot"}}, roster)
}

func TestLagMonitorThresholds(t *testing.T) {
	lm := NewLagMonitor(nil, 10*time.Millisecond)

	lm.Record(5 * time.Millisecond)
	_, alert := lm.CheckThresholds()
	assert.False(t, alert)

	for i := 0; i < LagWarningThreshold; i++ {
		lm.Record(20 * time.Millisecond)
	}
	a, ok := lm.CheckThresholds()
	require.True(t, ok)
	assert.Equal(t, "warning", a.Level)

	for i := 0; i < LagCriticalThreshold; i++ {
		lm.Record(40 * time.Millisecond)
	}
	a, ok = lm.CheckThresholds()
	require.True(t, ok)
	assert.Equal(t, "critical", a.Level)

	d := lm.Data()
	assert.Equal(t, uint64(1+LagWarningThreshold+LagCriticalThreshold), d.TotalTicks)
	assert.Equal(t, 40*time.Millisecond, d.MaxDuration)
}

// seatedRooms lists every room that seats id.
func seatedRooms(s *Server, id int64) []int64 {
	var out []int64
	for _, info := range s.Rooms().Snapshot() {
		for _, seated := range info.Seats {
			if seated == id {
				out = append(out, info.ID)
			}
		}
	}
	return out
}

func TestReconnectBeforeFirstSeatingKeepsOneSeat(t *testing.T) {
	s, agent := newTestServer(t)

	p1, p2 := newPeer(), newPeer()
	requestID(s, p1, protocol.NoID, protocol.AnyRoom, protocol.NoSession)
	requestID(s, p2, protocol.NoID, protocol.AnyRoom, protocol.NoSession)
	id2 := replyOf(t, p2).ID

	// The socket drops before the tick seats it, then comes back.
	s.handleClose(p2, io.EOF)
	back := newPeer()
	requestID(s, back, id2, protocol.AnyRoom, s.SessionToken())
	assert.False(t, back.isClosed())
	s.Tick(0)

	rooms := seatedRooms(s, id2)
	require.Len(t, rooms, 1)
	assign := assignOf(t, back)
	assert.Equal(t, rooms[0], assign.RoomID)
	assert.Equal(t, int32(1), assign.Seat)
	assert.Equal(t, []seatCall{{rooms[0], 1}}, agent.reconnects)
	assert.Equal(t, []int64{rooms[0]}, agent.filled)

	info, ok := s.Sessions().Get(id2)
	require.True(t, ok)
	assert.Equal(t, rooms[0], info.Room)
}

func TestReconnectToAnyRoomReturnsToHeldSeat(t *testing.T) {
	s, agent := newTestServer(t)

	p1, p2 := newPeer(), newPeer()
	requestID(s, p1, protocol.NoID, protocol.AnyRoom, protocol.NoSession)
	requestID(s, p2, protocol.NoID, protocol.AnyRoom, protocol.NoSession)
	s.Tick(0)
	first := assignOf(t, p1)
	id1 := replyOf(t, p1).ID

	s.handleClose(p1, io.EOF)
	s.Tick(0)
	require.Equal(t, []seatCall{{first.RoomID, 0}}, agent.disconnects)

	back := newPeer()
	requestID(s, back, id1, protocol.AnyRoom, s.SessionToken())
	s.Tick(0)

	assert.Equal(t, first, assignOf(t, back))
	assert.Equal(t, []int64{first.RoomID}, seatedRooms(s, id1))
	assert.Equal(t, []seatCall{{first.RoomID, 0}}, agent.reconnects)
}

func TestFreshJoinWithSeatedIDKeepsSeat(t *testing.T) {
	s, agent := newTestServer(t)
	p1, _ := fillRoom5(t, s)
	id1 := p1.PlayerID()

	again := newPeer()
	requestID(s, again, id1, protocol.AnyRoom, protocol.NoSession)
	s.Tick(0)

	assert.Equal(t, protocol.RoomAssign{RoomID: 5, Seat: 0}, assignOf(t, again))
	assert.Equal(t, []int64{5}, seatedRooms(s, id1))
	assert.Equal(t, []seatCall{{5, 0}}, agent.reconnects)
	assert.Len(t, agent.filled, 1)
}

func TestAbandonedProvisionIsNotApplied(t *testing.T) {
	s, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Provision(ctx, room.Spec{ID: 77, Capacity: 2})
	require.ErrorIs(t, err, context.Canceled)

	s.Tick(0)
	_, exists := s.Rooms().Get(77)
	assert.False(t, exists)

	info, err := provision(t, s, room.Spec{ID: 77, Capacity: 2})
	require.NoError(t, err, "a retry after a timeout succeeds")
	assert.Equal(t, int64(77), info.ID)
}
