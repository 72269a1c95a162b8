package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/gignet/internal/config"
	"github.com/energizer-project/gignet/internal/events"
	"github.com/energizer-project/gignet/internal/protocol"
)

func newTestRegistry(sizes ...int) *Registry {
	if len(sizes) == 0 {
		sizes = []int{2}
	}
	reg := NewRegistry(config.RoomsConfig{
		SizePool: sizes,
		PermanentRooms: []config.PermanentRoom{
			{ID: config.DefaultPermanentRoomID, Capacity: 1, BotCount: 1, BotWins: true},
		},
	}, time.Minute)
	reg.SetSizePicker(func(pool []int) int { return pool[0] })
	return reg
}

func TestPermanentRoomExistsAtStart(t *testing.T) {
	reg := newTestRegistry()

	info, ok := reg.Get(config.DefaultPermanentRoomID)
	require.True(t, ok)
	assert.True(t, info.Permanent)
	assert.Equal(t, 1, info.Capacity)
	assert.Equal(t, 1, info.BotCount)
	assert.True(t, info.BotWins)
	assert.NoError(t, reg.Joinable(config.DefaultPermanentRoomID))
}

func TestSeatIsIdempotent(t *testing.T) {
	reg := newTestRegistry(3)
	id := reg.NextAutoRoom()

	res, err := reg.Seat(id, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Seat)
	assert.False(t, res.Reseat)

	res, err = reg.Seat(id, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Seat)
	assert.True(t, res.Reseat)

	assert.Equal(t, []int64{7}, reg.Seats(id))
}

func TestFillAnnouncedOnce(t *testing.T) {
	reg := newTestRegistry(2)
	id := reg.NextAutoRoom()

	res, err := reg.Seat(id, 1)
	require.NoError(t, err)
	assert.False(t, res.Filled)

	res, err = reg.Seat(id, 2)
	require.NoError(t, err)
	assert.True(t, res.Filled)
	assert.True(t, res.JustFilled)
	assert.Equal(t, 1, res.Seat)

	res, err = reg.Seat(id, 2)
	require.NoError(t, err)
	assert.True(t, res.Reseat)
	assert.False(t, res.JustFilled, "a reseat into a filled room is not a second fill")

	_, err = reg.Seat(id, 3)
	assert.ErrorIs(t, err, ErrRoomFull)
	assert.Len(t, reg.Seats(id), 2)
}

func TestAutoFillCursor(t *testing.T) {
	reg := newTestRegistry(2)

	first := reg.NextAutoRoom()
	assert.Equal(t, first, reg.NextAutoRoom(), "an open room keeps receiving players")

	reg.Seat(first, 1)
	reg.Seat(first, 2)

	second := reg.NextAutoRoom()
	assert.NotEqual(t, first, second)

	// Provisioned and recently-ended ids are skipped.
	_, err := reg.Provision(Spec{ID: second + 1, Capacity: 2})
	require.NoError(t, err)
	reg.Seat(second, 3)
	reg.Seat(second, 4)
	third := reg.NextAutoRoom()
	assert.Equal(t, second+2, third)

	_, err = reg.Remove(third)
	require.NoError(t, err)
	assert.Equal(t, third+1, reg.NextAutoRoom())
}

func TestProvisionRejectsDuplicate(t *testing.T) {
	reg := newTestRegistry()

	_, err := reg.Provision(Spec{ID: 55, Capacity: 2})
	require.NoError(t, err)

	_, err = reg.Provision(Spec{ID: 55, Capacity: 4})
	assert.ErrorIs(t, err, ErrRoomExists)

	_, err = reg.Provision(Spec{ID: config.DefaultPermanentRoomID, Capacity: 4})
	assert.ErrorIs(t, err, ErrRoomExists)

	_, err = reg.Provision(Spec{ID: 56, Capacity: 0})
	assert.ErrorIs(t, err, ErrInvalidSpec)

	info, _ := reg.Get(55)
	assert.Equal(t, 2, info.Capacity, "the first provisioning wins")
}

func TestRemoveMarksRecentlyEnded(t *testing.T) {
	reg := newTestRegistry()
	_, err := reg.Provision(Spec{ID: 55, Capacity: 2})
	require.NoError(t, err)
	reg.Seat(55, 1)

	rem, err := reg.Remove(55)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, rem.Seated)
	assert.False(t, rem.Permanent)

	assert.True(t, reg.RecentlyEnded(55))
	assert.ErrorIs(t, reg.Joinable(55), ErrRoomEnded)
	assert.ErrorIs(t, reg.Joinable(56), ErrNoRoom)

	_, err = reg.Remove(55)
	assert.ErrorIs(t, err, ErrNoRoom)

	assert.Zero(t, reg.PruneEnded(time.Now()))
	assert.Equal(t, 1, reg.PruneEnded(time.Now().Add(2*time.Minute)))
	assert.False(t, reg.RecentlyEnded(55))

	// A recently-ended id can be provisioned again.
	_, err = reg.Provision(Spec{ID: 55, Capacity: 2})
	assert.NoError(t, err)
}

func TestPermanentRoomResetsInPlace(t *testing.T) {
	reg := newTestRegistry()
	id := int64(config.DefaultPermanentRoomID)

	res, err := reg.Seat(id, 9)
	require.NoError(t, err)
	assert.True(t, res.JustFilled)

	rem, err := reg.Remove(id)
	require.NoError(t, err)
	assert.True(t, rem.Permanent)

	assert.False(t, reg.RecentlyEnded(id))
	info, ok := reg.Get(id)
	require.True(t, ok)
	assert.Empty(t, info.Seats)

	res, err = reg.Seat(id, 10)
	require.NoError(t, err)
	assert.True(t, res.JustFilled, "a reset permanent room announces again")
}

func TestRosterFallsBackAndAppendsBots(t *testing.T) {
	reg := newTestRegistry()
	_, err := reg.Provision(Spec{
		ID:       77,
		Capacity: 2,
		BotCount: 1,
		Participants: []events.Participant{
			{ID: 1, Name: "Ada", ActualID: "u-1", Avatar: "a.png"},
			{ID: 900, Name: "Bot", ActualID: "bot-1", Avatar: "bot.png"},
		},
		Extras: map[string]string{"map": "canyon"},
	})
	require.NoError(t, err)

	reg.Seat(77, 1)
	reg.Seat(77, 2)

	roster, ok := reg.Roster(77)
	require.True(t, ok)
	assert.Equal(t, []protocol.RosterEntry{
		{Name: "Ada", Avatar: "a.png"},
		{Name: "Player 2"},
		{Name: "Bot", Avatar: "bot.png"},
	}, roster)

	ids, ok := reg.IDMap(77)
	require.True(t, ok)
	assert.Equal(t, []string{"u-1", "2", "bot-1"}, ids)

	v, ok := reg.Parameter(77, "map")
	assert.True(t, ok)
	assert.Equal(t, "canyon", v)
	_, ok = reg.Parameter(77, "mode")
	assert.False(t, ok)
}

func TestRosterWithoutParticipants(t *testing.T) {
	reg := newTestRegistry(3)
	id := reg.NextAutoRoom()
	reg.Seat(id, 4)

	roster, _ := reg.Roster(id)
	require.Len(t, roster, 3, "the roster always lists every seat")
	assert.Equal(t, "Player 1", roster[0].Name)
	assert.Equal(t, "Player 3", roster[2].Name)

	ids, _ := reg.IDMap(id)
	assert.Empty(t, ids)
}

func TestStatsAndSnapshot(t *testing.T) {
	reg := newTestRegistry(2)
	id := reg.NextAutoRoom()
	reg.Seat(id, 1)
	reg.Provision(Spec{ID: 500, Capacity: 1})
	reg.Seat(500, 2)

	s := reg.Stats()
	assert.Equal(t, 3, s.Rooms)
	assert.Equal(t, 1, s.Filled)
	assert.Equal(t, 1, s.Provisioned)
	assert.Equal(t, 2, s.SeatedPlayers)

	snap := reg.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, id, snap[0].ID)
	assert.Equal(t, int64(500), snap[1].ID)

	payload := snap[1].Payload()
	assert.Equal(t, int64(500), payload.RoomID)
	assert.Equal(t, []int64{2}, payload.Seats)
}

func TestLocateFindsHeldSeat(t *testing.T) {
	reg := newTestRegistry(3)
	id := reg.NextAutoRoom()

	_, _, ok := reg.Locate(9)
	assert.False(t, ok)

	_, err := reg.Seat(id, 8)
	require.NoError(t, err)
	_, err = reg.Seat(id, 9)
	require.NoError(t, err)

	roomID, seat, ok := reg.Locate(9)
	require.True(t, ok)
	assert.Equal(t, id, roomID)
	assert.Equal(t, 1, seat)

	_, err = reg.Remove(id)
	require.NoError(t, err)
	roomID, seat, ok = reg.Locate(9)
	assert.False(t, ok)
	assert.Equal(t, protocol.NoID, roomID)
	assert.Equal(t, -1, seat)
}
