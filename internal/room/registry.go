package room

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gignet/internal/config"
	"github.com/energizer-project/gignet/internal/protocol"
)

var (
	// ErrRoomExists is returned when provisioning an id that is in use.
	ErrRoomExists = errors.New("room already exists")

	// ErrNoRoom is returned for ids that do not name a live room.
	ErrNoRoom = errors.New("no such room")

	// ErrRoomEnded is returned for ids in the recently-ended set.
	ErrRoomEnded = errors.New("room recently ended")

	// ErrRoomFull is returned when seating a new id in a filled room.
	ErrRoomFull = errors.New("room is full")

	// ErrInvalidSpec is returned for a provisioning request that cannot
	// produce a usable room.
	ErrInvalidSpec = errors.New("invalid room spec")
)

// SeatResult describes the outcome of Seat.
type SeatResult struct {
	Seat int
	// Reseat is true when the id already held the seat.
	Reseat bool
	// JustFilled is true exactly once per room: on the seating that filled
	// it for the first time.
	JustFilled bool
	// Filled reports whether the room is full after the call.
	Filled bool
}

// Removal lists what a teardown took down.
type Removal struct {
	Room      Info
	Seated    []int64
	Permanent bool
}

// Registry owns every room. Mutations are expected from the server's tick
// goroutine; reads are safe from anywhere.
type Registry struct {
	mu            sync.RWMutex
	rooms         map[int64]*Room
	recentlyEnded map[int64]time.Time
	endedTTL      time.Duration
	sizePool      []int
	pickSize      func(pool []int) int
	cursor        int64
	logger        zerolog.Logger
}

// NewRegistry creates the permanent rooms and an empty auto-fill pool.
func NewRegistry(rooms config.RoomsConfig, endedTTL time.Duration) *Registry {
	r := &Registry{
		rooms:         make(map[int64]*Room),
		recentlyEnded: make(map[int64]time.Time),
		endedTTL:      endedTTL,
		sizePool:      append([]int(nil), rooms.SizePool...),
		pickSize:      randomSize,
		logger:        log.With().Str("component", "rooms").Logger(),
	}
	for _, p := range rooms.PermanentRooms {
		room := newRoom(Spec{ID: p.ID, Capacity: p.Capacity, BotCount: p.BotCount, BotWins: p.BotWins})
		room.Permanent = true
		r.rooms[p.ID] = room
	}
	return r
}

func randomSize(pool []int) int {
	if len(pool) == 0 {
		return 2
	}
	return pool[rand.Intn(len(pool))]
}

// SetSizePicker replaces the random auto-fill capacity choice.
func (r *Registry) SetSizePicker(pick func(pool []int) int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pickSize = pick
}

// Provision creates a room ahead of any connection. An id that ended
// recently may be provisioned again.
func (r *Registry) Provision(spec Spec) (Info, error) {
	if spec.Capacity < 1 {
		return Info{}, fmt.Errorf("%w: capacity %d", ErrInvalidSpec, spec.Capacity)
	}
	if spec.BotCount < 0 {
		return Info{}, fmt.Errorf("%w: bot count %d", ErrInvalidSpec, spec.BotCount)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[spec.ID]; ok {
		return Info{}, fmt.Errorf("%w: %d", ErrRoomExists, spec.ID)
	}
	delete(r.recentlyEnded, spec.ID)

	room := newRoom(spec)
	room.Provisioned = true
	r.rooms[spec.ID] = room

	r.logger.Info().
		Int64("room_id", spec.ID).
		Int("capacity", spec.Capacity).
		Int("bot_count", spec.BotCount).
		Int("participants", len(spec.Participants)).
		Msg("room provisioned")
	return room.Info(), nil
}

// Joinable checks that id names a live room that a player may target.
func (r *Registry) Joinable(id int64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ended := r.recentlyEnded[id]; ended {
		return fmt.Errorf("%w: %d", ErrRoomEnded, id)
	}
	if _, ok := r.rooms[id]; !ok {
		return fmt.Errorf("%w: %d", ErrNoRoom, id)
	}
	return nil
}

// RecentlyEnded reports whether id was torn down within the TTL.
func (r *Registry) RecentlyEnded(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.recentlyEnded[id]
	return ok
}

// EndedIDs lists the recently ended room ids in ascending order.
func (r *Registry) EndedIDs() []int64 {
	r.mu.RLock()
	out := make([]int64, 0, len(r.recentlyEnded))
	for id := range r.recentlyEnded {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NextAutoRoom returns the auto-fill room a "join any room" request should
// use, creating it with a capacity from the size pool when needed. The
// cursor only moves forward, past rooms that are filled, provisioned,
// permanent or recently ended.
func (r *Registry) NextAutoRoom() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		id := r.cursor
		if _, ended := r.recentlyEnded[id]; ended {
			r.cursor++
			continue
		}
		room, ok := r.rooms[id]
		if !ok {
			room = newRoom(Spec{ID: id, Capacity: r.pickSize(r.sizePool)})
			r.rooms[id] = room
			r.logger.Info().Int64("room_id", id).Int("capacity", room.Capacity).Msg("auto-fill room created")
			return id
		}
		if room.Filled() || room.Provisioned || room.Permanent {
			r.cursor++
			continue
		}
		return id
	}
}

// Seat places id in room, idempotently.
func (r *Registry) Seat(roomID, id int64) (SeatResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return SeatResult{Seat: -1}, fmt.Errorf("%w: %d", ErrNoRoom, roomID)
	}

	seat, added, err := room.add(id)
	if err != nil {
		return SeatResult{Seat: -1, Filled: true}, err
	}

	res := SeatResult{Seat: seat, Reseat: !added, Filled: room.Filled()}
	if res.Filled && !room.announced {
		room.announced = true
		room.FilledAt = time.Now()
		res.JustFilled = true
		if roomID == r.cursor {
			r.cursor++
		}
	}
	return res, nil
}

// Remove tears a room down. Non-permanent rooms are deleted and remembered
// as recently ended; permanent rooms are emptied in place.
func (r *Registry) Remove(id int64) (Removal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[id]
	if !ok {
		return Removal{}, fmt.Errorf("%w: %d", ErrNoRoom, id)
	}

	rem := Removal{Room: room.Info(), Seated: room.Seats(), Permanent: room.Permanent}
	if room.Permanent {
		room.reset()
		r.logger.Info().Int64("room_id", id).Msg("permanent room reset")
		return rem, nil
	}

	delete(r.rooms, id)
	r.recentlyEnded[id] = time.Now()
	r.logger.Info().Int64("room_id", id).Int("seated", len(rem.Seated)).Msg("room removed")
	return rem, nil
}

// PruneEnded forgets recently-ended ids older than the TTL.
func (r *Registry) PruneEnded(now time.Time) int {
	if r.endedTTL <= 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, at := range r.recentlyEnded {
		if now.Sub(at) >= r.endedTTL {
			delete(r.recentlyEnded, id)
			removed++
		}
	}
	return removed
}

// Get returns a snapshot of room id.
func (r *Registry) Get(id int64) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[id]
	if !ok {
		return Info{}, false
	}
	return room.Info(), true
}

// SeatOf returns the seat of player in room, or -1.
func (r *Registry) SeatOf(roomID, player int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return -1
	}
	return room.SeatOf(player)
}

// Locate returns the room and seat currently held by player. A player holds
// at most one seat across the registry.
func (r *Registry) Locate(player int64) (roomID int64, seat int, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, room := range r.rooms {
		if s := room.SeatOf(player); s >= 0 {
			return id, s, true
		}
	}
	return protocol.NoID, -1, false
}

// PlayerAt returns the id in seat of room, or -1.
func (r *Registry) PlayerAt(roomID int64, seat int) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return -1
	}
	return room.PlayerAt(seat)
}

// Seats returns the seated ids of room in seat order.
func (r *Registry) Seats(roomID int64) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return room.Seats()
}

// Roster returns the RoomFilled roster of room.
func (r *Registry) Roster(roomID int64) ([]protocol.RosterEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	return room.Roster(), true
}

// IDMap returns seat -> external id for room.
func (r *Registry) IDMap(roomID int64) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	return room.IDMap(), true
}

// Parameter returns an extra supplied when room was provisioned.
func (r *Registry) Parameter(roomID int64, key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return "", false
	}
	return room.Parameter(key)
}

// Snapshot returns every room ordered by id.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room.Info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats counts rooms by state.
type Stats struct {
	Rooms         int `json:"rooms"`
	Filled        int `json:"filled"`
	Provisioned   int `json:"provisioned"`
	SeatedPlayers int `json:"seated_players"`
	RecentlyEnded int `json:"recently_ended"`
}

// Stats returns aggregate counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Rooms: len(r.rooms), RecentlyEnded: len(r.recentlyEnded)}
	for _, room := range r.rooms {
		if room.Filled() {
			s.Filled++
		}
		if room.Provisioned {
			s.Provisioned++
		}
		s.SeatedPlayers += room.PlayerCount()
	}
	return s
}
