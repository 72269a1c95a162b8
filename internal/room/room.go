// Package room implements capacity-bounded rooms and the registry that
// creates, fills and tears them down.
package room

import (
	"fmt"
	"strconv"
	"time"

	"github.com/energizer-project/gignet/internal/events"
	"github.com/energizer-project/gignet/internal/protocol"
)

// Spec describes a room to create.
type Spec struct {
	ID           int64
	Capacity     int
	BotCount     int
	BotWins      bool
	Participants []events.Participant
	Extras       map[string]string
}

// Room is a fixed-capacity group of seated players. Rooms hold player ids
// only; sockets live in the lobby.
type Room struct {
	ID           int64
	Capacity     int
	BotCount     int
	BotWins      bool
	Permanent    bool
	Provisioned  bool
	Participants []events.Participant
	Extras       map[string]string
	CreatedAt    time.Time
	FilledAt     time.Time

	seats     []int64
	announced bool
}

func newRoom(spec Spec) *Room {
	return &Room{
		ID:           spec.ID,
		Capacity:     spec.Capacity,
		BotCount:     spec.BotCount,
		BotWins:      spec.BotWins,
		Participants: append([]events.Participant(nil), spec.Participants...),
		Extras:       copyExtras(spec.Extras),
		CreatedAt:    time.Now(),
		seats:        make([]int64, 0, spec.Capacity),
	}
}

func copyExtras(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Filled reports whether every seat is taken.
func (r *Room) Filled() bool {
	return len(r.seats) == r.Capacity
}

// Seats returns a copy of the seated ids in seat order.
func (r *Room) Seats() []int64 {
	return append([]int64(nil), r.seats...)
}

// PlayerCount returns the number of taken seats.
func (r *Room) PlayerCount() int {
	return len(r.seats)
}

// SeatOf returns the seat index of id, or -1.
func (r *Room) SeatOf(id int64) int {
	for i, s := range r.seats {
		if s == id {
			return i
		}
	}
	return -1
}

// PlayerAt returns the id in seat, or -1 for an empty or invalid seat.
func (r *Room) PlayerAt(seat int) int64 {
	if seat < 0 || seat >= len(r.seats) {
		return protocol.NoID
	}
	return r.seats[seat]
}

// add seats id and returns its index. Seating an id twice returns the
// original index.
func (r *Room) add(id int64) (seat int, added bool, err error) {
	if seat := r.SeatOf(id); seat >= 0 {
		return seat, false, nil
	}
	if r.Filled() {
		return -1, false, fmt.Errorf("%w: room %d has %d/%d seats", ErrRoomFull, r.ID, len(r.seats), r.Capacity)
	}
	r.seats = append(r.seats, id)
	return len(r.seats) - 1, true, nil
}

func (r *Room) reset() {
	r.seats = r.seats[:0]
	r.announced = false
	r.FilledAt = time.Time{}
}

// Participant returns the roster entry supplied for id.
func (r *Room) Participant(id int64) (events.Participant, bool) {
	for _, p := range r.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return events.Participant{}, false
}

// Roster lists a name and avatar per seat, then the participants that never
// took a seat (bots). Seats without a known participant get "Player N".
func (r *Room) Roster() []protocol.RosterEntry {
	entries := make([]protocol.RosterEntry, 0, r.Capacity+len(r.Participants))
	used := make(map[int64]bool, len(r.seats))

	for i := 0; i < r.Capacity; i++ {
		if i < len(r.seats) {
			if p, ok := r.Participant(r.seats[i]); ok {
				entries = append(entries, protocol.RosterEntry{Name: p.Name, Avatar: p.Avatar})
				used[p.ID] = true
				continue
			}
		}
		entries = append(entries, protocol.RosterEntry{Name: "Player " + strconv.Itoa(i+1)})
	}

	for _, p := range r.Participants {
		if used[p.ID] {
			continue
		}
		used[p.ID] = true
		entries = append(entries, protocol.RosterEntry{Name: p.Name, Avatar: p.Avatar})
	}
	return entries
}

// IDMap maps seat index to external id. Rooms with bots also list the
// unseated participants after the seats. Rooms without a roster map to
// nothing.
func (r *Room) IDMap() []string {
	if len(r.Participants) == 0 {
		return nil
	}

	ids := make([]string, 0, r.Capacity+r.BotCount)
	present := make(map[string]bool)
	for _, id := range r.seats {
		ext := strconv.FormatInt(id, 10)
		if p, ok := r.Participant(id); ok && p.ActualID != "" {
			ext = p.ActualID
		}
		ids = append(ids, ext)
		present[ext] = true
	}

	if r.BotCount > 0 {
		for _, p := range r.Participants {
			if present[p.ActualID] {
				continue
			}
			present[p.ActualID] = true
			ids = append(ids, p.ActualID)
		}
	}
	return ids
}

// Parameter returns an extra value supplied at provisioning.
func (r *Room) Parameter(key string) (string, bool) {
	v, ok := r.Extras[key]
	return v, ok
}

// Info is a snapshot of a room for monitoring and events.
type Info struct {
	ID           int64                `json:"id"`
	Capacity     int                  `json:"capacity"`
	BotCount     int                  `json:"bot_count"`
	BotWins      bool                 `json:"bot_wins"`
	Permanent    bool                 `json:"permanent"`
	Provisioned  bool                 `json:"provisioned"`
	Filled       bool                 `json:"filled"`
	Seats        []int64              `json:"seats"`
	Participants []events.Participant `json:"participants,omitempty"`
	Extras       map[string]string    `json:"extras,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	FilledAt     time.Time            `json:"filled_at,omitempty"`
}

// Info returns a copy of the room's state.
func (r *Room) Info() Info {
	return Info{
		ID:           r.ID,
		Capacity:     r.Capacity,
		BotCount:     r.BotCount,
		BotWins:      r.BotWins,
		Permanent:    r.Permanent,
		Provisioned:  r.Provisioned,
		Filled:       r.Filled(),
		Seats:        r.Seats(),
		Participants: append([]events.Participant(nil), r.Participants...),
		Extras:       copyExtras(r.Extras),
		CreatedAt:    r.CreatedAt,
		FilledAt:     r.FilledAt,
	}
}

// Payload converts the room into an event payload.
func (i Info) Payload() events.RoomPayload {
	return events.RoomPayload{
		RoomID:       i.ID,
		Capacity:     i.Capacity,
		BotCount:     i.BotCount,
		BotWins:      i.BotWins,
		Permanent:    i.Permanent,
		Seats:        i.Seats,
		Participants: i.Participants,
		Extras:       i.Extras,
	}
}
