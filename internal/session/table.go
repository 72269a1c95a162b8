// Package session holds the lobby: the id -> session map, heartbeat timers,
// and the rules for swapping sockets on reconnect.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gignet/internal/events"
	"github.com/energizer-project/gignet/internal/protocol"
)

// EvictedTimer marks a session whose timer must not advance until the
// next heartbeat or reconnect.
const EvictedTimer = -10 * time.Second

var (
	// ErrNoSession is returned for ids that are not in the lobby.
	ErrNoSession = errors.New("no such session")

	// ErrNoSocket is returned when a session has no live socket.
	ErrNoSocket = errors.New("session has no socket")
)

// Socket is the part of a connection the lobby needs.
type Socket interface {
	Send(frame []byte) error
	Close() error
	RemoteAddr() string
}

// LostFunc is told about every session that loses its socket. It is
// called without the table lock held.
type LostFunc func(id, room int64, reason events.DisconnectReason)

type session struct {
	id     int64
	socket Socket
	room   int64
	timer  time.Duration
	active bool
	joined time.Time
}

// Info is a snapshot of one session.
type Info struct {
	ID       int64               `json:"id"`
	Room     int64               `json:"room"`
	Active   bool                `json:"active"`
	State    events.SessionState `json:"state"`
	Silence  time.Duration       `json:"silence_ns"`
	Remote   string              `json:"remote,omitempty"`
	JoinedAt time.Time           `json:"joined_at"`
}

func (s *session) info() Info {
	inf := Info{
		ID:       s.id,
		Room:     s.room,
		Active:   s.active,
		JoinedAt: s.joined,
	}
	if s.timer > 0 {
		inf.Silence = s.timer
	}
	if s.socket != nil {
		inf.Remote = s.socket.RemoteAddr()
	}
	switch {
	case !s.active:
		inf.State = events.SessionDisconnected
	case s.room == protocol.NoID:
		inf.State = events.SessionUnassigned
	default:
		inf.State = events.SessionConnected
	}
	return inf
}

// Table is the lobby. Every mutation happens under one mutex; socket
// writes and closes happen after it is released.
type Table struct {
	mu       sync.Mutex
	sessions map[int64]*session
	nextID   int64
	timeout  time.Duration
	onLost   LostFunc
	logger   zerolog.Logger
}

// NewTable creates an empty lobby. Sessions silent for timeout are evicted
// by Tick; onLost may be nil.
func NewTable(timeout time.Duration, onLost LostFunc) *Table {
	return &Table{
		sessions: make(map[int64]*session),
		timeout:  timeout,
		onLost:   onLost,
		logger:   log.With().Str("component", "lobby").Logger(),
	}
}

// AllocateID returns the next counter value not present in the lobby.
func (t *Table) AllocateID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		t.nextID++
		if _, taken := t.sessions[t.nextID]; !taken {
			return t.nextID
		}
	}
}

// Join creates or replaces the entry for id with a fresh active session.
// It reports whether the id was already in the lobby. A replaced socket
// that differs from sock is closed.
func (t *Table) Join(id int64, sock Socket, room int64) bool {
	t.mu.Lock()
	prev, existed := t.sessions[id]
	var stale Socket
	if existed && prev.socket != nil && prev.socket != sock {
		stale = prev.socket
	}
	t.sessions[id] = &session{
		id:     id,
		socket: sock,
		room:   room,
		active: true,
		joined: time.Now(),
	}
	t.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	return existed
}

// Reconnect swaps sock into the existing session for id, resets its timer
// and marks it active. It returns the session's room, or false when the id
// has no session.
func (t *Table) Reconnect(id int64, sock Socket) (int64, bool) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if !ok {
		t.mu.Unlock()
		return protocol.NoID, false
	}
	stale := s.socket
	s.socket = sock
	s.timer = 0
	s.active = true
	room := s.room
	t.mu.Unlock()

	if stale != nil && stale != sock {
		stale.Close()
	}
	return room, true
}

// Heartbeat resets the timer of id to zero if sock is its current socket.
func (t *Table) Heartbeat(id int64, sock Socket) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok || s.socket != sock {
		return false
	}
	s.timer = 0
	return true
}

// Tick advances every running timer by elapsed. Sessions whose timer
// already reached the timeout are evicted: socket closed, marked inactive,
// timer parked at EvictedTimer. Returns the evicted ids.
func (t *Table) Tick(elapsed time.Duration) []int64 {
	type eviction struct {
		id, room int64
		socket   Socket
	}

	var evicted []eviction
	t.mu.Lock()
	for _, s := range t.sessions {
		if s.timer < 0 {
			continue
		}
		if s.timer >= t.timeout {
			evicted = append(evicted, eviction{id: s.id, room: s.room, socket: s.socket})
			s.socket = nil
			s.active = false
			s.timer = EvictedTimer
			continue
		}
		s.timer += elapsed
	}
	t.mu.Unlock()

	ids := make([]int64, 0, len(evicted))
	for _, e := range evicted {
		if e.socket != nil {
			e.socket.Close()
		}
		t.logger.Info().Int64("player_id", e.id).Int64("room_id", e.room).Msg("session timed out")
		if t.onLost != nil {
			t.onLost(e.id, e.room, events.ReasonTimeout)
		}
		ids = append(ids, e.id)
	}
	return ids
}

// Disconnect marks id inactive when sock is still its socket. A socket that
// was already superseded by a reconnect is ignored. Reports whether the
// session was marked.
func (t *Table) Disconnect(id int64, sock Socket, reason events.DisconnectReason) bool {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if !ok || s.socket != sock || s.socket == nil {
		t.mu.Unlock()
		return false
	}
	s.socket = nil
	s.active = false
	s.timer = EvictedTimer
	room := s.room
	t.mu.Unlock()

	sock.Close()
	t.logger.Info().
		Int64("player_id", id).
		Int64("room_id", room).
		Str("reason", reason.String()).
		Msg("session disconnected")
	if t.onLost != nil {
		t.onLost(id, room, reason)
	}
	return true
}

// Remove deletes id from the lobby and returns its socket, which the
// caller is responsible for closing.
func (t *Table) Remove(id int64) (Socket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return nil, false
	}
	delete(t.sessions, id)
	return s.socket, true
}

// SetRoom records the room id has been seated in.
func (t *Table) SetRoom(id, room int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return false
	}
	s.room = room
	return true
}

// Socket returns the current socket of id.
func (t *Table) Socket(id int64) (Socket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok || s.socket == nil {
		return nil, false
	}
	return s.socket, true
}

// Get returns a snapshot of id.
func (t *Table) Get(id int64) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// Send writes frame to id's socket. A failing write disconnects the session.
func (t *Table) Send(id int64, frame []byte) error {
	sock, ok := t.Socket(id)
	if !ok {
		t.mu.Lock()
		_, exists := t.sessions[id]
		t.mu.Unlock()
		if !exists {
			return ErrNoSession
		}
		return ErrNoSocket
	}

	if err := sock.Send(frame); err != nil {
		t.Disconnect(id, sock, events.ReasonSocketClosed)
		return err
	}
	return nil
}

// SendMany writes frame to each id in order, skipping ids without a socket.
func (t *Table) SendMany(ids []int64, frame []byte) int {
	sent := 0
	for _, id := range ids {
		if err := t.Send(id, frame); err == nil {
			sent++
		}
	}
	return sent
}

// Broadcast writes frame to every session with a live socket.
func (t *Table) Broadcast(frame []byte) int {
	return t.SendMany(t.IDs(), frame)
}

// IDs returns every id in the lobby in ascending order.
func (t *Table) IDs() []int64 {
	t.mu.Lock()
	ids := make([]int64, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot returns every session ordered by id.
func (t *Table) Snapshot() []Info {
	t.mu.Lock()
	out := make([]Info, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.info())
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of sessions and how many of them are active.
func (t *Table) Count() (total, active int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.sessions {
		if s.active {
			active++
		}
	}
	return len(t.sessions), active
}
