package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/energizer-project/gignet/internal/events"
	"github.com/energizer-project/gignet/internal/protocol"
	"github.com/energizer-project/gignet/internal/room"
)

// queue is a FIFO filled by socket goroutines and drained by Tick.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

func (q *queue[T]) drain() []T {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

type joinRequest struct {
	id   int64
	room int64
}

// seatEvent names a player whose seat the agent must hear about.
// Reconnections leave room unset and read it from the lobby when drained.
type seatEvent struct {
	id   int64
	room int64
}

type provisionResult struct {
	info room.Info
	err  error
}

// provisionCmd is claimed exactly once: by Tick, which applies it, or by
// the caller giving up, which turns it into a no-op.
type provisionCmd struct {
	spec    room.Spec
	reply   chan provisionResult
	claimed atomic.Bool
}

func (s *Server) runTicks(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(now.Sub(last))
			s.lag.Record(time.Since(now))
			last = now
		}
	}
}

// Tick runs one pass of the server loop: heartbeat timers, provisioning,
// room joins, disconnections, reconnections, agent events, then teardowns.
// It is called by the tick loop and may be called directly in tests.
func (s *Server) Tick(elapsed time.Duration) {
	s.sessions.Tick(elapsed)

	for _, cmd := range s.provisions.drain() {
		if !cmd.claimed.CompareAndSwap(false, true) {
			s.logger.Debug().Int64("room_id", cmd.spec.ID).Msg("provisioning abandoned by caller")
			continue
		}
		info, err := s.rooms.Provision(cmd.spec)
		if err == nil {
			s.emit(events.EventRoomProvisioned, info.Payload())
		}
		cmd.reply <- provisionResult{info: info, err: err}
	}

	for _, j := range s.joins.drain() {
		s.addToRoom(j.id, j.room)
	}

	for _, ev := range s.disconnects.drain() {
		if seat := s.rooms.SeatOf(ev.room, ev.id); seat >= 0 {
			s.agent.OnPlayerDisconnect(ev.room, seat)
		}
	}

	for _, ev := range s.reconnects.drain() {
		info, ok := s.sessions.Get(ev.id)
		if !ok {
			continue
		}
		if seat := s.rooms.SeatOf(info.Room, ev.id); seat >= 0 {
			s.agent.OnPlayerReconnect(info.Room, seat)
		}
	}

	if h, ok := s.agent.(EventHandler); ok {
		for _, ev := range s.netEvents.drain() {
			h.OnNetEvent(ev.RoomID, ev.EventID, ev.Args)
		}
	} else {
		s.netEvents.drain()
	}

	if h, ok := s.agent.(SpawnHandler); ok {
		for _, sp := range s.spawned.drain() {
			h.OnSpawn(sp)
		}
		for _, d := range s.despawned.drain() {
			h.OnDespawn(d.ObjectID, d.OwnerID)
		}
	} else {
		s.spawned.drain()
		s.despawned.drain()
	}

	for _, id := range s.removals.drain() {
		s.removeRoom(id)
	}
}

func (s *Server) onSessionLost(id, roomID int64, reason events.DisconnectReason) {
	s.disconnects.push(seatEvent{id: id, room: roomID})
	s.emit(events.EventSessionDisconnected, events.SessionPayload{
		PlayerID: id,
		RoomID:   roomID,
		Seat:     -1,
		Reason:   reason,
	})
}

// addToRoom seats id, sends RoomAssign and, when the seat fills the room,
// announces it to every seat and to the agent.
func (s *Server) addToRoom(id, target int64) {
	if _, ok := s.sessions.Get(id); !ok {
		return
	}

	// A player already holding a seat keeps it, whatever room was asked for.
	roomID := target
	if held, _, ok := s.rooms.Locate(id); ok {
		if target != protocol.AnyRoom && target != held {
			s.logger.Debug().Int64("player_id", id).Int64("requested", target).Int64("room_id", held).Msg("keeping existing seat")
		}
		roomID = held
	} else if roomID == protocol.AnyRoom {
		roomID = s.rooms.NextAutoRoom()
	}

	res, err := s.rooms.Seat(roomID, id)
	if err != nil {
		s.logger.Warn().Err(err).Int64("player_id", id).Int64("room_id", roomID).Msg("seat not granted")
		if sock, ok := s.sessions.Remove(id); ok && sock != nil {
			sock.Close()
		}
		s.emit(events.EventSessionRejected, events.SessionPayload{
			PlayerID: id,
			RoomID:   roomID,
			Seat:     -1,
			Detail:   err.Error(),
		})
		return
	}

	s.sessions.SetRoom(id, roomID)
	s.sessions.Send(id, protocol.BuildRoomAssign(protocol.RoomAssign{RoomID: roomID, Seat: int32(res.Seat)}))

	s.logger.Info().
		Int64("player_id", id).
		Int64("room_id", roomID).
		Int("seat", res.Seat).
		Bool("reseat", res.Reseat).
		Msg("player seated")
	s.emit(events.EventPlayerSeated, events.SeatPayload{RoomID: roomID, PlayerID: id, Seat: res.Seat, Reseat: res.Reseat})

	switch {
	case res.JustFilled:
		s.announceFilled(roomID)
	case res.Reseat && res.Filled:
		if frame, err := s.rosterFrame(roomID); err == nil {
			s.sessions.Send(id, frame)
		}
	}
}

func (s *Server) rosterFrame(roomID int64) ([]byte, error) {
	roster, ok := s.rooms.Roster(roomID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", room.ErrNoRoom, roomID)
	}
	return protocol.BuildRoomFilled(roster)
}

func (s *Server) announceFilled(roomID int64) {
	info, ok := s.rooms.Get(roomID)
	if !ok {
		return
	}

	frame, err := s.rosterFrame(roomID)
	if err != nil {
		s.logger.Error().Err(err).Int64("room_id", roomID).Msg("failed to build roster")
		return
	}
	for _, id := range info.Seats {
		s.sessions.Send(id, frame)
	}

	s.agent.CreateRoom(roomID, info.Capacity, info.BotCount, info.BotWins)
	s.agent.OnFilledRoom(roomID, info)

	s.logger.Info().Int64("room_id", roomID).Int("capacity", info.Capacity).Msg("room filled")
	s.emit(events.EventRoomFilled, info.Payload())
}

// removeRoomLater is the teardown callback handed to the agent.
func (s *Server) removeRoomLater(roomID int64) {
	s.removals.push(roomID)
}

// EndRoom schedules the teardown of a live room.
func (s *Server) EndRoom(roomID int64) error {
	if _, ok := s.rooms.Get(roomID); !ok {
		return fmt.Errorf("%w: %d", room.ErrNoRoom, roomID)
	}
	s.removeRoomLater(roomID)
	return nil
}

func (s *Server) removeRoom(roomID int64) {
	rem, err := s.rooms.Remove(roomID)
	if err != nil {
		s.logger.Debug().Err(err).Int64("room_id", roomID).Msg("teardown skipped")
		return
	}

	quit := protocol.BuildForceQuit()
	for _, id := range rem.Seated {
		s.sessions.Send(id, quit)
		if sock, ok := s.sessions.Remove(id); ok && sock != nil {
			sock.Close()
		}
	}
	s.dropPooled(rem.Seated)

	s.emit(events.EventRoomRemoved, rem.Room.Payload())
}

// Provision creates a room through the tick loop and waits for the result.
func (s *Server) Provision(ctx context.Context, spec room.Spec) (room.Info, error) {
	cmd := &provisionCmd{spec: spec, reply: make(chan provisionResult, 1)}
	s.provisions.push(cmd)

	select {
	case res := <-cmd.reply:
		return res.info, res.err
	case <-ctx.Done():
		if cmd.claimed.CompareAndSwap(false, true) {
			return room.Info{}, errors.Join(errors.New("provisioning not confirmed"), ctx.Err())
		}
		// The tick loop is already applying it.
		res := <-cmd.reply
		return res.info, res.err
	}
}
