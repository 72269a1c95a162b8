package server

import (
	"fmt"

	"github.com/energizer-project/gignet/internal/protocol"
	"github.com/energizer-project/gignet/internal/rpc"
)

// pooledFrame is a broadcast replayed to every player that joins later.
type pooledFrame struct {
	owner int64
	frame []byte
}

func (s *Server) addPooled(owner int64, frame []byte) {
	s.poolMu.Lock()
	s.pool = append(s.pool, pooledFrame{owner: owner, frame: frame})
	s.poolMu.Unlock()
}

func (s *Server) pooledFrames() [][]byte {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()

	out := make([][]byte, len(s.pool))
	for i, p := range s.pool {
		out[i] = p.frame
	}
	return out
}

func (s *Server) pooledCount() int {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	return len(s.pool)
}

// dropPooled forgets the frames of players that left with their room.
func (s *Server) dropPooled(owners []int64) {
	if len(owners) == 0 {
		return
	}
	gone := make(map[int64]bool, len(owners))
	for _, id := range owners {
		gone[id] = true
	}

	s.poolMu.Lock()
	kept := s.pool[:0]
	for _, p := range s.pool {
		if !gone[p.owner] {
			kept = append(kept, p)
		}
	}
	clear(s.pool[len(kept):])
	s.pool = kept
	s.poolMu.Unlock()
}

func (s *Server) spawn(sp protocol.Spawn) protocol.Spawn {
	sp.ObjectID = s.nextObject.Add(1)
	frame := protocol.BuildSpawn(sp)
	s.sessions.Broadcast(frame)
	s.addPooled(sp.OwnerID, frame)
	return sp
}

func (s *Server) despawn(d protocol.Destroy) {
	frame := protocol.BuildDestroy(d)
	s.sessions.Broadcast(frame)
	s.addPooled(d.OwnerID, frame)
}

// Spawn instantiates a networked object on every client, including ones
// that join later, and returns it with its assigned object id.
func (s *Server) Spawn(sp protocol.Spawn) protocol.Spawn {
	return s.spawn(sp)
}

// Despawn removes objectID of owner on every client. protocol.AllObjects
// removes every object of owner.
func (s *Server) Despawn(objectID int32, owner int64) {
	s.despawn(protocol.Destroy{ObjectID: objectID, OwnerID: owner})
}

// RaiseEvent sends a NetEvent to every seat of roomID and returns how many
// players received it.
func (s *Server) RaiseEvent(roomID int64, eventID byte, args []byte) int {
	frame := protocol.BuildRoomEvent(protocol.NetEvent{RoomID: roomID, EventID: eventID, Args: args})
	return s.sessions.SendMany(s.rooms.Seats(roomID), frame)
}

// SendRPC calls objectID.method on every connected client.
func (s *Server) SendRPC(objectID int32, method string, args ...rpc.Arg) (int, error) {
	frame, err := rpc.Encode(objectID, method, args...)
	if err != nil {
		return 0, err
	}
	return s.sessions.Broadcast(frame), nil
}

// SendRoomRPC calls objectID.method on every seat of roomID.
func (s *Server) SendRoomRPC(roomID int64, objectID int32, method string, args ...rpc.Arg) (int, error) {
	frame, err := rpc.Encode(objectID, method, args...)
	if err != nil {
		return 0, err
	}
	return s.sessions.SendMany(s.rooms.Seats(roomID), frame), nil
}

// SendSeatRPC calls objectID.method on the player in seat of roomID.
func (s *Server) SendSeatRPC(roomID int64, seat int, objectID int32, method string, args ...rpc.Arg) error {
	id := s.rooms.PlayerAt(roomID, seat)
	if id == protocol.NoID {
		return fmt.Errorf("%w: room %d seat %d", ErrNoSeat, roomID, seat)
	}
	frame, err := rpc.Encode(objectID, method, args...)
	if err != nil {
		return err
	}
	return s.sessions.Send(id, frame)
}

// BroadcastUDP sends a frame to every endpoint known to the UDP control
// channel. It is a no-op when the channel is disabled.
func (s *Server) BroadcastUDP(frame []byte) {
	s.lnMu.Lock()
	udp := s.udp
	s.lnMu.Unlock()
	if udp != nil {
		udp.Broadcast(frame)
	}
}

// IDMap returns seat -> external id for roomID.
func (s *Server) IDMap(roomID int64) ([]string, bool) {
	return s.rooms.IDMap(roomID)
}

// RoomParameter returns an extra supplied when roomID was provisioned.
func (s *Server) RoomParameter(roomID int64, key string) (string, bool) {
	return s.rooms.Parameter(roomID, key)
}
