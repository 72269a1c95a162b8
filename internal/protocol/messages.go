package protocol

import (
	"encoding/json"
	"fmt"
)

// Vec3 is a position or direction in game space.
type Vec3 struct {
	X, Y, Z float32
}

// Quat is a rotation quaternion.
type Quat struct {
	X, Y, Z, W float32
}

// IDRequest is the body a client sends to obtain or reclaim an identity.
type IDRequest struct {
	RequestedID  int64
	RoomToJoin   int64
	SessionToken int64
}

// IsReconnect reports whether the request carries a previous session token.
func (r IDRequest) IsReconnect() bool {
	return r.SessionToken != NoSession
}

// IDReply is the server's answer to an IDRequest.
type IDReply struct {
	ID           int64
	SessionToken int64
}

// RoomAssign tells a client its room and seat.
type RoomAssign struct {
	RoomID int64
	Seat   int32
}

// RosterEntry is one seat of the RoomFilled roster.
type RosterEntry struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// Spawn describes a networked object instantiation.
type Spawn struct {
	ObjectID int32
	OwnerID  int64
	Name     string
	Position Vec3
	Rotation Quat
}

// Destroy describes a networked object removal.
type Destroy struct {
	ObjectID int32
	OwnerID  int64
}

// NetEvent is a game event scoped to a room.
type NetEvent struct {
	RoomID  int64
	EventID byte
	Args    []byte
}

// ParseIDRequest decodes an IDAssignment body sent by a client.
func ParseIDRequest(body []byte) (IDRequest, error) {
	r := NewReader(body)
	var req IDRequest
	var err error
	if req.RequestedID, err = r.ReadInt64(); err != nil {
		return IDRequest{}, fmt.Errorf("failed to parse id request: %w", err)
	}
	if req.RoomToJoin, err = r.ReadInt64(); err != nil {
		return IDRequest{}, fmt.Errorf("failed to parse id request: %w", err)
	}
	if req.SessionToken, err = r.ReadInt64(); err != nil {
		return IDRequest{}, fmt.Errorf("failed to parse id request: %w", err)
	}
	return req, nil
}

// ParseIDReply decodes an IDAssignment body sent by the server.
func ParseIDReply(body []byte) (IDReply, error) {
	r := NewReader(body)
	var reply IDReply
	var err error
	if reply.ID, err = r.ReadInt64(); err != nil {
		return IDReply{}, fmt.Errorf("failed to parse id reply: %w", err)
	}
	if reply.SessionToken, err = r.ReadInt64(); err != nil {
		return IDReply{}, fmt.Errorf("failed to parse id reply: %w", err)
	}
	return reply, nil
}

// ParseHeartbeat returns the send timestamp carried by a heartbeat body.
func ParseHeartbeat(body []byte) (int64, error) {
	ticks, err := NewReader(body).ReadInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to parse heartbeat: %w", err)
	}
	return ticks, nil
}

// ParseRoomAssign decodes a RoomAssign body.
func ParseRoomAssign(body []byte) (RoomAssign, error) {
	r := NewReader(body)
	var a RoomAssign
	var err error
	if a.RoomID, err = r.ReadInt64(); err != nil {
		return RoomAssign{}, fmt.Errorf("failed to parse room assign: %w", err)
	}
	if a.Seat, err = r.ReadInt32(); err != nil {
		return RoomAssign{}, fmt.Errorf("failed to parse room assign: %w", err)
	}
	return a, nil
}

// ParseRoomFilled decodes the roster of a RoomFilled body.
// A zero JSON length yields an empty roster.
func ParseRoomFilled(body []byte) ([]RosterEntry, error) {
	r := NewReader(body)
	length, err := r.ReadInt32()
	if err != nil {
		return nil, fmt.Errorf("failed to parse room filled: %w", err)
	}
	if length <= 0 {
		return []RosterEntry{}, nil
	}
	if int(length) > r.Remaining() {
		return nil, fmt.Errorf("failed to parse room filled: %w: roster of %d bytes, have %d", ErrShortBuffer, length, r.Remaining())
	}

	var roster []RosterEntry
	if err := json.Unmarshal(body[4:4+length], &roster); err != nil {
		return nil, fmt.Errorf("failed to decode roster: %w", err)
	}
	return roster, nil
}

// ParseSpawnRequest decodes a client Instantiation body (no object id).
func ParseSpawnRequest(body []byte) (Spawn, error) {
	s, err := readSpawnBody(NewReader(body))
	if err != nil {
		return Spawn{}, fmt.Errorf("failed to parse spawn request: %w", err)
	}
	return s, nil
}

// ParseSpawn decodes a server Instantiation body (leading object id).
func ParseSpawn(body []byte) (Spawn, error) {
	r := NewReader(body)
	objectID, err := r.ReadInt32()
	if err != nil {
		return Spawn{}, fmt.Errorf("failed to parse spawn: %w", err)
	}
	s, err := readSpawnBody(r)
	if err != nil {
		return Spawn{}, fmt.Errorf("failed to parse spawn: %w", err)
	}
	s.ObjectID = objectID
	return s, nil
}

func readSpawnBody(r *Reader) (Spawn, error) {
	var s Spawn
	var err error
	if s.OwnerID, err = r.ReadInt64(); err != nil {
		return Spawn{}, err
	}
	if s.Name, err = r.ReadSizedString(); err != nil {
		return Spawn{}, err
	}
	if s.Position, err = r.ReadVec3(); err != nil {
		return Spawn{}, err
	}
	if s.Rotation, err = r.ReadQuat(); err != nil {
		return Spawn{}, err
	}
	return s, nil
}

// ParseDestroy decodes a Destroy body.
func ParseDestroy(body []byte) (Destroy, error) {
	r := NewReader(body)
	var d Destroy
	var err error
	if d.ObjectID, err = r.ReadInt32(); err != nil {
		return Destroy{}, fmt.Errorf("failed to parse destroy: %w", err)
	}
	if d.OwnerID, err = r.ReadInt64(); err != nil {
		return Destroy{}, fmt.Errorf("failed to parse destroy: %w", err)
	}
	return d, nil
}

// ParseClientEvent decodes a client NetEvent body: [event_id:1][args...].
// The returned event has no room; the server fills it from the session.
func ParseClientEvent(body []byte) (NetEvent, error) {
	if len(body) < 1 {
		return NetEvent{}, fmt.Errorf("failed to parse net event: %w", ErrShortBuffer)
	}
	return NetEvent{RoomID: -1, EventID: body[0], Args: append([]byte(nil), body[1:]...)}, nil
}

// ParseRoomEvent decodes a server NetEvent body: [room:8][event_id:1][args...].
func ParseRoomEvent(body []byte) (NetEvent, error) {
	r := NewReader(body)
	room, err := r.ReadInt64()
	if err != nil {
		return NetEvent{}, fmt.Errorf("failed to parse room event: %w", err)
	}
	id, err := r.ReadByte()
	if err != nil {
		return NetEvent{}, fmt.Errorf("failed to parse room event: %w", err)
	}
	return NetEvent{RoomID: room, EventID: id, Args: r.Rest()}, nil
}
