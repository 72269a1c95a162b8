// Package protocol implements the GigNet wire format shared by the server,
// the client orchestrator and every transport. All integers are little-endian.
// A frame is a 4-byte length prefix followed by a payload whose first four
// bytes are the int32 PackType tag.
package protocol

import "fmt"

// PackType identifies the purpose of a frame payload.
type PackType int32

// Tags in wire order. The numeric values are part of the protocol.
const (
	PackRPC           PackType = iota // object RPC call
	PackIDAssignment                  // id request (c->s) / id + session reply (s->c)
	PackInstantiation                 // network object spawn
	PackHeartbeat                     // liveness ping, echoed by the server
	PackDestroy                       // network object despawn
	PackAudio                         // voice data (audio channel only)
	PackNetEvent                      // game event routed through the room
	PackRoomAssign                    // room id + seat index
	PackRoomFilled                    // roster broadcast once a room fills
	PackJoinRoom                      // reserved
	PackForceQuit                     // server ended the client's room
)

var packTypeNames = map[PackType]string{
	PackRPC:           "RPC",
	PackIDAssignment:  "IDAssignment",
	PackInstantiation: "Instantiation",
	PackHeartbeat:     "Heartbeat",
	PackDestroy:       "Destroy",
	PackAudio:         "Audio",
	PackNetEvent:      "NetEvent",
	PackRoomAssign:    "RoomAssign",
	PackRoomFilled:    "RoomFilled",
	PackJoinRoom:      "JoinRoom",
	PackForceQuit:     "ForceQuit",
}

func (t PackType) String() string {
	if name, ok := packTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PackType(%d)", int32(t))
}

const (
	// LengthPrefixSize is the size of the frame length prefix in bytes.
	LengthPrefixSize = 4

	// TagSize is the size of the PackType tag at the start of every payload.
	TagSize = 4

	// DefaultMaxFrameSize bounds a single frame payload unless configured otherwise.
	DefaultMaxFrameSize = 1 << 20
)

// Sentinel values used inside message bodies.
const (
	// NoID is sent by a client that has never been assigned an id.
	NoID int64 = -1

	// NoSession marks a fresh join (no previous server session token).
	NoSession int64 = -1

	// AnyRoom asks the server to seat the player in the next auto-fill room.
	AnyRoom int64 = -1

	// AllObjects in a Destroy body removes every object of the owner.
	AllObjects int32 = -1
)
