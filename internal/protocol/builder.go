package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// PacketBuilder constructs frame payloads with chained little-endian writes.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a builder whose payload starts with tag.
func NewPacketBuilder(tag PackType) *PacketBuilder {
	b := &PacketBuilder{}
	return b.WriteInt32(int32(tag))
}

// WriteByte writes a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteBool writes a bool as one byte (0 or 1).
func (b *PacketBuilder) WriteBool(v bool) *PacketBuilder {
	if v {
		return b.WriteByte(1)
	}
	return b.WriteByte(0)
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	b.buf.Write(binary.LittleEndian.AppendUint16(nil, v))
	return b
}

// WriteInt32 writes an int32 in little-endian order.
func (b *PacketBuilder) WriteInt32(v int32) *PacketBuilder {
	b.buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(v)))
	return b
}

// WriteInt64 writes an int64 in little-endian order.
func (b *PacketBuilder) WriteInt64(v int64) *PacketBuilder {
	b.buf.Write(binary.LittleEndian.AppendUint64(nil, uint64(v)))
	return b
}

// WriteFloat32 writes an IEEE-754 float32 in little-endian order.
func (b *PacketBuilder) WriteFloat32(v float32) *PacketBuilder {
	b.buf.Write(binary.LittleEndian.AppendUint32(nil, math.Float32bits(v)))
	return b
}

// WriteVec3 writes three float32 components.
func (b *PacketBuilder) WriteVec3(v Vec3) *PacketBuilder {
	return b.WriteFloat32(v.X).WriteFloat32(v.Y).WriteFloat32(v.Z)
}

// WriteQuat writes four float32 components in x, y, z, w order.
func (b *PacketBuilder) WriteQuat(q Quat) *PacketBuilder {
	return b.WriteFloat32(q.X).WriteFloat32(q.Y).WriteFloat32(q.Z).WriteFloat32(q.W)
}

// WriteString writes a string with a uvarint byte-length prefix
// (7 bits per byte, high bit set on all but the last byte).
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	b.buf.Write(binary.AppendUvarint(nil, uint64(len(s))))
	b.buf.WriteString(s)
	return b
}

// WriteSizedString writes a string with an int32 byte-length prefix.
func (b *PacketBuilder) WriteSizedString(s string) *PacketBuilder {
	b.WriteInt32(int32(len(s)))
	b.buf.WriteString(s)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Payload returns the tagged payload without a length prefix.
func (b *PacketBuilder) Payload() []byte {
	return b.buf.Bytes()
}

// Frame returns the payload wrapped in its length prefix, ready for the wire.
func (b *PacketBuilder) Frame() []byte {
	return Encode(b.buf.Bytes())
}

// Len returns the current payload size.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current payload for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}

// ---- Frame constructors ----

// BuildIDRequest creates the client's id request frame.
// Format: [tag][requested_id:8][room:8][session:8]
func BuildIDRequest(req IDRequest) []byte {
	return NewPacketBuilder(PackIDAssignment).
		WriteInt64(req.RequestedID).
		WriteInt64(req.RoomToJoin).
		WriteInt64(req.SessionToken).
		Frame()
}

// BuildIDReply creates the server's id assignment reply.
// Format: [tag][id:8][session:8]
func BuildIDReply(reply IDReply) []byte {
	return NewPacketBuilder(PackIDAssignment).
		WriteInt64(reply.ID).
		WriteInt64(reply.SessionToken).
		Frame()
}

// BuildHeartbeat creates a heartbeat frame stamped with sendTicks.
func BuildHeartbeat(sendTicks int64) []byte {
	return NewPacketBuilder(PackHeartbeat).WriteInt64(sendTicks).Frame()
}

// BuildRoomAssign tells a client which room and seat it holds.
// Format: [tag][room:8][seat:4]
func BuildRoomAssign(a RoomAssign) []byte {
	return NewPacketBuilder(PackRoomAssign).
		WriteInt64(a.RoomID).
		WriteInt32(a.Seat).
		Frame()
}

// BuildRoomFilled creates the roster broadcast sent when a room fills.
// Format: [tag][json_len:4][json array of {name, avatar}]
func BuildRoomFilled(roster []RosterEntry) ([]byte, error) {
	if roster == nil {
		roster = []RosterEntry{}
	}
	data, err := json.Marshal(roster)
	if err != nil {
		return nil, fmt.Errorf("failed to encode roster: %w", err)
	}
	return NewPacketBuilder(PackRoomFilled).
		WriteInt32(int32(len(data))).
		WriteBytes(data).
		Frame(), nil
}

// BuildForceQuit tells a client its room has ended.
func BuildForceQuit() []byte {
	return NewPacketBuilder(PackForceQuit).Frame()
}

// BuildClientEvent creates a client-originated NetEvent.
// Format: [tag][event_id:1][args...]
func BuildClientEvent(eventID byte, args []byte) []byte {
	return NewPacketBuilder(PackNetEvent).WriteByte(eventID).WriteBytes(args).Frame()
}

// BuildRoomEvent creates a server-originated NetEvent scoped to a room.
// Format: [tag][room:8][event_id:1][args...]
func BuildRoomEvent(ev NetEvent) []byte {
	return NewPacketBuilder(PackNetEvent).
		WriteInt64(ev.RoomID).
		WriteByte(ev.EventID).
		WriteBytes(ev.Args).
		Frame()
}

// BuildSpawnRequest creates a client spawn request (no object id yet).
// Format: [tag][owner:8][name_len:4][name][pos:12][rot:16]
func BuildSpawnRequest(s Spawn) []byte {
	return writeSpawnBody(NewPacketBuilder(PackInstantiation), s).Frame()
}

// BuildSpawn creates the server broadcast for a spawn with its assigned id.
// Format: [tag][object_id:4][owner:8][name_len:4][name][pos:12][rot:16]
func BuildSpawn(s Spawn) []byte {
	return writeSpawnBody(NewPacketBuilder(PackInstantiation).WriteInt32(s.ObjectID), s).Frame()
}

func writeSpawnBody(b *PacketBuilder, s Spawn) *PacketBuilder {
	return b.WriteInt64(s.OwnerID).
		WriteSizedString(s.Name).
		WriteVec3(s.Position).
		WriteQuat(s.Rotation)
}

// BuildDestroy creates a despawn frame.
// Format: [tag][object_id:4][owner:8]
func BuildDestroy(d Destroy) []byte {
	return NewPacketBuilder(PackDestroy).
		WriteInt32(d.ObjectID).
		WriteInt64(d.OwnerID).
		Frame()
}
