// Package rpc routes RPC frames to handlers registered per (object id, method)
// and encodes calls. Arguments are a closed set of value kinds; handlers declare
// the kinds they expect and payloads are decoded against that signature.
package rpc

import (
	"fmt"

	"github.com/energizer-project/gignet/internal/protocol"
)

// Kind is the wire type of one RPC argument.
type Kind uint8

const (
	KindInt    Kind = iota + 1 // int32
	KindLong                   // int64
	KindFloat                  // float32
	KindBool                   // one byte
	KindString                 // uvarint length + UTF-8
	KindVec3                   // 3 x float32
	KindQuat                   // 4 x float32
)

var kindNames = map[Kind]string{
	KindInt:    "int",
	KindLong:   "long",
	KindFloat:  "float",
	KindBool:   "bool",
	KindString: "string",
	KindVec3:   "vec3",
	KindQuat:   "quat",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Arg is a single RPC argument value. The zero value is invalid.
type Arg struct {
	kind Kind
	i    int64
	f    float32
	b    bool
	s    string
	v    protocol.Vec3
	q    protocol.Quat
}

// Int wraps an int32 argument.
func Int(v int32) Arg { return Arg{kind: KindInt, i: int64(v)} }

// Long wraps an int64 argument.
func Long(v int64) Arg { return Arg{kind: KindLong, i: v} }

// Float wraps a float32 argument.
func Float(v float32) Arg { return Arg{kind: KindFloat, f: v} }

// Bool wraps a bool argument.
func Bool(v bool) Arg { return Arg{kind: KindBool, b: v} }

// String wraps a string argument.
func String(v string) Arg { return Arg{kind: KindString, s: v} }

// Vec3 wraps a three component vector argument.
func Vec3(v protocol.Vec3) Arg { return Arg{kind: KindVec3, v: v} }

// Quat wraps a rotation argument.
func Quat(q protocol.Quat) Arg { return Arg{kind: KindQuat, q: q} }

// Kind returns the argument's wire kind.
func (a Arg) Kind() Kind { return a.kind }

// Int returns the value of a KindInt argument.
func (a Arg) Int() int32 { return int32(a.i) }

// Long returns the value of a KindLong argument.
func (a Arg) Long() int64 { return a.i }

// Float returns the value of a KindFloat argument.
func (a Arg) Float() float32 { return a.f }

// Bool returns the value of a KindBool argument.
func (a Arg) Bool() bool { return a.b }

// Str returns the value of a KindString argument.
func (a Arg) Str() string { return a.s }

// Vec3 returns the value of a KindVec3 argument.
func (a Arg) Vec3() protocol.Vec3 { return a.v }

// Quat returns the value of a KindQuat argument.
func (a Arg) Quat() protocol.Quat { return a.q }

func (a Arg) String() string {
	switch a.kind {
	case KindInt, KindLong:
		return fmt.Sprintf("%s(%d)", a.kind, a.i)
	case KindFloat:
		return fmt.Sprintf("float(%g)", a.f)
	case KindBool:
		return fmt.Sprintf("bool(%t)", a.b)
	case KindString:
		return fmt.Sprintf("string(%q)", a.s)
	case KindVec3:
		return fmt.Sprintf("vec3(%g, %g, %g)", a.v.X, a.v.Y, a.v.Z)
	case KindQuat:
		return fmt.Sprintf("quat(%g, %g, %g, %g)", a.q.X, a.q.Y, a.q.Z, a.q.W)
	default:
		return "invalid"
	}
}

// encode appends the argument to b.
func (a Arg) encode(b *protocol.PacketBuilder) error {
	switch a.kind {
	case KindInt:
		b.WriteInt32(int32(a.i))
	case KindLong:
		b.WriteInt64(a.i)
	case KindFloat:
		b.WriteFloat32(a.f)
	case KindBool:
		b.WriteBool(a.b)
	case KindString:
		b.WriteString(a.s)
	case KindVec3:
		b.WriteVec3(a.v)
	case KindQuat:
		b.WriteQuat(a.q)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, a.kind)
	}
	return nil
}

// decodeArg reads one argument of the given kind.
func decodeArg(r *protocol.Reader, kind Kind) (Arg, error) {
	switch kind {
	case KindInt:
		v, err := r.ReadInt32()
		return Int(v), err
	case KindLong:
		v, err := r.ReadInt64()
		return Long(v), err
	case KindFloat:
		v, err := r.ReadFloat32()
		return Float(v), err
	case KindBool:
		v, err := r.ReadBool()
		return Bool(v), err
	case KindString:
		v, err := r.ReadString()
		return String(v), err
	case KindVec3:
		v, err := r.ReadVec3()
		return Vec3(v), err
	case KindQuat:
		v, err := r.ReadQuat()
		return Quat(v), err
	default:
		return Arg{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
}

// DecodeArgs decodes payload against a declared signature.
func DecodeArgs(payload []byte, params []Kind) ([]Arg, error) {
	r := protocol.NewReader(payload)
	args := make([]Arg, 0, len(params))
	for i, kind := range params {
		arg, err := decodeArg(r, kind)
		if err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i, kind, err)
		}
		args = append(args, arg)
	}
	return args, nil
}
