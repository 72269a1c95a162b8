package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Reader decodes little-endian fields from a payload body.
type Reader struct {
	r *bytes.Reader
}

// NewReader creates a Reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{r: bytes.NewReader(data)}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return r.r.Len()
}

// Rest returns all unread bytes.
func (r *Reader) Rest() []byte {
	rest := make([]byte, r.r.Len())
	_, _ = io.ReadFull(r.r, rest)
	return rest
}

func (r *Reader) read(n int, what string) ([]byte, error) {
	if r.r.Len() < n {
		return nil, fmt.Errorf("%w: reading %s needs %d bytes, have %d", ErrShortBuffer, what, n, r.r.Len())
	}
	buf := make([]byte, n)
	_, _ = io.ReadFull(r.r, buf)
	return buf, nil
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	b, err := r.read(1, "byte")
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBool reads a one-byte bool (any non-zero value is true).
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

// ReadUint16 reads a little-endian uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.read(2, "uint16")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadInt32 reads a little-endian int32.
func (r *Reader) ReadInt32() (int32, error) {
	b, err := r.read(4, "int32")
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// ReadInt64 reads a little-endian int64.
func (r *Reader) ReadInt64() (int64, error) {
	b, err := r.read(8, "int64")
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// ReadFloat32 reads a little-endian IEEE-754 float32.
func (r *Reader) ReadFloat32() (float32, error) {
	b, err := r.read(4, "float32")
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

// ReadVec3 reads three float32 components.
func (r *Reader) ReadVec3() (Vec3, error) {
	var v Vec3
	var err error
	for _, f := range []*float32{&v.X, &v.Y, &v.Z} {
		if *f, err = r.ReadFloat32(); err != nil {
			return Vec3{}, err
		}
	}
	return v, nil
}

// ReadQuat reads four float32 components in x, y, z, w order.
func (r *Reader) ReadQuat() (Quat, error) {
	var q Quat
	var err error
	for _, f := range []*float32{&q.X, &q.Y, &q.Z, &q.W} {
		if *f, err = r.ReadFloat32(); err != nil {
			return Quat{}, err
		}
	}
	return q, nil
}

// ReadString reads a uvarint length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	length, err := binary.ReadUvarint(r.r)
	if err != nil {
		return "", fmt.Errorf("%w: string length: %v", ErrShortBuffer, err)
	}
	if length > uint64(r.r.Len()) {
		return "", fmt.Errorf("%w: string of %d bytes, have %d", ErrShortBuffer, length, r.r.Len())
	}
	b, err := r.read(int(length), "string")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadSizedString reads an int32 length-prefixed UTF-8 string.
func (r *Reader) ReadSizedString() (string, error) {
	length, err := r.ReadInt32()
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", fmt.Errorf("negative string length %d", length)
	}
	b, err := r.read(int(length), "string")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
