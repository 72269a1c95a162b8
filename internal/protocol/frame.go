package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFrameTooLarge is returned when a length prefix exceeds the allowed size.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrShortBuffer is returned when a buffer ends before the declared data.
	ErrShortBuffer = errors.New("short buffer")
)

// Encode prepends the 4-byte little-endian payload length to payload.
func Encode(payload []byte) []byte {
	frame := make([]byte, LengthPrefixSize+len(payload))
	binary.LittleEndian.PutUint32(frame[:LengthPrefixSize], uint32(len(payload)))
	copy(frame[LengthPrefixSize:], payload)
	return frame
}

// ReadFrame reads one length-prefixed frame from r and returns its payload.
// A zero-length frame yields an empty payload and no error; callers skip it.
// Any short read (including io.EOF before the prefix) means the peer is gone.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(prefix[:])
	if length == 0 {
		return []byte{}, nil
	}
	if maxSize > 0 && length > uint32(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload (%d bytes): %w", length, err)
	}
	return payload, nil
}

// WriteFrame writes payload to w as a single length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := w.Write(Encode(payload)); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// DecodeFrame extracts the payload from a message-oriented unit (a WebSocket
// binary message or a UDP datagram) that carries one whole frame.
func DecodeFrame(buf []byte, maxSize int) ([]byte, error) {
	if len(buf) < LengthPrefixSize {
		return nil, fmt.Errorf("%w: %d bytes, need length prefix", ErrShortBuffer, len(buf))
	}

	length := binary.LittleEndian.Uint32(buf[:LengthPrefixSize])
	if maxSize > 0 && length > uint32(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, maxSize)
	}
	if uint64(len(buf)-LengthPrefixSize) < uint64(length) {
		return nil, fmt.Errorf("%w: declared %d bytes, have %d", ErrShortBuffer, length, len(buf)-LengthPrefixSize)
	}
	return buf[LengthPrefixSize : LengthPrefixSize+int(length)], nil
}

// SplitTag separates the PackType tag from the rest of a payload.
func SplitTag(payload []byte) (PackType, []byte, error) {
	if len(payload) < TagSize {
		return 0, nil, fmt.Errorf("%w: payload of %d bytes has no tag", ErrShortBuffer, len(payload))
	}
	tag := PackType(int32(binary.LittleEndian.Uint32(payload[:TagSize])))
	return tag, payload[TagSize:], nil
}
