package protocol_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/gignet/internal/protocol"
)

func TestEncodeReadFrame(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "empty payload", payload: []byte{}},
		{name: "single byte", payload: []byte{0x7f}},
		{name: "tagged heartbeat", payload: []byte{3, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8}},
		{name: "large payload", payload: bytes.Repeat([]byte{0xab}, 70000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := protocol.Encode(tt.payload)
			require.Len(t, frame, protocol.LengthPrefixSize+len(tt.payload))

			got, err := protocol.ReadFrame(bytes.NewReader(frame), 0)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, got)

			got, err = protocol.DecodeFrame(frame, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, got)
		})
	}
}

func TestEncodeLittleEndianPrefix(t *testing.T) {
	frame := protocol.Encode([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	assert.Equal(t, []byte{12, 0, 0, 0}, frame[:4])
}

func TestReadFrameSequence(t *testing.T) {
	var stream bytes.Buffer
	require.NoError(t, protocol.WriteFrame(&stream, []byte("first")))
	require.NoError(t, protocol.WriteFrame(&stream, nil))
	require.NoError(t, protocol.WriteFrame(&stream, []byte("second")))

	first, err := protocol.ReadFrame(&stream, 0)
	require.NoError(t, err)
	assert.Equal(t, "first", string(first))

	noop, err := protocol.ReadFrame(&stream, 0)
	require.NoError(t, err)
	assert.Empty(t, noop)

	second, err := protocol.ReadFrame(&stream, 0)
	require.NoError(t, err)
	assert.Equal(t, "second", string(second))

	_, err = protocol.ReadFrame(&stream, 0)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestReadFrameErrors(t *testing.T) {
	t.Run("too large", func(t *testing.T) {
		frame := protocol.Encode(make([]byte, 64))
		_, err := protocol.ReadFrame(bytes.NewReader(frame), 32)
		assert.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	})

	t.Run("truncated payload", func(t *testing.T) {
		frame := protocol.Encode([]byte("truncated"))
		_, err := protocol.ReadFrame(bytes.NewReader(frame[:8]), 0)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("truncated prefix", func(t *testing.T) {
		_, err := protocol.ReadFrame(bytes.NewReader([]byte{1, 0}), 0)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

// slowReader returns at most one byte per Read call.
type slowReader struct{ r io.Reader }

func (s slowReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return s.r.Read(p)
}

func TestReadFrameReadsFully(t *testing.T) {
	payload := []byte("partial reads are looped until complete")
	got, err := protocol.ReadFrame(slowReader{bytes.NewReader(protocol.Encode(payload))}, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecodeFrameShortBuffer(t *testing.T) {
	frame := protocol.Encode([]byte("abcdef"))
	_, err := protocol.DecodeFrame(frame[:6], 0)
	assert.ErrorIs(t, err, protocol.ErrShortBuffer)

	_, err = protocol.DecodeFrame([]byte{1}, 0)
	assert.ErrorIs(t, err, protocol.ErrShortBuffer)
}

func TestSplitTag(t *testing.T) {
	tag, body, err := protocol.SplitTag([]byte{7, 0, 0, 0, 0xaa})
	require.NoError(t, err)
	assert.Equal(t, protocol.PackRoomAssign, tag)
	assert.Equal(t, []byte{0xaa}, body)

	_, _, err = protocol.SplitTag([]byte{1, 0})
	assert.ErrorIs(t, err, protocol.ErrShortBuffer)
}

func TestPackTypeString(t *testing.T) {
	assert.Equal(t, "Heartbeat", protocol.PackHeartbeat.String())
	assert.Equal(t, "ForceQuit", protocol.PackForceQuit.String())
	assert.Equal(t, "PackType(42)", protocol.PackType(42).String())
}
