package network

import (
	"context"
	"encoding/binary"
	"net"
)

// AudioHeaderSize is the int64 sender id that prefixes every voice datagram.
const AudioHeaderSize = 8

// AudioRelay forwards voice datagrams (sender id + encoded audio) to every
// other peer on the audio port. Payloads are opaque.
type AudioRelay struct {
	*udpSocket
}

// NewAudioRelay creates the relay on bindAddr:port.
func NewAudioRelay(bindAddr string, port int) *AudioRelay {
	return &AudioRelay{udpSocket: newUDPSocket("audio_relay", bindAddr, port)}
}

// Start binds and serves until ctx is cancelled.
func (a *AudioRelay) Start(ctx context.Context) error {
	if err := a.Listen(ctx); err != nil {
		return err
	}
	return a.Serve(ctx)
}

// Serve runs the relay loop.
func (a *AudioRelay) Serve(ctx context.Context) error {
	return a.receive(ctx, a.relay)
}

func (a *AudioRelay) relay(data []byte, from *net.UDPAddr) {
	// Registration datagrams carry only the sender id.
	if len(data) <= AudioHeaderSize {
		return
	}
	sender := from.String()
	a.endpoints.each(func(addr *net.UDPAddr) {
		if addr.String() == sender {
			return
		}
		a.sendTo(data, addr)
	})
}

// EncodeAudio prefixes an encoded audio packet with the sender id.
func EncodeAudio(senderID int64, packet []byte) []byte {
	out := make([]byte, AudioHeaderSize+len(packet))
	binary.LittleEndian.PutUint64(out, uint64(senderID))
	copy(out[AudioHeaderSize:], packet)
	return out
}

// DecodeAudio splits a relayed datagram into sender id and packet.
func DecodeAudio(data []byte) (int64, []byte, bool) {
	if len(data) < AudioHeaderSize {
		return 0, nil, false
	}
	return int64(binary.LittleEndian.Uint64(data)), data[AudioHeaderSize:], true
}
