package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/gignet/internal/network"
	"github.com/energizer-project/gignet/internal/protocol"
	"github.com/energizer-project/gignet/internal/rpc"
)

const datagramBufSize = 64 * 1024

// UDPChannel is the client end of the low-priority control channel. The
// server learns the endpoint from the first heartbeat datagram.
type UDPChannel struct {
	conn     *net.UDPConn
	router   *rpc.Router
	maxFrame int
	logger   zerolog.Logger
	lastEcho time.Time
	mu       sync.Mutex
}

func dialUDP(addr string) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return conn, nil
}

// OpenUDPChannel dials the control channel and registers with a heartbeat.
// RPC datagrams from the server are dispatched on router.
func OpenUDPChannel(ctx context.Context, addr string, router *rpc.Router, maxFrame int, logger zerolog.Logger) (*UDPChannel, error) {
	conn, err := dialUDP(addr)
	if err != nil {
		return nil, err
	}
	ch := &UDPChannel{
		conn:     conn,
		router:   router,
		maxFrame: maxFrame,
		logger:   logger.With().Str("channel", "udp").Logger(),
	}
	if err := ch.Send(protocol.BuildHeartbeat(time.Now().UnixNano())); err != nil {
		conn.Close()
		return nil, err
	}
	go ch.readLoop(ctx)
	return ch, nil
}

// Send writes one frame as a datagram.
func (u *UDPChannel) Send(frame []byte) error {
	_, err := u.conn.Write(frame)
	return err
}

// SendRPC calls objectID.method on the server over UDP.
func (u *UDPChannel) SendRPC(objectID int32, method string, args ...rpc.Arg) error {
	frame, err := rpc.Encode(objectID, method, args...)
	if err != nil {
		return err
	}
	return u.Send(frame)
}

// LastEcho returns when the server last echoed a heartbeat on this channel.
func (u *UDPChannel) LastEcho() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastEcho
}

// Close closes the socket and stops the read loop.
func (u *UDPChannel) Close() error { return u.conn.Close() }

func (u *UDPChannel) readLoop(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { u.conn.Close() })
	defer stop()

	buf := make([]byte, datagramBufSize)
	for {
		n, err := u.conn.Read(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				u.logger.Debug().Err(err).Msg("udp read stopped")
			}
			return
		}
		payload, err := protocol.DecodeFrame(buf[:n], u.maxFrame)
		if err != nil || len(payload) == 0 {
			continue
		}
		tag, _, err := protocol.SplitTag(payload)
		if err != nil {
			continue
		}
		switch tag {
		case protocol.PackRPC:
			u.router.Dispatch(append([]byte(nil), payload...))
		case protocol.PackHeartbeat:
			u.mu.Lock()
			u.lastEcho = time.Now()
			u.mu.Unlock()
		}
	}
}

// AudioChannel sends and receives relayed voice datagrams.
type AudioChannel struct {
	conn    *net.UDPConn
	id      int64
	onAudio func(senderID int64, packet []byte)
	logger  zerolog.Logger
}

// OpenAudioChannel dials the audio relay and registers as id.
func OpenAudioChannel(ctx context.Context, addr string, id int64, onAudio func(int64, []byte), logger zerolog.Logger) (*AudioChannel, error) {
	conn, err := dialUDP(addr)
	if err != nil {
		return nil, err
	}
	ch := &AudioChannel{
		conn:    conn,
		id:      id,
		onAudio: onAudio,
		logger:  logger.With().Str("channel", "audio").Logger(),
	}
	if _, err := conn.Write(network.EncodeAudio(id, nil)); err != nil {
		conn.Close()
		return nil, err
	}
	go ch.readLoop(ctx)
	return ch, nil
}

// Send relays one encoded audio packet to the other peers.
func (a *AudioChannel) Send(packet []byte) error {
	_, err := a.conn.Write(network.EncodeAudio(a.id, packet))
	return err
}

// Close closes the socket and stops the read loop.
func (a *AudioChannel) Close() error { return a.conn.Close() }

func (a *AudioChannel) readLoop(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { a.conn.Close() })
	defer stop()

	buf := make([]byte, datagramBufSize)
	for {
		n, err := a.conn.Read(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				a.logger.Debug().Err(err).Msg("audio read stopped")
			}
			return
		}
		sender, packet, ok := network.DecodeAudio(buf[:n])
		if !ok || a.onAudio == nil {
			continue
		}
		a.onAudio(sender, append([]byte(nil), packet...))
	}
}

func (c *Client) openDatagramChannels(ctx context.Context, id int64) error {
	var errs []error
	if c.opts.UDPAddress != "" {
		ch, err := OpenUDPChannel(ctx, c.opts.UDPAddress, c.router, c.opts.MaxFrameSize, c.logger)
		if err != nil {
			errs = append(errs, err)
		} else {
			c.mu.Lock()
			c.udp = ch
			c.mu.Unlock()
		}
	}
	if c.opts.AudioAddress != "" {
		ch, err := OpenAudioChannel(ctx, c.opts.AudioAddress, id, c.cb.OnAudio, c.logger)
		if err != nil {
			errs = append(errs, err)
		} else {
			c.mu.Lock()
			c.audio = ch
			c.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

// UDP returns the control channel, or nil when none is open.
func (c *Client) UDP() *UDPChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.udp
}

// Audio returns the voice channel, or nil when none is open.
func (c *Client) Audio() *AudioChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio
}
