package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gignet/internal/protocol"
)

const udpBufSize = 64 * 1024

// readErrorBackOff paces a receive loop hitting repeated read errors.
func readErrorBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// endpointSet remembers every UDP peer that has sent a datagram.
type endpointSet struct {
	mu        sync.RWMutex
	endpoints map[string]*endpoint
}

type endpoint struct {
	addr     *net.UDPAddr
	lastSeen time.Time
}

func newEndpointSet() *endpointSet {
	return &endpointSet{endpoints: make(map[string]*endpoint)}
}

// touch records addr and reports whether it was new.
func (s *endpointSet) touch(addr *net.UDPAddr) bool {
	key := addr.String()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if ep, ok := s.endpoints[key]; ok {
		ep.lastSeen = now
		return false
	}
	cp := *addr
	s.endpoints[key] = &endpoint{addr: &cp, lastSeen: now}
	return true
}

func (s *endpointSet) each(fn func(*net.UDPAddr)) {
	s.mu.RLock()
	addrs := make([]*net.UDPAddr, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		addrs = append(addrs, ep.addr)
	}
	s.mu.RUnlock()

	for _, a := range addrs {
		fn(a)
	}
}

func (s *endpointSet) prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, ep := range s.endpoints {
		if ep.lastSeen.Before(cutoff) {
			delete(s.endpoints, key)
			removed++
		}
	}
	return removed
}

func (s *endpointSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.endpoints)
}

// DatagramHandler receives the tag+body of an RPC datagram.
type DatagramHandler func(payload []byte, from *net.UDPAddr)

// udpSocket is the shared bind and receive loop of the UDP channels.
type udpSocket struct {
	name      string
	addr      string
	logger    zerolog.Logger
	endpoints *endpointSet

	mu   sync.Mutex
	conn *net.UDPConn
}

func newUDPSocket(name, bindAddr string, port int) *udpSocket {
	return &udpSocket{
		name:      name,
		addr:      net.JoinHostPort(bindAddr, strconv.Itoa(port)),
		logger:    log.With().Str("component", name).Logger(),
		endpoints: newEndpointSet(),
	}
}

// Listen binds the UDP socket.
func (u *udpSocket) Listen(ctx context.Context) error {
	lc := reuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp", u.addr)
	if err != nil {
		return fmt.Errorf("failed to start %s on %s: %w", u.name, u.addr, err)
	}

	u.mu.Lock()
	u.conn = pc.(*net.UDPConn)
	u.mu.Unlock()

	u.logger.Info().Str("addr", pc.LocalAddr().String()).Msg("UDP channel started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (u *udpSocket) Addr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// Endpoints returns the number of known peers.
func (u *udpSocket) Endpoints() int { return u.endpoints.len() }

// PruneEndpoints forgets peers that have been silent for maxIdle.
func (u *udpSocket) PruneEndpoints(maxIdle time.Duration) int {
	return u.endpoints.prune(maxIdle)
}

func (u *udpSocket) receive(ctx context.Context, handle func(data []byte, from *net.UDPAddr)) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s not bound", u.name)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, udpBufSize)
	pause := readErrorBackOff()
	failures := 0
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				u.logger.Info().Msg("UDP channel stopping")
				return nil
			}
			failures++
			wait := pause.NextBackOff()
			u.logger.Error().Err(err).Int("failures", failures).Dur("retry_in", wait).Msg("UDP read error")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		if failures > 0 {
			failures = 0
			pause.Reset()
		}

		if u.endpoints.touch(from) {
			u.logger.Debug().Str("remote", from.String()).Msg("new UDP endpoint")
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		handle(data, from)
	}
}

func (u *udpSocket) sendTo(data []byte, to *net.UDPAddr) {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.WriteToUDP(data, to); err != nil {
		u.logger.Debug().Err(err).Str("remote", to.String()).Msg("UDP send failed")
	}
}

// UDPChannel is the low-priority control channel. Peers register on their
// first datagram; RPC datagrams go to the handler and heartbeats are echoed.
type UDPChannel struct {
	*udpSocket
	maxFrame int
	onRPC    DatagramHandler
}

// NewUDPChannel creates the control channel on bindAddr:port.
func NewUDPChannel(bindAddr string, port, maxFrame int, onRPC DatagramHandler) *UDPChannel {
	if maxFrame <= 0 {
		maxFrame = protocol.DefaultMaxFrameSize
	}
	return &UDPChannel{
		udpSocket: newUDPSocket("udp_control", bindAddr, port),
		maxFrame:  maxFrame,
		onRPC:     onRPC,
	}
}

// Start binds and serves until ctx is cancelled.
func (c *UDPChannel) Start(ctx context.Context) error {
	if err := c.Listen(ctx); err != nil {
		return err
	}
	return c.Serve(ctx)
}

// Serve runs the receive loop.
func (c *UDPChannel) Serve(ctx context.Context) error {
	return c.receive(ctx, c.handleDatagram)
}

func (c *UDPChannel) handleDatagram(data []byte, from *net.UDPAddr) {
	payload, err := protocol.DecodeFrame(data, c.maxFrame)
	if err != nil {
		c.logger.Debug().Err(err).Str("remote", from.String()).Msg("dropping malformed datagram")
		return
	}
	if len(payload) == 0 {
		return
	}

	tag, _, err := protocol.SplitTag(payload)
	if err != nil {
		return
	}

	switch tag {
	case protocol.PackRPC:
		if c.onRPC != nil {
			c.onRPC(payload, from)
		}
	case protocol.PackHeartbeat:
		c.sendTo(data, from)
	default:
		c.logger.Trace().Stringer("tag", tag).Msg("ignoring datagram")
	}
}

// Broadcast sends a frame to every known endpoint.
func (c *UDPChannel) Broadcast(frame []byte) {
	c.endpoints.each(func(addr *net.UDPAddr) {
		c.sendTo(frame, addr)
	})
}
