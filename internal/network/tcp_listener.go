package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gignet/internal/config"
	"github.com/energizer-project/gignet/internal/protocol"
)

// tcpWire frames a raw TCP stream. Reads are buffered; each frame is
// written with a single Write call.
type tcpWire struct {
	conn     net.Conn
	r        *bufio.Reader
	maxFrame int
}

func newTCPWire(conn net.Conn, maxFrame int) *tcpWire {
	return &tcpWire{conn: conn, r: bufio.NewReader(conn), maxFrame: maxFrame}
}

func (w *tcpWire) readPayload() ([]byte, error) {
	return protocol.ReadFrame(w.r, w.maxFrame)
}

func (w *tcpWire) writeFrame(frame []byte, deadline time.Time) error {
	w.conn.SetWriteDeadline(deadline)
	_, err := w.conn.Write(frame)
	return err
}

func (w *tcpWire) close() error      { return w.conn.Close() }
func (w *tcpWire) remoteAddr() string { return w.conn.RemoteAddr().String() }

// NewTCPConn wraps an accepted (or dialed) TCP connection.
func NewTCPConn(conn net.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return newConn(TransportTCP, newTCPWire(conn, opts.MaxFrameSize), opts)
}

// TCPListener accepts game clients on the TCP port and runs one read loop
// per connection.
type TCPListener struct {
	addr     string
	opts     Options
	handler  Handler
	registry *Registry
	limiter  *IPLimiter

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewTCPListener creates a TCP listener bound to the configured address.
func NewTCPListener(cfg config.NetworkConfig, h Handler, registry *Registry, limiter *IPLimiter) *TCPListener {
	return &TCPListener{
		addr:     net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.TCPPort)),
		opts:     OptionsFromConfig(cfg),
		handler:  h,
		registry: registry,
		limiter:  limiter,
	}
}

// ReuseAddrListenConfig returns the listen config every GigNet listener
// binds with, for HTTP surfaces living next to the game transports.
func ReuseAddrListenConfig() net.ListenConfig {
	return reuseAddrListenConfig()
}

// Listen binds the socket. Serve must be called afterwards.
func (l *TCPListener) Listen(ctx context.Context) error {
	lc := reuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener on %s: %w", l.addr, err)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Msg("TCP listener started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *TCPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Start binds and serves until ctx is cancelled.
func (l *TCPListener) Start(ctx context.Context) error {
	if err := l.Listen(ctx); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Serve accepts connections until ctx is cancelled, then waits for every
// connection loop to finish.
func (l *TCPListener) Serve(ctx context.Context) error {
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	if ln == nil {
		return errors.New("TCP listener not bound")
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		rawConn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Info().Msg("TCP listener stopping")
				l.wg.Wait()
				return nil
			}
			log.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		if !l.limiter.Allow(extractIP(rawConn.RemoteAddr())) {
			log.Warn().Str("remote", rawConn.RemoteAddr().String()).Msg("connection rate exceeded, dropping")
			rawConn.Close()
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConnection(ctx, rawConn)
		}()
	}
}

func (l *TCPListener) handleConnection(ctx context.Context, rawConn net.Conn) {
	conn := NewTCPConn(rawConn, l.opts)
	conn.Logger().Debug().Msg("new TCP connection")

	l.registry.Register(conn)
	defer l.registry.Unregister(conn)

	conn.Serve(ctx, l.handler)
}

// Stop closes the listening socket.
func (l *TCPListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
