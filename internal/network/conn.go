// Package network implements the stream listeners (TCP and WebSocket), the
// per-connection read and write loops, and the UDP control and audio channels.
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/energizer-project/gignet/internal/config"
	"github.com/energizer-project/gignet/internal/protocol"
)

// Transport names a stream transport.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportWS  Transport = "ws"
)

const (
	writeTimeout = 10 * time.Second
	flushTimeout = time.Second
)

var (
	// ErrConnClosed is returned by Send after Close.
	ErrConnClosed = errors.New("connection closed")

	// ErrSendQueueFull is returned when a slow peer lets its queue fill up.
	// The connection is closed when this happens.
	ErrSendQueueFull = errors.New("send queue full")

	// ErrRateLimited ends a read loop whose peer exceeds its frame budget.
	ErrRateLimited = errors.New("inbound frame rate exceeded")
)

// Handler receives decoded frames from a connection's read loop.
type Handler interface {
	// HandleFrame is called with tag+body for every non-empty frame, in order.
	HandleFrame(c *Conn, payload []byte)
	// HandleClose is called once after the read loop ends.
	HandleClose(c *Conn, err error)
}

// wire is one framed stream: TCP bytes or WebSocket binary messages.
type wire interface {
	readPayload() ([]byte, error)
	writeFrame(frame []byte, deadline time.Time) error
	close() error
	remoteAddr() string
}

// Options controls per-connection limits.
type Options struct {
	MaxFrameSize  int
	SendQueueSize int
	FramesPerSec  int
	FrameBurst    int
}

// OptionsFromConfig derives connection options from the network section.
func OptionsFromConfig(n config.NetworkConfig) Options {
	return Options{
		MaxFrameSize:  n.MaxFrameSize,
		SendQueueSize: n.SendQueueSize,
		FramesPerSec:  n.FramesPerSec,
		FrameBurst:    n.FrameBurst,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	return o
}

// Conn is one accepted client socket. Writes go through a bounded queue
// drained by a dedicated goroutine, so Send never blocks the caller.
type Conn struct {
	id        string
	transport Transport
	wire      wire
	opts      Options
	limiter   *rate.Limiter
	logger    atomic.Pointer[zerolog.Logger]

	sendCh    chan []byte
	done      chan struct{}
	flushed   chan struct{}
	closeOnce sync.Once

	playerID     atomic.Int64
	lastActivity atomic.Int64
	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	connectedAt  time.Time
}

func newConn(transport Transport, w wire, opts Options) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		id:          uuid.NewString(),
		transport:   transport,
		wire:        w,
		opts:        opts,
		sendCh:      make(chan []byte, opts.SendQueueSize),
		done:        make(chan struct{}),
		flushed:     make(chan struct{}),
		connectedAt: time.Now(),
	}
	if opts.FramesPerSec > 0 {
		burst := opts.FrameBurst
		if burst < 1 {
			burst = opts.FramesPerSec
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.FramesPerSec), burst)
	}
	c.playerID.Store(protocol.NoID)
	c.lastActivity.Store(c.connectedAt.UnixNano())
	logger := log.With().
		Str("component", "conn").
		Str("conn_id", c.id).
		Str("transport", string(transport)).
		Str("remote", w.remoteAddr()).
		Logger()
	c.logger.Store(&logger)

	go c.writePump()
	return c
}

// ID returns the connection's uuid.
func (c *Conn) ID() string { return c.id }

// Transport returns the stream kind.
func (c *Conn) Transport() Transport { return c.transport }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.wire.remoteAddr() }

// ConnectedAt returns when the socket was accepted.
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// LastActivity returns the time of the last frame read or written.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// BytesIn returns the number of frame bytes read.
func (c *Conn) BytesIn() uint64 { return c.bytesIn.Load() }

// BytesOut returns the number of frame bytes written.
func (c *Conn) BytesOut() uint64 { return c.bytesOut.Load() }

// PlayerID returns the id bound by SetPlayerID, or -1.
func (c *Conn) PlayerID() int64 { return c.playerID.Load() }

// SetPlayerID binds the connection to a player for logging and lookups.
func (c *Conn) SetPlayerID(id int64) {
	c.playerID.Store(id)
	logger := c.Logger().With().Int64("player_id", id).Logger()
	c.logger.Store(&logger)
}

// Logger returns the connection's sub-logger.
func (c *Conn) Logger() *zerolog.Logger { return c.logger.Load() }

// Done is closed once the connection starts closing.
func (c *Conn) Done() <-chan struct{} { return c.done }

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Send queues a complete frame for writing.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.sendCh <- frame:
		return nil
	default:
		c.Logger().Warn().Int("queued", len(c.sendCh)).Msg("send queue full, closing connection")
		c.Close()
		return ErrSendQueueFull
	}
}

// Close stops the connection. Frames already queued are flushed with a
// short deadline before the socket is closed.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// Wait blocks until the socket is closed and the queue has been flushed.
func (c *Conn) Wait() {
	<-c.flushed
}

func (c *Conn) writePump() {
	defer close(c.flushed)
	defer c.wire.close()

	for {
		select {
		case frame := <-c.sendCh:
			if err := c.write(frame, time.Now().Add(writeTimeout)); err != nil {
				c.Logger().Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

func (c *Conn) flush() {
	deadline := time.Now().Add(flushTimeout)
	for {
		select {
		case frame := <-c.sendCh:
			if err := c.write(frame, deadline); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(frame []byte, deadline time.Time) error {
	if err := c.wire.writeFrame(frame, deadline); err != nil {
		return err
	}
	c.bytesOut.Add(uint64(len(frame)))
	c.lastActivity.Store(time.Now().UnixNano())
	return nil
}

// Serve runs the read loop until the peer goes away, a frame is invalid,
// the rate limit is exceeded, or ctx is cancelled. It always closes the
// connection and calls h.HandleClose exactly once.
func (c *Conn) Serve(ctx context.Context, h Handler) {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	err := c.readLoop(h)

	c.Close()
	c.Wait()
	h.HandleClose(c, err)
}

func (c *Conn) readLoop(h Handler) error {
	for {
		payload, err := c.wire.readPayload()
		if err != nil {
			if c.IsClosed() {
				return ErrConnClosed
			}
			return err
		}

		c.bytesIn.Add(uint64(protocol.LengthPrefixSize + len(payload)))
		c.lastActivity.Store(time.Now().UnixNano())

		if len(payload) == 0 {
			continue
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.Logger().Warn().Msg("inbound frame rate exceeded, closing connection")
			return ErrRateLimited
		}

		h.HandleFrame(c, payload)
	}
}

func (c *Conn) String() string {
	return fmt.Sprintf("%s/%s(%s)", c.transport, c.id, c.wire.remoteAddr())
}
