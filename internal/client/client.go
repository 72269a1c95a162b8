// Package client implements the player-side connection orchestrator: id
// requests, session tokens, heartbeats, reconnection and the matchmaking
// watchdog.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gignet/internal/config"
	"github.com/energizer-project/gignet/internal/protocol"
	"github.com/energizer-project/gignet/internal/rpc"
)

// ErrNotConnected is returned by sends while no stream is up.
var ErrNotConnected = errors.New("not connected")

// State is the connection state of the client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// Callbacks are invoked from the client's goroutines. Nil callbacks are
// skipped. They must not block.
type Callbacks struct {
	OnConnected    func(id int64)
	OnRoomAssigned func(roomID int64, seat int)
	OnRoomFilled   func(roster []protocol.RosterEntry)
	// OnTimeout reports heartbeat trouble (true) and recovery (false).
	OnTimeout   func(timedOut bool)
	OnForceQuit func()
	OnNetEvent  func(ev protocol.NetEvent)
	OnSpawn     func(s protocol.Spawn)
	OnDespawn   func(objectID int32, ownerID int64)
	OnAudio     func(senderID int64, packet []byte)
}

// Options configures a client.
type Options struct {
	// Transport is "tcp" or "ws".
	Transport string
	// Address is host:port for TCP or a ws:// URL.
	Address string
	// UDPAddress and AudioAddress are optional datagram endpoints.
	UDPAddress   string
	AudioAddress string
	// RoomHint is the room requested on the first connect; -1 for any.
	RoomHint int64

	HeartbeatInterval  time.Duration
	TimeoutWarnAfter   int
	ForceQuitAfter     int
	ReconnectDelay     time.Duration
	MatchmakingTimeout time.Duration
	MaxFrameSize       int
}

// OptionsFromConfig builds client options pointing at the server described
// by n, using the client timings of c.
func OptionsFromConfig(c config.ClientConfig, n config.NetworkConfig) Options {
	opts := Options{
		Transport:          c.Transport,
		RoomHint:           protocol.AnyRoom,
		HeartbeatInterval:  c.HeartbeatInterval(),
		TimeoutWarnAfter:   c.TimeoutWarnAfter,
		ForceQuitAfter:     c.ForceQuitAfter,
		ReconnectDelay:     c.ReconnectDelay(),
		MatchmakingTimeout: c.MatchmakingTimeout(),
		MaxFrameSize:       n.MaxFrameSize,
	}
	if c.Transport == "ws" {
		opts.Address = "ws://" + net.JoinHostPort(c.ServerHost, strconv.Itoa(n.WSPort)) + n.WSPath
	} else {
		opts.Address = net.JoinHostPort(c.ServerHost, strconv.Itoa(n.TCPPort))
	}
	if n.UDPEnabled {
		opts.UDPAddress = net.JoinHostPort(c.ServerHost, strconv.Itoa(n.UDPPort))
	}
	if n.AudioEnabled {
		opts.AudioAddress = net.JoinHostPort(c.ServerHost, strconv.Itoa(n.AudioPort))
	}
	return opts
}

func (o Options) withDefaults() Options {
	if o.Transport == "" {
		o.Transport = "tcp"
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.TimeoutWarnAfter <= 0 {
		o.TimeoutWarnAfter = 5
	}
	if o.ForceQuitAfter <= 0 {
		o.ForceQuitAfter = 16
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	return o
}

// Stats are the client's traffic counters.
type Stats struct {
	BytesIn    uint64        `json:"bytes_in"`
	BytesOut   uint64        `json:"bytes_out"`
	Ping       time.Duration `json:"ping_ns"`
	Reconnects int           `json:"reconnects"`
}

// Client is one player's connection to a server.
type Client struct {
	opts   Options
	cb     Callbacks
	router *rpc.Router
	logger zerolog.Logger

	mu        sync.Mutex
	stream    stream
	id        int64
	token     int64
	roomID    int64
	seat      int
	filled    bool
	started   bool
	reconnect int

	state     atomic.Int32
	misses    atomic.Int32
	warned    atomic.Bool
	pending   atomic.Bool
	ping      atomic.Int64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
	quitOnce  sync.Once
	quit      chan struct{}
	connected chan struct{}

	udp   *UDPChannel
	audio *AudioChannel
}

// New creates a client. Run connects it.
func New(opts Options, cb Callbacks) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:      opts,
		cb:        cb,
		router:    rpc.NewRouter(),
		logger:    log.With().Str("component", "client").Str("server", opts.Address).Logger(),
		id:        protocol.NoID,
		token:     protocol.NoSession,
		roomID:    opts.RoomHint,
		seat:      -1,
		quit:      make(chan struct{}),
		connected: make(chan struct{}),
	}
}

// Router returns the router for RPCs the server sends to this client.
func (c *Client) Router() *rpc.Router { return c.router }

// State returns the connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// ID returns the assigned player id, or -1.
func (c *Client) ID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// SessionToken returns the server session token, or -1.
func (c *Client) SessionToken() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Room returns the assigned room and seat, or -1/-1.
func (c *Client) Room() (int64, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seat < 0 {
		return protocol.NoID, -1
	}
	return c.roomID, c.seat
}

// Connected is closed after the first id assignment.
func (c *Client) Connected() <-chan struct{} { return c.connected }

// Done is closed when the client stops for good.
func (c *Client) Done() <-chan struct{} { return c.quit }

// Stats returns the traffic counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	reconnects := c.reconnect
	c.mu.Unlock()
	return Stats{
		BytesIn:    c.bytesIn.Load(),
		BytesOut:   c.bytesOut.Load(),
		Ping:       time.Duration(c.ping.Load()),
		Reconnects: reconnects,
	}
}

// Run connects and keeps the client connected until ctx is cancelled, the
// server forces a quit, or a WebSocket is closed normally.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	defer c.stop()

	b := backoff.WithContext(backoff.NewConstantBackOff(c.opts.ReconnectDelay), ctx)
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errFinalClose) {
			c.logger.Info().Msg("server closed the connection, not reconnecting")
			return nil
		}
		c.logger.Warn().Err(err).Dur("retry_in", c.opts.ReconnectDelay).Msg("disconnected from server")

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// Close stops the client.
func (c *Client) Close() {
	c.stop()
}

func (c *Client) stop() {
	c.quitOnce.Do(func() {
		close(c.quit)
		c.mu.Lock()
		st := c.stream
		c.stream = nil
		c.mu.Unlock()
		if st != nil {
			st.close()
		}
		c.state.Store(int32(StateDisconnected))
	})
}

func (c *Client) forceQuit(reason string) {
	select {
	case <-c.quit:
		return
	default:
	}
	c.logger.Warn().Str("reason", reason).Msg("force quit")
	if c.cb.OnForceQuit != nil {
		c.cb.OnForceQuit()
	}
	c.stop()
}

func (c *Client) dial(ctx context.Context) (stream, error) {
	if c.opts.Transport == "ws" {
		return dialWS(ctx, c.opts.Address, c.opts.MaxFrameSize)
	}
	return dialTCP(ctx, c.opts.Address, c.opts.MaxFrameSize)
}

// session runs one connection: dial, id request, read loop.
func (c *Client) session(ctx context.Context) error {
	c.state.Store(int32(StateConnecting))
	st, err := c.dial(ctx)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return err
	}

	c.mu.Lock()
	c.stream = st
	req := protocol.IDRequest{RequestedID: c.id, RoomToJoin: c.roomID, SessionToken: c.token}
	if c.started {
		c.reconnect++
	}
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { st.close() })
	defer stop()
	defer func() {
		c.mu.Lock()
		if c.stream == st {
			c.stream = nil
		}
		c.mu.Unlock()
		st.close()
		c.state.Store(int32(StateDisconnected))
	}()

	if err := c.write(st, protocol.BuildIDRequest(req)); err != nil {
		return err
	}
	c.logger.Debug().Int64("requested_id", req.RequestedID).Int64("room", req.RoomToJoin).Msg("id requested")

	for {
		payload, err := st.read()
		if err != nil {
			return err
		}
		c.bytesIn.Add(uint64(len(payload) + protocol.LengthPrefixSize))
		c.handle(ctx, payload)
	}
}

func (c *Client) write(st stream, frame []byte) error {
	if err := st.write(frame); err != nil {
		return err
	}
	c.bytesOut.Add(uint64(len(frame)))
	return nil
}

// Send writes a complete frame on the current stream.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	st := c.stream
	c.mu.Unlock()
	if st == nil || c.State() != StateConnected {
		return ErrNotConnected
	}
	return c.write(st, frame)
}

func (c *Client) handle(ctx context.Context, payload []byte) {
	tag, body, err := protocol.SplitTag(payload)
	if err != nil {
		return
	}

	switch tag {
	case protocol.PackIDAssignment:
		c.onIDReply(ctx, body)
	case protocol.PackHeartbeat:
		c.onHeartbeatEcho(body)
	case protocol.PackRoomAssign:
		a, err := protocol.ParseRoomAssign(body)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.roomID, c.seat = a.RoomID, int(a.Seat)
		c.mu.Unlock()
		c.logger.Info().Int64("room_id", a.RoomID).Int32("seat", a.Seat).Msg("room assigned")
		if c.cb.OnRoomAssigned != nil {
			c.cb.OnRoomAssigned(a.RoomID, int(a.Seat))
		}
	case protocol.PackRoomFilled:
		roster, err := protocol.ParseRoomFilled(body)
		if err != nil {
			c.logger.Warn().Err(err).Msg("bad roster")
			return
		}
		c.mu.Lock()
		c.filled = true
		c.mu.Unlock()
		if c.cb.OnRoomFilled != nil {
			c.cb.OnRoomFilled(roster)
		}
	case protocol.PackForceQuit:
		c.forceQuit("room ended")
	case protocol.PackRPC:
		c.router.Dispatch(payload)
	case protocol.PackNetEvent:
		ev, err := protocol.ParseRoomEvent(body)
		if err == nil && c.cb.OnNetEvent != nil {
			c.cb.OnNetEvent(ev)
		}
	case protocol.PackInstantiation:
		sp, err := protocol.ParseSpawn(body)
		if err == nil && c.cb.OnSpawn != nil {
			c.cb.OnSpawn(sp)
		}
	case protocol.PackDestroy:
		d, err := protocol.ParseDestroy(body)
		if err == nil && c.cb.OnDespawn != nil {
			c.cb.OnDespawn(d.ObjectID, d.OwnerID)
		}
	}
}

func (c *Client) onIDReply(ctx context.Context, body []byte) {
	reply, err := protocol.ParseIDReply(body)
	if err != nil {
		c.logger.Warn().Err(err).Msg("bad id reply")
		return
	}

	c.mu.Lock()
	c.id, c.token = reply.ID, reply.SessionToken
	first := !c.started
	c.started = true
	c.mu.Unlock()

	c.state.Store(int32(StateConnected))
	c.logger.Info().Int64("player_id", reply.ID).Bool("first", first).Msg("connected")

	if first {
		close(c.connected)
		go c.heartbeatLoop(ctx)
		if c.opts.MatchmakingTimeout > 0 {
			go c.watchdog(ctx)
		}
		if err := c.openDatagramChannels(ctx, reply.ID); err != nil {
			c.logger.Warn().Err(err).Msg("datagram channels unavailable")
		}
	}
	if c.cb.OnConnected != nil {
		c.cb.OnConnected(reply.ID)
	}
}

// heartbeatLoop runs for the client's lifetime so that misses keep
// counting while a reconnect is in progress.
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	c.sendHeartbeat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.quit:
			return
		case <-ticker.C:
			if c.pending.Load() {
				if c.miss() {
					return
				}
			}
			c.sendHeartbeat()
		}
	}
}

func (c *Client) sendHeartbeat() {
	c.pending.Store(true)
	if err := c.Send(protocol.BuildHeartbeat(time.Now().UnixNano())); err != nil {
		c.logger.Trace().Err(err).Msg("heartbeat not sent")
	}
}

// miss records an unanswered heartbeat and reports whether the client quit.
func (c *Client) miss() bool {
	n := int(c.misses.Add(1))
	if n > c.opts.TimeoutWarnAfter && c.warned.CompareAndSwap(false, true) {
		c.logger.Warn().Int("misses", n).Msg("server not answering heartbeats")
		if c.cb.OnTimeout != nil {
			c.cb.OnTimeout(true)
		}
	}
	if n >= c.opts.ForceQuitAfter {
		c.forceQuit("heartbeat timeout")
		return true
	}
	return false
}

func (c *Client) onHeartbeatEcho(body []byte) {
	sent, err := protocol.ParseHeartbeat(body)
	if err != nil {
		return
	}
	c.pending.Store(false)
	c.misses.Store(0)
	c.ping.Store(int64(time.Since(time.Unix(0, sent))))
	if c.warned.CompareAndSwap(true, false) && c.cb.OnTimeout != nil {
		c.cb.OnTimeout(false)
	}
}

func (c *Client) watchdog(ctx context.Context) {
	timer := time.NewTimer(c.opts.MatchmakingTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-c.quit:
	case <-timer.C:
		c.mu.Lock()
		filled := c.filled
		c.mu.Unlock()
		if !filled {
			c.forceQuit(fmt.Sprintf("room not filled after %s", c.opts.MatchmakingTimeout))
		}
	}
}

// Ping returns the last measured heartbeat round trip.
func (c *Client) Ping() time.Duration { return time.Duration(c.ping.Load()) }

// SendRPC calls objectID.method on the server.
func (c *Client) SendRPC(objectID int32, method string, args ...rpc.Arg) error {
	frame, err := rpc.Encode(objectID, method, args...)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// RaiseEvent sends a NetEvent to the server, scoped to this client's room.
func (c *Client) RaiseEvent(eventID byte, args []byte) error {
	return c.Send(protocol.BuildClientEvent(eventID, args))
}

// Spawn asks the server to instantiate an object owned by this client.
func (c *Client) Spawn(name string, pos protocol.Vec3, rot protocol.Quat) error {
	return c.Send(protocol.BuildSpawnRequest(protocol.Spawn{OwnerID: c.ID(), Name: name, Position: pos, Rotation: rot}))
}

// Despawn asks the server to remove one of this client's objects.
func (c *Client) Despawn(objectID int32) error {
	return c.Send(protocol.BuildDestroy(protocol.Destroy{ObjectID: objectID, OwnerID: c.ID()}))
}
