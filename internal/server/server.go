// Package server binds the lobby, the room registry, the RPC router and the
// transports into one explicit server context driven by a tick loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/energizer-project/gignet/internal/config"
	"github.com/energizer-project/gignet/internal/events"
	"github.com/energizer-project/gignet/internal/network"
	"github.com/energizer-project/gignet/internal/protocol"
	"github.com/energizer-project/gignet/internal/room"
	"github.com/energizer-project/gignet/internal/rpc"
	"github.com/energizer-project/gignet/internal/session"
)

var (
	// ErrNoAgent is returned by New when no game agent is supplied.
	ErrNoAgent = errors.New("server requires a game agent")

	// ErrNoSeat is returned when addressing an empty seat.
	ErrNoSeat = errors.New("seat is empty")
)

// Server is one networking core instance. Tests create as many as they need.
type Server struct {
	cfg   *config.Config
	agent Agent
	bus   *events.EventBus

	sessions *session.Table
	rooms    *room.Registry
	router   *rpc.Router
	conns    *network.Registry
	limiter  *network.IPLimiter
	lag      *LagMonitor

	token        int64
	tickInterval time.Duration
	startedAt    time.Time
	nextObject   atomic.Int32

	joins       queue[joinRequest]
	disconnects queue[seatEvent]
	reconnects  queue[seatEvent]
	netEvents   queue[protocol.NetEvent]
	spawned     queue[protocol.Spawn]
	despawned   queue[protocol.Destroy]
	removals    queue[int64]
	provisions  queue[*provisionCmd]

	poolMu sync.Mutex
	pool   []pooledFrame

	lnMu  sync.Mutex
	tcp   *network.TCPListener
	ws    *network.WSListener
	udp   *network.UDPChannel
	audio *network.AudioRelay

	logger zerolog.Logger
}

// New creates a server context. A nil bus gets a private one.
func New(cfg *config.Config, agent Agent, bus *events.EventBus) (*Server, error) {
	if agent == nil {
		return nil, ErrNoAgent
	}
	if cfg == nil {
		return nil, errors.New("server requires a configuration")
	}
	if bus == nil {
		bus = events.NewEventBus()
	}

	sess := cfg.GetSession()
	netCfg := cfg.GetNetwork()

	s := &Server{
		cfg:          cfg,
		agent:        agent,
		bus:          bus,
		rooms:        room.NewRegistry(cfg.GetRooms(), sess.RecentlyEndedTTL()),
		router:       rpc.NewRouter(),
		conns:        network.NewRegistry(),
		limiter:      network.NewIPLimiter(netCfg.AcceptPerIPSec),
		token:        time.Now().UnixMilli(),
		tickInterval: sess.TickInterval(),
		startedAt:    time.Now(),
		logger:       log.With().Str("component", "server").Logger(),
	}
	s.sessions = session.NewTable(sess.HeartbeatTimeout(), s.onSessionLost)
	s.lag = NewLagMonitor(bus, s.tickInterval)

	agent.BindRemoveRoom(s.removeRoomLater)

	s.logger.Info().
		Int64("session_token", s.token).
		Dur("heartbeat_timeout", sess.HeartbeatTimeout()).
		Dur("tick_interval", s.tickInterval).
		Msg("server context created")
	return s, nil
}

// SessionToken returns the token clients must echo to reconnect.
func (s *Server) SessionToken() int64 { return s.token }

// Router returns the RPC router for server-side object registration.
func (s *Server) Router() *rpc.Router { return s.router }

// Bus returns the lifecycle event bus.
func (s *Server) Bus() *events.EventBus { return s.bus }

// Sessions returns the lobby.
func (s *Server) Sessions() *session.Table { return s.sessions }

// Rooms returns the room registry. Callers outside the tick goroutine
// should only read from it.
func (s *Server) Rooms() *room.Registry { return s.rooms }

// Connections returns the live stream connections.
func (s *Server) Connections() *network.Registry { return s.conns }

// Lag returns the slow-tick monitor.
func (s *Server) Lag() *LagMonitor { return s.lag }

// Limiter returns the per-IP accept limiter.
func (s *Server) Limiter() *network.IPLimiter { return s.limiter }

// Listen binds every enabled transport. Ports may be 0 in tests; the bound
// addresses are available from the Addr accessors afterwards.
func (s *Server) Listen(ctx context.Context) error {
	n := s.cfg.GetNetwork()

	s.lnMu.Lock()
	defer s.lnMu.Unlock()

	if n.TCPEnabled {
		s.tcp = network.NewTCPListener(n, s, s.conns, s.limiter)
		if err := s.tcp.Listen(ctx); err != nil {
			return err
		}
	}
	if n.WSEnabled {
		s.ws = network.NewWSListener(n, s, s.conns, s.limiter)
		if err := s.ws.Listen(ctx); err != nil {
			return err
		}
	}
	if n.UDPEnabled {
		s.udp = network.NewUDPChannel(n.BindAddress, n.UDPPort, n.MaxFrameSize, s.handleDatagram)
		if err := s.udp.Listen(ctx); err != nil {
			return err
		}
	}
	if n.AudioEnabled {
		s.audio = network.NewAudioRelay(n.BindAddress, n.AudioPort)
		if err := s.audio.Listen(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Serve runs the bound transports and the tick loop until ctx is cancelled
// or one of them fails.
func (s *Server) Serve(ctx context.Context) error {
	s.lnMu.Lock()
	tcp, ws, udp, audio := s.tcp, s.ws, s.udp, s.audio
	s.lnMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	if tcp != nil {
		g.Go(func() error { return tcp.Serve(gctx) })
	}
	if ws != nil {
		g.Go(func() error { return ws.Serve(gctx) })
	}
	if udp != nil {
		g.Go(func() error { return udp.Serve(gctx) })
	}
	if audio != nil {
		g.Go(func() error { return audio.Serve(gctx) })
	}
	g.Go(func() error {
		s.runTicks(gctx)
		return nil
	})
	g.Go(func() error {
		s.lag.Start(gctx, time.Minute)
		return nil
	})

	err := g.Wait()
	s.conns.CloseAll()
	s.logger.Info().Msg("server stopped")
	return err
}

// Run binds and serves.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return fmt.Errorf("failed to bind transports: %w", err)
	}
	return s.Serve(ctx)
}

// TCPAddr returns the bound TCP address as host:port, or "".
func (s *Server) TCPAddr() string {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.tcp == nil || s.tcp.Addr() == nil {
		return ""
	}
	return s.tcp.Addr().String()
}

// WSAddr returns the bound WebSocket address as host:port, or "".
func (s *Server) WSAddr() string {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.ws == nil || s.ws.Addr() == nil {
		return ""
	}
	return s.ws.Addr().String()
}

// UDPAddr returns the bound control channel address, or "".
func (s *Server) UDPAddr() string {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.udp == nil || s.udp.Addr() == nil {
		return ""
	}
	return s.udp.Addr().String()
}

// AudioAddr returns the bound audio relay address, or "".
func (s *Server) AudioAddr() string {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.audio == nil || s.audio.Addr() == nil {
		return ""
	}
	return s.audio.Addr().String()
}

// PruneUDPEndpoints forgets datagram peers silent for maxIdle.
func (s *Server) PruneUDPEndpoints(maxIdle time.Duration) int {
	s.lnMu.Lock()
	udp, audio := s.udp, s.audio
	s.lnMu.Unlock()

	n := 0
	if udp != nil {
		n += udp.PruneEndpoints(maxIdle)
	}
	if audio != nil {
		n += audio.PruneEndpoints(maxIdle)
	}
	return n
}

// Stats is a point-in-time view of the server.
type Stats struct {
	SessionToken   int64      `json:"session_token"`
	Uptime         string     `json:"uptime"`
	Sessions       int        `json:"sessions"`
	ActiveSessions int        `json:"active_sessions"`
	Connections    int        `json:"connections"`
	Rooms          room.Stats `json:"rooms"`
	PooledFrames   int        `json:"pooled_frames"`
	RPCObjects     int        `json:"rpc_objects"`
	UDPEndpoints   int        `json:"udp_endpoints"`
	AudioEndpoints int        `json:"audio_endpoints"`
}

// Stats returns aggregate counters.
func (s *Server) Stats() Stats {
	total, active := s.sessions.Count()

	st := Stats{
		SessionToken:   s.token,
		Uptime:         time.Since(s.startedAt).Truncate(time.Second).String(),
		Sessions:       total,
		ActiveSessions: active,
		Connections:    s.conns.Count(),
		Rooms:          s.rooms.Stats(),
		PooledFrames:   s.pooledCount(),
		RPCObjects:     s.router.Count(),
	}

	s.lnMu.Lock()
	if s.udp != nil {
		st.UDPEndpoints = s.udp.Endpoints()
	}
	if s.audio != nil {
		st.AudioEndpoints = s.audio.Endpoints()
	}
	s.lnMu.Unlock()
	return st
}

func (s *Server) emit(t events.EventType, payload interface{}) {
	s.bus.Emit(context.Background(), events.Event{Type: t, Source: "server", Payload: payload})
}
