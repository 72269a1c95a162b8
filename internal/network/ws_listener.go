package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gignet/internal/config"
	"github.com/energizer-project/gignet/internal/protocol"
)

// wsWire carries one frame per binary message. The frame keeps its length
// prefix even though the message boundary already delimits it.
type wsWire struct {
	conn     *websocket.Conn
	remote   string
	maxFrame int
	writeMu  sync.Mutex
}

func newWSWire(conn *websocket.Conn, remote string, maxFrame int) *wsWire {
	conn.SetReadLimit(int64(maxFrame + protocol.LengthPrefixSize))
	return &wsWire{conn: conn, remote: remote, maxFrame: maxFrame}
}

func (w *wsWire) readPayload() ([]byte, error) {
	msgType, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		// Text messages are not part of the protocol; treat as a no-op frame.
		return []byte{}, nil
	}
	return protocol.DecodeFrame(data, w.maxFrame)
}

func (w *wsWire) writeFrame(frame []byte, deadline time.Time) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(deadline)
	return w.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (w *wsWire) close() error {
	w.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(flushTimeout))
	w.writeMu.Unlock()
	return w.conn.Close()
}

func (w *wsWire) remoteAddr() string { return w.remote }

// NewWSConn wraps an upgraded WebSocket connection.
func NewWSConn(conn *websocket.Conn, remote string, opts Options) *Conn {
	opts = opts.withDefaults()
	return newConn(TransportWS, newWSWire(conn, remote, opts.MaxFrameSize), opts)
}

// WSListener serves the WebSocket endpoint. Each upgraded connection runs
// its read loop inside the HTTP handler goroutine.
type WSListener struct {
	addr     string
	path     string
	opts     Options
	handler  Handler
	registry *Registry
	limiter  *IPLimiter
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// NewWSListener creates a WebSocket listener from the network section.
func NewWSListener(cfg config.NetworkConfig, h Handler, registry *Registry, limiter *IPLimiter) *WSListener {
	path := cfg.WSPath
	if path == "" {
		path = "/"
	}
	return &WSListener{
		addr:     net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.WSPort)),
		path:     path,
		opts:     OptionsFromConfig(cfg),
		handler:  h,
		registry: registry,
		limiter:  limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Game clients (including WebGL builds) connect from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Listen binds the socket. Serve must be called afterwards.
func (l *WSListener) Listen(ctx context.Context) error {
	lc := reuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to start WebSocket listener on %s: %w", l.addr, err)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Str("path", l.path).Msg("WebSocket listener started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *WSListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Start binds and serves until ctx is cancelled.
func (l *WSListener) Start(ctx context.Context) error {
	if err := l.Listen(ctx); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Serve runs the HTTP server until ctx is cancelled.
func (l *WSListener) Serve(ctx context.Context) error {
	l.mu.Lock()
	ln := l.listener
	if ln == nil {
		l.mu.Unlock()
		return errors.New("WebSocket listener not bound")
	}
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, func(w http.ResponseWriter, r *http.Request) {
		l.handleUpgrade(ctx, w, r)
	})
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := l.server
	l.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("WebSocket server failed: %w", err)
	}
	log.Info().Msg("WebSocket listener stopping")
	return nil
}

func (l *WSListener) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if !l.limiter.Allow(hostOnly(r.RemoteAddr)) {
		log.Warn().Str("remote", r.RemoteAddr).Msg("connection rate exceeded, dropping")
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn := NewWSConn(ws, r.RemoteAddr, l.opts)
	conn.Logger().Debug().Msg("new WebSocket connection")

	l.registry.Register(conn)
	defer l.registry.Unregister(conn)

	conn.Serve(ctx, l.handler)
}

// Stop closes the HTTP server immediately.
func (l *WSListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.server != nil {
		return l.server.Close()
	}
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
