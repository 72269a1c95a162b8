package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gignet/internal/config"
	"github.com/energizer-project/gignet/internal/db"
	"github.com/energizer-project/gignet/internal/events"
	intnet "github.com/energizer-project/gignet/internal/network"
	"github.com/energizer-project/gignet/internal/server"
)

// Server is the HTTP surface of GigNet: the provisioning bridge used by the
// external lobby service plus the operator monitor and control endpoints.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	game     *server.Server
	ledger   *db.Ledger
	limiter  *RateLimiter

	routerOnce sync.Once
	router     *gin.Engine

	mu         sync.Mutex
	httpServer *http.Server
	addr       net.Addr
}

// NewServer creates the API server. ledger may be nil when the database is
// disabled.
func NewServer(cfg *config.Config, eventBus *events.EventBus, game *server.Server, ledger *db.Ledger) *Server {
	if cfg.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:      cfg,
		eventBus: eventBus,
		game:     game,
		ledger:   ledger,
		limiter:  NewRateLimiter(cfg.GetAPI().RateLimitRPS),
	}
}

// PruneClients forgets rate limit state of clients idle for maxIdle.
func (s *Server) PruneClients(maxIdle time.Duration) int {
	return s.limiter.Prune(maxIdle)
}

// Handler returns the HTTP handler, building the routes on first use.
func (s *Server) Handler() http.Handler {
	s.routerOnce.Do(func() {
		s.router = s.buildRouter()
	})
	return s.router
}

// Start binds the configured port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetAPI()
	addr := net.JoinHostPort(s.cfg.GetNetwork().BindAddress, fmt.Sprint(apiCfg.Port))

	httpServer := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	s.mu.Lock()
	s.httpServer = httpServer
	s.addr = ln.Addr()
	s.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Addr returns the bound address once Start has listened, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetAPI()
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(s.limiter.Middleware())

	// The lobby service posts to either path.
	router.Any("/", s.handleProvision)
	router.Any("/api/lobby", s.handleProvision)

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/info", s.handleGetServerInfo)
	}

	monitor := router.Group("/api/monitor")
	{
		monitor.GET("/stats", s.handleGetStats)
		monitor.GET("/rooms", s.handleGetRooms)
		monitor.GET("/rooms/:id", s.handleGetRoom)
		monitor.GET("/sessions", s.handleGetSessions)
		monitor.GET("/connections", s.handleGetConnections)
		monitor.GET("/lag", s.handleGetLag)
		monitor.GET("/host", s.handleGetHostLoad)
		monitor.GET("/ledger", s.handleGetLedger)
		monitor.GET("/alerts", s.handleGetAlerts)
		monitor.GET("/log_entries", s.handleGetLogEntries)
	}

	control := router.Group("/api/control")
	control.Use(RequireControlToken(apiCfg.ControlToken))
	{
		control.POST("/end_room/:id", s.handleEndRoom)
		control.POST("/ack_alert/:id", s.handleAckAlert)
		control.GET("/config", s.handleGetConfig)
		control.POST("/config", s.handleUpdateConfig)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
