// GigNet - real-time multiplayer networking core.
//
// The gignet binary hosts the lobby, the room registry and the TCP, WebSocket
// and UDP transports, exposes the provisioning bridge used by the external
// lobby service, and publishes lifecycle telemetry via MQTT.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gignet/internal/api"
	"github.com/energizer-project/gignet/internal/cli"
	"github.com/energizer-project/gignet/internal/config"
	"github.com/energizer-project/gignet/internal/db"
	"github.com/energizer-project/gignet/internal/events"
	"github.com/energizer-project/gignet/internal/health"
	"github.com/energizer-project/gignet/internal/scheduler"
	"github.com/energizer-project/gignet/internal/server"
	"github.com/energizer-project/gignet/internal/telemetry"
	"github.com/energizer-project/gignet/internal/util"
)

const (
	AppName    = "GigNet"
	AppVersion = "1.0.0"
	Banner     = `
   ____ _       _   _      _
  / ___(_) __ _| \ | | ___| |_
 | |  _| |/ _' |  \| |/ _ \ __|
 | |_| | | (_| | |\  |  __/ |_
  \____|_|\__, |_| \_|\___|\__|
          |___/  v%s
 Real-time multiplayer networking core
`
)

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "directory holding config.json")
	matchLength := flag.Duration("match-length", 0, "end filled rooms after this long (0 keeps them until ended)")
	interactive := flag.Bool("console", true, "read operator commands from stdin")
	flag.Parse()

	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting GigNet")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logCfg := cfg.GetLogging()
	if err := util.InitLogger(util.LogConfig{
		Level:      logCfg.Level,
		Directory:  logCfg.Directory,
		MaxBackups: logCfg.MaxBackups,
		Console:    logCfg.Console,
		App:        "gignet-server",
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	if cfg.GetNetwork().PublicHost == "" {
		if ip, err := util.GetLocalIP(); err == nil {
			log.Info().Str("public_host", ip).Msg("public host not configured, using local address")
			cfg.Network.PublicHost = ip
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	var ledger *db.Ledger
	if dbCfg := cfg.GetDatabase(); dbCfg.Enabled {
		ledger, err = db.NewLedger(dbCfg.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open room ledger, ledger disabled")
		} else {
			ledger.Attach(eventBus)
			defer ledger.Close()
		}
	}

	game, err := server.New(cfg, newLogAgent(*matchLength), eventBus)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}

	sched := scheduler.NewScheduler(cfg, game, ledger)

	var alerts health.AlertSink
	if ledger != nil {
		alerts = ledger
	}
	healthMgr := health.NewManager(cfg, alerts)

	var apiServer *api.Server
	if cfg.GetAPI().Enabled {
		api.Version = AppVersion
		apiServer = api.NewServer(cfg, eventBus, game, ledger)
		sched.AddPruner("api_clients", func(time.Time) int {
			return apiServer.PruneClients(10 * time.Minute)
		})
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetMQTT().Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus, func() interface{} { return game.Stats() })
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
			mqttHandler = nil
		}
	}

	// The console and the control API ask for shutdown through the bus.
	shutdownCh := make(chan string, 1)
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(_ context.Context, e events.Event) error {
		select {
		case shutdownCh <- e.Source:
		default:
		}
		return nil
	})

	if err := game.Listen(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to bind transports")
	}
	log.Info().
		Str("tcp", game.TCPAddr()).
		Str("ws", game.WSAddr()).
		Str("udp", game.UDPAddr()).
		Str("audio", game.AudioAddr()).
		Int64("session_token", game.SessionToken()).
		Msg("transports bound")

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := game.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("game server: %w", err)
		}
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.GetAPI().Port).Msg("starting REST API server")
			if err := apiServer.Start(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	if *interactive {
		// The console goroutine may stay blocked on stdin after shutdown, so
		// it is not part of the wait group.
		go cli.NewCLI(eventBus, game, os.Stdin, os.Stdout).Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case source := <-shutdownCh:
		log.Info().Str("source", source).Msg("shutdown requested")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()
	log.Info().Msg("GigNet stopped")
}
