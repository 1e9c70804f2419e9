// Package main provides dtmsgd, the DT-messaging engine daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dtmesh/dtmsgd/internal/api"
	"github.com/dtmesh/dtmsgd/internal/config"
	"github.com/dtmesh/dtmsgd/internal/engine"
	"github.com/dtmesh/dtmsgd/internal/transport"
	"github.com/dtmesh/dtmsgd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.dtmsgd", "Data directory")
		configFile  = flag.String("config", "", "Config file path; only its directory is used and config.yaml there is loaded (default: <data-dir>/config.yaml)")
		listenAddr  = flag.String("listen", "", "Listen address, overrides config (multiaddr for libp2p, host:port for websocket)")
		apiAddr     = flag.String("api", "", "JSON-RPC/WebSocket API address, overrides config")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("dtmsgd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	configDir := *dataDir
	if *configFile != "" {
		configDir = filepath.Dir(*configFile)
	}
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	if *listenAddr != "" {
		cfg.Transport.ListenAddrs = []string{*listenAddr}
	}
	if *apiAddr != "" {
		cfg.API.ListenAddr = *apiAddr
	}
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = *dataDir

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	log.Info("config loaded", "path", config.ConfigPath(configDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := newTransport(ctx, cfg)
	if err != nil {
		log.Fatal("failed to construct transport", "error", err)
	}

	hub := api.NewWSHub()

	eng, err := engine.New(ctx, cfg, tp, hub.EngineEvents())
	if err != nil {
		log.Fatal("failed to construct engine", "error", err)
	}

	if err := eng.Start(); err != nil {
		log.Fatal("failed to start engine", "error", err)
	}

	apiServer := api.NewServer(eng, hub)
	if err := apiServer.Start(cfg.API.ListenAddr); err != nil {
		log.Fatal("failed to start api server", "error", err)
	}

	printBanner(log, eng, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down...")

	if err := apiServer.Stop(); err != nil {
		log.Error("error stopping api server", "error", err)
	}
	if err := eng.Stop(); err != nil {
		log.Error("error during engine shutdown", "error", err)
	}

	log.Info("goodbye")
}

// newTransport constructs the PeerTransport named by cfg.Transport.Kind.
func newTransport(ctx context.Context, cfg *config.EngineConfig) (transport.PeerTransport, error) {
	switch cfg.Transport.Kind {
	case config.TransportWebSocket:
		return transport.NewWSTransport(ctx, &cfg.Transport)
	case config.TransportLibp2p, "":
		return transport.NewLibp2pTransport(ctx, &cfg.Transport, filepath.Join(expandPath(cfg.Storage.DataDir), cfg.Identity.KeyFile))
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, eng *engine.EngineCoordinator, cfg *config.EngineConfig) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  DT-Messaging Engine")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Self user ID: %s", eng.SelfUserID)
	log.Infof("  Transport: %s", cfg.Transport.Kind)
	log.Info("")
	log.Infof("  API: http://%s", cfg.API.ListenAddr)
	log.Infof("  WS:  ws://%s/ws", cfg.API.ListenAddr)
	log.Info("")
	log.Infof("  Data dir: %s", expandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
