// Package main provides meshpostd, the meshpost daemon: a reconciliation
// node over an anonymous, expiry-driven message inventory, exposing a
// stdio control surface for a local frontend to drive.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meshpost/meshpost/internal/config"
	"github.com/meshpost/meshpost/internal/conn"
	"github.com/meshpost/meshpost/internal/control"
	"github.com/meshpost/meshpost/internal/deriver"
	"github.com/meshpost/meshpost/internal/intent"
	"github.com/meshpost/meshpost/internal/inventory"
	"github.com/meshpost/meshpost/internal/reconcile"
	"github.com/meshpost/meshpost/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.meshpost", "Data directory")
		listenTCP   = flag.String("listen-tcp", "", "TCP listen address, overrides config")
		listenUnix  = flag.String("listen-unix", "", "Unix socket listen path, overrides config")
		wsAddr      = flag.String("ws", "", "Websocket event-mirror address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("meshpostd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	if *listenTCP != "" {
		cfg.Network.ListenTCP = *listenTCP
	}
	if *listenUnix != "" {
		cfg.Network.ListenUnix = *listenUnix
	}
	if *wsAddr != "" {
		cfg.Control.WebsocketAddr = *wsAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.FilePath(*dataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inv, err := inventory.New(inventory.Config{
		Path:   cfg.InventoryDBPath(),
		Logger: log,
	})
	if err != nil {
		log.Fatal("Failed to open inventory database", "error", err)
	}
	defer inv.Close()
	log.Info("Inventory opened", "path", cfg.InventoryDBPath())

	deriv, err := deriver.New(deriver.Config{
		Path:   cfg.DeriverDBPath(),
		Source: inv,
		Logger: log,
	})
	if err != nil {
		log.Fatal("Failed to open frontend store", "error", err)
	}
	deriv.Start(inv.Subscribe())
	defer deriv.Stop()
	log.Info("State deriver started", "path", cfg.DeriverDBPath())

	registry := intent.NewRegistry()
	handler := reconcile.EngineHandler{Engine: inv, Registry: registry}
	supervisor := conn.New(handler, inv, registry, log)
	defer supervisor.Stop()

	if cfg.Network.ListenTCP != "" {
		if err := supervisor.ListenTCP(cfg.Network.ListenTCP); err != nil {
			log.Fatal("Failed to listen on TCP", "address", cfg.Network.ListenTCP, "error", err)
		}
		log.Info("Listening for reconciliation peers", "addr", cfg.Network.ListenTCP, "transport", "tcp")
	}
	if cfg.Network.ListenUnix != "" {
		if err := supervisor.ListenUnix(cfg.Network.ListenUnix); err != nil {
			log.Fatal("Failed to listen on Unix socket", "path", cfg.Network.ListenUnix, "error", err)
		}
		log.Info("Listening for reconciliation peers", "addr", cfg.Network.ListenUnix, "transport", "unix")
	}

	connLog := log.Component("conn")
	for _, peerAddr := range cfg.Network.Peers {
		addr := peerAddr
		supervisor.Connect(addr, conn.Callbacks{
			OnConnectionFailed: func(address string, err error) {
				connLog.Warn("Failed to connect to peer", "address", address, "error", err)
			},
			OnReconcileFailed: func(address string, err error) {
				connLog.Warn("Reconciliation failed", "address", address, "error", err)
			},
			OnConnectionSevered: func(address string) {
				connLog.Info("Connection severed", "address", address)
			},
		})
	}

	var hub *control.Hub
	var wsServer *http.Server
	if cfg.Control.WebsocketAddr != "" {
		hub = control.NewHub(log)
		go hub.Run(ctx.Done())

		mux := http.NewServeMux()
		mux.HandleFunc("/ws", hub.Handler())
		wsServer = &http.Server{Addr: cfg.Control.WebsocketAddr, Handler: mux}
		go func() {
			if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Websocket mirror server failed", "error", err)
			}
		}()
		log.Info("Websocket event mirror listening", "addr", cfg.Control.WebsocketAddr)
	}

	adapter := control.New(deriv, inv, hub, log)

	printBanner(log, cfg)

	controlErrCh := make(chan error, 1)
	go func() {
		controlErrCh <- adapter.Run(ctx, os.Stdin, os.Stdout)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("Shutting down...")
	case err := <-controlErrCh:
		if err != nil {
			log.Error("Control surface ended unexpectedly", "error", err)
		} else {
			log.Info("Control surface closed, shutting down...")
		}
	}

	cancel()
	if wsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Error stopping websocket server", "error", err)
		}
	}

	// supervisor, deriv, and inv are torn down by their deferred Stop/Close
	// calls above as main returns; none of their shutdown paths are
	// idempotent, so they must run exactly once.
	log.Info("Goodbye!")
}

func printBanner(log *logging.Logger, cfg *config.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  meshpost daemon")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Data dir: %s", cfg.Storage.DataDir)
	if cfg.Network.ListenTCP != "" {
		log.Infof("  TCP:  %s", cfg.Network.ListenTCP)
	}
	if cfg.Network.ListenUnix != "" {
		log.Infof("  Unix: %s", cfg.Network.ListenUnix)
	}
	log.Infof("  Peers configured: %d", len(cfg.Network.Peers))
	if cfg.Control.WebsocketAddr != "" {
		log.Infof("  WS:   ws://%s/ws", cfg.Control.WebsocketAddr)
	}
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
