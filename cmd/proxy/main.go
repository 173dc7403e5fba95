// Command proxy runs an intercepting HTTP/1.1 reverse proxy: it listens
// for client connections, pairs each one with an upstream connection to
// a configured remote origin, and relays exchanges through a
// programmable flow pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/relayproxy/internal/config"
	"github.com/anthropics/relayproxy/internal/flow"
	"github.com/anthropics/relayproxy/internal/persistence/sqlitestore"
	"github.com/anthropics/relayproxy/internal/pipe"
	"github.com/anthropics/relayproxy/internal/recipe"
	"github.com/anthropics/relayproxy/internal/redact"
	"github.com/anthropics/relayproxy/internal/reporting"
	"github.com/anthropics/relayproxy/internal/reporting/wsbroadcast"
)

var (
	version = "dev"
	commit  = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <listen_host:port> <remote_host:port> [flags]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "Path to config file")
	dbPath := flag.String("db", "", "Path to the exchange-log database (overrides config, empty disables persistence)")
	uiAddr := flag.String("ui", "", "If set, serve a WebSocket feed of live exchanges on this address")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("proxy %s (%s)\n", version, commit)
		os.Exit(0)
	}

	// §6's CLI contract: exactly two positional arguments, <listen_host:port>
	// and <remote_host:port>; non-zero exit if the argument count is wrong.
	args := flag.Args()
	if len(args) != 2 {
		fmt.Fprintf(os.Stderr, "%s: expected 2 positional arguments (listen, remote), got %d\n", os.Args[0], len(args))
		usage()
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if *debugMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg.Proxy.Listen = args[0]
	cfg.Proxy.Remote = args[1]
	if *dbPath != "" {
		cfg.Persistence.DBPath = *dbPath
	}

	redactor, err := redact.New(&cfg.Redaction)
	if err != nil {
		logger.Error("failed to build redactor", "error", err)
		os.Exit(1)
	}

	root := recipe.Register(flow.Root(), recipe.DefaultContribution(cfg.Proxy.Remote, "remote"))
	def := pipe.NewStaticFlowDefinition(cfg.Proxy.Listen, cfg.Proxy.Remote, root)

	broadcaster := reporting.NewBroadcaster(func(err error) {
		logger.Error("listener error", "error", err)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writer *sqlitestore.Writer
	if cfg.Persistence.DBPath != "" {
		store, err := sqlitestore.Open(cfg.Persistence.DBPath)
		if err != nil {
			logger.Error("failed to open exchange-log database", "error", err, "path", cfg.Persistence.DBPath)
			os.Exit(1)
		}
		defer store.Close()

		queue := sqlitestore.NewQueue(cfg.Persistence.QueueMaxSize)
		writer = sqlitestore.NewWriter(store, queue, logger)
		broadcaster.Add(writer.Listener())
		go writer.Run(ctx)
		logger.Info("persisting exchanges", "db", cfg.Persistence.DBPath)
	}

	var hub *wsbroadcast.Hub
	if *uiAddr != "" {
		hub = wsbroadcast.NewHub(logger)
		broadcaster.Add(hub)
		go hub.Run(ctx)

		mux := http.NewServeMux()
		mux.HandleFunc("/ws", hub.Handler())
		uiSrv := &http.Server{Addr: *uiAddr, Handler: mux}
		go func() {
			logger.Info("live-exchange websocket listening", "addr", *uiAddr)
			if err := uiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("websocket server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = uiSrv.Shutdown(shutdownCtx)
		}()
	}

	srv := pipe.NewServer(def, broadcaster, redactor, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}
	logger.Info("proxy listening", "listen", cfg.Proxy.Listen, "remote", cfg.Proxy.Remote)

	<-ctx.Done()

	logger.Info("shutting down")
	srv.Close()

	graceDeadline := time.After(10 * time.Second)
	for srv.OpenDispatcherCount() > 0 {
		select {
		case <-graceDeadline:
			logger.Warn("grace period elapsed, forcing remaining connections closed", "open", srv.OpenDispatcherCount())
			srv.Kill()
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}
