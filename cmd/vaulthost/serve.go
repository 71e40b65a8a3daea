package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vaulthost/internal/api"
	"vaulthost/internal/hub"
	"vaulthost/internal/logging"
	"vaulthost/internal/metrics"
	"vaulthost/internal/server"
	"vaulthost/internal/store"
	"vaulthost/internal/vault"
)

const (
	httpShutdownTimeout = 10 * time.Second
	readHeaderTimeout   = 5 * time.Second
)

func newServeCommand() *cobra.Command {
	var flags server.FlagValues
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the vault server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Set = changedFlags(cmd)
			cfg, err := server.LoadConfig(flags)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	defaults := server.DefaultConfig()
	fs := cmd.Flags()
	fs.StringVar(&flags.ConfigFile, "config", server.DefaultConfigFile, "Config file (env: VAULTHOST_CONFIG)")
	fs.StringVar(&flags.Host, "host", defaults.Host, "Listen host (env: VAULTHOST_HOST)")
	fs.IntVar(&flags.Port, "port", defaults.Port, "Listen port (env: VAULTHOST_PORT)")
	fs.StringVar(&flags.Token, "token", "", "Auth token for REST and websocket clients (env: VAULTHOST_TOKEN)")
	fs.StringVar(&flags.DBPath, "db-path", defaults.DBPath, "SQLite registry path (env: VAULTHOST_DB_PATH)")
	fs.DurationVar(&flags.Debounce, "debounce", defaults.Debounce, "Change coalescing window (env: VAULTHOST_DEBOUNCE)")
	fs.StringSliceVar(&flags.Exclusions, "exclude", defaults.Exclusions, "Names never watched or listed (env: VAULTHOST_EXCLUSIONS)")
	fs.StringVar(&flags.LogFile, "log-file", "", "Rotated log file in addition to stdout (env: VAULTHOST_LOG_FILE)")
	fs.StringVar(&flags.LogLevel, "log-level", string(defaults.LogLevel), "Minimum log level (env: VAULTHOST_LOG_LEVEL)")
	fs.DurationVar(&flags.PingInterval, "ping-interval", defaults.PingInterval, "Websocket keepalive interval (env: VAULTHOST_PING_INTERVAL)")
	fs.DurationVar(&flags.PongTimeout, "pong-timeout", defaults.PongTimeout, "Websocket dead-peer timeout (env: VAULTHOST_PONG_TIMEOUT)")
	fs.IntVar(&flags.MaxWatches, "max-watches", defaults.MaxWatches, "Watched directories per vault (env: VAULTHOST_MAX_WATCHES)")
	fs.StringSliceVar(&flags.AllowedOrigins, "allowed-origin", nil, "Allowed websocket origins (env: VAULTHOST_ALLOWED_ORIGINS)")
	return cmd
}

func changedFlags(cmd *cobra.Command) map[string]bool {
	set := make(map[string]bool)
	for _, name := range []string{
		"config", "host", "port", "token", "db-path", "debounce", "exclude", "log-file",
		"log-level", "ping-interval", "pong-timeout", "max-watches", "allowed-origin",
	} {
		if cmd.Flags().Changed(name) {
			set[name] = true
		}
	}
	return set
}

// application is the wired server: registry, hub, engine and routes.
type application struct {
	cfg      server.Config
	logger   *logging.Logger
	store    *store.Store
	hub      *hub.Hub
	engine   *vault.Engine
	registry *metrics.Registry
	handler  http.Handler
}

func newApplication(ctx context.Context, cfg server.Config, logger *logging.Logger) (*application, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	registry := metrics.NewRegistry()
	notifications := hub.New(ctx, hub.Options{
		Registry: registry,
		Logger:   logger.Component("hub"),
	})
	engine, err := vault.NewEngine(ctx, vault.Options{
		Store:          st,
		Hub:            notifications,
		Exclusions:     cfg.Exclusions,
		DebounceWindow: cfg.Debounce,
		MaxWatches:     cfg.MaxWatches,
		Logger:         logger,
		Registry:       registry,
	})
	if err != nil {
		notifications.Close()
		_ = st.Close()
		return nil, err
	}
	if err := engine.Load(ctx); err != nil {
		engine.Close()
		notifications.Close()
		_ = st.Close()
		return nil, fmt.Errorf("load vaults: %w", err)
	}

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.Options{
		Engine:         engine,
		Hub:            notifications,
		Logger:         logger,
		Registry:       registry,
		AuthToken:      cfg.AuthToken,
		AllowedOrigins: cfg.AllowedOrigins,
		PingInterval:   cfg.PingInterval,
		PongTimeout:    cfg.PongTimeout,
	})
	return &application{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		hub:      notifications,
		engine:   engine,
		registry: registry,
		handler:  mux,
	}, nil
}

// serve runs the HTTP server until ctx ends, then shuts down transports
// before vault state.
func (app *application) serve(ctx context.Context, listener net.Listener, shutdown *shutdownSequence) error {
	httpServer := &http.Server{
		Handler:           app.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	if shutdown == nil {
		shutdown = newShutdownSequence(app.logger)
	}
	shutdown.Add("http", httpServer.Shutdown)
	shutdown.AddFunc("engine", app.engine.Close)
	shutdown.AddFunc("hub", app.hub.Close)
	shutdown.Add("store", func(context.Context) error { return app.store.Close() })

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		app.logger.Info("vaulthost listening", map[string]string{"addr": listener.Addr().String()})
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return shutdown.Run(shutdownCtx)
	})
	return group.Wait()
}

func runServe(parent context.Context, cfg server.Config, stdout io.Writer) error {
	logger, sink, err := server.NewLogger(cfg, stdout)
	if err != nil {
		return err
	}
	defer sink.Close()
	server.LogVersionInfo(logger)
	server.LogStartupFlags(logger, cfg)

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	shutdown := newShutdownSequence(logger)
	stopWatching := watchShutdownSignals(logger, cancel, signals, shutdown)
	defer stopWatching()

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		app.engine.Close()
		app.hub.Close()
		_ = app.store.Close()
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}
	if err := app.serve(ctx, listener, shutdown); err != nil {
		logger.Error("server stopped", map[string]string{"error": err.Error()})
		return err
	}
	logger.Info("server stopped", nil)
	return nil
}
