package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/wamux/internal/bridge"
	"github.com/ship-commander/wamux/internal/client"
	"github.com/ship-commander/wamux/internal/config"
	"github.com/ship-commander/wamux/internal/credstore"
	"github.com/ship-commander/wamux/internal/events"
	"github.com/ship-commander/wamux/internal/locks"
	"github.com/ship-commander/wamux/internal/reconnect"
	"github.com/ship-commander/wamux/internal/recovery"
	"github.com/ship-commander/wamux/internal/registry"
	"github.com/ship-commander/wamux/internal/session"
	"github.com/ship-commander/wamux/internal/stream"
	"github.com/ship-commander/wamux/internal/telemetry"
	"github.com/spf13/cobra"
)

const (
	serveLeaseOwner = "serve"
	shutdownTimeout = 15 * time.Second
)

var (
	newClientFactory = func(cfg *config.Config, creds bridge.Credentials, logger *log.Logger) (client.Factory, error) {
		return bridge.NewFactory(bridge.Config{
			Command:           cfg.Bridge.Command,
			Args:              cfg.Bridge.Args,
			Credentials:       creds,
			HeartbeatInterval: cfg.Bridge.HeartbeatInterval,
			ShutdownGrace:     cfg.Bridge.ShutdownGrace,
			Logger:            logger,
			Launcher:          bridge.ExecLauncher{Stderr: os.Stderr},
		})
	}
	listenFn = func(addr string) (net.Listener, error) {
		return net.Listen("tcp", addr)
	}
	initTelemetryFn = telemetry.Init
)

type serveOptions struct {
	listenAddr  string
	initDefault bool
}

func newServeCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Restore sessions and stream their events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.listenAddr, "listen", "", "listen address (overrides listen_addr)")
	cmd.Flags().BoolVar(&opts.initDefault, "init-default", true, "start the default session even without stored credentials")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger *log.Logger, opts serveOptions, out io.Writer) (err error) {
	if cfg == nil {
		return errors.New("config is required")
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, err := initTelemetryFn(ctx, telemetry.Settings{
		Endpoint:         cfg.OTelEndpoint,
		DefaultSessionID: cfg.DefaultSessionID,
		AuthDir:          cfg.AuthDir,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	store, err := credstore.New(cfg.AuthDir)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}

	leases, err := openLeases(cfg)
	if err != nil {
		return err
	}
	release, err := leases.Hold(ctx, serveLeaseOwner, []string{locks.AllSessions})
	if err != nil {
		return fmt.Errorf("auth directory %s is in use: %w", cfg.AuthDir, err)
	}
	defer func() {
		if releaseErr := release(); releaseErr != nil {
			logger.Warn("release auth directory lease", "err", releaseErr)
		}
	}()
	go renewLease(ctx, leases, logger)

	factory, err := newClientFactory(cfg, store, logger)
	if err != nil {
		return fmt.Errorf("create client factory: %w", err)
	}

	bus := events.New(events.WithLogger(logger))
	unsubscribe := bus.SubscribeAll(eventLogger(logger))
	defer unsubscribe()

	reg, err := registry.New(registry.Config{
		DefaultSessionID: cfg.DefaultSessionID,
		Session: session.Config{
			Factory:              factory,
			Logger:               logger,
			Policy:               reconnect.Policy{MaxAttempts: cfg.Reconnect.MaxAttempts, BaseDelay: cfg.Reconnect.BaseDelay},
			DisableAutoReconnect: !cfg.AutoReconnect,
			StartTimeout:         cfg.StartTimeout,
			StaleMessageWindow:   cfg.StaleMessageWindow,
			PairingTimeout:       cfg.Pairing.Timeout,
			PairingAttempts:      cfg.Pairing.MaxAttempts,
			PairingRetryDelay:    cfg.Pairing.RetryDelay,
		},
		Bus:         bus,
		Credentials: store,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create session registry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := reg.Shutdown(shutdownCtx); shutdownErr != nil {
			err = errors.Join(err, fmt.Errorf("shut down sessions: %w", shutdownErr))
		}
	}()

	hub, err := stream.NewHub(stream.HubConfig{Bus: bus, Source: reg, Logger: logger})
	if err != nil {
		return fmt.Errorf("create stream hub: %w", err)
	}
	srv, err := stream.NewServer(stream.ServerConfig{
		Hub:            hub,
		Sessions:       reg,
		AuthToken:      cfg.Stream.AuthToken,
		AllowedOrigins: cfg.Stream.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("create stream server: %w", err)
	}

	addr := opts.listenAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}
	listener, err := listenFn(addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	rec, err := recovery.NewManager(store, reg, recovery.Config{EventBus: bus, Logger: logger, ResumeTimeout: cfg.StartTimeout})
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("create recovery manager: %w", err)
	}
	result, err := rec.Recover(ctx)
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("restore sessions: %w", err)
	}
	if opts.initDefault && !slices.Contains(result.Initialized, reg.DefaultSessionID()) {
		if initErr := reg.Initialize(ctx, reg.DefaultSessionID()); initErr != nil {
			logger.Warn("start default session", "session_id", reg.DefaultSessionID(), "err", initErr)
		}
	}

	if _, err := fmt.Fprintf(out, "wamux listening on %s (%d restored, %d dormant)\n",
		listener.Addr(), len(result.Initialized), len(result.Dormant)); err != nil {
		_ = listener.Close()
		return fmt.Errorf("write serve output: %w", err)
	}
	return srv.ServeListener(ctx, listener)
}

func openLeases(cfg *config.Config) (*locks.Manager, error) {
	store, err := locks.NewFileStore(cfg.AuthDir)
	if err != nil {
		return nil, fmt.Errorf("open lease store: %w", err)
	}
	manager, err := locks.NewManager(store, locks.ManagerConfig{})
	if err != nil {
		return nil, fmt.Errorf("create lease manager: %w", err)
	}
	return manager, nil
}

func renewLease(ctx context.Context, leases *locks.Manager, logger *log.Logger) {
	ticker := time.NewTicker(leases.ExpiryTimeout() / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := leases.Renew(ctx, serveLeaseOwner); err != nil && ctx.Err() == nil {
				logger.Warn("renew auth directory lease", "err", err)
			}
		}
	}
}

// eventLogger records lifecycle events. Messages and status churn stay at debug.
func eventLogger(logger *log.Logger) events.Handler {
	return func(event events.Event) {
		switch event.Type {
		case events.TypeMessage, events.TypeStatus, events.TypeAuthCode:
			logger.Debug("session event", "type", event.Type, "session_id", event.SessionID)
		case events.TypeReconnectFailed, events.TypeDisconnected:
			logger.Warn("session event", "type", event.Type, "session_id", event.SessionID, "payload", event.Payload)
		default:
			logger.Info("session event", "type", event.Type, "session_id", event.SessionID)
		}
	}
}
