package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/ship-commander/wamux/internal/config"
	"github.com/ship-commander/wamux/internal/logging"
	"github.com/ship-commander/wamux/internal/telemetry"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(
		ctx,
		logging.WithDir(filepath.Join(cfg.Home, "logs")),
		logging.WithLevel(cfg.LogLevel),
		logging.WithRunID(uuid.NewString()[:8]),
	)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	cmd := newRootCommand(ctx, cfg, logger.Logger)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		return err
	}

	return nil
}

func newRootCommand(ctx context.Context, cfg *config.Config, logger *log.Logger) *cobra.Command {
	var otelEndpoint string

	root := &cobra.Command{
		Use:           "wamux",
		Short:         "Multi-session messaging connection manager",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP/HTTP endpoint for traces")
	root.AddCommand(
		newServeCommand(cfg, logger),
		newSessionsCommand(cfg, logger),
		newDoctorCommand(cfg),
		newBugreportCommand(cfg, logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		telemetry.ServiceVersion = Version
		if otelEndpoint != "" {
			telemetry.SetEndpointOverride(otelEndpoint)
		}
		logger.With("command", cmd.CommandPath()).Debug("command invocation")
		return nil
	}

	_ = ctx
	return root
}
