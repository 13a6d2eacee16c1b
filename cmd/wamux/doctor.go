package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ship-commander/wamux/internal/config"
	"github.com/ship-commander/wamux/internal/credstore"
	"github.com/ship-commander/wamux/internal/doctor"
	"github.com/spf13/cobra"
)

var errUnhealthy = errors.New("doctor found problems")

func newDoctor(cfg *config.Config) (*doctor.Manager, error) {
	store, err := credstore.New(cfg.AuthDir)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	leases, err := openLeases(cfg)
	if err != nil {
		return nil, err
	}
	return doctor.NewManager(store, leases, doctor.Config{BridgeCommand: cfg.Bridge.Command})
}

func newDoctorCommand(cfg *config.Config) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the bridge install and auth directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), cfg, asJSON, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func runDoctor(ctx context.Context, cfg *config.Config, asJSON bool, out io.Writer) error {
	manager, err := newDoctor(cfg)
	if err != nil {
		return err
	}
	report, err := manager.RunOnce(ctx)
	if err != nil {
		return err
	}

	if asJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(report); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
	} else {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, check := range report.Checks {
			fmt.Fprintf(tw, "[%s]\t%s\t%s\n", check.Severity, check.Name, check.Detail)
		}
		if err := tw.Flush(); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}

	if !report.Healthy() {
		return errUnhealthy
	}
	return nil
}
