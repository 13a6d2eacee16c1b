package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/wamux/internal/config"
	"github.com/ship-commander/wamux/internal/credstore"
	"github.com/ship-commander/wamux/internal/locks"
	"github.com/spf13/cobra"
)

type sessionRow struct {
	Name         string     `json:"name"`
	SessionID    string     `json:"sessionId,omitempty"`
	Stale        bool       `json:"stale"`
	StaleReason  string     `json:"staleReason,omitempty"`
	LastIdentity string     `json:"lastIdentity,omitempty"`
	LastReadyAt  *time.Time `json:"lastReadyAt,omitempty"`
}

func newSessionsCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and maintain stored session credentials",
	}
	cmd.AddCommand(
		newSessionsListCommand(cfg),
		newSessionsPruneCommand(cfg, logger),
		newSessionsTerminateCommand(cfg, logger),
	)
	return cmd
}

func newSessionsListCommand(cfg *config.Config) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credential directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSessionsList(cmd.Context(), cfg, asJSON, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func runSessionsList(ctx context.Context, cfg *config.Config, asJSON bool, out io.Writer) error {
	store, err := credstore.New(cfg.AuthDir)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	entries, err := store.List()
	if err != nil {
		return err
	}
	rows := sessionRows(entries)

	if asJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(rows); err != nil {
			return fmt.Errorf("encode sessions: %w", err)
		}
		return nil
	}

	if len(rows) == 0 {
		_, err := fmt.Fprintf(out, "No sessions stored in %s\n", store.Root())
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATE\tIDENTITY\tLAST READY")
	for _, row := range rows {
		id := row.SessionID
		if id == "" {
			id = row.Name
		}
		state := "ok"
		if row.Stale {
			state = "stale: " + row.StaleReason
		}
		lastReady := "-"
		if row.LastReadyAt != nil {
			lastReady = row.LastReadyAt.UTC().Format(time.RFC3339)
		}
		identity := row.LastIdentity
		if identity == "" {
			identity = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, state, identity, lastReady)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write sessions: %w", err)
	}

	if holders := leaseHolders(ctx, cfg); holders != "" {
		_, err = fmt.Fprintf(out, "\nIn use by %s\n", holders)
	}
	return err
}

func newSessionsPruneCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete stale credential directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSessionsPrune(cmd.Context(), cfg, logger, dryRun, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only print what would be deleted")
	return cmd
}

func runSessionsPrune(ctx context.Context, cfg *config.Config, logger *log.Logger, dryRun bool, out io.Writer) error {
	store, err := credstore.New(cfg.AuthDir)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	release, err := holdOffline(ctx, cfg, "sessions-prune", locks.AllSessions)
	if err != nil {
		return err
	}
	defer func() { _ = release() }()

	entries, err := store.List()
	if err != nil {
		return err
	}
	pruned := 0
	var errs []error
	for _, entry := range entries {
		if !entry.Stale {
			continue
		}
		if !dryRun {
			if err := store.RemoveEntry(entry); err != nil {
				errs = append(errs, err)
				continue
			}
			logger.Info("pruned credential dir", "name", entry.Name, "reason", entry.StaleReason)
		}
		pruned++
		fmt.Fprintf(out, "%s\t%s\n", entry.Name, entry.StaleReason)
	}
	verb := "Pruned"
	if dryRun {
		verb = "Would prune"
	}
	fmt.Fprintf(out, "%s %d stale director%s\n", verb, pruned, plural(pruned, "y", "ies"))
	return errors.Join(errs...)
}

func newSessionsTerminateCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <session-id>",
		Short: "Delete a session's stored credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsTerminate(cmd.Context(), cfg, logger, args[0], cmd.OutOrStdout())
		},
	}
}

func runSessionsTerminate(ctx context.Context, cfg *config.Config, logger *log.Logger, id string, out io.Writer) error {
	id = strings.TrimSpace(id)
	store, err := credstore.New(cfg.AuthDir)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	dir, err := store.Dir(id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("session %s has no stored credentials", id)
		}
		return fmt.Errorf("stat %s: %w", dir, err)
	}

	release, err := holdOffline(ctx, cfg, "sessions-terminate", id)
	if err != nil {
		return err
	}
	defer func() { _ = release() }()

	if err := store.Remove(id); err != nil {
		return err
	}
	logger.Info("terminated session credentials", "session_id", id)
	_, err = fmt.Fprintf(out, "Terminated session %s\n", id)
	return err
}

func sessionRows(entries []credstore.Entry) []sessionRow {
	rows := make([]sessionRow, 0, len(entries))
	for _, entry := range entries {
		row := sessionRow{
			Name:        entry.Name,
			SessionID:   entry.SessionID,
			Stale:       entry.Stale,
			StaleReason: entry.StaleReason,
		}
		if entry.Meta != nil {
			row.LastIdentity = entry.Meta.LastIdentity
			row.LastReadyAt = entry.Meta.LastReadyAt
		}
		rows = append(rows, row)
	}
	return rows
}

// holdOffline leases ids for a maintenance command, refusing while a server
// owns them.
func holdOffline(ctx context.Context, cfg *config.Config, owner string, ids ...string) (func() error, error) {
	leases, err := openLeases(cfg)
	if err != nil {
		return nil, err
	}
	release, err := leases.Hold(ctx, owner, ids)
	if err != nil {
		if errors.Is(err, locks.ErrConflict) {
			return nil, fmt.Errorf("stop wamux serve before changing %s: %w", cfg.AuthDir, err)
		}
		return nil, err
	}
	return release, nil
}

func leaseHolders(ctx context.Context, cfg *config.Config) string {
	leases, err := openLeases(cfg)
	if err != nil {
		return ""
	}
	held, err := leases.CheckConflict(ctx, []string{locks.AllSessions})
	if err != nil || len(held) == 0 {
		return ""
	}
	owners := make([]string, 0, len(held))
	for _, lease := range held {
		owners = append(owners, fmt.Sprintf("%s (pid %d)", lease.Owner, lease.Pid))
	}
	return strings.Join(owners, ", ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
