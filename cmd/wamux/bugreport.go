package main

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/ship-commander/wamux/internal/config"
	"github.com/ship-commander/wamux/internal/credstore"
	"github.com/ship-commander/wamux/internal/doctor"
	"github.com/ship-commander/wamux/internal/locks"
	"github.com/spf13/cobra"
)

const (
	bugreportLogLimit   = 3
	bugreportErrorLimit = 20
	redactedValue       = "***REDACTED***"
)

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportGetwdFn  = os.Getwd
	bugreportRunCmdFn = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}

	sensitiveArgKeys = []string{"token", "secret", "password", "key"}
)

func newBugreportCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect a diagnostic bundle for debugging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if logger != nil {
				logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			}
			return runBugReport(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

// bugreportSummary is summary.json, the first entry of every bundle.
type bugreportSummary struct {
	GeneratedAt    time.Time      `json:"generatedAt"`
	Version        string         `json:"version"`
	DefaultSession string         `json:"defaultSession"`
	AuthDir        string         `json:"authDir"`
	Sessions       []sessionRow   `json:"sessions"`
	LeaseHolders   []locks.Lease  `json:"leaseHolders"`
	Doctor         *doctor.Report `json:"doctor,omitempty"`
	Bridge         bridgeSummary  `json:"bridge"`
	Logs           []string       `json:"logs"`
	RecentErrors   []logRecord    `json:"recentErrors,omitempty"`
	Warnings       []string       `json:"warnings,omitempty"`
}

type bridgeSummary struct {
	Command string `json:"command"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// logRecord is one error-level line lifted out of a wamux log file.
type logRecord struct {
	File      string `json:"file"`
	Time      string `json:"time,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Msg       string `json:"msg"`
	Err       string `json:"err,omitempty"`
}

type bundleFile struct {
	name string
	data []byte
}

// runBugReport writes .wamux-bugreport-<ts>.tar.gz into the working
// directory. Only session metadata leaves the auth dir: credential files
// and the stream token are never bundled.
func runBugReport(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	home := filepath.Clean(strings.TrimSpace(cfg.Home))
	if home == "." {
		return errors.New("wamux home directory is not valid")
	}
	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}

	now := bugreportNowFn().UTC()
	summary := &bugreportSummary{
		GeneratedAt:    now,
		Version:        Version,
		DefaultSession: cfg.DefaultSessionID,
		AuthDir:        cfg.AuthDir,
		Sessions:       []sessionRow{},
		LeaseHolders:   []locks.Lease{},
		Logs:           []string{},
	}
	summary.addSessions(cfg.AuthDir)
	summary.addLeaseHolders(ctx, cfg)
	summary.addDoctorReport(ctx, cfg)
	summary.Bridge = bridgeState(ctx, cfg.Bridge)
	logs := summary.addLogs(filepath.Join(home, "logs"))

	configTOML, err := effectiveConfigTOML(cfg)
	if err != nil {
		return err
	}
	summaryJSON, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encode bug report summary: %w", err)
	}
	files := append([]bundleFile{
		{name: "summary.json", data: append(summaryJSON, '\n')},
		{name: "config.toml", data: configTOML},
	}, logs...)

	path := filepath.Join(filepath.Clean(cwd), fmt.Sprintf(".wamux-bugreport-%s.tar.gz", now.Format("20060102-150405")))
	if err := writeBundle(path, now, files); err != nil {
		return err
	}

	if out == nil {
		out = os.Stdout
	}
	_, err = fmt.Fprintf(out, "Bug report written to: %s (%d %s, %d %s). Share for debugging.\n",
		path,
		len(summary.Sessions), plural(len(summary.Sessions), "session", "sessions"),
		len(summary.Warnings), plural(len(summary.Warnings), "warning", "warnings"),
	)
	return err
}

func (s *bugreportSummary) warn(format string, args ...any) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

func (s *bugreportSummary) addSessions(authDir string) {
	store, err := credstore.New(authDir)
	if err != nil {
		s.warn("open credential store: %v", err)
		return
	}
	entries, err := store.List()
	if err != nil {
		s.warn("list sessions: %v", err)
		return
	}
	s.Sessions = sessionRows(entries)
}

func (s *bugreportSummary) addLeaseHolders(ctx context.Context, cfg *config.Config) {
	leases, err := openLeases(cfg)
	if err != nil {
		s.warn("%v", err)
		return
	}
	held, err := leases.CheckConflict(ctx, []string{locks.AllSessions})
	if err != nil {
		s.warn("read leases: %v", err)
		return
	}
	s.LeaseHolders = append(s.LeaseHolders, held...)
}

func (s *bugreportSummary) addDoctorReport(ctx context.Context, cfg *config.Config) {
	manager, err := newDoctor(cfg)
	if err != nil {
		s.warn("doctor unavailable: %v", err)
		return
	}
	report, err := manager.RunOnce(ctx)
	if err != nil {
		s.warn("doctor: %v", err)
		return
	}
	s.Doctor = &report
}

// addLogs returns the newest wamux log files as bundle entries and lifts
// their error records into the summary.
func (s *bugreportSummary) addLogs(dir string) []bundleFile {
	paths, err := newestLogs(dir, bugreportLogLimit)
	if err != nil {
		s.warn("read logs directory: %v", err)
		return nil
	}
	files := make([]bundleFile, 0, len(paths))
	// Oldest first so the error tail ends on the latest run.
	for i := len(paths) - 1; i >= 0; i-- {
		// #nosec G304 -- paths come from globbing the wamux log directory.
		data, err := os.ReadFile(paths[i])
		if err != nil {
			s.warn("read log %s: %v", paths[i], err)
			continue
		}
		name := filepath.Base(paths[i])
		files = append(files, bundleFile{name: "logs/" + name, data: data})
		s.Logs = append(s.Logs, name)
		s.RecentErrors = append(s.RecentErrors, errorRecords(name, data)...)
	}
	if extra := len(s.RecentErrors) - bugreportErrorLimit; extra > 0 {
		s.RecentErrors = s.RecentErrors[extra:]
	}
	return files
}

func newestLogs(dir string, limit int) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	paths, err := filepath.Glob(filepath.Join(dir, "wamux-*.log"))
	if err != nil {
		return nil, err
	}
	modTimes := make(map[string]time.Time, len(paths))
	kept := paths[:0]
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		modTimes[path] = info.ModTime()
		kept = append(kept, path)
	}
	sort.Slice(kept, func(i, j int) bool { return modTimes[kept[i]].After(modTimes[kept[j]]) })
	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	return kept, nil
}

func errorRecords(file string, data []byte) []logRecord {
	var records []logRecord
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var line map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if level, _ := line["level"].(string); level != "error" {
			continue
		}
		record := logRecord{File: file}
		record.Time, _ = line["time"].(string)
		record.SessionID, _ = line["session_id"].(string)
		record.Msg, _ = line["msg"].(string)
		record.Err, _ = line["err"].(string)
		records = append(records, record)
	}
	return records
}

func bridgeState(ctx context.Context, bridge config.BridgeConfig) bridgeSummary {
	command := strings.TrimSpace(bridge.Command)
	state := bridgeSummary{Command: strings.TrimSpace(strings.Join(append([]string{command}, redactArgs(bridge.Args)...), " "))}
	if command == "" {
		state.Error = "no bridge command configured"
		return state
	}
	output, err := bugreportRunCmdFn(ctx, command, "--version")
	state.Version = strings.TrimSpace(string(output))
	if err != nil {
		state.Error = err.Error()
	}
	return state
}

// redactArgs masks the value of --flag=value arguments whose flag names a
// secret.
func redactArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if flag, _, ok := strings.Cut(arg, "="); ok && isSensitiveKey(flag) {
			arg = flag + "=" + redactedValue
		}
		out = append(out, arg)
	}
	return out
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, sensitive := range sensitiveArgKeys {
		if strings.Contains(key, sensitive) {
			return true
		}
	}
	return false
}

// effectiveConfig mirrors the resolved config.Config in config.toml layout.
type effectiveConfig struct {
	DefaultSessionID   string             `toml:"default_session_id"`
	AuthDir            string             `toml:"auth_dir"`
	ListenAddr         string             `toml:"listen_addr"`
	AutoReconnect      bool               `toml:"auto_reconnect"`
	StartTimeout       string             `toml:"start_timeout"`
	StaleMessageWindow string             `toml:"stale_message_window"`
	LogLevel           string             `toml:"log_level"`
	Reconnect          effectiveReconnect `toml:"reconnect"`
	Pairing            effectivePairing   `toml:"pairing"`
	Bridge             effectiveBridge    `toml:"bridge"`
	Stream             effectiveStream    `toml:"stream"`
	OTel               effectiveOTel      `toml:"otel"`
}

type effectiveReconnect struct {
	MaxAttempts int    `toml:"max_attempts"`
	BaseDelay   string `toml:"base_delay"`
}

type effectivePairing struct {
	Timeout     string `toml:"timeout"`
	MaxAttempts int    `toml:"max_attempts"`
	RetryDelay  string `toml:"retry_delay"`
}

type effectiveBridge struct {
	Command           string   `toml:"command"`
	Args              []string `toml:"args,omitempty"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`
	ShutdownGrace     string   `toml:"shutdown_grace"`
}

type effectiveStream struct {
	AuthToken      string   `toml:"auth_token,omitempty"`
	AllowedOrigins []string `toml:"allowed_origins,omitempty"`
}

type effectiveOTel struct {
	Endpoint string `toml:"endpoint,omitempty"`
}

// effectiveConfigTOML renders the config serve would run with. It reflects
// flags and env overrides, which a copy of config.toml would miss.
func effectiveConfigTOML(cfg *config.Config) ([]byte, error) {
	view := effectiveConfig{
		DefaultSessionID:   cfg.DefaultSessionID,
		AuthDir:            cfg.AuthDir,
		ListenAddr:         cfg.ListenAddr,
		AutoReconnect:      cfg.AutoReconnect,
		StartTimeout:       cfg.StartTimeout.String(),
		StaleMessageWindow: cfg.StaleMessageWindow.String(),
		LogLevel:           cfg.LogLevel,
		Reconnect: effectiveReconnect{
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			BaseDelay:   cfg.Reconnect.BaseDelay.String(),
		},
		Pairing: effectivePairing{
			Timeout:     cfg.Pairing.Timeout.String(),
			MaxAttempts: cfg.Pairing.MaxAttempts,
			RetryDelay:  cfg.Pairing.RetryDelay.String(),
		},
		Bridge: effectiveBridge{
			Command:           cfg.Bridge.Command,
			Args:              redactArgs(cfg.Bridge.Args),
			HeartbeatInterval: cfg.Bridge.HeartbeatInterval.String(),
			ShutdownGrace:     cfg.Bridge.ShutdownGrace.String(),
		},
		Stream: effectiveStream{AllowedOrigins: cfg.Stream.AllowedOrigins},
		OTel:   effectiveOTel{Endpoint: cfg.OTelEndpoint},
	}
	if cfg.Stream.AuthToken != "" {
		view.Stream.AuthToken = redactedValue
	}

	var buf bytes.Buffer
	buf.WriteString("# effective configuration, secrets redacted\n")
	if err := toml.NewEncoder(&buf).Encode(view); err != nil {
		return nil, fmt.Errorf("encode effective config: %w", err)
	}
	return buf.Bytes(), nil
}

// writeBundle writes files as a gzip-compressed tar. A partial archive is
// removed on failure.
func writeBundle(path string, modTime time.Time, files []bundleFile) error {
	// #nosec G304 -- path is a fixed name in the working directory.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	gz := gzip.NewWriter(file)
	writeErr := writeTar(tar.NewWriter(gz), modTime, files)
	if err := errors.Join(writeErr, gz.Close(), file.Close()); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("write bug report %s: %w", path, err)
	}
	return nil
}

func writeTar(tw *tar.Writer, modTime time.Time, files []bundleFile) error {
	for _, f := range files {
		header := &tar.Header{
			Name:     f.name,
			Typeflag: tar.TypeReg,
			Mode:     0o600,
			Size:     int64(len(f.data)),
			ModTime:  modTime,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		if _, err := tw.Write(f.data); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return tw.Close()
}
