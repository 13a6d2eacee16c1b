package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultRetention is how many log files New keeps in the log directory.
const DefaultRetention = 20

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	dir       string
	level     log.Level
	runID     string
	traceID   string
	mirror    io.Writer
	retention int
}

// WithDir places log files in dir instead of ~/.wamux/logs.
func WithDir(dir string) Option {
	return func(opts *newOptions) {
		opts.dir = strings.TrimSpace(dir)
	}
}

// WithLevel sets the minimum level. Unknown names keep info.
func WithLevel(level string) Option {
	return func(opts *newOptions) {
		if parsed, err := log.ParseLevel(strings.TrimSpace(level)); err == nil {
			opts.level = parsed
		}
	}
}

// WithRunID configures the run_id field used in emitted log records.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// WithTraceID configures the trace_id field used in emitted log records.
func WithTraceID(traceID string) Option {
	return func(opts *newOptions) {
		opts.traceID = strings.TrimSpace(traceID)
	}
}

// WithMirror also copies every record to w.
func WithMirror(w io.Writer) Option {
	return func(opts *newOptions) {
		opts.mirror = w
	}
}

// WithRetention keeps the n newest log files, the new one included.
// n <= 0 disables pruning.
func WithRetention(n int) Option {
	return func(opts *newOptions) {
		opts.retention = n
	}
}

// RuntimeLogger writes structured JSON logs to disk.
type RuntimeLogger struct {
	Logger     *log.Logger
	file       *os.File
	path       string
	baseLogger *log.Logger
	runID      string
	traceID    string
}

// New initializes logging under ~/.wamux/logs.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	resolved := resolveOptions(options)
	logDir := resolved.dir
	if logDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		logDir = filepath.Join(homeDir, ".wamux", "logs")
	}
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	timestamp := time.Now().UTC().Format("20060102-150405")
	fileName := fmt.Sprintf("wamux-%s.log", timestamp)
	if resolved.runID != "" {
		fileName = fmt.Sprintf("wamux-%s-%s.log", timestamp, resolved.runID)
	}
	filePath := filepath.Join(logDir, fileName)
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := log.NewWithOptions(file, log.Options{
		Level:           resolved.level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)
	if resolved.mirror != nil {
		logger.SetOutput(io.MultiWriter(file, resolved.mirror))
	}

	runtimeLogger := &RuntimeLogger{
		file:       file,
		path:       filePath,
		baseLogger: logger,
		runID:      resolved.runID,
		traceID:    resolved.traceID,
	}
	runtimeLogger.rebuildLogger()
	runtimeLogger.Logger.With("log_file", filePath).Info("logger initialized")
	if removed, err := pruneLogs(logDir, filePath, resolved.retention); err != nil {
		runtimeLogger.Logger.Warn("prune old log files", "err", err)
	} else if removed > 0 {
		runtimeLogger.Logger.Debug("pruned old log files", "count", removed)
	}

	_ = ctx
	return runtimeLogger, nil
}

// WithTraceID updates the trace_id field for subsequent log records.
func (r *RuntimeLogger) WithTraceID(traceID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.traceID = strings.TrimSpace(traceID)
	r.rebuildLogger()
	return r
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	fields := []any{"run_id", r.runID}
	if r.traceID != "" {
		fields = append(fields, "trace_id", r.traceID)
	}
	r.Logger = r.baseLogger.With(fields...)
}

// pruneLogs deletes the oldest wamux-*.log files beyond keep. current is
// never removed.
func pruneLogs(dir, current string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "wamux-*.log"))
	if err != nil {
		return 0, fmt.Errorf("list log files: %w", err)
	}
	type logFile struct {
		path    string
		modTime time.Time
	}
	files := make([]logFile, 0, len(matches))
	for _, path := range matches {
		if path == current {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		files = append(files, logFile{path: path, modTime: info.ModTime()})
	}
	if len(files) < keep {
		return 0, nil
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})

	removed := 0
	for _, file := range files[keep-1:] {
		if err := os.Remove(file.path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", file.path, err)
		}
		removed++
	}
	return removed, nil
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{level: log.InfoLevel, retention: DefaultRetention}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
