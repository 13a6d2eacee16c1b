package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewWritesJSONRecordsWithRunID(t *testing.T) {
	dir := t.TempDir()
	var mirror bytes.Buffer

	logger, err := New(context.Background(), WithDir(dir), WithRunID("run-7"), WithLevel("debug"), WithMirror(&mirror))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Logger.Debug("session registered", "session_id", "default")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if filepath.Dir(logger.Path()) != dir || !strings.HasSuffix(logger.Path(), "-run-7.log") {
		t.Fatalf("path = %q", logger.Path())
	}
	raw, err := os.ReadFile(logger.Path())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %d, want 2:\n%s", len(lines), raw)
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record["run_id"] != "run-7" || record["session_id"] != "default" || record["msg"] != "session registered" {
		t.Fatalf("record = %v", record)
	}
	if !strings.Contains(mirror.String(), "session registered") {
		t.Fatalf("mirror missing record: %q", mirror.String())
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(context.Background(), WithDir(dir), WithLevel("warn"))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Logger.Info("dropped")
	logger.Logger.Warn("kept")
	_ = logger.Close()

	raw, err := os.ReadFile(logger.Path())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(raw), "dropped") || !strings.Contains(string(raw), "kept") {
		t.Fatalf("log = %s", raw)
	}
}

func TestNilRuntimeLoggerIsSafe(t *testing.T) {
	var logger *RuntimeLogger
	if logger.Path() != "" || logger.Close() != nil || logger.WithTraceID("x") != nil {
		t.Fatal("nil logger methods should be no-ops")
	}
}

func TestNewPrunesOldestLogFiles(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"wamux-a.log", "wamux-b.log", "wamux-c.log"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		stamp := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, stamp, stamp); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o600); err != nil {
		t.Fatalf("write notes: %v", err)
	}

	logger, err := New(context.Background(), WithDir(dir), WithRetention(2))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer logger.Close()

	for _, gone := range []string{"wamux-a.log", "wamux-b.log"} {
		if _, err := os.Stat(filepath.Join(dir, gone)); !os.IsNotExist(err) {
			t.Fatalf("%s should have been pruned: %v", gone, err)
		}
	}
	for _, kept := range []string{"wamux-c.log", "notes.txt", filepath.Base(logger.Path())} {
		if _, err := os.Stat(filepath.Join(dir, kept)); err != nil {
			t.Fatalf("%s should be kept: %v", kept, err)
		}
	}
}
