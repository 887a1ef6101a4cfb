// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warning ", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestLogger_WritesToOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "test", Output: &buf})

	logger.Debug("hidden")
	logger.Info("stream started", "request_id", "r-1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record leaked at info level: %s", out)
	}
	if !strings.Contains(out, "stream started") || !strings.Contains(out, "request_id=r-1") {
		t.Errorf("missing info record: %s", out)
	}
	if !strings.Contains(out, "service=test") {
		t.Errorf("missing service attr: %s", out)
	}
}

func TestLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{JSON: true, Output: &buf})
	logger.Warn("retrying", "attempt", 2)

	if !strings.Contains(buf.String(), `"attempt":2`) {
		t.Errorf("expected JSON output, got %s", buf.String())
	}
}

func TestLogger_QuietWithoutFile(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Output: &buf})
	logger.Error("nothing")
	if buf.Len() != 0 {
		t.Errorf("quiet logger wrote %q", buf.String())
	}
}

func TestLogger_WithLogDir(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	logger := New(Config{LogDir: dir, Service: "cli", Output: &buf})
	logger.Info("to file", "k", "v")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "cli_*.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one log file, got %v (err %v)", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"to file"`) {
		t.Errorf("file missing record: %s", data)
	}
}

func TestLogger_WithLogDir_Unwritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(blocker, "sub"), Output: &buf})
	logger.Info("still works")
	if !strings.Contains(buf.String(), "still works") {
		t.Error("console logging should survive a bad log dir")
	}
}

func TestLogger_ExporterReceivesEntries(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Quiet: true, Service: "svc", Exporter: exp, Level: LevelInfo})

	logger.Debug("filtered")
	logger.With("conversation_id", "c1").Info("kept", "provider", "openai")
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	entries := exp.Entries()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Message != "kept" || e.Service != "svc" || e.Attrs["provider"] != "openai" {
		t.Errorf("unexpected entry %+v", e)
	}
}

type failingExporter struct{ NopExporter }

func (failingExporter) Close() error { return errors.New("boom") }

func TestLogger_CloseReportsExporterError(t *testing.T) {
	logger := New(Config{Quiet: true, Exporter: failingExporter{}})
	if err := logger.Close(); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Close() = %v, want exporter error", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exp})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				logger.Info("tick", "worker", n)
			}
		}(i)
	}
	wg.Wait()
	_ = logger.Close()

	if got := len(exp.Entries()); got != 80 {
		t.Errorf("entries = %d, want 80", got)
	}
}

func TestLogger_LogAfterClose(t *testing.T) {
	logger := New(Config{Quiet: true, Exporter: NewBufferedExporter()})
	_ = logger.Close()
	logger.Info("late")
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestFanoutHandler_RespectsLevels(t *testing.T) {
	var lo, hi bytes.Buffer
	h := fanout([]slog.Handler{
		slog.NewTextHandler(&lo, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&hi, &slog.HandlerOptions{Level: slog.LevelError}),
	})
	l := slog.New(h.WithAttrs([]slog.Attr{slog.String("k", "v")}))
	l.Info("info-only")

	if !strings.Contains(lo.String(), "info-only") || !strings.Contains(lo.String(), "k=v") {
		t.Errorf("debug handler missed record: %q", lo.String())
	}
	if hi.Len() != 0 {
		t.Errorf("error handler should filter info: %q", hi.String())
	}
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Enabled should be true when any child is enabled")
	}
}

func TestArgsToMap(t *testing.T) {
	got := argsToMap([]any{"a", 1, 2, "skipped", "b", true, "dangling"})
	if len(got) != 2 || got["a"] != 1 || got["b"] != true {
		t.Errorf("argsToMap = %v", got)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath = %q", got)
	}
	if got := expandPath("/abs"); got != "/abs" {
		t.Errorf("expandPath(/abs) = %q", got)
	}
}
