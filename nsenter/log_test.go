package nsenter

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestLogSinkWriteLine(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()

	sink := &logSink{f: w}
	sink.writeLine("info", "somePackage.someFunc", 42, "hello")
	w.Close()

	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil {
		t.Fatalf("read line: %v", err)
	}

	var entry struct {
		Level string `json:"level"`
		Msg   string `json:"msg"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &entry); err != nil {
		t.Fatalf("unmarshal log line %q: %v", line, err)
	}
	if entry.Level != "info" {
		t.Errorf("Level = %q, want %q", entry.Level, "info")
	}
	if entry.Msg != "somePackage.someFunc:42 hello" {
		t.Errorf("Msg = %q, want %q", entry.Msg, "somePackage.someFunc:42 hello")
	}
}

func TestLogSinkWriteLineNilIsNoop(t *testing.T) {
	var sink *logSink
	sink.writeLine("info", "f", 1, "text") // must not panic
}

func TestNewLogSinkAbsentEnv(t *testing.T) {
	old, had := os.LookupEnv(EnvLogPipe)
	os.Unsetenv(EnvLogPipe)
	defer func() {
		if had {
			os.Setenv(EnvLogPipe, old)
		}
	}()

	sink, err := newLogSink()
	if err != nil {
		t.Fatalf("newLogSink: %v", err)
	}
	if sink != nil {
		t.Error("expected nil sink when EnvLogPipe is unset")
	}
}

func TestSlogHandlerEnabled(t *testing.T) {
	h := newSlogHandler(nil, slog.LevelInfo)
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Enabled should be false with a nil sink")
	}

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	h = newSlogHandler(&logSink{f: w}, slog.LevelWarn)
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Enabled(Info) should be false when min level is Warn")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("Enabled(Error) should be true when min level is Warn")
	}
}

func TestInstallSlogDefaultNilSinkIsNoop(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	installSlogDefault(nil)
	if slog.Default() != prev {
		t.Error("installSlogDefault(nil) must not change the default logger")
	}
}

func TestInstallSlogDefaultInstallsHandler(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	installSlogDefault(&logSink{f: w})
	slog.Info("hello from default logger")
	w.Close()

	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	if !strings.Contains(line, "hello from default logger") {
		t.Errorf("line = %q, want it to contain the logged message", line)
	}
}

func TestSlogLevelName(t *testing.T) {
	tests := []struct {
		level slog.Level
		want  string
	}{
		{slog.LevelDebug, "debug"},
		{slog.LevelInfo, "info"},
		{slog.LevelWarn, "warning"},
		{slog.LevelError, "error"},
	}
	for _, tt := range tests {
		if got := slogLevelName(tt.level); got != tt.want {
			t.Errorf("slogLevelName(%v) = %q, want %q", tt.level, got, tt.want)
		}
	}
}
