package nsenter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// logSink is the Log Sink component: a structured, line-oriented writer
// over the descriptor named by EnvLogPipe. One JSON object per line,
// {"level":"<level>","msg":"<function>:<line> <text>"}, per spec.md §6.
type logSink struct {
	f *os.File
}

// newLogSink opens the log sink from the file descriptor named by
// EnvLogPipe. Returns nil, nil if the env var is absent - logging is
// then simply unavailable for this process, matching spec.md §4.1 step 1.
func newLogSink() (*logSink, error) {
	v := os.Getenv(EnvLogPipe)
	if v == "" {
		return nil, nil
	}
	fd, err := parseFd(v)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", EnvLogPipe, err)
	}
	return &logSink{f: os.NewFile(uintptr(fd), "nsenter-logpipe")}, nil
}

func (l *logSink) writeLine(level, function string, line int, text string) {
	if l == nil || l.f == nil {
		return
	}
	entry := struct {
		Level string `json:"level"`
		Msg   string `json:"msg"`
	}{
		Level: level,
		Msg:   fmt.Sprintf("%s:%d %s", function, line, text),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')
	l.f.Write(data)
}

// fatal writes a level=fatal line. Callers are expected to terminate the
// process immediately afterward, per spec.md §7's propagation policy.
func (l *logSink) fatal(text string) {
	function, line := caller(2)
	l.writeLine("fatal", function, line, text)
}

func caller(skip int) (function string, line int) {
	pc, _, ln, ok := runtime.Caller(skip)
	if !ok {
		return "unknown", 0
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown", ln
	}
	return fn.Name(), ln
}

// slogHandler adapts logSink to slog.Handler, so ordinary package logging
// (namespace joining, rootfs preparation) during bootstrap goes over the
// same pipe the manager reads, in the same line format, instead of to
// stderr which the bootstrap process may not have usefully connected.
// installSlogDefault below is what actually puts it in front of
// slog.Default() for the running process.
type slogHandler struct {
	sink *logSink
	min  slog.Level
}

func newSlogHandler(sink *logSink, min slog.Level) *slogHandler {
	return &slogHandler{sink: sink, min: min}
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.sink != nil && level >= h.min
}

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	function, line := "nsenter", 0
	if r.PC != 0 {
		if fn := runtime.FuncForPC(r.PC); fn != nil {
			function = fn.Name()
			_, line = fn.FileLine(r.PC)
		}
	}
	h.sink.writeLine(slogLevelName(r.Level), function, line, r.Message)
	return nil
}

func (h *slogHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *slogHandler) WithGroup(_ string) slog.Handler       { return h }

// installSlogDefault makes the reexecuted stage's own slog.Default() write
// over the log pipe, so package-level logging from namespace.go/rootfs.go
// reaches the manager the same way logSink.fatal's direct calls do. A nil
// sink (EnvLogPipe unset) leaves the process-wide default logger alone.
func installSlogDefault(sink *logSink) {
	if sink == nil {
		return
	}
	slog.SetDefault(slog.New(newSlogHandler(sink, slog.LevelDebug)))
}

func slogLevelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warning"
	case l >= slog.LevelDebug && l < slog.LevelInfo:
		return "debug"
	default:
		return "info"
	}
}
