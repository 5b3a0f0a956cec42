package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/go-lanes/internal/shared"
)

// Options controls where and how the daemon logs.
type Options struct {
	HomeDir string
	Level   string
	// Quiet suppresses the console copy; the JSONL file is always written.
	Quiet bool
	// Console selects a human-readable text handler for the console copy
	// (typically when stdout is a terminal). The file stays JSON.
	Console bool
}

// Logger bundles the slog logger with its adjustable level and file closer.
type Logger struct {
	*slog.Logger
	Level  *slog.LevelVar
	closer io.Closer
}

// Close closes the underlying log file.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// SetLevel changes the level of a running logger.
func (l *Logger) SetLevel(level string) {
	l.Level.Set(ParseLevel(level))
}

func NewLogger(opts Options) (*Logger, error) {
	logDir := filepath.Join(opts.HomeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	lvl := &slog.LevelVar{}
	lvl.Set(ParseLevel(opts.Level))
	handlerOpts := &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: replaceAttr,
	}

	var handler slog.Handler
	switch {
	case opts.Quiet:
		handler = slog.NewJSONHandler(file, handlerOpts)
	case opts.Console:
		handler = fanout{
			slog.NewJSONHandler(file, handlerOpts),
			slog.NewTextHandler(os.Stdout, handlerOpts),
		}
	default:
		handler = slog.NewJSONHandler(io.MultiWriter(os.Stdout, file), handlerOpts)
	}
	logger := slog.New(handler).With("component", "runtime", "trace_id", "-")
	return &Logger{Logger: logger, Level: lvl, closer: file}, nil
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shared.IsSensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
