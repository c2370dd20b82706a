package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger creates the process logger from config and installs it as slog default.
func NewLogger(cfg Config) *slog.Logger {
	log := slog.New(newLogHandler(os.Stdout, cfg.LogLevel, cfg.LogFormat, cfg.LogColor))
	slog.SetDefault(log)
	return log
}

// newLogHandler picks the handler for format: "json" (default), "text" or "pretty".
func newLogHandler(w io.Writer, level, format string, color bool) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: true,
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		return slog.NewTextHandler(w, opts)
	case "pretty":
		return newPrettyHandler(w, opts, color)
	default:
		return slog.NewJSONHandler(w, opts)
	}
}

func parseLogLevel(level string) slog.Level {
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
