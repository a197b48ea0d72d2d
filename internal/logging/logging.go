// Package logging builds the process-wide slog logger. Seven binaries share
// this setup, so it lives here instead of being repeated in every main.
package logging

import (
	"log/slog"
	"os"

	"tradefleet/internal/config"
)

// New returns a logger configured from LoggingConfig, tagged with the
// service name. Components derive their own loggers via With("component", ...).
func New(cfg config.LoggingConfig, service string) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("service", service)
}

// Discard returns a logger for tests that should stay quiet below errors.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
