// Package logger provides structured logging setup for Pipewright.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/pipewright/pipewright/internal/config"
)

// New creates a *slog.Logger from the given Logging config. Records go to
// stdout with a "service" attribute, as JSON unless format is "text".
func New(cfg config.Logging) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("service", cfg.Service)
}

// parseLevel converts a string log level to slog.Level. Unknown values fall
// back to info rather than failing boot over a typo.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
