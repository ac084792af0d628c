// Package logging provides the package-level structured logger for Pulse.
package logging

import (
	"log/slog"
	"os"
)

// Logger is the process-wide base logger. Components should call
// WithComponent rather than using this directly.
var Logger *slog.Logger

func init() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	Logger = slog.New(handler)
}

// SetLevel reconfigures the base logger's minimum level. Called at
// startup when `pulse run --verbose` is set.
func SetLevel(level slog.Level) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	Logger = slog.New(handler)
}

// WithComponent returns a logger tagged with the given subsystem name, e.g.
// logging.WithComponent("drive").
func WithComponent(component string) *slog.Logger {
	return Logger.With("component", component)
}
