// Package telemetry provides the process-wide structured logger and the
// Prometheus metric set the gateway exposes: log/slog for logging, and a
// private Prometheus registry rather than the global default.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates the process-wide structured logger, tagged with
// component="agentgate" so its lines stay identifiable once aggregated
// alongside the upstream services it proxies for. format is "json" or
// "text"; level is one of debug, info, warn, error. Unrecognized values
// default to JSON at info level rather than failing startup — logging
// configuration is never worth a config_error, since a gateway that can't
// parse its own log level should still come up and serve traffic.
func NewLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler

	var w io.Writer = os.Stdout
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With("component", "agentgate")
}
