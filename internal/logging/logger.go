// Package logging provides the process-wide structured logger used by every
// DFM service (execute, scheduler, process). It mirrors the level/format
// controls the k8s deployment sets through environment variables.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

var Logger *slog.Logger

func init() {
	Logger = slog.New(newHandler())
}

func newHandler() slog.Handler {
	opts := &slog.HandlerOptions{Level: levelFromEnv()}
	if jsonEnabled() {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}

func levelFromEnv() slog.Level {
	switch strings.ToUpper(os.Getenv("SERVICE_LOGGING_LEVEL")) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	case "INFO":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}

func jsonEnabled() bool {
	v := strings.ToLower(os.Getenv("SERVICE_LOGGING_ENABLE_JSON"))
	return v == "" || v == "1" || v == "true" || v == "yes"
}

// WithComponent returns a logger tagged with the owning component name.
func WithComponent(component string) *slog.Logger {
	return Logger.With("component", component)
}

// WithRequest returns a logger tagged with a request's routing identity,
// mirroring getLogger(name, dfm_request) in the source service loops.
func WithRequest(component, requestID, homeSite string) *slog.Logger {
	return Logger.With("component", component, "request_id", requestID, "home_site", homeSite)
}
