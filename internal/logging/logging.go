// Package logging sets up the proxy's structured logger and a LogRequest
// helper that emits one line per finished request.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Status is one of the request outcomes the Logger contract recognizes.
type Status string

const (
	StatusHTTPSTunnel  Status = "HTTPS_TUNNEL"
	StatusCached       Status = "CACHED"
	StatusFetched      Status = "FETCHED"
	StatusBlockedHTTP  Status = "BLOCKED_HTTP"
	StatusBlockedHTTPS Status = "BLOCKED_HTTPS"
)

// New builds a leveled, colorized logger in the style the rest of the
// example corpus uses for CLI/server tools: a tint-backed slog.Logger
// writing to stderr, with a threshold sourced from the policy's LOG_LEVEL.
func New(level string) *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      levelFor(level),
		TimeFormat: time.Kitchen,
	}))
}

func levelFor(level string) slog.Level {
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogRequest emits the single line every request terminates in: the
// connection's outcome status, plus a byte count where one is relevant.
func LogRequest(logger *slog.Logger, requestID, clientIP, host string, status Status, bytes int64) {
	attrs := []any{
		"request_id", requestID,
		"client_ip", clientIP,
		"host", host,
		"status", string(status),
	}
	if bytes > 0 {
		attrs = append(attrs, "bytes", bytes)
	}
	logger.Info("request", attrs...)
}
