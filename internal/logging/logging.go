package logging

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/me/rollupd/pkg/model"
)

// NewLogger creates a configured slog.Logger.
//
// level: slog level (DEBUG, INFO, WARN, ERROR)
// format: "text" (human-readable) or "json" (structured)
//
// Output goes to stderr.
func NewLogger(level slog.Level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to the given writer.
func NewLoggerWithWriter(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ForRequest scopes logger to a tenant request.
func ForRequest(logger *slog.Logger, rc model.RequestContext) *slog.Logger {
	return logger.With("request_id", rc.RequestID, SecurityContext(rc.SecurityContext))
}

// SecurityContext renders a security context as a single compact attribute.
func SecurityContext(sc map[string]any) slog.Attr {
	if len(sc) == 0 {
		return slog.String("security_context", "{}")
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return slog.String("security_context", "<unencodable>")
	}
	return slog.String("security_context", string(data))
}
