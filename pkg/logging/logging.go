// Package logging builds the process logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/astromechza/inboxsync/pkg/config"
)

// New creates a logger writing to stderr and sets it as the slog default.
// Format "json" is structured output; anything else is text with source
// locations. Level is debug, info, warn or error; defaults to info.
func New(cfg config.LogConfig) *slog.Logger {
	logger := NewTo(os.Stderr, cfg)
	slog.SetDefault(logger)
	return logger
}

// NewTo is New without the side effect, writing to w.
func NewTo(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: !strings.EqualFold(cfg.Format, "json"),
	}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
