// Package logging provides structured logging configuration and utilities.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds logging configuration.
type Config struct {
	Level string
	// Format is "json" or "text".
	Format string
	// Pretty selects text output regardless of Format.
	Pretty bool
	// AddSource includes the caller's file and line.
	AddSource bool
}

// ParseLevel maps a level name to a slog level. Unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a logger writing to stdout. The returned LevelVar changes
// the level of the live logger, for config reloads.
func NewLogger(cfg Config) (*slog.Logger, *slog.LevelVar) {
	return NewLoggerTo(os.Stdout, cfg)
}

// NewLoggerTo builds a logger writing to w.
func NewLoggerTo(w io.Writer, cfg Config) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var handler slog.Handler
	if cfg.Pretty || strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With("service", "vexmesh"), level
}

// SetupLogger builds a logger from cfg and installs it as the slog default.
func SetupLogger(cfg Config) *slog.LevelVar {
	logger, level := NewLogger(cfg)
	slog.SetDefault(logger)
	return level
}
