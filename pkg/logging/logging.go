// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvLogLevel is the environment variable consulted for the default level.
const EnvLogLevel = "LOG_LEVEL"

// ParseLevel converts a level name (debug, info, warn, error) to a slog.Level.
// Unknown or empty names map to info.
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

// LevelFromEnv returns the level named by LOG_LEVEL.
func LevelFromEnv() slog.Level {
	return ParseLevel(os.Getenv(EnvLogLevel))
}

// Options controls the handler installed by Setup.
type Options struct {
	Name    string
	Version string
	Level   slog.Level
	JSON    bool
	Writer  io.Writer
}

// New builds a logger from opts without installing it.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     opts.Level,
		AddSource: opts.Level == slog.LevelDebug,
	}

	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(w, handlerOpts)
	} else {
		h = slog.NewTextHandler(w, handlerOpts)
	}

	logger := slog.New(h)
	if opts.Name != "" {
		logger = logger.With("name", opts.Name)
	}
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}
	return logger
}

// Setup installs a logger built from opts as the slog default.
func Setup(opts Options) {
	slog.SetDefault(New(opts))
}
