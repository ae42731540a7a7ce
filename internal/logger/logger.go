// Package logger builds the structured slog logger used by every component.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelOff discards every record.
const LevelOff = slog.Level(100)

// Config holds logger configuration
type Config struct {
	Level     string // DEBUG, INFO, WARN, ERROR, OFF
	Format    string // json, text
	AddSource bool
}

var (
	defaultExit = os.Exit
	// exit is replaced in tests.
	exit = defaultExit
)

// ParseLevel maps a level name (case-insensitive) to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	case "OFF":
		return LevelOff, nil
	}
	return slog.LevelInfo, fmt.Errorf("log level must be one of the following (debug|info|warn|error|off), got %q", name)
}

// New builds a logger writing to out (stdout when nil).
func New(cfg Config, out io.Writer) *slog.Logger {
	if out == nil {
		out = os.Stdout
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler).With("service", "bunsearch")
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: LevelOff}))
}

// Fatal logs err at error level and terminates the process.
func Fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err, "fatal", true)
	exit(1)
}
