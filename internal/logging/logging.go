// Package logging builds the structured slog loggers used across the enforcer.
//
// Every component takes a *slog.Logger in its constructor. A nil logger is
// never passed around; tests use Discard.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config configures logger construction. A zero Config writes Info+ text to stderr.
type Config struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string

	// Format is "text" or "json". Default: text.
	Format string

	// Output receives the log lines. Default: os.Stderr.
	Output io.Writer

	// Service, when set, is attached to every record as the "service" attribute.
	Service string
}

// ParseLevel maps a level name to slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New creates a logger from cfg. Unknown levels fall back to info, unknown
// formats to text; config validation reports them before this point.
func New(cfg Config) *slog.Logger {
	level, _ := ParseLevel(cfg.Level)
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, FormatJSON) {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}
	return slog.New(handler)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
