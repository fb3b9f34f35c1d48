// Package logging builds the slog handlers used by the gateway binary:
// human-readable text through charmbracelet/log, or JSON lines for log
// collectors.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Level is a parsed log level. Trace is debug plus caller reporting.
type Level struct {
	Slog  slog.Level
	Trace bool
}

// ParseLevel accepts trace, debug, info, warn (or warning) and error. The
// empty string means info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return Level{Slog: slog.LevelDebug, Trace: true}, nil
	case "debug":
		return Level{Slog: slog.LevelDebug}, nil
	case "", "info":
		return Level{Slog: slog.LevelInfo}, nil
	case "warn", "warning":
		return Level{Slog: slog.LevelWarn}, nil
	case "error":
		return Level{Slog: slog.LevelError}, nil
	default:
		return Level{}, fmt.Errorf("unknown log level %q", s)
	}
}

// NewHandler returns a handler for format "text" or "json".
func NewHandler(format, level string, w io.Writer) (slog.Handler, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(format) {
	case "", "text":
		return TextHandler(lvl, w), nil
	case "json":
		return JSONHandler(lvl, w), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// TextHandler writes colorized key=value lines, to stderr when w is nil.
// Timestamps are shown from debug level down.
func TextHandler(lvl Level, w io.Writer) slog.Handler {
	if w == nil {
		w = os.Stderr
	}
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: lvl.Slog <= slog.LevelDebug,
		ReportCaller:    lvl.Trace,
		Level:           charmLevel(lvl.Slog),
	})
}

func charmLevel(l slog.Level) log.Level {
	switch {
	case l <= slog.LevelDebug:
		return log.DebugLevel
	case l <= slog.LevelInfo:
		return log.InfoLevel
	case l <= slog.LevelWarn:
		return log.WarnLevel
	default:
		return log.ErrorLevel
	}
}

// JSONHandler writes one JSON object per record, to stdout when w is nil.
func JSONHandler(lvl Level, w io.Writer) slog.Handler {
	if w == nil {
		w = os.Stdout
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     lvl.Slog,
		AddSource: lvl.Trace,
	})
}

// Setup installs a logger built from format and level as the slog default
// and returns it.
func Setup(format, level string, w io.Writer) (*slog.Logger, error) {
	handler, err := NewHandler(format, level, w)
	if err != nil {
		return nil, err
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
