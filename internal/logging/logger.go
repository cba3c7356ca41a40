package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configure New.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	// File, if set, receives log output through a size-rotated writer
	// instead of Output.
	File string
	// Output defaults to stdout.
	Output io.Writer
}

// New builds the process logger. The returned close function flushes and
// closes the log file, if any.
func New(opts Options) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	w := opts.Output
	if w == nil {
		w = os.Stdout
	}
	closeFn := func() error { return nil }
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log dir: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		w = lj
		closeFn = lj.Close
	}

	handler, err := newHandler(w, opts.Format, level)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(handler), closeFn, nil
}

func newHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	hopts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.NewJSONHandler(w, hopts), nil
	case "text":
		return slog.NewTextHandler(w, hopts), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (must be json or text)", format)
	}
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
