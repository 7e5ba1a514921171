// Package logx sets up this module's structured logger: log/slog writing
// to a rotating file via gopkg.in/natefinch/lumberjack.v2, the same
// rotation library the ancestor codebase uses for its own debug log (see
// DESIGN.md). Every long-running command (cmd/cob sync)
// and every library package that wants diagnostic output uses the logger
// this package builds rather than constructing its own.
package logx

import (
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger Init builds.
type Options struct {
	// Path is the log file path. Empty means log to stderr instead of a
	// rotating file (useful for foreground/interactive invocations).
	Path string

	// Level is the minimum level to emit. Defaults to slog.LevelInfo.
	Level slog.Level

	// JSON selects the JSON handler over the text handler; cmd/cob --json
	// wires this to match the CLI's overall output mode.
	JSON bool

	MaxSizeMB  int // defaults to 50
	MaxBackups int // defaults to 5
	MaxAgeDays int // defaults to 28
}

var defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// Init builds and installs the process-wide default logger from opts,
// returning it for callers that want to hold their own reference (e.g. to
// pass into a context). Safe to call more than once; the last call wins.
func Init(opts Options) *slog.Logger {
	var w *lumberjack.Logger
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	if opts.Path != "" {
		w = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    orDefault(opts.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
	}

	var handler slog.Handler
	dest := os.Stderr
	if w != nil {
		if opts.JSON {
			handler = slog.NewJSONHandler(w, handlerOpts)
		} else {
			handler = slog.NewTextHandler(w, handlerOpts)
		}
	} else if opts.JSON {
		handler = slog.NewJSONHandler(dest, handlerOpts)
	} else {
		handler = slog.NewTextHandler(dest, handlerOpts)
	}

	logger := slog.New(handler)
	defaultLogger = logger
	slog.SetDefault(logger)
	return logger
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Default returns the process-wide logger most recently installed by
// Init, or a stderr text logger at info level if Init was never called.
func Default() *slog.Logger { return defaultLogger }
