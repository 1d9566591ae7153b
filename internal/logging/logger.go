package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// logFileMaxSizeMB is the size at which the log file is rotated.
	logFileMaxSizeMB = 20

	// logFileMaxBackups is how many rotated files are kept.
	logFileMaxBackups = 5

	// logFileMaxAgeDays is how long rotated files are kept.
	logFileMaxAgeDays = 28
)

// Options tweaks where log output goes.
type Options struct {
	// File, when set, receives log output through a rotating writer in
	// addition to stderr.
	File string

	// Writer overrides stderr. Used by tests.
	Writer io.Writer
}

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format at info level, everything else uses
// human-readable text at debug level.
func NewLogger(env string, opts Options) *slog.Logger {
	var out io.Writer = os.Stderr
	if opts.Writer != nil {
		out = opts.Writer
	}

	if opts.File != "" {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    logFileMaxSizeMB,
			MaxBackups: logFileMaxBackups,
			MaxAge:     logFileMaxAgeDays,
		})
	}

	handlerOpts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handlerOpts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	return slog.New(handler)
}

// Component returns a child logger tagged with a component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String("component", name))
}
