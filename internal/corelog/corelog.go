// Package corelog wires the ambient structured logging every daemon of this
// shape carries regardless of the spec's feature Non-goals: log/slog for
// structured records, routed through a gopkg.in/natefinch/lumberjack.v2
// rotating writer when a log file path is configured, matching the
// teacher's own daemon log rotation dependency.
package corelog

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where and how daemon logs are written.
type Options struct {
	// FilePath, if set, routes output through a rotating lumberjack writer
	// instead of stderr.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Level      slog.Level
}

// New builds an *slog.Logger per opts. Library packages never call this
// directly; they accept a *slog.Logger via constructor injection (spec §9
// "Shared module-level singletons → explicit construction") so only
// cmd/wscored constructs the process-wide logger.
func New(opts Options) *slog.Logger {
	var w io.Writer = os.Stderr
	if opts.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    firstPositive(opts.MaxSizeMB, 10),
			MaxBackups: firstPositive(opts.MaxBackups, 5),
			MaxAge:     firstPositive(opts.MaxAgeDays, 28),
			Compress:   true,
		}
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level})
	return slog.New(handler)
}

func firstPositive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
