// Package logging builds the process logger: colored tint output on the
// console, optionally mirrored as plain text into a log file.
package logging

import (
	// stdlib
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	// internal
	"github.com/Robogera/braggstream/pkg/config"

	// external
	"github.com/lmittmann/tint"
)

// Level maps the configured level name, unknown names fall back to error.
func Level(name string) (slog.Level, bool) {
	switch config.LoggingLevel(name) {
	case config.LoggingLevelDebug:
		return slog.LevelDebug, true
	case config.LoggingLevelInfo:
		return slog.LevelInfo, true
	case config.LoggingLevelWarn:
		return slog.LevelWarn, true
	case config.LoggingLevelError:
		return slog.LevelError, true
	default:
		return slog.LevelError, false
	}
}

// New returns the logger and a function closing the log file, if any.
func New(cfg *config.LoggingConfig, console io.Writer) (*slog.Logger, func() error, error) {
	log_level, ok := Level(cfg.Level)

	var handler slog.Handler = tint.NewHandler(console, &tint.Options{
		Level:      log_level,
		TimeFormat: time.RFC3339,
		AddSource:  true,
	})
	closer := func() error { return nil }

	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("Can't open log file %s error: %w", cfg.File, err)
		}
		handler = Fanout(handler, slog.NewTextHandler(file, &slog.HandlerOptions{Level: log_level}))
		closer = file.Close
	}

	if !ok {
		// the configured level filters warnings out
		slog.New(tint.NewHandler(console, &tint.Options{TimeFormat: time.RFC3339})).Warn(
			"No valid logging level provided. Defaulting to LevelError",
			"provided value", cfg.Level)
	}
	return slog.New(handler), closer, nil
}

type fanout []slog.Handler

// Fanout passes every record to all handlers that accept its level.
func Fanout(handlers ...slog.Handler) slog.Handler {
	return fanout(handlers)
}

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithAttrs(attrs)
	}
	return next
}

func (f fanout) WithGroup(name string) slog.Handler {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithGroup(name)
	}
	return next
}
