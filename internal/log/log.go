// Package log is the structured event sink used across the service.
//
// Components take a Logger through their options and fall back to Nop when
// none is supplied. Nothing in the tree writes to a package-level logger.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Logger emits leveled, structured events. Key/value pairs follow slog
// conventions: alternating string keys and arbitrary values.
type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	App     string
	Version string
	Commit  string

	Level           slog.Level
	StacktraceLevel slog.Level
	JSON            bool

	// ErrorLinks > 0 attaches up to that many wrap sites to error records.
	ErrorLinks int

	Writer io.Writer
}

func New(opts Options) (Logger, error) {
	if opts.App == "" {
		return nil, fmt.Errorf("log: app name is required")
	}
	return newSlogLogger(opts), nil
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
}
