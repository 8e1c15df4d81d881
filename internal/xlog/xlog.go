// File: internal/xlog/xlog.go
//
// Minimal ambient logging shim: a small interface with one backing
// implementation, in the style of narrow interfaces over a single
// concrete type seen throughout this tree (compare api.Tracer,
// api.Scheduler). Backed by log/slog because no third-party logging
// library anywhere in the retrieval pack is grounded in this domain.

package xlog

import (
	"context"
	"log/slog"
	"os"
)

// Logger is the ambient logging surface used outside of error-return
// paths: the event loop's non-fatal "log and continue" cases and a
// connection's close notification.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

type slogLogger struct {
	l *slog.Logger
}

// New wraps an *slog.Logger.
func New(l *slog.Logger) Logger {
	return &slogLogger{l: l}
}

// Default returns a Logger writing text-handler output to stderr at
// Info level, the default-to-stderr convention used by every CLI entry
// point in this module.
func Default() Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &slogLogger{l: slog.New(h)}
}

// Discard returns a Logger that drops everything, used where a nil
// Logger is supplied.
func Discard() Logger {
	h := slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return &slogLogger{l: slog.New(h)}
}

func (s *slogLogger) Info(msg string, args ...any) {
	s.l.Log(context.Background(), slog.LevelInfo, msg, args...)
}

func (s *slogLogger) Error(msg string, args ...any) {
	s.l.Log(context.Background(), slog.LevelError, msg, args...)
}

func (s *slogLogger) With(args ...any) Logger {
	return &slogLogger{l: s.l.With(args...)}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
