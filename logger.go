package rhi

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the package logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the package-level logger. By default rhi produces no
// log output. Pass nil to restore the silent default.
//
// Devices capture the logger at construction time (or take one from
// WithLogger) and hand it to the components they own, so changing the
// package logger does not affect devices that already exist.
//
// Log levels used by rhi:
//   - [slog.LevelDebug]: native allocations, barrier batches, stale handles
//   - [slog.LevelInfo]: device and backend lifecycle
//   - [slog.LevelWarn]: validation and allocation failures
//   - [slog.LevelError]: device loss
//
// Example:
//
//	rhi.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
}

// Logger returns the current package logger. Backend packages call this to
// share the same configuration without an explicit reference to a Device.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// orNop returns l, or the package logger when l is nil.
func orNop(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Logger()
	}
	return l
}
