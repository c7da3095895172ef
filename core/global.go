package core

import (
	"sync"
	"sync/atomic"
)

// The process-wide core is never built implicitly at package init. It exists once Default or
// Init is called. After Uninit it stays in place closed, so package-level calls report
// ErrClosed and count as post-shutdown until Init starts a fresh one.
var (
	stdMu sync.Mutex
	std   atomic.Pointer[Core]
)

// Default returns the process-wide core, creating an unconfigured one on first use
func Default() *Core {
	if c := std.Load(); c != nil {
		return c
	}
	c := New()
	if std.CompareAndSwap(nil, c) {
		return c
	}
	return std.Load()
}

// Init configures the process-wide core. After Uninit it starts a fresh one.
func Init(opts Options) error {
	stdMu.Lock()
	defer stdMu.Unlock()

	c := Default()
	if s := c.State(); s == StateShuttingDown || s == StateClosed {
		c = New()
		std.Store(c)
	}
	return c.Configure(opts)
}

// Uninit flushes and closes the process-wide core. It remains the Default core until
// the next Init.
func Uninit() error {
	stdMu.Lock()
	defer stdMu.Unlock()

	c := std.Load()
	if c == nil {
		return nil
	}
	return c.Shutdown()
}

// Log emits through the process-wide core
func Log(level Level, loc Location, msg string, fields ...Field) error {
	return Default().Log(level, loc, msg, fields...)
}

// Logf emits through the process-wide core
func Logf(level Level, loc Location, format string, args ...any) error {
	return Default().Logf(level, loc, format, args...)
}

// Flush flushes the process-wide core
func Flush() error {
	return Default().Flush()
}

func Trace(msg string, fields ...Field) {
	Default().emitAt(LevelTrace, 1, Location{}, "", "", msg, fields)
}

func Debug(msg string, fields ...Field) {
	Default().emitAt(LevelDebug, 1, Location{}, "", "", msg, fields)
}

func Info(msg string, fields ...Field) {
	Default().emitAt(LevelInfo, 1, Location{}, "", "", msg, fields)
}

func Warn(msg string, fields ...Field) {
	Default().emitAt(LevelWarn, 1, Location{}, "", "", msg, fields)
}

func Error(msg string, fields ...Field) {
	Default().emitAt(LevelError, 1, Location{}, "", "", msg, fields)
}

func Fatal(msg string, fields ...Field) {
	Default().emitAt(LevelFatal, 1, Location{}, "", "", msg, fields)
}
