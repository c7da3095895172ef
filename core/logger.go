package core

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
)

// Version of the scLogger module
const Version = "1.0.4"

// State is a Core lifecycle state
type State int32

const (
	StateUnconfigured State = iota
	StateConfigured
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateShuttingDown:
		return "shutting-down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// drainPoll is how often a retiring configuration checks for in-flight Log calls
const drainPoll = 50 * time.Microsecond

// active is one immutable configuration generation
type active struct {
	threshold Level
	formatter Formatter
	slots     []*slot
	parentPID int
	addCaller bool
	onError   func(error)
	now       func() time.Time

	inflight atomic.Int64
	retired  atomic.Bool
}

func (a *active) release() {
	a.inflight.Add(-1)
}

// Core is the logging engine: it filters records by threshold, formats them once and
// writes the line to each configured sink in order.
type Core struct {
	mu  sync.Mutex // serializes Configure and Shutdown
	cfg atomic.Pointer[active]

	state atomic.Int32
	pid   int

	unconfigured   atomic.Uint64
	postShutdown   atomic.Uint64
	closedReported atomic.Bool
	onError        atomic.Pointer[func(error)]

	// slots of the last configuration, kept for Stats after Shutdown
	final []*slot

	applyMu sync.Mutex // serializes Config.Apply
	applied map[string]appliedSink
}

// New returns an unconfigured Core
func New() *Core {
	return &Core{pid: os.Getpid()}
}

// NewConfigured returns a Core already configured with opts
func NewConfigured(opts Options) (*Core, error) {
	c := New()
	if err := c.Configure(opts); err != nil {
		return nil, err
	}
	return c, nil
}

// State returns the current lifecycle state
func (c *Core) State() State {
	return State(c.state.Load())
}

// Configure validates opts and atomically replaces the active configuration.
// Sinks present in both the old and new configuration keep their counters; sinks that
// are dropped are flushed and closed once no Log call is still using them.
func (c *Core) Configure(opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	formatter, err := NewFormatter(opts.Format, opts.TimeFormat, opts.Align)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.State(); s == StateShuttingDown || s == StateClosed {
		return ErrClosed
	}

	old := c.cfg.Load()
	next := &active{
		threshold: opts.Level,
		formatter: formatter,
		parentPID: opts.ParentPID,
		addCaller: opts.AddCaller,
		onError:   opts.ErrorHandler,
		now:       opts.Now,
	}
	if next.parentPID == 0 {
		next.parentPID = os.Getppid()
	}
	if next.onError == nil {
		next.onError = defaultErrorHandler
	}
	if next.now == nil {
		next.now = time.Now
	}

	for i, ns := range opts.Sinks {
		name := sinkName(ns, i)
		next.slots = append(next.slots, reuseSlot(old, name, ns.Sink))
	}

	c.onError.Store(&next.onError)
	c.cfg.Store(next)
	c.state.Store(int32(StateConfigured))

	if old != nil {
		c.retire(old)
		for _, s := range old.slots {
			if !holdsSink(next, s.sink) {
				if err := s.close(); err != nil {
					next.onError(err)
				}
			}
		}
	}
	return nil
}

func reuseSlot(old *active, name string, sink Sink) *slot {
	if old != nil {
		for _, s := range old.slots {
			if s.name == name && sameSink(s.sink, sink) {
				return s
			}
		}
	}
	return newSlot(name, sink)
}

// runningDefinitions returns the sinks of the last Config.Apply that the active
// configuration still holds. Callers hold applyMu.
func (c *Core) runningDefinitions() map[string]appliedSink {
	cfg := c.acquire()
	if cfg == nil {
		return nil
	}
	defer cfg.release()

	running := make(map[string]appliedSink, len(c.applied))
	for name, a := range c.applied {
		if holdsSink(cfg, a.sink) {
			running[name] = a
		}
	}
	return running
}

func holdsSink(cfg *active, sink Sink) bool {
	for _, s := range cfg.slots {
		if sameSink(s.sink, sink) {
			return true
		}
	}
	return false
}

// retire marks cfg as replaced and waits until every Log call that acquired it returns.
// Log never waits here: a caller that sees the retired flag simply reloads the pointer.
func (c *Core) retire(cfg *active) {
	cfg.retired.Store(true)
	for cfg.inflight.Load() > 0 {
		time.Sleep(drainPoll)
	}
}

// acquire pins the current configuration, returning nil when there is none
func (c *Core) acquire() *active {
	for {
		cfg := c.cfg.Load()
		if cfg == nil {
			return nil
		}
		cfg.inflight.Add(1)
		if !cfg.retired.Load() {
			return cfg
		}
		cfg.release()
	}
}

// Enabled reports whether a record at level would be dispatched right now
func (c *Core) Enabled(level Level) bool {
	cfg := c.cfg.Load()
	return cfg != nil && level >= cfg.threshold
}

// Log emits a record. Sink failures are counted, never returned.
// The only error is ErrClosed, returned by the first call after Shutdown.
func (c *Core) Log(level Level, loc Location, msg string, fields ...Field) error {
	return c.emit(level, loc, "", "", msg, fields)
}

// Logf is Log with a message built by fmt.Sprintf, formatted only when level passes the threshold
func (c *Core) Logf(level Level, loc Location, format string, args ...any) error {
	cfg := c.acquire()
	if cfg == nil {
		return c.rejected()
	}
	defer cfg.release()
	if level < cfg.threshold {
		return nil
	}
	c.dispatch(cfg, level, loc, "", "", fmt.Sprintf(format, args...), nil)
	return nil
}

func (c *Core) emit(level Level, loc Location, session, action, msg string, fields []Field) error {
	cfg := c.acquire()
	if cfg == nil {
		return c.rejected()
	}
	defer cfg.release()
	if level < cfg.threshold {
		return nil
	}
	c.dispatch(cfg, level, loc, session, action, msg, fields)
	return nil
}

// emitAt is used by the level helpers; skip counts frames above the helper
func (c *Core) emitAt(level Level, skip int, loc Location, session, action, msg string, fields []Field) {
	cfg := c.acquire()
	if cfg == nil {
		_ = c.rejected()
		return
	}
	defer cfg.release()
	if level < cfg.threshold {
		return
	}
	if cfg.addCaller && loc.File == "" {
		caller := Caller(skip + 1)
		loc.File, loc.Line = caller.File, caller.Line
	}
	c.dispatch(cfg, level, loc, session, action, msg, fields)
}

func (c *Core) dispatch(cfg *active, level Level, loc Location, session, action, msg string, fields []Field) {
	rec := &Record{
		Level:     level,
		Time:      cfg.now(),
		Location:  loc,
		Message:   msg,
		Fields:    fields,
		SessionID: session,
		Action:    action,
		PID:       c.pid,
		ParentPID: cfg.parentPID,
	}

	buf := bytebufferpool.Get()
	cfg.formatter.Format(buf, rec)
	line := buf.String()
	bytebufferpool.Put(buf)

	for _, s := range cfg.slots {
		if err := s.write(rec, line); err != nil {
			cfg.onError(err)
		}
	}
}

// rejected accounts for a Log call made with no active configuration
func (c *Core) rejected() error {
	switch c.State() {
	case StateShuttingDown, StateClosed:
		c.postShutdown.Add(1)
		if c.closedReported.CompareAndSwap(false, true) {
			if h := c.onError.Load(); h != nil {
				(*h)(ErrClosed)
			}
			return ErrClosed
		}
	default:
		c.unconfigured.Add(1)
	}
	return nil
}

// Flush forces every sink of the active configuration to push buffered output to storage.
// It takes each sink's lock in turn, so sinks flush independently.
func (c *Core) Flush() error {
	cfg := c.acquire()
	if cfg == nil {
		return nil
	}
	defer cfg.release()

	var errs []error
	for _, s := range cfg.slots {
		if err := s.flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown flushes and closes every sink. Later Log calls are dropped and counted.
// Calling Shutdown more than once is safe.
func (c *Core) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateClosed {
		return nil
	}
	c.state.Store(int32(StateShuttingDown))

	var errs []error
	if old := c.cfg.Swap(nil); old != nil {
		c.retire(old)
		for _, s := range old.slots {
			if err := s.close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.final = old.slots
	}

	c.state.Store(int32(StateClosed))
	return errors.Join(errs...)
}

// Scope returns a handle without session or action
func (c *Core) Scope() *Scope {
	return &Scope{core: c}
}

// Session returns a handle that stamps every record with the session id
func (c *Core) Session(id string) *Scope {
	return &Scope{core: c, session: id}
}

func (c *Core) Trace(msg string, fields ...Field) {
	c.emitAt(LevelTrace, 1, Location{}, "", "", msg, fields)
}

func (c *Core) Debug(msg string, fields ...Field) {
	c.emitAt(LevelDebug, 1, Location{}, "", "", msg, fields)
}

func (c *Core) Info(msg string, fields ...Field) {
	c.emitAt(LevelInfo, 1, Location{}, "", "", msg, fields)
}

func (c *Core) Warn(msg string, fields ...Field) {
	c.emitAt(LevelWarn, 1, Location{}, "", "", msg, fields)
}

func (c *Core) Error(msg string, fields ...Field) {
	c.emitAt(LevelError, 1, Location{}, "", "", msg, fields)
}

// Fatal records at the highest severity. It does not exit the process.
func (c *Core) Fatal(msg string, fields ...Field) {
	c.emitAt(LevelFatal, 1, Location{}, "", "", msg, fields)
}

func defaultErrorHandler(err error) {
	log.Printf("[SCLOG] %v", err)
}
