package core

import (
	"sync"
	"sync/atomic"
)

// Sink is a destination for formatted records.
// Write receives the record and its formatted line (no trailing newline).
// The core serializes calls on a single sink; implementations need no locking of their own
// for Write and Flush.
type Sink interface {
	Write(r *Record, line string) error
	Flush() error
	Close() error
}

// DeliveryStatus describes records a sink accepted and later failed to deliver
type DeliveryStatus struct {
	Lost      uint64
	LastError string
	// Failing is true when the most recent delivery attempt failed
	Failing bool
}

// DeliveryReporter is implemented by sinks whose Write only queues the record.
// The core folds lost records into the sink's Dropped counter and health.
type DeliveryReporter interface {
	DeliveryStatus() DeliveryStatus
}

// SinkHealth summarizes a sink's recent behaviour
type SinkHealth int

const (
	HealthUnknown SinkHealth = iota
	HealthHealthy
	HealthDegraded
	HealthClosed
)

func (h SinkHealth) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NamedSink attaches a name to a sink. The name identifies the sink in stats and
// must be unique within one configuration.
type NamedSink struct {
	Name string
	Sink Sink
}

// slot owns one sink together with its write lock and self-check counters.
// A slot survives reconfiguration as long as the same Sink value stays configured.
type slot struct {
	name string
	sink Sink

	mu     sync.Mutex
	closed bool

	written atomic.Uint64
	dropped atomic.Uint64
	lastErr atomic.Pointer[string]
	healthy atomic.Bool
}

func newSlot(name string, sink Sink) *slot {
	return &slot{name: name, sink: sink}
}

// write returns a *SinkWriteError when the sink rejects the line
func (s *slot) write(r *Record, line string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.fail("write", ErrClosed)
	}
	err := s.sink.Write(r, line)
	s.mu.Unlock()

	if err != nil {
		return s.fail("write", err)
	}
	s.written.Add(1)
	s.healthy.Store(true)
	return nil
}

func (s *slot) fail(op string, err error) error {
	s.dropped.Add(1)
	s.healthy.Store(false)
	msg := err.Error()
	s.lastErr.Store(&msg)
	return &SinkWriteError{Sink: s.name, Op: op, Err: err}
}

func (s *slot) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.sink.Flush(); err != nil {
		return &SinkWriteError{Sink: s.name, Op: "flush", Err: err}
	}
	return nil
}

// close flushes before closing so buffered records are not lost
func (s *slot) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	flushErr := s.sink.Flush()
	closeErr := s.sink.Close()
	if flushErr != nil {
		return &SinkWriteError{Sink: s.name, Op: "flush", Err: flushErr}
	}
	if closeErr != nil {
		return &SinkWriteError{Sink: s.name, Op: "close", Err: closeErr}
	}
	return nil
}

func (s *slot) stats() SinkStats {
	st := SinkStats{
		Name:    s.name,
		Written: s.written.Load(),
		Dropped: s.dropped.Load(),
	}
	if msg := s.lastErr.Load(); msg != nil {
		st.LastError = *msg
	}
	healthy := s.healthy.Load()

	if r, ok := s.sink.(DeliveryReporter); ok {
		ds := r.DeliveryStatus()
		lost := min(ds.Lost, st.Written)
		st.Written -= lost
		st.Dropped += lost
		if ds.Failing {
			healthy = false
			st.LastError = ds.LastError
		}
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	switch {
	case closed:
		st.Health = HealthClosed
	case st.LastError == "" && st.Written == 0 && st.Dropped == 0:
		st.Health = HealthUnknown
	case healthy && st.Written > 0:
		st.Health = HealthHealthy
	default:
		st.Health = HealthDegraded
	}
	return st
}

// CallbackSink hands every record to a function, for example to forward the stream elsewhere
type CallbackSink struct {
	fn func(r *Record, line string) error
}

// NewCallbackSink wraps fn as a Sink
func NewCallbackSink(fn func(r *Record, line string) error) *CallbackSink {
	return &CallbackSink{fn: fn}
}

func (c *CallbackSink) Write(r *Record, line string) error {
	return c.fn(r, line)
}

func (c *CallbackSink) Flush() error { return nil }

func (c *CallbackSink) Close() error { return nil }
