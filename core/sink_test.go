package core

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memorySink records lines and can be told to fail
type memorySink struct {
	mu       sync.Mutex
	lines    []string
	records  []Record
	failNext int
	failAll  bool
	flushes  int
	closed   bool
	closeErr error
}

func (m *memorySink) Write(r *Record, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return errors.New("simulated sink failure")
	}
	if m.failNext > 0 {
		m.failNext--
		return errors.New("simulated sink failure")
	}
	rec := *r
	rec.Fields = append([]Field(nil), r.Fields...)
	m.records = append(m.records, rec)
	m.lines = append(m.lines, line)
	return nil
}

func (m *memorySink) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.closeErr
}

func (m *memorySink) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}

func (m *memorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

func (m *memorySink) Flushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}

func (m *memorySink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *memorySink) SetFailing(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = fail
}

func TestSlotCountsWritesAndDrops(t *testing.T) {
	sink := &memorySink{failNext: 1}
	s := newSlot("mem", sink)

	err := s.write(&Record{Message: "a"}, "a")
	require.Error(t, err)
	var swe *SinkWriteError
	require.ErrorAs(t, err, &swe)
	assert.Equal(t, "mem", swe.Sink)
	assert.Equal(t, "write", swe.Op)

	require.NoError(t, s.write(&Record{Message: "b"}, "b"))

	st := s.stats()
	assert.Equal(t, uint64(1), st.Written)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, "simulated sink failure", st.LastError)
	assert.Equal(t, HealthHealthy, st.Health)
}

func TestSlotHealthTransitions(t *testing.T) {
	sink := &memorySink{}
	s := newSlot("mem", sink)
	assert.Equal(t, HealthUnknown, s.stats().Health)

	sink.SetFailing(true)
	_ = s.write(&Record{}, "x")
	assert.Equal(t, HealthDegraded, s.stats().Health)

	sink.SetFailing(false)
	require.NoError(t, s.write(&Record{}, "y"))
	assert.Equal(t, HealthHealthy, s.stats().Health)

	require.NoError(t, s.close())
	assert.Equal(t, HealthClosed, s.stats().Health)
}

func TestSlotCloseFlushesFirstAndIsIdempotent(t *testing.T) {
	sink := &memorySink{}
	s := newSlot("mem", sink)

	require.NoError(t, s.close())
	require.NoError(t, s.close())
	assert.Equal(t, 1, sink.Flushes())
	assert.True(t, sink.Closed())

	err := s.write(&Record{}, "late")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, uint64(1), s.stats().Dropped)
	assert.NoError(t, s.flush())
}

func TestSlotCloseReportsCloseError(t *testing.T) {
	s := newSlot("mem", &memorySink{closeErr: errors.New("disk gone")})
	err := s.close()
	var swe *SinkWriteError
	require.ErrorAs(t, err, &swe)
	assert.Equal(t, "close", swe.Op)
}

func TestCallbackSink(t *testing.T) {
	var got []string
	sink := NewCallbackSink(func(r *Record, line string) error {
		got = append(got, r.Message+"="+line)
		return nil
	})
	require.NoError(t, sink.Write(&Record{Message: "m"}, "line"))
	assert.NoError(t, sink.Flush())
	assert.NoError(t, sink.Close())
	assert.Equal(t, []string{"m=line"}, got)
}

func TestSinkHealthString(t *testing.T) {
	assert.Equal(t, "healthy", HealthHealthy.String())
	assert.Equal(t, "degraded", HealthDegraded.String())
	assert.Equal(t, "closed", HealthClosed.String())
	assert.Equal(t, "unknown", HealthUnknown.String())
}
