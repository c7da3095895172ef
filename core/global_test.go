package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetDefault drops the process-wide core so the next Default builds an unconfigured one
func resetDefault(t *testing.T) {
	t.Helper()
	stdMu.Lock()
	defer stdMu.Unlock()
	if c := std.Load(); c != nil {
		require.NoError(t, c.Shutdown())
	}
	std.Store(nil)
	t.Cleanup(func() {
		stdMu.Lock()
		defer stdMu.Unlock()
		if c := std.Load(); c != nil {
			_ = c.Shutdown()
		}
		std.Store(nil)
	})
}

func TestGlobalLifecycle(t *testing.T) {
	resetDefault(t)

	c := Default()
	assert.Same(t, c, Default())
	assert.Equal(t, StateUnconfigured, c.State())
	Info("before init")
	assert.Equal(t, uint64(1), c.Stats().Unconfigured)

	sink := &memorySink{}
	require.NoError(t, Init(Options{Level: LevelDebug, Sinks: []NamedSink{{Sink: sink}}, Format: "{level}:{message}"}))
	assert.Same(t, c, Default())

	Trace("hidden")
	Debug("d")
	Info("i")
	Warn("w")
	Error("e")
	Fatal("f")
	require.NoError(t, Log(LevelInfo, Module("m"), "log"))
	require.NoError(t, Logf(LevelInfo, Location{}, "n=%d", 1))
	require.NoError(t, Flush())

	assert.Equal(t, []string{"debug:d", "info:i", "warn:w", "error:e", "fatal:f", "info:log", "info:n=1"}, sink.Lines())

	require.NoError(t, Uninit())
	assert.True(t, sink.Closed())
	assert.Equal(t, StateClosed, c.State())
	assert.Same(t, c, Default(), "the closed core stays in place until Init")
	require.NoError(t, Uninit(), "a second Uninit is a no-op")
}

func TestGlobalLogAfterUninit(t *testing.T) {
	resetDefault(t)

	sink := &memorySink{}
	require.NoError(t, Init(Options{Level: LevelInfo, Sinks: []NamedSink{{Sink: sink}}, Format: "{message}"}))
	require.NoError(t, Uninit())

	assert.ErrorIs(t, Log(LevelInfo, Location{}, "late"), ErrClosed)
	assert.NoError(t, Log(LevelInfo, Location{}, "later"), "ErrClosed is returned once")
	Info("helper")

	st := Default().Stats()
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, uint64(3), st.PostShutdown)
	assert.Zero(t, st.Unconfigured)
	assert.Empty(t, sink.Lines())
}

func TestInitAfterUninitStartsFreshCore(t *testing.T) {
	resetDefault(t)

	require.NoError(t, Init(Options{Level: LevelInfo, Sinks: []NamedSink{{Sink: &memorySink{}}}}))
	old := Default()
	require.NoError(t, Uninit())

	sink := &memorySink{}
	require.NoError(t, Init(Options{Level: LevelInfo, Sinks: []NamedSink{{Sink: sink}}, Format: "{message}"}))
	assert.NotSame(t, old, Default())
	assert.Equal(t, StateClosed, old.State())
	Info("ok")
	assert.Equal(t, []string{"ok"}, sink.Lines())
}

func TestInitAfterShutdownStartsFreshCore(t *testing.T) {
	resetDefault(t)

	old := Default()
	require.NoError(t, old.Shutdown())

	sink := &memorySink{}
	require.NoError(t, Init(Options{Level: LevelInfo, Sinks: []NamedSink{{Sink: sink}}, Format: "{message}"}))
	assert.NotSame(t, old, Default())
	Info("ok")
	assert.Equal(t, []string{"ok"}, sink.Lines())
}
