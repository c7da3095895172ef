package file

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mbiondo/scLogger/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestParseTemplate(t *testing.T) {
	tests := []struct {
		template string
		wantErr  string
		rendered string
	}{
		{template: "app.log", rendered: "app.log"},
		{template: "app.%n.log", rendered: "app.3.log"},
		{template: "app.%t.log", rendered: "app.2024-05-01-10-00-00.log"},
		{template: "%t_%n", rendered: "2024-05-01-10-00-00_3"},
		{template: "app%", rendered: "app%"},
		{template: "", wantErr: "empty"},
		{template: "app.%x.log", wantErr: "unknown specifier %x"},
		{template: "app.%%.log", wantErr: "unknown specifier %%"},
		{template: "%n.%n.log", wantErr: "duplicate specifier %n"},
		{template: "%t-%t", wantErr: "duplicate specifier %t"},
		{template: "sub/app.log", wantErr: "path separators"},
	}

	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			tmpl, err := parseTemplate(tt.template, core.DefaultTimeFormat)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.rendered, tmpl.render(newClock().Now(), 3))
		})
	}
}

func TestNewFileSinkConfigErrors(t *testing.T) {
	dir := t.TempDir()
	regular := filepath.Join(dir, "regular")
	require.NoError(t, os.WriteFile(regular, nil, 0600))

	tests := []struct {
		name   string
		config Config
		field  string
	}{
		{"missing directory", Config{FileName: "a.log"}, "directory"},
		{"directory does not exist", Config{Directory: filepath.Join(dir, "absent"), FileName: "a.log"}, "directory"},
		{"not a directory", Config{Directory: regular, FileName: "a.log"}, "directory"},
		{"empty template", Config{Directory: dir}, "file_name"},
		{"unknown specifier", Config{Directory: dir, FileName: "a.%q"}, "file_name"},
		{"duplicate specifier", Config{Directory: dir, FileName: "%n%n"}, "file_name"},
		{"limit without specifier", Config{Directory: dir, FileName: "a.log", SizeLimit: 10}, "file_name"},
		{"negative limit", Config{Directory: dir, FileName: "a.%n", SizeLimit: -1}, "size_limit"},
		{"bad compression", Config{Directory: dir, FileName: "a.%n", Compress: "gzip"}, "compress"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFileSink(tt.config)
			var ce *core.ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestFileSinkWriteAndFlush(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(Config{Directory: dir, FileName: "app.log"})
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Write(&core.Record{}, "first"))
	require.NoError(t, sink.Write(&core.Record{}, "second"))

	path := filepath.Join(dir, "app.log")
	assert.Equal(t, path, sink.Path())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data, "lines stay buffered until Flush")

	require.NoError(t, sink.Flush())
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))
}

func TestFileSinkAppendsToExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0600))

	sink, err := NewFileSink(Config{Directory: dir, FileName: "app.log"})
	require.NoError(t, err)
	require.NoError(t, sink.Write(&core.Record{}, "new"))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old\nnew\n", string(data))
}

func TestFileSinkRotatesByIteration(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(Config{Directory: dir, FileName: "app.%n.log", SizeLimit: 20})
	require.NoError(t, err)

	// 9 bytes per line: two lines fit below the limit, a third would reach it
	for i := 0; i < 5; i++ {
		require.NoError(t, sink.Write(&core.Record{}, "record-"+string(rune('a'+i))))
	}
	require.NoError(t, sink.Close())

	assert.Equal(t, []string{"app.1.log", "app.2.log", "app.3.log"}, listDir(t, dir))
	for _, name := range listDir(t, dir) {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Less(t, info.Size(), int64(20), name)
	}

	data, err := os.ReadFile(filepath.Join(dir, "app.1.log"))
	require.NoError(t, err)
	assert.Equal(t, "record-a\nrecord-b\n", string(data))
	data, err = os.ReadFile(filepath.Join(dir, "app.3.log"))
	require.NoError(t, err)
	assert.Equal(t, "record-e\n", string(data))
}

func TestFileSinkSkipsFullFilesOnStart(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.1.log"), bytes.Repeat([]byte("x"), 30), 0600))

	sink, err := NewFileSink(Config{Directory: dir, FileName: "app.%n.log", SizeLimit: 20})
	require.NoError(t, err)
	defer sink.Close()
	assert.Equal(t, filepath.Join(dir, "app.2.log"), sink.Path())
}

func TestFileSinkTimeOnlyRotation(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()
	sink, err := newFileSink(Config{Directory: dir, FileName: "app.%t.log", SizeLimit: 20}, clock.Now)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Write(&core.Record{}, "record-a"))
	require.NoError(t, sink.Write(&core.Record{}, "record-b"))

	// same second: the name cannot change
	err = sink.Write(&core.Record{}, "record-c")
	assert.ErrorIs(t, err, ErrCannotRotate)

	clock.Advance(time.Second)
	require.NoError(t, sink.Write(&core.Record{}, "record-d"))
	require.NoError(t, sink.Flush())

	assert.Equal(t, []string{"app.2024-05-01-10-00-00.log", "app.2024-05-01-10-00-01.log"}, listDir(t, dir))
	data, err := os.ReadFile(filepath.Join(dir, "app.2024-05-01-10-00-01.log"))
	require.NoError(t, err)
	assert.Equal(t, "record-d\n", string(data))
}

func TestFileSinkTimeResetsIteration(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()
	sink, err := newFileSink(Config{Directory: dir, FileName: "%t.%n.log", SizeLimit: 20}, clock.Now)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Write(&core.Record{}, "record-x"))
	}
	clock.Advance(2 * time.Second)
	for i := 0; i < 2; i++ {
		require.NoError(t, sink.Write(&core.Record{}, "record-y"))
	}
	require.NoError(t, sink.Close())

	assert.Equal(t, []string{
		"2024-05-01-10-00-00.1.log",
		"2024-05-01-10-00-00.2.log",
		"2024-05-01-10-00-02.1.log",
	}, listDir(t, dir))
}

func TestFileSinkCompressesRotatedFiles(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(Config{Directory: dir, FileName: "app.%n.log", SizeLimit: 20, Compress: "zstd"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Write(&core.Record{}, "record-"+string(rune('a'+i))))
	}
	require.NoError(t, sink.Close())

	assert.Equal(t, []string{"app.1.log.zst", "app.2.log"}, listDir(t, dir))

	compressed, err := os.ReadFile(filepath.Join(dir, "app.1.log.zst"))
	require.NoError(t, err)
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	plain, err := dec.DecodeAll(compressed, nil)
	require.NoError(t, err)
	assert.Equal(t, "record-a\nrecord-b\n", string(plain))
}

func TestFileSinkDoesNotReuseCompressedNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.1.log.zst"), []byte("zst"), 0600))

	sink, err := NewFileSink(Config{Directory: dir, FileName: "app.%n.log", SizeLimit: 100, Compress: "zstd"})
	require.NoError(t, err)
	defer sink.Close()
	assert.Equal(t, filepath.Join(dir, "app.2.log"), sink.Path())
}

func TestFileSinkClose(t *testing.T) {
	sink, err := NewFileSink(Config{Directory: t.TempDir(), FileName: "a.log"})
	require.NoError(t, err)

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.Write(&core.Record{}, "late"), core.ErrClosed)
	assert.NoError(t, sink.Flush())
}

func TestFileSinkThroughCore(t *testing.T) {
	dir := t.TempDir()
	sink, err := core.CreateSink("file", map[string]any{
		"directory":  dir,
		"file_name":  "core.%n.log",
		"size_limit": 64,
	})
	require.NoError(t, err)

	c, err := core.NewConfigured(core.Options{
		Level:  core.LevelInfo,
		Sinks:  []core.NamedSink{{Name: "file", Sink: sink}},
		Format: "{level} {message}",
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		c.Info("message number")
	}
	require.NoError(t, c.Flush())
	require.NoError(t, c.Shutdown())

	var lines []string
	for _, name := range listDir(t, dir) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Less(t, len(data), 64)
		lines = append(lines, strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")...)
	}
	assert.Len(t, lines, 10)

	st, ok := c.Stats().Sink("file")
	require.True(t, ok)
	assert.Equal(t, uint64(10), st.Written)
	assert.Equal(t, uint64(0), st.Dropped)
}

func TestFileSinkSurvivesIdenticalReload(t *testing.T) {
	dir := t.TempDir()
	cfg, err := core.ParseConfig([]byte(`
format: "{message}"
sinks:
  - type: file
    name: app
    config:
      directory: ` + dir + `
      file_name: app.%n.log
      size_limit: 100
`))
	require.NoError(t, err)

	c := core.New()
	require.NoError(t, cfg.Apply(c, nil))
	defer c.Shutdown()

	// 20 bytes per line; four lines fit below the limit
	line := strings.Repeat("x", 19)
	for i := 0; i < 3; i++ {
		c.Info(line)
	}

	reloaded, err := core.ParseConfig([]byte(`
format: "{message}"
sinks:
  - type: file
    name: app
    config:
      directory: ` + dir + `
      file_name: app.%n.log
      size_limit: 100
`))
	require.NoError(t, err)
	require.NoError(t, reloaded.Apply(c, nil))

	for i := 0; i < 5; i++ {
		c.Info(line)
	}
	require.NoError(t, c.Flush())

	st, ok := c.Stats().Sink("app")
	require.True(t, ok)
	assert.Equal(t, uint64(8), st.Written)

	require.NoError(t, c.Shutdown())
	assert.Equal(t, []string{"app.1.log", "app.2.log"}, listDir(t, dir))
	for _, name := range listDir(t, dir) {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Less(t, info.Size(), int64(100), name)
	}
	data, err := os.ReadFile(filepath.Join(dir, "app.1.log"))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat(line+"\n", 4), string(data))
}
