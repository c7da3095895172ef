package file

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/mbiondo/scLogger/core"
)

func init() {
	// Auto-register this sink
	core.RegisterSink("file", NewFileSinkFromConfig)
}

// ErrCannotRotate is returned by Write when the size limit is reached and the
// template yields no other file name
var ErrCannotRotate = errors.New("size limit reached and the file name cannot change")

const (
	compressZstd      = "zstd"
	defaultBufferSize = 32 * 1024
	maxIterations     = 1 << 20
)

// Config represents file sink configuration
type Config struct {
	Directory  string `yaml:"directory"`             // Existing directory for log files
	FileName   string `yaml:"file_name"`             // Template; %t is the open time, %n the rotation iteration
	SizeLimit  int64  `yaml:"size_limit,omitempty"`  // Bytes; a file never reaches this size. 0 disables rotation
	Compress   string `yaml:"compress,omitempty"`    // "zstd" compresses rotated files
	BufferSize int    `yaml:"buffer_size,omitempty"` // Write buffer size in bytes
	TimeFormat string `yaml:"time_format,omitempty"` // Layout for %t
}

// Validate validates the file sink configuration
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Directory, validation.Required.Error("cannot be blank"), validation.By(isDirectory)),
		validation.Field(&c.FileName, validation.Required.Error("cannot be blank")),
		validation.Field(&c.SizeLimit, validation.Min(int64(0)).Error("must be no less than 0")),
		validation.Field(&c.Compress, validation.In("", compressZstd).Error("must be empty or 'zstd'")),
		validation.Field(&c.BufferSize, validation.Min(0).Error("must be no less than 0"), validation.Max(16*1024*1024).Error("must be no greater than 16MiB")),
	)
}

func isDirectory(value interface{}) error {
	dir, _ := value.(string)
	if dir == "" {
		return nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("path %s does not exist", dir)
	}
	if !info.IsDir() {
		return fmt.Errorf("path %s is not a directory", dir)
	}
	return nil
}

// NewFileSinkFromConfig creates a file sink from configuration map
func NewFileSinkFromConfig(config map[string]any) (core.Sink, error) {
	var cfg Config
	if err := core.GetSinkConfig(config, &cfg); err != nil {
		return nil, err
	}

	return NewFileSink(cfg)
}

// FileSink appends lines to a file named from a template, rotating to the next
// name before a write would make the file reach SizeLimit
type FileSink struct {
	config Config
	tmpl   *nameTemplate
	now    func() time.Time

	mu        sync.Mutex
	file      *os.File
	writer    *bufio.Writer
	path      string
	size      int64
	iteration int
	openedAt  int64 // unix second of the last open, resets the iteration for %t
	closed    bool

	compressions sync.WaitGroup
}

// NewFileSink creates a new file sink and opens its first file
func NewFileSink(config Config) (*FileSink, error) {
	return newFileSink(config, time.Now)
}

func newFileSink(config Config, now func() time.Time) (*FileSink, error) {
	if err := config.Validate(); err != nil {
		return nil, fileConfigError(err)
	}
	if config.TimeFormat == "" {
		config.TimeFormat = core.DefaultTimeFormat
	}
	if config.BufferSize == 0 {
		config.BufferSize = defaultBufferSize
	}

	tmpl, err := parseTemplate(config.FileName, config.TimeFormat)
	if err != nil {
		return nil, core.WrapConfigError("file_name", err)
	}
	if config.SizeLimit > 0 && !tmpl.rotatable() {
		return nil, core.NewConfigError("file_name", "size_limit requires a %t or %n specifier")
	}

	f := &FileSink{config: config, tmpl: tmpl, now: now}
	if err := f.open(0); err != nil {
		return nil, core.WrapConfigError("file_name", err)
	}
	return f, nil
}

var yamlNames = map[string]string{
	"Directory":  "directory",
	"FileName":   "file_name",
	"SizeLimit":  "size_limit",
	"Compress":   "compress",
	"BufferSize": "buffer_size",
}

// fileConfigError names the offending field of an ozzo validation error
func fileConfigError(err error) error {
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		for _, field := range []string{"Directory", "FileName", "SizeLimit", "Compress", "BufferSize"} {
			if fe, ok := verrs[field]; ok {
				return core.WrapConfigError(yamlNames[field], fe)
			}
		}
	}
	return core.WrapConfigError("file", err)
}

// Path returns the file currently written to
func (f *FileSink) Path() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.path
}

// Write appends line and a newline
func (f *FileSink) Write(_ *core.Record, line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return core.ErrClosed
	}

	need := int64(len(line) + 1)
	if f.overflows(f.size, need) {
		if err := f.open(need); err != nil {
			return err
		}
	}

	n, err := f.writer.WriteString(line)
	f.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}
	f.size++
	return nil
}

// overflows reports whether need more bytes would make a file of size reach the limit.
// An empty file takes any record.
func (f *FileSink) overflows(size, need int64) bool {
	return f.config.SizeLimit > 0 && size > 0 && size+need >= f.config.SizeLimit
}

// open switches to the first acceptable file name for a record of need bytes
func (f *FileSink) open(need int64) error {
	now := f.now()
	if f.tmpl.hasTime && now.Unix() != f.openedAt {
		f.iteration = 0
	}
	f.openedAt = now.Unix()

	var path string
	var size int64
	found := false
	for i := 0; i < maxIterations; i++ {
		f.iteration++
		path = filepath.Join(f.config.Directory, f.tmpl.render(now, f.iteration))
		var ok bool
		size, ok = f.acceptable(path, need)
		if ok {
			found = true
			break
		}
		if !f.tmpl.hasIter {
			break
		}
	}
	if !found {
		return ErrCannotRotate
	}
	if path == f.path {
		return nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 - path from configuration
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", path, err)
	}

	if f.file != nil {
		previous := f.path
		if err := f.closeFile(); err != nil {
			log.Printf("[FILE] Error closing %s: %v", previous, err)
		}
		f.compress(previous)
	}

	f.file = file
	f.writer = bufio.NewWriterSize(file, f.config.BufferSize)
	f.path = path
	f.size = size
	return nil
}

// acceptable returns the current size of path and whether a record of need bytes fits in it
func (f *FileSink) acceptable(path string, need int64) (int64, bool) {
	if path == f.path {
		return f.size, !f.overflows(f.size, need)
	}
	if f.config.Compress == compressZstd {
		if _, err := os.Stat(path + ".zst"); err == nil {
			return 0, false
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, true
	}
	if f.config.SizeLimit > 0 && info.Size() >= f.config.SizeLimit {
		return 0, false
	}
	return info.Size(), !f.overflows(info.Size(), need)
}

func (f *FileSink) closeFile() error {
	flushErr := f.writer.Flush()
	closeErr := f.file.Close()
	f.file, f.writer = nil, nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// compress replaces a rotated file with <name>.zst in the background
func (f *FileSink) compress(path string) {
	if f.config.Compress != compressZstd || path == "" {
		return
	}
	f.compressions.Add(1)
	go func() {
		defer f.compressions.Done()
		if err := compressFile(path); err != nil {
			log.Printf("[FILE] Error compressing %s: %v", path, err)
		}
	}()
}

func compressFile(path string) error {
	src, err := os.Open(path) // #nosec G304 - rotated log file
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".zst", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) // #nosec G304 - rotated log file
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		_ = dst.Close()
		return err
	}
	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		_ = dst.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// Flush writes buffered lines and fsyncs the file
func (f *FileSink) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || f.file == nil {
		return nil
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

// Close flushes and closes the file, then waits for pending compressions
func (f *FileSink) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true

	var err error
	if f.file != nil {
		if err = f.writer.Flush(); err == nil {
			err = f.file.Sync()
		}
		if closeErr := f.closeFile(); err == nil {
			err = closeErr
		}
	}
	f.mu.Unlock()

	f.compressions.Wait()
	return err
}
