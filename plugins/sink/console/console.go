package console

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/mbiondo/scLogger/core"
)

func init() {
	// Auto-register this sink
	core.RegisterSink("console", NewConsoleSinkFromConfig)
}

// LevelColors are the attributes each level is rendered with
var LevelColors = map[core.Level][]color.Attribute{
	core.LevelTrace: {color.FgHiBlack},
	core.LevelDebug: {color.FgHiBlack},
	core.LevelInfo:  {color.FgCyan},
	core.LevelWarn:  {color.FgYellow},
	core.LevelError: {color.FgRed},
	core.LevelFatal: {color.FgRed, color.Bold},
}

// Config represents console sink configuration
type Config struct {
	Target string `yaml:"target,omitempty"` // "stdout" or "stderr"
	Color  string `yaml:"color,omitempty"`  // "auto", "always" or "never"
}

// NewConsoleSinkFromConfig creates a console sink from configuration map
func NewConsoleSinkFromConfig(config map[string]any) (core.Sink, error) {
	var cfg Config
	if err := core.GetSinkConfig(config, &cfg); err != nil {
		return nil, err
	}

	return NewConsoleSink(cfg)
}

// ConsoleSink writes lines to stdout/stderr
type ConsoleSink struct {
	writer io.Writer
	file   *os.File
	color  bool
	styles map[core.Level]*color.Color
}

// NewConsoleSink creates a new console sink
func NewConsoleSink(config Config) (*ConsoleSink, error) {
	// Set defaults
	if config.Target == "" {
		config.Target = "stdout"
	}
	if config.Color == "" {
		config.Color = "auto"
	}

	var file *os.File
	switch config.Target {
	case "stdout":
		file = os.Stdout
	case "stderr":
		file = os.Stderr
	default:
		return nil, core.NewConfigError("target", fmt.Sprintf("invalid target '%s', must be 'stdout' or 'stderr'", config.Target))
	}

	var colored bool
	switch config.Color {
	case "auto":
		colored = isatty.IsTerminal(file.Fd()) || isatty.IsCygwinTerminal(file.Fd())
	case "always":
		colored = true
	case "never":
		colored = false
	default:
		return nil, core.NewConfigError("color", fmt.Sprintf("invalid color mode '%s', must be 'auto', 'always' or 'never'", config.Color))
	}

	sink := NewWriterSink(file, colored)
	sink.file = file
	return sink, nil
}

// NewWriterSink writes to an arbitrary writer, for example a buffer in tests
func NewWriterSink(w io.Writer, colored bool) *ConsoleSink {
	return &ConsoleSink{writer: w, color: colored, styles: levelStyles(colored)}
}

// levelStyles builds one style per level. The colour decision fixed here overrides
// NO_COLOR and the stdout check of the color package.
func levelStyles(colored bool) map[core.Level]*color.Color {
	styles := make(map[core.Level]*color.Color, len(LevelColors))
	for level, attrs := range LevelColors {
		style := color.New(attrs...)
		if colored {
			style.EnableColor()
		} else {
			style.DisableColor()
		}
		styles[level] = style
	}
	return styles
}

// Write writes one line, coloured by level when enabled
func (c *ConsoleSink) Write(r *core.Record, line string) error {
	if style, ok := c.styles[r.Level]; ok && c.color {
		line = style.Sprint(line)
	}
	_, err := io.WriteString(c.writer, line+"\n")
	return err
}

// Flush syncs the target when it is a regular file. Terminals and pipes are unbuffered.
func (c *ConsoleSink) Flush() error {
	if c.file == nil {
		return nil
	}
	info, err := c.file.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}
	return c.file.Sync()
}

// Close is a no-op: stdout and stderr stay open
func (c *ConsoleSink) Close() error {
	return nil
}
