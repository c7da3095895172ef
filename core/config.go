package core

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Config is the YAML form of Options
type Config struct {
	Level      string           `yaml:"level"`
	Format     string           `yaml:"format,omitempty"`
	TimeFormat string           `yaml:"time_format,omitempty"`
	Align      *AlignInfo       `yaml:"align,omitempty"`
	AddCaller  bool             `yaml:"add_caller,omitempty"`
	ParentPID  int              `yaml:"parent_pid,omitempty"`
	Sinks      []SinkDefinition `yaml:"sinks"`
}

// SinkDefinition describes one sink instance
type SinkDefinition struct {
	Type   string         `yaml:"type"`           // Sink type: "console", "file", "kafka", ...
	Name   string         `yaml:"name,omitempty"` // Optional name; defaults to "<type>-<n>"
	Config map[string]any `yaml:"config"`         // Sink specific configuration
	Async  *AsyncConfig   `yaml:"async,omitempty"`
}

// Validate checks the structure of the configuration, not the sinks themselves
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Level, validation.By(func(value interface{}) error {
			if s := value.(string); s != "" {
				_, err := ParseLevel(s)
				return err
			}
			return nil
		})),
		validation.Field(&c.Sinks, validation.Required.Error("at least one sink is required")),
	)
	if err != nil {
		return asConfigError(err)
	}
	for i, def := range c.Sinks {
		if def.Type == "" {
			return NewConfigError(fmt.Sprintf("sinks[%d].type", i), "cannot be blank")
		}
		if def.Async != nil {
			if err := def.Async.Validate(); err != nil {
				return WrapConfigError(fmt.Sprintf("sinks[%d].async", i), err)
			}
		}
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, WrapConfigError("yaml", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// GetSinkConfig extracts and unmarshals sink-specific configuration
func GetSinkConfig(sinkConfig map[string]any, target any) error {
	// Convert map to YAML then unmarshal to target struct
	data, err := yaml.Marshal(sinkConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal sink config: %w", err)
	}

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal sink config: %w", err)
	}

	return nil
}

// DefaultConfig returns a configuration writing info and above to stdout
func DefaultConfig() *Config {
	return &Config{
		Level: LevelInfo.String(),
		Sinks: []SinkDefinition{
			{
				Type: "console",
				Config: map[string]any{
					"target": "stdout",
				},
			},
		},
	}
}

// Build creates the sinks of c through reg and returns the matching Options.
// When a sink fails to build, the sinks built so far are closed.
func (c *Config) Build(reg *SinkRegistry) (Options, error) {
	opts, _, _, err := c.build(reg, nil)
	return opts, err
}

// appliedSink is a sink the core is running together with the definition it was built from
type appliedSink struct {
	def  SinkDefinition
	sink Sink
}

// sameDefinition reports whether b would build the same sink as a
func sameDefinition(a, b SinkDefinition) bool {
	return a.Type == b.Type && reflect.DeepEqual(a.Config, b.Config) && reflect.DeepEqual(a.Async, b.Async)
}

// build creates the sinks of c. A sink of previous with the same name and an unchanged
// definition is reused instead of built again. fresh lists only the sinks built here.
func (c *Config) build(reg *SinkRegistry, previous map[string]appliedSink) (opts Options, applied map[string]appliedSink, fresh []NamedSink, err error) {
	if reg == nil {
		reg = registry
	}
	if err := c.Validate(); err != nil {
		return Options{}, nil, nil, err
	}

	level := LevelInfo
	if c.Level != "" {
		parsed, err := ParseLevel(c.Level)
		if err != nil {
			return Options{}, nil, nil, WrapConfigError("level", err)
		}
		level = parsed
	}

	opts = Options{
		Level:      level,
		Format:     c.Format,
		TimeFormat: c.TimeFormat,
		Align:      c.Align,
		AddCaller:  c.AddCaller,
		ParentPID:  c.ParentPID,
	}
	applied = make(map[string]appliedSink, len(c.Sinks))

	for i, def := range c.Sinks {
		name := def.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", def.Type, i+1)
		}

		if prev, ok := previous[name]; ok && sameDefinition(prev.def, def) {
			delete(previous, name)
			opts.Sinks = append(opts.Sinks, NamedSink{Name: name, Sink: prev.sink})
			applied[name] = prev
			continue
		}

		sink, err := createSink(reg, name, def)
		if err != nil {
			closeSinks(fresh)
			return Options{}, nil, nil, fmt.Errorf("sink %s: %w", name, err)
		}
		ns := NamedSink{Name: name, Sink: sink}
		opts.Sinks = append(opts.Sinks, ns)
		fresh = append(fresh, ns)
		applied[name] = appliedSink{def: def, sink: sink}
	}
	return opts, applied, fresh, nil
}

func createSink(reg *SinkRegistry, name string, def SinkDefinition) (Sink, error) {
	sink, err := reg.Create(def.Type, def.Config)
	if err != nil {
		return nil, err
	}
	if def.Async == nil || !def.Async.Enabled {
		return sink, nil
	}
	async, err := NewAsyncSink(name, sink, *def.Async)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	return async, nil
}

func closeSinks(sinks []NamedSink) {
	for _, ns := range sinks {
		if err := ns.Sink.Close(); err != nil {
			log.Printf("[CONFIG] Error closing sink %s: %v", ns.Name, err)
		}
	}
}

// Apply builds c and configures core with it. Sinks whose definition did not change since
// the previous Apply on core are kept running, with their counters and open resources.
// Sinks built for a rejected configuration are closed.
func (c *Config) Apply(core *Core, reg *SinkRegistry) error {
	core.applyMu.Lock()
	defer core.applyMu.Unlock()

	opts, applied, fresh, err := c.build(reg, core.runningDefinitions())
	if err != nil {
		return err
	}
	if err := core.Configure(opts); err != nil {
		closeSinks(fresh)
		return err
	}
	core.applied = applied
	return nil
}

// ConfigWatcher monitors a config file for changes and triggers reloads
type ConfigWatcher struct {
	filename    string
	watcher     *fsnotify.Watcher
	onReload    func(*Config)
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	lastModTime time.Time
	settle      time.Duration
	mu          sync.Mutex
}

// NewConfigWatcher creates a new config file watcher
func NewConfigWatcher(filename string, onReload func(*Config)) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Get initial file modification time
	info, err := os.Stat(filename)
	if err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cw := &ConfigWatcher{
		filename:    filepath.Clean(filename),
		watcher:     watcher,
		onReload:    onReload,
		stopCh:      make(chan struct{}),
		lastModTime: info.ModTime(),
		settle:      100 * time.Millisecond,
	}

	// Watch the directory containing the config file
	// This handles cases where the file is replaced atomically
	if err := watcher.Add(filepath.Dir(cw.filename)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	cw.wg.Add(1)
	go cw.watchLoop()

	return cw, nil
}

// WatchCore reloads core whenever filename changes. Invalid files are reported and ignored,
// leaving the previous configuration active.
func WatchCore(filename string, core *Core, reg *SinkRegistry) (*ConfigWatcher, error) {
	return NewConfigWatcher(filename, func(cfg *Config) {
		if err := cfg.Apply(core, reg); err != nil {
			log.Printf("[CONFIG] Reload rejected: %v", err)
			return
		}
		log.Printf("[CONFIG] Configuration reloaded from %s", filename)
	})
}

// Stop stops the config watcher
func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopCh)
		_ = cw.watcher.Close()
	})
	cw.wg.Wait()
}

// watchLoop runs the file watching loop
func (cw *ConfigWatcher) watchLoop() {
	defer cw.wg.Done()

	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			// Check if the event is for our config file
			if filepath.Clean(event.Name) != cw.filename {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				cw.handleFileChange()
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[CONFIG] Watcher error: %v", err)

		case <-cw.stopCh:
			return
		}
	}
}

// handleFileChange handles a config file change event
func (cw *ConfigWatcher) handleFileChange() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	// Check if file was actually modified (avoid duplicate events)
	info, err := os.Stat(cw.filename)
	if err != nil {
		log.Printf("[CONFIG] Error checking config file: %v", err)
		return
	}

	if info.ModTime().Equal(cw.lastModTime) {
		return // No actual change
	}

	cw.lastModTime = info.ModTime()

	// Small delay to ensure file write is complete
	select {
	case <-time.After(cw.settle):
	case <-cw.stopCh:
		return
	}

	config, err := LoadConfig(cw.filename)
	if err != nil {
		var ce *ConfigurationError
		if errors.As(err, &ce) {
			log.Printf("[CONFIG] Ignoring invalid config: %v", err)
		} else {
			log.Printf("[CONFIG] Error reloading config: %v", err)
		}
		return
	}

	log.Printf("[CONFIG] Config file changed, reloading...")
	cw.onReload(config)
}
