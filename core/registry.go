package core

import (
	"fmt"
	"sort"
	"sync"
)

// SinkFactory creates a sink from its decoded configuration block
type SinkFactory func(config map[string]any) (Sink, error)

// SinkRegistry maps sink type names to factories
type SinkRegistry struct {
	factories map[string]SinkFactory
	mu        sync.RWMutex
}

var (
	// Global sink registry, filled by the init functions of the sink plugins
	registry = NewSinkRegistry()
)

// NewSinkRegistry returns an empty registry
func NewSinkRegistry() *SinkRegistry {
	return &SinkRegistry{factories: make(map[string]SinkFactory)}
}

// Register adds or replaces the factory for sinkType
func (r *SinkRegistry) Register(sinkType string, factory SinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[sinkType] = factory
}

// Create builds a sink of sinkType. Unknown types and factory failures are configuration errors.
func (r *SinkRegistry) Create(sinkType string, config map[string]any) (Sink, error) {
	r.mu.RLock()
	factory, exists := r.factories[sinkType]
	r.mu.RUnlock()

	if !exists {
		return nil, NewConfigError("type", fmt.Sprintf("unknown sink type: %s", sinkType))
	}

	sink, err := factory(config)
	if err != nil {
		if IsConfigurationError(err) {
			return nil, err
		}
		return nil, WrapConfigError(sinkType, err)
	}
	if isNilSink(sink) {
		return nil, NewConfigError(sinkType, "factory returned no sink")
	}
	return sink, nil
}

// Types returns the registered sink type names, sorted
func (r *SinkRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterSink registers a sink factory in the global registry
func RegisterSink(sinkType string, factory SinkFactory) {
	registry.Register(sinkType, factory)
}

// CreateSink creates a sink from the global registry
func CreateSink(sinkType string, config map[string]any) (Sink, error) {
	return registry.Create(sinkType, config)
}

// ListSinks returns all registered sink type names
func ListSinks() []string {
	return registry.Types()
}
