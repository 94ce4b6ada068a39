package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/streamcore/pkg/config"
	"github.com/ajitpratap0/streamcore/pkg/connector/core"
	"github.com/ajitpratap0/streamcore/pkg/errors"
	"github.com/ajitpratap0/streamcore/pkg/logger"
)

// Registry manages connector registration and instantiation
type Registry struct {
	sources map[string]SourceFactory
	sinks   map[string]SinkFactory
	mu      sync.RWMutex
	logger  *zap.Logger
}

// SourceFactory creates a source from its connector configuration
type SourceFactory func(cfg *config.ConnectorConfig, logger *zap.Logger) (core.Source, error)

// SinkFactory creates a sink from its connector configuration
type SinkFactory func(cfg *config.ConnectorConfig, logger *zap.Logger) (core.Sink, error)

var globalRegistry = NewRegistry()

// NewRegistry creates a new connector registry
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourceFactory),
		sinks:   make(map[string]SinkFactory),
		logger:  logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// RegisterSource registers a source connector factory
func (r *Registry) RegisterSource(name string, factory SourceFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[name]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("source connector %s already registered", name))
	}
	r.sources[name] = factory
	r.logger.Debug("source connector registered", zap.String("name", name))
	return nil
}

// RegisterSink registers a sink connector factory
func (r *Registry) RegisterSink(name string, factory SinkFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sinks[name]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("sink connector %s already registered", name))
	}
	r.sinks[name] = factory
	r.logger.Debug("sink connector registered", zap.String("name", name))
	return nil
}

// CreateSource creates a source connector of cfg.Type
func (r *Registry) CreateSource(cfg *config.ConnectorConfig, log *zap.Logger) (core.Source, error) {
	r.mu.RLock()
	factory, exists := r.sources[cfg.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("source connector %s not found", cfg.Type))
	}
	source, err := factory(cfg, log)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create source connector %s", cfg.Type))
	}
	return source, nil
}

// CreateSink creates a sink connector of cfg.Type
func (r *Registry) CreateSink(cfg *config.ConnectorConfig, log *zap.Logger) (core.Sink, error) {
	r.mu.RLock()
	factory, exists := r.sinks[cfg.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("sink connector %s not found", cfg.Type))
	}
	sink, err := factory(cfg, log)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create sink connector %s", cfg.Type))
	}
	return sink, nil
}

// ListSources returns the registered source types, sorted
func (r *Registry) ListSources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListSinks returns the registered sink types, sorted
func (r *Registry) ListSinks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Global registry functions

// RegisterSource registers a source connector in the global registry
func RegisterSource(name string, factory SourceFactory) error {
	return globalRegistry.RegisterSource(name, factory)
}

// RegisterSink registers a sink connector in the global registry
func RegisterSink(name string, factory SinkFactory) error {
	return globalRegistry.RegisterSink(name, factory)
}

// CreateSource creates a source connector from the global registry
func CreateSource(cfg *config.ConnectorConfig, log *zap.Logger) (core.Source, error) {
	return globalRegistry.CreateSource(cfg, log)
}

// CreateSink creates a sink connector from the global registry
func CreateSink(cfg *config.ConnectorConfig, log *zap.Logger) (core.Sink, error) {
	return globalRegistry.CreateSink(cfg, log)
}

// ListSources returns registered sources from the global registry
func ListSources() []string {
	return globalRegistry.ListSources()
}

// ListSinks returns registered sinks from the global registry
func ListSinks() []string {
	return globalRegistry.ListSinks()
}
