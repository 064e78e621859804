package connector

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrUnknownSource is returned when no factory is registered for a source type.
var ErrUnknownSource = errors.New("unknown connector source")

// Factory builds a connector from its configuration.
type Factory func(config map[string]any) (Connector, error)

// Registry maps source types to connector factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry { return &Registry{factories: make(map[string]Factory)} }

// Register adds or replaces the factory for source.
func (r *Registry) Register(source string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[source] = f
}

// Sources lists the registered source types.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for s := range r.factories {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Build instantiates the connector for source and loads its credentials.
func (r *Registry) Build(source string, config, credentials map[string]any) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}

	conn, err := f(config)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s connector: %w", source, err)
	}
	if err := conn.LoadCredentials(credentials); err != nil {
		return nil, fmt.Errorf("failed to load credentials for %s connector: %w", source, err)
	}
	return conn, nil
}
