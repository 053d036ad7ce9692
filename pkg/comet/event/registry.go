package event

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Registry maps source types to their Source. It is filled once at
// startup and sealed before the engine starts reading from it.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
	sealed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register adds a source. Duplicate types are a configuration error.
func (r *Registry) Register(src Source) error {
	if err := src.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrRegistrySealed
	}
	if _, ok := r.sources[src.Type]; ok {
		return fmt.Errorf("source %q already registered", src.Type)
	}
	r.sources[src.Type] = src
	return nil
}

// Configure replaces the settings of an already registered source.
func (r *Registry) Configure(sourceType string, s Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("source %q: %w", sourceType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrRegistrySealed
	}
	src, ok := r.sources[sourceType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, sourceType)
	}
	src.Settings = s
	r.sources[sourceType] = src
	return nil
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Lookup returns the source registered for sourceType.
func (r *Registry) Lookup(sourceType string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[sourceType]
	return src, ok
}

// Settings returns the settings of sourceType, or zero settings when the
// type is unknown.
func (r *Registry) Settings(sourceType string) Settings {
	src, _ := r.Lookup(sourceType)
	return src.Settings
}

// Types returns the registered source types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.sources))
	for t := range r.sources {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

// Decode resolves raw's source and decodes it into a Record.
func (r *Registry) Decode(raw RawMessage, receivedAt time.Time) (Record, error) {
	src, ok := r.Lookup(raw.SourceType)
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownSource, raw.SourceType)
	}
	return src.Decode(raw, receivedAt)
}
