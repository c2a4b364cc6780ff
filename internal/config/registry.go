package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/parlance/pkg/audio"
)

// ErrSourceNotRegistered is returned by [Registry.CreateSource] when no
// factory has been registered under the requested source name.
var ErrSourceNotRegistered = errors.New("config: audio source not registered")

// SourceFactory builds an audio source from its configuration block.
type SourceFactory func(AudioConfig) (audio.Source, error)

// Registry maps audio source names to their constructor functions. It is
// safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]SourceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]SourceFactory)}
}

// NewDefaultRegistry returns a [Registry] with the file sources of package
// audio registered as "wav" and "pcm".
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterSource("wav", func(a AudioConfig) (audio.Source, error) {
		return audio.NewWAVFileSource(a.Path, a.Format(), a.FrameDuration), nil
	})
	r.RegisterSource("pcm", func(a AudioConfig) (audio.Source, error) {
		return audio.NewPCMFileSource(a.Path, a.Format(), a.FrameDuration), nil
	})
	return r
}

// RegisterSource registers an audio source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// CreateSource instantiates the source registered under a.Source.
// Returns [ErrSourceNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSource(a AudioConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[a.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSourceNotRegistered, a.Source)
	}
	return factory(a)
}

// Sources returns the registered source names in sorted order.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
