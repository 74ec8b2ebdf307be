// Package resource binds keys of the cache registry to fetchers, serving fresh entries from the
// store, refetching in the background and falling back to stale entries when a fetch fails.
package resource

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/illmade-knight/go-swrcache/pkg/cache"
	"github.com/illmade-knight/go-swrcache/pkg/revalidate"
	"github.com/rs/zerolog"
)

// Report is an untyped snapshot of a binding, suitable for JSON.
type Report struct {
	Name         string          `json:"name,omitempty"`
	Store        cache.StoreType `json:"store"`
	Key          string          `json:"key"`
	Phase        Phase           `json:"phase"`
	Data         any             `json:"data,omitempty"`
	HasData      bool            `json:"hasData"`
	IsLoading    bool            `json:"isLoading"`
	IsValidating bool            `json:"isValidating"`
	Error        string          `json:"error,omitempty"`
	LastUpdated  time.Time       `json:"lastUpdated"`
	Metrics      cache.Metrics   `json:"metrics"`
}

// Reporter is implemented by every Resource regardless of its value type.
type Reporter interface {
	Report() Report
	Revalidate() <-chan struct{}
}

// Binder holds what bindings share: the registry, the revalidation bus and the named bindings.
type Binder struct {
	registry *cache.Registry
	bus      *revalidate.Bus
	logger   zerolog.Logger

	mu    sync.RWMutex
	named map[string]Reporter
}

// NewBinder creates a Binder. bus may be nil, in which case bindings ignore focus, reconnect and
// invalidation events.
func NewBinder(registry *cache.Registry, bus *revalidate.Bus, logger zerolog.Logger) (*Binder, error) {
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	return &Binder{
		registry: registry,
		bus:      bus,
		logger:   logger,
		named:    make(map[string]Reporter),
	}, nil
}

// Registry returns the registry bindings read and write.
func (b *Binder) Registry() *cache.Registry { return b.registry }

// Lookup returns the open binding registered under name.
func (b *Binder) Lookup(name string) (Reporter, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.named[name]
	return r, ok
}

// Names lists the registered bindings.
func (b *Binder) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.named))
	for name := range b.named {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Binder) register(name string, r Reporter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.named[name]; exists {
		b.logger.Warn().Str("name", name).Msg("Replacing registered resource with the same name.")
	}
	b.named[name] = r
}

// unregister removes name only while it still points at r.
func (b *Binder) unregister(name string, r Reporter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.named[name]; ok && current == r {
		delete(b.named, name)
	}
}
