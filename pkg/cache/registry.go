package cache

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StoreType names one of the registry's independent stores.
type StoreType string

// Named stores.
const (
	StoreGlobal StoreType = "global"
	StoreAPI    StoreType = "api"
	StoreUser   StoreType = "user"
	StoreStatic StoreType = "static"
)

// Policy is the default behaviour of a named store.
type Policy struct {
	DefaultTTL time.Duration
}

// DefaultPolicies returns the TTL table for the named stores: volatile API data expires quickly,
// rarely changing reference data stays for an hour.
func DefaultPolicies() map[StoreType]Policy {
	return map[StoreType]Policy{
		StoreGlobal: {DefaultTTL: 5 * time.Minute},
		StoreAPI:    {DefaultTTL: 2 * time.Minute},
		StoreUser:   {DefaultTTL: 15 * time.Minute},
		StoreStatic: {DefaultTTL: time.Hour},
	}
}

// DefaultAliases maps domain names onto named stores.
func DefaultAliases() map[string]StoreType {
	return map[string]StoreType{
		"fornecedores": StoreGlobal,
		"contas":       StoreGlobal,
		"categorias":   StoreGlobal,
	}
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	logger  zerolog.Logger
	clock   func() time.Time
	aliases map[string]StoreType
}

// WithRegistryLogger sets the logger passed to every store.
func WithRegistryLogger(logger zerolog.Logger) RegistryOption {
	return func(o *registryOptions) { o.logger = logger }
}

// WithRegistryClock sets the clock of every store.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(o *registryOptions) { o.clock = now }
}

// WithAliases adds or overrides domain aliases.
func WithAliases(aliases map[string]StoreType) RegistryOption {
	return func(o *registryOptions) {
		for k, v := range aliases {
			o.aliases[strings.ToLower(k)] = v
		}
	}
}

// Registry owns the named stores of one process. It is built once by the composition root
// and injected wherever stores are needed.
type Registry struct {
	logger  zerolog.Logger
	stores  map[StoreType]*Store
	aliases map[string]StoreType
	mu      sync.RWMutex
}

// NewRegistry creates one store per policy. Missing named stores fall back to DefaultPolicies.
func NewRegistry(policies map[StoreType]Policy, opts ...RegistryOption) *Registry {
	o := &registryOptions{
		logger:  zerolog.Nop(),
		clock:   time.Now,
		aliases: DefaultAliases(),
	}
	for _, opt := range opts {
		opt(o)
	}

	merged := DefaultPolicies()
	for name, p := range policies {
		if p.DefaultTTL <= 0 {
			o.logger.Warn().Str("store", string(name)).Dur("ttl", p.DefaultTTL).Msg("Ignoring non-positive store TTL policy.")
			continue
		}
		merged[name] = p
	}

	r := &Registry{
		logger:  o.logger.With().Str("component", "CacheRegistry").Logger(),
		stores:  make(map[StoreType]*Store, len(merged)),
		aliases: o.aliases,
	}
	for name, p := range merged {
		r.stores[name] = NewStore(string(name),
			WithDefaultTTL(p.DefaultTTL),
			WithClock(o.clock),
			WithLogger(o.logger),
		)
	}
	return r
}

// Resolve maps a store name or alias to a StoreType. Unknown and empty names resolve to global.
func (r *Registry) Resolve(name string) StoreType {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return StoreGlobal
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.stores[StoreType(normalized)]; ok {
		return StoreType(normalized)
	}
	if target, ok := r.aliases[normalized]; ok {
		if _, exists := r.stores[target]; exists {
			return target
		}
	}
	r.logger.Warn().Str("store", name).Msg("Unknown store type, using global.")
	return StoreGlobal
}

// Store returns the store for a name or alias.
func (r *Registry) Store(name string) *Store {
	t := r.Resolve(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stores[t]
}

// Names returns the named stores in a stable order.
func (r *Registry) Names() []StoreType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]StoreType, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Metrics returns a snapshot per named store.
func (r *Registry) Metrics() map[StoreType]Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[StoreType]Metrics, len(r.stores))
	for name, s := range r.stores {
		out[name] = s.Metrics()
	}
	return out
}

// Reset clears every store.
func (r *Registry) Reset() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.stores {
		s.Clear()
	}
}
