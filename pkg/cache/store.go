package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Entry is a single cached value. It is fresh while now < ExpiresAt.
type Entry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
	StoredAt  time.Time `json:"storedAt"`
}

// Fresh reports whether the entry has not yet expired at the given time.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Metrics is a point-in-time snapshot of a store's counters.
type Metrics struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock replaces the wall clock used to compute and check expiry.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDefaultTTL sets the TTL bindings use when they do not override it.
func WithDefaultTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		s.defaultTTL = ttl
	}
}

// WithLogger sets the store's logger.
func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store is a thread-safe keyed store with per-entry expiry and hit/miss/eviction counters.
// Expired entries stay in place until deleted so they can serve as a stale fallback.
type Store struct {
	name       string
	defaultTTL time.Duration
	now        func() time.Time
	logger     zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	loads singleflight.Group
}

// NewStore creates an empty store.
func NewStore(name string, opts ...StoreOption) *Store {
	s := &Store{
		name:       name,
		defaultTTL: 5 * time.Minute,
		now:        time.Now,
		logger:     zerolog.Nop(),
		entries:    make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "CacheStore").Str("store", name).Logger()
	return s
}

// Name returns the store's name.
func (s *Store) Name() string { return s.name }

// DefaultTTL returns the TTL policy of the store.
func (s *Store) DefaultTTL() time.Duration { return s.defaultTTL }

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.now() }

// Get returns the value for key only if it is still fresh.
func (s *Store) Get(key string) (any, bool) {
	entry, ok := s.fresh(key)
	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return entry.Value, true
}

// GetStale returns the value for key regardless of expiry. It does not touch the counters.
func (s *Store) GetStale(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// Set writes or replaces the entry for key. A ttl of zero or less stores an already expired entry.
func (s *Store) Set(key string, value any, ttl time.Duration) {
	now := s.now()
	expiresAt := now
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = &Entry{Key: key, Value: value, ExpiresAt: expiresAt, StoredAt: now}
	s.mu.Unlock()

	s.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("Stored cache entry.")
}

// Delete removes the entry for key, reporting whether one existed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	_, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if ok {
		s.evictions.Add(1)
		s.logger.Debug().Str("key", key).Msg("Deleted cache entry.")
	}
	return ok
}

// Clear removes every entry and returns how many were removed.
func (s *Store) Clear() int {
	s.mu.Lock()
	n := len(s.entries)
	s.entries = make(map[string]*Entry)
	s.mu.Unlock()

	s.evictions.Add(uint64(n))
	s.logger.Info().Int("removed", n).Msg("Cleared cache store.")
	return n
}

// Metrics returns a snapshot of the counters and current size.
func (s *Store) Metrics() Metrics {
	s.mu.RLock()
	size := len(s.entries)
	s.mu.RUnlock()
	return Metrics{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
		Size:      size,
	}
}

// Entries returns a copy of every entry, fresh or not.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// Restore loads entries with their original expiry, replacing any existing entry with the same key.
func (s *Store) Restore(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		entry := e
		s.entries[e.Key] = &entry
	}
}

// fresh returns a copy of the entry if it exists and has not expired.
func (s *Store) fresh(key string) (Entry, bool) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok || !entry.Fresh(now) {
		return Entry{}, false
	}
	return *entry, true
}

// replaceDecoded swaps a RawValue for its decoded form if the entry was not rewritten meanwhile.
func (s *Store) replaceDecoded(key string, storedAt time.Time, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok && entry.StoredAt.Equal(storedAt) {
		if _, raw := entry.Value.(RawValue); raw {
			entry.Value = value
		}
	}
}

// Lookup is the typed form of Get. A value that cannot be converted to V is a miss.
func Lookup[V any](s *Store, key string) (V, bool) {
	var zero V
	entry, ok := s.fresh(key)
	if !ok {
		s.misses.Add(1)
		return zero, false
	}
	v, decoded, ok := asType[V](entry.Value)
	if !ok {
		s.misses.Add(1)
		return zero, false
	}
	if decoded {
		s.replaceDecoded(key, entry.StoredAt, v)
	}
	s.hits.Add(1)
	return v, true
}

// LookupStale is the typed form of GetStale.
func LookupStale[V any](s *Store, key string) (V, bool) {
	var zero V
	s.mu.RLock()
	entry, ok := s.entries[key]
	var copied Entry
	if ok {
		copied = *entry
	}
	s.mu.RUnlock()
	if !ok {
		return zero, false
	}
	v, decoded, ok := asType[V](copied.Value)
	if !ok {
		return zero, false
	}
	if decoded {
		s.replaceDecoded(key, copied.StoredAt, v)
	}
	return v, true
}

// Load returns the fresh value for key or calls fetch to populate it. Concurrent cold loads of
// the same key share one fetch. A ttl of zero uses the store's default.
//
// The shared fetch keeps ctx's values but not its cancellation, so a caller giving up does not
// fail the others. A cancelled caller returns ctx.Err() without waiting for the fetch.
func Load[V any](ctx context.Context, s *Store, key string, ttl time.Duration, fetch Fetcher[V]) (V, error) {
	var zero V
	if v, ok := Lookup[V](s, key); ok {
		return v, nil
	}
	if ttl == 0 {
		ttl = s.defaultTTL
	}

	shareCtx := context.WithoutCancel(ctx)
	ch := s.loads.DoChan(key, func() (any, error) {
		v, err := fetch(shareCtx)
		if err != nil {
			return nil, err
		}
		s.Set(key, v, ttl)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("load %s/%s: %w", s.name, key, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return zero, fmt.Errorf("load %s/%s: %w", s.name, key, res.Err)
		}
		if res.Shared {
			s.logger.Debug().Str("key", key).Msg("Joined in-flight load.")
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}
