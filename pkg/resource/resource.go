package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-swrcache/pkg/cache"
	"github.com/illmade-knight/go-swrcache/pkg/revalidate"
	"github.com/rs/zerolog"
)

// Phase is the lifecycle position of a binding.
type Phase string

// Binding phases.
const (
	PhaseIdle       Phase = "idle"
	PhaseLoading    Phase = "loading"
	PhaseFresh      Phase = "fresh"
	PhaseValidating Phase = "validating"
	PhaseError      Phase = "error"
	PhaseClosed     Phase = "closed"
)

// Config holds the options of one binding. The zero value binds to the global store with its
// default TTL and no event-driven revalidation.
type Config[V any] struct {
	// Name registers the binding with its Binder so it can be reported over HTTP.
	Name string
	// StoreType selects the named store. Unknown names fall back to global.
	StoreType string
	// TTL overrides the store's default. Zero uses the store policy, negative stores entries
	// already expired.
	TTL time.Duration

	RevalidateOnFocus     bool
	RevalidateOnReconnect bool
	// RefreshInterval, when positive, revalidates on a ticker.
	RefreshInterval time.Duration

	OnSuccess func(V)
	OnError   func(error)

	// DisableStaleFallback stops an initial load failure from surfacing expired cached data.
	DisableStaleFallback bool
}

// State is what a consumer of a binding sees.
type State[V any] struct {
	Data         V
	HasData      bool
	IsLoading    bool
	IsValidating bool
	Err          error
	LastUpdated  time.Time
}

// FetchOptions controls a single fetch attempt.
type FetchOptions struct {
	// ForceRefresh skips the fresh-cache short circuit.
	ForceRefresh bool
	// ShowLoading sets IsLoading while there is no data to show.
	ShowLoading bool
}

// Resource binds one key of a store to a fetcher. Every method is safe for concurrent use.
//
// Callbacks (OnSuccess, OnError and subscribers) run on the goroutine that settled the change.
// They may call any method except Close, which waits for running callbacks; use go r.Close().
type Resource[V any] struct {
	binder    *Binder
	name      string
	store     *cache.Store
	storeType cache.StoreType
	key       string
	fetcher   cache.Fetcher[V]
	cfg       Config[V]
	ttl       time.Duration
	logger    zerolog.Logger

	ctx      context.Context
	cancelFn context.CancelFunc

	mu       sync.Mutex
	state    State[V]
	phase    Phase
	gen      uint64
	inflight context.CancelFunc
	closed   bool
	seq      uint64
	subs     map[uint64]func(State[V])
	nextSub  uint64
	ready    <-chan struct{}

	delivered atomic.Uint64
	callbacks sync.WaitGroup
	unsubs    []func()
	loops     sync.WaitGroup
	closeOnce sync.Once
}

// Bind creates a binding and starts its initial fetch. A fresh cache entry is served
// synchronously without calling fetch. Fetch failures never surface here; they end up in
// State().Err. The binding closes when ctx is cancelled.
func Bind[V any](ctx context.Context, b *Binder, key string, fetch cache.Fetcher[V], cfg Config[V]) (*Resource[V], error) {
	if b == nil {
		return nil, errors.New("binder cannot be nil")
	}
	if fetch == nil {
		return nil, errors.New("fetcher cannot be nil")
	}

	storeType := b.registry.Resolve(cfg.StoreType)
	store := b.registry.Store(string(storeType))
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = store.DefaultTTL()
	}

	rctx, cancel := context.WithCancel(ctx)
	r := &Resource[V]{
		binder:    b,
		name:      cfg.Name,
		store:     store,
		storeType: storeType,
		key:       key,
		fetcher:   fetch,
		cfg:       cfg,
		ttl:       ttl,
		ctx:       rctx,
		cancelFn:  cancel,
		phase:     PhaseIdle,
		subs:      make(map[uint64]func(State[V])),
		logger: b.logger.With().
			Str("component", "CachedResource").
			Str("store", string(storeType)).
			Str("key", key).
			Logger(),
	}

	r.subscribeEvents()
	if cfg.RefreshInterval > 0 {
		r.loops.Add(1)
		go r.refreshLoop(cfg.RefreshInterval)
	}
	if cfg.Name != "" {
		b.register(cfg.Name, r)
	}

	r.ready = r.Fetch(FetchOptions{ShowLoading: true})

	go func() {
		<-rctx.Done()
		r.Close()
	}()
	return r, nil
}

// Key returns the bound key.
func (r *Resource[V]) Key() string { return r.key }

// StoreType returns the resolved store of the binding.
func (r *Resource[V]) StoreType() cache.StoreType { return r.storeType }

// Ready is closed once the initial fetch has settled.
func (r *Resource[V]) Ready() <-chan struct{} { return r.ready }

// State returns a snapshot of the binding's state.
func (r *Resource[V]) State() State[V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Phase returns the current lifecycle phase.
func (r *Resource[V]) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Metrics returns the counters of the bound store.
func (r *Resource[V]) Metrics() cache.Metrics {
	return r.store.Metrics()
}

// Fetch starts a fetch attempt and returns a channel closed when it settles, whether its result
// was applied or discarded. A newer attempt supersedes any attempt still in flight.
func (r *Resource[V]) Fetch(opts FetchOptions) <-chan struct{} {
	done := make(chan struct{})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(done)
		return done
	}

	if !opts.ForceRefresh {
		if v, ok := cache.Lookup[V](r.store, r.key); ok {
			r.supersedeLocked()
			r.state = State[V]{Data: v, HasData: true, LastUpdated: r.store.Now()}
			r.phase = PhaseFresh
			d := r.commitLocked(nil, nil)
			r.mu.Unlock()
			d.run()
			close(done)
			return done
		}
	}

	gen := r.supersedeLocked()
	ctx, cancel := context.WithCancel(r.ctx)
	r.inflight = cancel
	switch {
	case r.state.HasData:
		r.state.IsValidating = true
		r.state.IsLoading = false
		r.phase = PhaseValidating
	case opts.ShowLoading:
		r.state.IsLoading = true
		r.phase = PhaseLoading
	}
	d := r.commitLocked(nil, nil)
	r.mu.Unlock()
	d.run()

	go func() {
		defer close(done)
		defer cancel()
		v, err := r.fetcher(ctx)
		r.settle(gen, v, err)
	}()
	return done
}

// Revalidate refetches in the background. It never sets IsLoading.
func (r *Resource[V]) Revalidate() <-chan struct{} {
	return r.Fetch(FetchOptions{ForceRefresh: true})
}

// Mutate replaces the value locally and in the store without fetching.
func (r *Resource[V]) Mutate(v V) {
	r.MutateFunc(func(V, bool) V { return v })
}

// MutateFunc replaces the value with fn(previous). fn runs under the binding's lock and must not
// call back into the binding. An attempt already in flight is not superseded.
func (r *Resource[V]) MutateFunc(fn func(prev V, ok bool) V) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	next := fn(r.state.Data, r.state.HasData)
	r.store.Set(r.key, next, r.ttl)

	validating := r.inflight != nil
	r.state = State[V]{
		Data:         next,
		HasData:      true,
		IsValidating: validating,
		LastUpdated:  r.store.Now(),
	}
	r.phase = PhaseFresh
	if validating {
		r.phase = PhaseValidating
	}
	d := r.commitLocked(nil, nil)
	r.mu.Unlock()

	r.logger.Debug().Msg("Mutated resource.")
	d.run()
}

// Invalidate deletes the store entry and clears the local data without fetching.
func (r *Resource[V]) Invalidate() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.store.Delete(r.key)

	var zero V
	r.state.Data = zero
	r.state.HasData = false
	r.state.LastUpdated = time.Time{}
	r.state.IsValidating = false
	switch {
	case r.inflight == nil:
		r.state.IsLoading = false
		r.phase = PhaseIdle
	case r.phase == PhaseValidating:
		// The attempt in flight now loads from nothing.
		r.state.IsLoading = true
		r.phase = PhaseLoading
	}
	d := r.commitLocked(nil, nil)
	r.mu.Unlock()

	r.logger.Debug().Msg("Invalidated resource.")
	d.run()
}

// Subscribe registers fn to receive every later state change. The returned function removes it.
func (r *Resource[V]) Subscribe(fn func(State[V])) func() {
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Close tears the binding down: the in-flight attempt is cancelled and its result discarded,
// event subscriptions and the refresh ticker are released, and no callback runs after Close
// returns. Calling Close more than once is a no-op.
func (r *Resource[V]) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.phase = PhaseClosed
		if r.inflight != nil {
			r.inflight()
			r.inflight = nil
		}
		r.gen++
		r.mu.Unlock()

		r.cancelFn()
		for _, unsub := range r.unsubs {
			unsub()
		}
		r.loops.Wait()
		r.callbacks.Wait()
		if r.name != "" {
			r.binder.unregister(r.name, r)
		}
		r.logger.Debug().Msg("Resource closed.")
	})
}

// Report returns an untyped snapshot of the binding.
func (r *Resource[V]) Report() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep := Report{
		Name:         r.name,
		Store:        r.storeType,
		Key:          r.key,
		Phase:        r.phase,
		HasData:      r.state.HasData,
		IsLoading:    r.state.IsLoading,
		IsValidating: r.state.IsValidating,
		LastUpdated:  r.state.LastUpdated,
		Metrics:      r.store.Metrics(),
	}
	if r.state.HasData {
		rep.Data = r.state.Data
	}
	if r.state.Err != nil {
		rep.Error = r.state.Err.Error()
	}
	return rep
}

// settle applies the result of attempt gen unless it was superseded or the binding closed.
func (r *Resource[V]) settle(gen uint64, v V, err error) {
	r.mu.Lock()
	if r.closed || gen != r.gen {
		r.mu.Unlock()
		r.logger.Debug().Uint64("attempt", gen).Msg("Discarding superseded fetch result.")
		return
	}
	r.inflight = nil
	now := r.store.Now()

	if err == nil {
		r.store.Set(r.key, v, r.ttl)
		r.state = State[V]{Data: v, HasData: true, LastUpdated: now}
		r.phase = PhaseFresh
		d := r.commitLocked(&v, nil)
		r.mu.Unlock()
		d.run()
		return
	}

	if !r.state.HasData && !r.cfg.DisableStaleFallback {
		if stale, ok := cache.LookupStale[V](r.store, r.key); ok {
			r.state.Data = stale
			r.state.HasData = true
			r.state.LastUpdated = now
		}
	}
	r.state.Err = err
	r.state.IsLoading = false
	r.state.IsValidating = false
	r.phase = PhaseError
	fallback := r.state.HasData
	d := r.commitLocked(nil, err)
	r.mu.Unlock()

	r.logger.Warn().Err(err).Bool("fallback", fallback).Msg("Fetch failed.")
	d.run()
}

// supersedeLocked cancels the attempt in flight and returns the token of the next one.
func (r *Resource[V]) supersedeLocked() uint64 {
	if r.inflight != nil {
		r.inflight()
		r.inflight = nil
	}
	r.gen++
	return r.gen
}

func (r *Resource[V]) subscribeEvents() {
	bus := r.binder.bus
	if bus == nil {
		return
	}
	if r.cfg.RevalidateOnFocus {
		r.unsubs = append(r.unsubs, bus.Subscribe(revalidate.EventFocus, func(revalidate.Event) {
			r.Revalidate()
		}))
	}
	if r.cfg.RevalidateOnReconnect {
		r.unsubs = append(r.unsubs, bus.Subscribe(revalidate.EventReconnect, func(revalidate.Event) {
			r.Revalidate()
		}))
	}
	r.unsubs = append(r.unsubs, bus.Subscribe(revalidate.EventInvalidate, func(ev revalidate.Event) {
		if r.binder.registry.Resolve(ev.Store) != r.storeType {
			return
		}
		if ev.Key != "" && ev.Key != r.key {
			return
		}
		r.Revalidate()
	}))
}

func (r *Resource[V]) refreshLoop(interval time.Duration) {
	defer r.loops.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Revalidate()
		}
	}
}

// delivery is a committed state change waiting for its callbacks to run.
type delivery[V any] struct {
	r       *Resource[V]
	seq     uint64
	state   State[V]
	subs    []func(State[V])
	fetched *V
	err     error
	active  bool
}

// commitLocked records a state change. When the binding is open it reserves a callback slot that
// run releases, so Close can wait for it.
func (r *Resource[V]) commitLocked(fetched *V, err error) delivery[V] {
	r.seq++
	d := delivery[V]{r: r, seq: r.seq, state: r.state, fetched: fetched, err: err}
	if r.closed {
		return d
	}
	d.active = true
	d.subs = make([]func(State[V]), 0, len(r.subs))
	for _, fn := range r.subs {
		d.subs = append(d.subs, fn)
	}
	r.callbacks.Add(1)
	return d
}

func (d delivery[V]) run() {
	if !d.active {
		return
	}
	defer d.r.callbacks.Done()

	if d.fetched != nil && d.r.cfg.OnSuccess != nil {
		d.r.cfg.OnSuccess(*d.fetched)
	}
	if d.err != nil && d.r.cfg.OnError != nil {
		d.r.cfg.OnError(d.err)
	}
	// Subscribers only see changes newer than the last one they were given.
	for {
		last := d.r.delivered.Load()
		if d.seq <= last {
			return
		}
		if d.r.delivered.CompareAndSwap(last, d.seq) {
			break
		}
	}
	for _, fn := range d.subs {
		fn(d.state)
	}
}
