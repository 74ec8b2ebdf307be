package resource_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-swrcache/pkg/cache"
	"github.com/illmade-knight/go-swrcache/pkg/resource"
	"github.com/illmade-knight/go-swrcache/pkg/revalidate"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type vendor struct {
	ID int `json:"id"`
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type result[V any] struct {
	value V
	err   error
}

// controlledFetcher blocks every call until the test resolves it. Calls ignore cancellation so
// late results can be delivered after a supersede or Close.
type controlledFetcher[V any] struct {
	mu    sync.Mutex
	calls []chan result[V]
}

func (f *controlledFetcher[V]) Fetch(_ context.Context) (V, error) {
	ch := make(chan result[V], 1)
	f.mu.Lock()
	f.calls = append(f.calls, ch)
	f.mu.Unlock()
	r := <-ch
	return r.value, r.err
}

func (f *controlledFetcher[V]) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *controlledFetcher[V]) Resolve(t *testing.T, i int, v V, err error) {
	t.Helper()
	require.Eventually(t, func() bool { return f.Calls() > i }, time.Second, time.Millisecond, "fetch %d never started", i)
	f.mu.Lock()
	ch := f.calls[i]
	f.mu.Unlock()
	ch <- result[V]{value: v, err: err}
}

// countingFetcher returns immediately.
type countingFetcher[V any] struct {
	calls atomic.Int32
	value V
	err   error
}

func (f *countingFetcher[V]) Fetch(_ context.Context) (V, error) {
	f.calls.Add(1)
	return f.value, f.err
}

type harness struct {
	clock    *fakeClock
	registry *cache.Registry
	bus      *revalidate.Bus
	binder   *resource.Binder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newFakeClock()
	registry := cache.NewRegistry(nil, cache.WithRegistryClock(clock.Now))
	bus := revalidate.NewBus(zerolog.Nop())
	binder, err := resource.NewBinder(registry, bus, zerolog.Nop())
	require.NoError(t, err)
	return &harness{clock: clock, registry: registry, bus: bus, binder: binder}
}

func wait(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("fetch attempt did not settle")
	}
}

func TestBind_FreshHitIsSynchronous(t *testing.T) {
	// Arrange
	h := newHarness(t)
	h.registry.Store("api").Set("vendors", []vendor{{ID: 1}}, time.Minute)
	fetcher := &countingFetcher[[]vendor]{}

	// Act
	r, err := resource.Bind[[]vendor](context.Background(), h.binder, "vendors", fetcher.Fetch, resource.Config[[]vendor]{StoreType: "api"})
	require.NoError(t, err)
	t.Cleanup(r.Close)

	// Assert: no waiting needed
	state := r.State()
	assert.True(t, state.HasData)
	assert.Equal(t, []vendor{{ID: 1}}, state.Data)
	assert.False(t, state.IsLoading)
	assert.Equal(t, resource.PhaseFresh, r.Phase())
	assert.Equal(t, int32(0), fetcher.calls.Load())
	assert.Equal(t, h.clock.Now(), state.LastUpdated)
}

func TestBind_InitialLoad(t *testing.T) {
	// Arrange
	h := newHarness(t)
	fetcher := &controlledFetcher[string]{}
	var successes []string
	var mu sync.Mutex
	cfg := resource.Config[string]{
		StoreType: "user",
		OnSuccess: func(v string) {
			mu.Lock()
			successes = append(successes, v)
			mu.Unlock()
		},
	}

	// Act
	r, err := resource.Bind(context.Background(), h.binder, "profile", fetcher.Fetch, cfg)
	require.NoError(t, err)
	t.Cleanup(r.Close)

	// Assert: loading while the first fetch is out
	state := r.State()
	assert.True(t, state.IsLoading)
	assert.False(t, state.IsValidating)
	assert.Equal(t, resource.PhaseLoading, r.Phase())

	// Act
	fetcher.Resolve(t, 0, "alice", nil)
	wait(t, r.Ready())

	// Assert
	state = r.State()
	assert.False(t, state.IsLoading)
	assert.Equal(t, "alice", state.Data)
	assert.NoError(t, state.Err)
	assert.Equal(t, resource.PhaseFresh, r.Phase())

	cached, ok := h.registry.Store("user").Get("profile")
	require.True(t, ok, "successful fetches write through")
	assert.Equal(t, "alice", cached)

	mu.Lock()
	assert.Equal(t, []string{"alice"}, successes)
	mu.Unlock()
}

func TestMutate_WritesThroughWithoutFetching(t *testing.T) {
	// Arrange
	h := newHarness(t)
	fetcher := &countingFetcher[int]{value: 1}
	r, err := resource.Bind(context.Background(), h.binder, "counter", fetcher.Fetch, resource.Config[int]{})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	wait(t, r.Ready())
	require.Equal(t, int32(1), fetcher.calls.Load())

	// Act
	r.Mutate(5)
	r.MutateFunc(func(prev int, ok bool) int {
		require.True(t, ok)
		return prev * 2
	})

	// Assert
	v, ok := h.registry.Store("global").Get("counter")
	require.True(t, ok)
	assert.Equal(t, 10, v)
	assert.Equal(t, 10, r.State().Data)
	assert.Equal(t, int32(1), fetcher.calls.Load(), "mutate never fetches")
}

func TestFetch_NewerAttemptSupersedesOlder(t *testing.T) {
	// Arrange
	h := newHarness(t)
	fetcher := &controlledFetcher[string]{}
	var errorsSeen atomic.Int32
	r, err := resource.Bind(context.Background(), h.binder, "k", fetcher.Fetch, resource.Config[string]{
		OnError: func(error) { errorsSeen.Add(1) },
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)

	// Act: start B while A is in flight, resolve B first, then A
	attemptB := r.Revalidate()
	fetcher.Resolve(t, 1, "B", nil)
	wait(t, attemptB)
	fetcher.Resolve(t, 0, "A", errors.New("late failure"))
	wait(t, r.Ready())

	// Assert
	state := r.State()
	assert.Equal(t, "B", state.Data)
	assert.NoError(t, state.Err)
	assert.Equal(t, int32(0), errorsSeen.Load(), "superseded results are silent")
	v, _ := h.registry.Store("global").GetStale("k")
	assert.Equal(t, "B", v)
}

func TestRevalidate_FailureKeepsData(t *testing.T) {
	// Arrange
	h := newHarness(t)
	h.registry.Store("global").Set("k", "cached", time.Minute)
	fetchErr := errors.New("backend unavailable")
	fetcher := &countingFetcher[string]{err: fetchErr}
	var reported error
	var mu sync.Mutex
	r, err := resource.Bind(context.Background(), h.binder, "k", fetcher.Fetch, resource.Config[string]{
		OnError: func(err error) {
			mu.Lock()
			reported = err
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)

	// Act
	wait(t, r.Revalidate())

	// Assert
	state := r.State()
	assert.True(t, state.HasData)
	assert.Equal(t, "cached", state.Data)
	assert.ErrorIs(t, state.Err, fetchErr)
	assert.False(t, state.IsValidating)
	assert.Equal(t, resource.PhaseError, r.Phase())
	mu.Lock()
	assert.ErrorIs(t, reported, fetchErr)
	mu.Unlock()
}

func TestBind_FailureWithoutFallback(t *testing.T) {
	// Arrange
	h := newHarness(t)
	fetchErr := errors.New("network error")
	fetcher := &countingFetcher[string]{err: fetchErr}

	// Act
	r, err := resource.Bind(context.Background(), h.binder, "missing", fetcher.Fetch, resource.Config[string]{})
	require.NoError(t, err, "fetch failures never surface from Bind")
	t.Cleanup(r.Close)
	wait(t, r.Ready())

	// Assert
	state := r.State()
	assert.False(t, state.HasData)
	assert.Empty(t, state.Data)
	assert.ErrorIs(t, state.Err, fetchErr)
	assert.False(t, state.IsLoading)
}

func TestBind_StaleFallbackCanBeDisabled(t *testing.T) {
	h := newHarness(t)
	h.registry.Store("global").Set("k", "old", time.Second)
	h.clock.Advance(2 * time.Second)
	fetcher := &countingFetcher[string]{err: errors.New("down")}

	r, err := resource.Bind(context.Background(), h.binder, "k", fetcher.Fetch, resource.Config[string]{DisableStaleFallback: true})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	wait(t, r.Ready())

	state := r.State()
	assert.False(t, state.HasData)
	assert.Error(t, state.Err)
}

func TestClose_DiscardsInFlightResult(t *testing.T) {
	// Arrange
	h := newHarness(t)
	fetcher := &controlledFetcher[string]{}
	var callbacks atomic.Int32
	r, err := resource.Bind(context.Background(), h.binder, "k", fetcher.Fetch, resource.Config[string]{
		OnSuccess: func(string) { callbacks.Add(1) },
		OnError:   func(error) { callbacks.Add(1) },
	})
	require.NoError(t, err)
	var notified atomic.Int32
	r.Subscribe(func(resource.State[string]) { notified.Add(1) })
	before := r.State()

	// Act
	r.Close()
	r.Close()
	fetcher.Resolve(t, 0, "late", nil)
	wait(t, r.Ready())

	// Assert
	assert.Equal(t, before, r.State())
	assert.Equal(t, resource.PhaseClosed, r.Phase())
	assert.Equal(t, int32(0), callbacks.Load())
	assert.Equal(t, int32(0), notified.Load())
	_, ok := h.registry.Store("global").GetStale("k")
	assert.False(t, ok, "discarded results are not written to the store")

	// Operations after Close are no-ops.
	r.Mutate("ignored")
	r.Invalidate()
	wait(t, r.Revalidate())
	assert.Equal(t, before, r.State())
	assert.Equal(t, 1, fetcher.Calls())
}

func TestRevalidate_NeverSetsLoading(t *testing.T) {
	// Arrange
	h := newHarness(t)
	h.registry.Store("global").Set("k", 1, time.Minute)
	fetcher := &controlledFetcher[int]{}
	r, err := resource.Bind(context.Background(), h.binder, "k", fetcher.Fetch, resource.Config[int]{})
	require.NoError(t, err)
	t.Cleanup(r.Close)

	var mu sync.Mutex
	var seen []resource.State[int]
	r.Subscribe(func(s resource.State[int]) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	// Act
	done := r.Revalidate()
	assert.True(t, r.State().IsValidating)
	assert.Equal(t, resource.PhaseValidating, r.Phase())
	fetcher.Resolve(t, 0, 2, nil)
	wait(t, done)

	// Assert
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.True(t, seen[0].IsValidating)
	assert.False(t, seen[1].IsValidating)
	for _, s := range seen {
		assert.False(t, s.IsLoading)
		assert.True(t, s.HasData)
	}
	assert.Equal(t, 2, seen[1].Data)
}

func TestExampleScenario_VendorsFallBackToStale(t *testing.T) {
	// Arrange
	h := newHarness(t)
	api := h.registry.Store("api")
	vendors := []vendor{{ID: 1}}

	// Act & Assert: fresh hit
	api.Set("vendors", vendors, 5*time.Second)
	v, ok := api.Get("vendors")
	require.True(t, ok)
	assert.Equal(t, vendors, v)

	// Act & Assert: expired but still available stale
	h.clock.Advance(6 * time.Second)
	_, ok = api.Get("vendors")
	assert.False(t, ok)
	v, ok = api.GetStale("vendors")
	require.True(t, ok)
	assert.Equal(t, vendors, v)

	// Act: bind with a failing fetcher
	networkErr := errors.New("NetworkError")
	fetcher := &countingFetcher[[]vendor]{err: networkErr}
	r, err := resource.Bind(context.Background(), h.binder, "vendors", fetcher.Fetch, resource.Config[[]vendor]{StoreType: "api", TTL: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	wait(t, r.Ready())

	// Assert
	state := r.State()
	assert.Equal(t, vendors, state.Data)
	assert.ErrorIs(t, state.Err, networkErr)
	assert.False(t, state.IsLoading)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestInvalidate(t *testing.T) {
	h := newHarness(t)
	fetcher := &countingFetcher[string]{value: "v"}
	r, err := resource.Bind(context.Background(), h.binder, "k", fetcher.Fetch, resource.Config[string]{})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	wait(t, r.Ready())

	r.Invalidate()

	state := r.State()
	assert.False(t, state.HasData)
	assert.True(t, state.LastUpdated.IsZero())
	assert.Equal(t, resource.PhaseIdle, r.Phase())
	_, ok := h.registry.Store("global").GetStale("k")
	assert.False(t, ok)
	assert.Equal(t, int32(1), fetcher.calls.Load(), "invalidate does not fetch")
}

func TestInvalidate_DuringRevalidationTurnsIntoLoading(t *testing.T) {
	// Arrange
	h := newHarness(t)
	fetcher := &controlledFetcher[string]{}
	r, err := resource.Bind(context.Background(), h.binder, "k", fetcher.Fetch, resource.Config[string]{})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	fetcher.Resolve(t, 0, "v1", nil)
	wait(t, r.Ready())
	done := r.Revalidate()
	require.Equal(t, resource.PhaseValidating, r.Phase())

	// Act
	r.Invalidate()

	// Assert
	state := r.State()
	assert.False(t, state.HasData)
	assert.False(t, state.IsValidating)
	assert.True(t, state.IsLoading)
	assert.Equal(t, resource.PhaseLoading, r.Phase())
	rep := r.Report()
	assert.Equal(t, resource.PhaseLoading, rep.Phase)
	assert.True(t, rep.IsLoading)
	assert.False(t, rep.IsValidating)

	fetcher.Resolve(t, 1, "v2", nil)
	wait(t, done)
	state = r.State()
	assert.Equal(t, "v2", state.Data)
	assert.False(t, state.IsLoading)
	assert.Equal(t, resource.PhaseFresh, r.Phase())
}

func TestTTL(t *testing.T) {
	h := newHarness(t)

	t.Run("zero uses store policy", func(t *testing.T) {
		r, err := resource.Bind(context.Background(), h.binder, "a", (&countingFetcher[int]{value: 1}).Fetch, resource.Config[int]{StoreType: "static"})
		require.NoError(t, err)
		t.Cleanup(r.Close)
		wait(t, r.Ready())

		h.clock.Advance(59 * time.Minute)
		_, ok := h.registry.Store("static").Get("a")
		assert.True(t, ok)
	})

	t.Run("negative stores an expired entry", func(t *testing.T) {
		r, err := resource.Bind(context.Background(), h.binder, "b", (&countingFetcher[int]{value: 2}).Fetch, resource.Config[int]{TTL: -time.Second})
		require.NoError(t, err)
		t.Cleanup(r.Close)
		wait(t, r.Ready())

		_, ok := h.registry.Store("global").Get("b")
		assert.False(t, ok)
		v, ok := h.registry.Store("global").GetStale("b")
		require.True(t, ok)
		assert.Equal(t, 2, v)
	})

	t.Run("aliases resolve to global", func(t *testing.T) {
		r, err := resource.Bind(context.Background(), h.binder, "c", (&countingFetcher[int]{value: 3}).Fetch, resource.Config[int]{StoreType: "fornecedores"})
		require.NoError(t, err)
		t.Cleanup(r.Close)
		assert.Equal(t, cache.StoreGlobal, r.StoreType())
	})
}

func TestEventDrivenRevalidation(t *testing.T) {
	testCases := []struct {
		name      string
		cfg       resource.Config[string]
		event     revalidate.Event
		wantFetch bool
	}{
		{"focus enabled", resource.Config[string]{RevalidateOnFocus: true}, revalidate.Event{Kind: revalidate.EventFocus}, true},
		{"focus disabled", resource.Config[string]{}, revalidate.Event{Kind: revalidate.EventFocus}, false},
		{"reconnect enabled", resource.Config[string]{RevalidateOnReconnect: true}, revalidate.Event{Kind: revalidate.EventReconnect}, true},
		{"reconnect disabled", resource.Config[string]{RevalidateOnFocus: true}, revalidate.Event{Kind: revalidate.EventReconnect}, false},
		{"invalidate key", resource.Config[string]{}, revalidate.Event{Kind: revalidate.EventInvalidate, Store: "contas", Key: "k"}, true},
		{"invalidate store", resource.Config[string]{}, revalidate.Event{Kind: revalidate.EventInvalidate, Store: "global"}, true},
		{"invalidate other key", resource.Config[string]{}, revalidate.Event{Kind: revalidate.EventInvalidate, Store: "global", Key: "other"}, false},
		{"invalidate other store", resource.Config[string]{}, revalidate.Event{Kind: revalidate.EventInvalidate, Store: "api", Key: "k"}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			h := newHarness(t)
			fetcher := &countingFetcher[string]{value: "v"}
			r, err := resource.Bind(context.Background(), h.binder, "k", fetcher.Fetch, tc.cfg)
			require.NoError(t, err)
			t.Cleanup(r.Close)
			wait(t, r.Ready())

			// Act
			h.bus.Publish(tc.event)

			// Assert
			if tc.wantFetch {
				require.Eventually(t, func() bool { return fetcher.calls.Load() == 2 }, time.Second, time.Millisecond)
			} else {
				assert.Never(t, func() bool { return fetcher.calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
			}
		})
	}
}

func TestClose_ReleasesSubscriptionsAndTicker(t *testing.T) {
	// Arrange
	h := newHarness(t)
	fetcher := &countingFetcher[string]{value: "v"}
	r, err := resource.Bind(context.Background(), h.binder, "k", fetcher.Fetch, resource.Config[string]{
		RevalidateOnFocus:     true,
		RevalidateOnReconnect: true,
		RefreshInterval:       5 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fetcher.calls.Load() >= 3 }, time.Second, time.Millisecond, "interval refreshes")

	// Act
	r.Close()
	time.Sleep(20 * time.Millisecond)
	calls := fetcher.calls.Load()

	// Assert
	assert.Equal(t, 0, h.bus.Subscribers(revalidate.EventFocus))
	assert.Equal(t, 0, h.bus.Subscribers(revalidate.EventReconnect))
	assert.Equal(t, 0, h.bus.Subscribers(revalidate.EventInvalidate))
	h.bus.Publish(revalidate.Event{Kind: revalidate.EventFocus})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, fetcher.calls.Load())
}

func TestBind_ContextCancelCloses(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	r, err := resource.Bind(ctx, h.binder, "k", (&countingFetcher[string]{value: "v"}).Fetch, resource.Config[string]{Name: "probe"})
	require.NoError(t, err)
	wait(t, r.Ready())

	_, ok := h.binder.Lookup("probe")
	require.True(t, ok)

	cancel()

	require.Eventually(t, func() bool { return r.Phase() == resource.PhaseClosed }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := h.binder.Lookup("probe")
		return !ok
	}, time.Second, time.Millisecond)
}

func TestReport(t *testing.T) {
	h := newHarness(t)
	r, err := resource.Bind(context.Background(), h.binder, "vendors", (&countingFetcher[[]vendor]{value: []vendor{{ID: 7}}}).Fetch, resource.Config[[]vendor]{
		Name:      "vendors",
		StoreType: "fornecedores",
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	wait(t, r.Ready())

	reporter, ok := h.binder.Lookup("vendors")
	require.True(t, ok)
	rep := reporter.Report()

	assert.Equal(t, "vendors", rep.Name)
	assert.Equal(t, cache.StoreGlobal, rep.Store)
	assert.Equal(t, resource.PhaseFresh, rep.Phase)
	assert.True(t, rep.HasData)
	assert.Equal(t, []vendor{{ID: 7}}, rep.Data)
	assert.Empty(t, rep.Error)
	assert.Equal(t, 1, rep.Metrics.Size)
	assert.Equal(t, []string{"vendors"}, h.binder.Names())
}

func TestBind_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := resource.Bind[string](context.Background(), nil, "k", func(context.Context) (string, error) { return "", nil }, resource.Config[string]{})
	assert.Error(t, err)

	_, err = resource.Bind[string](context.Background(), h.binder, "k", nil, resource.Config[string]{})
	assert.Error(t, err)

	_, err = resource.NewBinder(nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestBind_RestoredSnapshotValuesDecode(t *testing.T) {
	h := newHarness(t)
	h.registry.Store("global").Restore([]cache.Entry{{
		Key:       "vendors",
		Value:     cache.RawValue(`[{"id":3}]`),
		ExpiresAt: h.clock.Now().Add(time.Minute),
		StoredAt:  h.clock.Now(),
	}})
	fetcher := &countingFetcher[[]vendor]{}

	r, err := resource.Bind(context.Background(), h.binder, "vendors", fetcher.Fetch, resource.Config[[]vendor]{})
	require.NoError(t, err)
	t.Cleanup(r.Close)

	assert.Equal(t, []vendor{{ID: 3}}, r.State().Data)
	assert.Equal(t, int32(0), fetcher.calls.Load())
}
