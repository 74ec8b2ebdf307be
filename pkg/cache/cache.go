// Package cache provides the in-process keyed stores behind the stale-while-revalidate layer.
// Stores never perform I/O; fetching is the job of the resource bindings and sources.
package cache

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by sources when the requested key has no value.
var ErrNotFound = errors.New("key not found")

// Fetcher retrieves a fresh value from whatever backend is authoritative for one resource.
type Fetcher[V any] func(ctx context.Context) (V, error)

// KeyedFetcher is a Fetcher that still needs its key.
type KeyedFetcher[K any, V any] func(ctx context.Context, key K) (V, error)

// Bind fixes the key of a KeyedFetcher.
func (f KeyedFetcher[K, V]) Bind(key K) Fetcher[V] {
	return func(ctx context.Context) (V, error) {
		return f(ctx, key)
	}
}

// RawValue is an encoded value that has not yet been decoded into its binding's type.
// Snapshot restores produce RawValues; Lookup decodes them on first typed read.
type RawValue []byte

// MarshalJSON emits the raw bytes unchanged.
func (r RawValue) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON keeps a copy of the raw bytes.
func (r *RawValue) UnmarshalJSON(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}

// asType converts a stored value into V. RawValues are decoded; anything else must already be a V.
// The second result reports whether the value was decoded (and should replace the stored one).
func asType[V any](value any) (V, bool, bool) {
	var zero V
	if v, ok := value.(V); ok {
		return v, false, true
	}
	raw, ok := value.(RawValue)
	if !ok {
		return zero, false, false
	}
	var decoded V
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return zero, false, false
	}
	return decoded, true, true
}
