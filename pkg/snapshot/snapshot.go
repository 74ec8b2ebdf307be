// Package snapshot persists the registry's stores to Cloud Storage so a restarted instance can
// serve stale data while its first fetches run.
package snapshot

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/illmade-knight/go-swrcache/pkg/cache"
	"github.com/rs/zerolog"
)

// ErrSnapshotNotFound is returned when a store has no snapshot object yet.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Config holds where snapshots go.
type Config struct {
	BucketName   string
	ObjectPrefix string
}

// Snapshotter writes one gzip JSON-lines object per named store.
type Snapshotter struct {
	client   GCSClient
	cfg      Config
	registry *cache.Registry
	logger   zerolog.Logger

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSnapshotter creates a Snapshotter.
func NewSnapshotter(cfg *Config, client GCSClient, registry *cache.Registry, logger zerolog.Logger) (*Snapshotter, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if cfg == nil || cfg.BucketName == "" {
		return nil, errors.New("bucket name is required")
	}
	return &Snapshotter{
		client:   client,
		cfg:      *cfg,
		registry: registry,
		logger:   logger.With().Str("component", "Snapshotter").Str("bucket", cfg.BucketName).Logger(),
	}, nil
}

// ObjectName returns the object holding store's snapshot.
func (s *Snapshotter) ObjectName(store cache.StoreType) string {
	return path.Join(s.cfg.ObjectPrefix, fmt.Sprintf("%s.jsonl.gz", store))
}

// Save writes every named store. It keeps going after a failed store and returns the
// combined error.
func (s *Snapshotter) Save(ctx context.Context) error {
	var errs []error
	for _, name := range s.registry.Names() {
		n, err := s.saveStore(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug().Str("store", string(name)).Int("entries", n).Msg("Saved store snapshot.")
	}
	return errors.Join(errs...)
}

func (s *Snapshotter) saveStore(ctx context.Context, name cache.StoreType) (int, error) {
	objectName := s.ObjectName(name)
	entries := s.registry.Store(string(name)).Entries()

	w := s.client.Bucket(s.cfg.BucketName).Object(objectName).NewWriter(ctx)
	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)

	written := 0
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			s.logger.Warn().Err(err).Str("store", string(name)).Str("key", e.Key).Msg("Skipping entry that cannot be encoded.")
			continue
		}
		written++
	}

	gzErr := gz.Close()
	closeErr := w.Close()
	if gzErr != nil {
		return 0, fmt.Errorf("failed to compress snapshot %s: %w", objectName, gzErr)
	}
	if closeErr != nil {
		return 0, fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}
	return written, nil
}

// restoredEntry keeps the value encoded until a binding reads it with its own type.
type restoredEntry struct {
	Key       string         `json:"key"`
	Value     cache.RawValue `json:"value"`
	ExpiresAt time.Time      `json:"expiresAt"`
	StoredAt  time.Time      `json:"storedAt"`
}

// Restore loads every store that has a snapshot and returns how many entries were loaded.
// Stores without a snapshot are skipped.
func (s *Snapshotter) Restore(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, name := range s.registry.Names() {
		n, err := s.restoreStore(ctx, name)
		if errors.Is(err, ErrSnapshotNotFound) {
			s.logger.Info().Str("store", string(name)).Msg("No snapshot to restore.")
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}
	s.logger.Info().Int("entries", total).Msg("Restored snapshots.")
	return total, errors.Join(errs...)
}

func (s *Snapshotter) restoreStore(ctx context.Context, name cache.StoreType) (int, error) {
	objectName := s.ObjectName(name)
	r, err := s.client.Bucket(s.cfg.BucketName).Object(objectName).NewReader(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to open snapshot %s: %w", objectName, err)
	}
	defer func() { _ = r.Close() }()

	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("failed to decompress snapshot %s: %w", objectName, err)
	}
	defer func() { _ = gz.Close() }()

	var entries []cache.Entry
	dec := json.NewDecoder(gz)
	for {
		var rec restoredEntry
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to decode snapshot %s: %w", objectName, err)
		}
		entries = append(entries, cache.Entry{
			Key:       rec.Key,
			Value:     rec.Value,
			ExpiresAt: rec.ExpiresAt,
			StoredAt:  rec.StoredAt,
		})
	}
	s.registry.Store(string(name)).Restore(entries)
	return len(entries), nil
}

// Start saves every interval until ctx is cancelled or Stop is called.
func (s *Snapshotter) Start(ctx context.Context, interval time.Duration) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := s.Save(loopCtx); err != nil {
					s.logger.Error().Err(err).Msg("Periodic snapshot failed.")
				}
			}
		}
	}()
}

// Stop ends the periodic saver and writes a final snapshot.
func (s *Snapshotter) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		err = s.Save(ctx)
	})
	return err
}
