package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-swrcache/pkg/cache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNoFallback is returned on a redis miss when no fallback fetcher is configured.
var ErrNoFallback = fmt.Errorf("no fallback configured: %w", cache.ErrNotFound)

// RedisConfig holds the connection and write-back settings of a RedisSource.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces keys, e.g. "swrcache:fornecedores:".
	KeyPrefix    string
	TTL          time.Duration
	WriteTimeout time.Duration
}

// RedisClient is the part of a go-redis client a RedisSource needs.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// NewRedisClient connects to redis and pings it before returning.
func NewRedisClient(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")
	return rdb, nil
}

// RedisSource is a shared second-level cache in front of a fallback fetcher. Instances of the
// service share it, so one instance's fetch warms the others.
type RedisSource[V any] struct {
	client       RedisClient
	prefix       string
	ttl          time.Duration
	writeTimeout time.Duration
	fallback     cache.KeyedFetcher[string, V]
	logger       zerolog.Logger
	writes       sync.WaitGroup
}

// NewRedisSource creates a RedisSource. fallback may be nil.
func NewRedisSource[V any](cfg *RedisConfig, client RedisClient, fallback cache.KeyedFetcher[string, V], logger zerolog.Logger) (*RedisSource[V], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("redis config cannot be nil")
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &RedisSource[V]{
		client:       client,
		prefix:       cfg.KeyPrefix,
		ttl:          cfg.TTL,
		writeTimeout: writeTimeout,
		fallback:     fallback,
		logger:       logger.With().Str("component", "RedisSource").Logger(),
	}, nil
}

// Fetch reads key from redis. On a miss, or when redis fails, it calls the fallback and writes the
// result back in the background.
func (s *RedisSource[V]) Fetch(ctx context.Context, key string) (V, error) {
	var zero V
	value, err := s.read(ctx, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Str("key", key).Msg("Redis read failed, using fallback.")
	}

	if s.fallback == nil {
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("key '%s': %w", key, ErrNoFallback)
		}
		return zero, err
	}

	value, err = s.fallback(ctx, key)
	if err != nil {
		return zero, fmt.Errorf("error fetching from source: %w", err)
	}

	s.writes.Add(1)
	go func(v V) {
		defer s.writes.Done()
		writeCtx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		defer cancel()
		if writeErr := s.Write(writeCtx, key, v); writeErr != nil {
			s.logger.Error().Err(writeErr).Str("key", key).Msg("Failed to write to cache in background.")
		}
	}(value)

	return value, nil
}

// Write stores value as JSON under key with the configured TTL.
func (s *RedisSource[V]) Write(ctx context.Context, key string, value V) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	s.logger.Debug().Str("key", key).Msg("Stored data in Redis.")
	return nil
}

// Delete removes key.
func (s *RedisSource[V]) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// Bind returns a fetcher for one key.
func (s *RedisSource[V]) Bind(key string) cache.Fetcher[V] {
	return cache.KeyedFetcher[string, V](s.Fetch).Bind(key)
}

// Wait blocks until background write-backs have finished.
func (s *RedisSource[V]) Wait() {
	s.writes.Wait()
}

func (s *RedisSource[V]) read(ctx context.Context, key string) (V, error) {
	var zero V
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		return zero, err
	}
	var value V
	if err := json.Unmarshal(data, &value); err != nil {
		return zero, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	s.logger.Debug().Str("key", key).Msg("Redis cache hit.")
	return value, nil
}
