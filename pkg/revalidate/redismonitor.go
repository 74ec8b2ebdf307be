package revalidate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Pinger is the part of a redis client the monitor needs.
type Pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisMonitorConfig holds the probe settings.
type RedisMonitorConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// RedisMonitor probes redis and publishes EventReconnect whenever it comes back after an outage.
type RedisMonitor struct {
	cfg    RedisMonitorConfig
	pinger Pinger
	bus    *Bus
	logger zerolog.Logger

	online   atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewRedisMonitor creates a monitor. It assumes redis is online until a probe says otherwise.
func NewRedisMonitor(cfg RedisMonitorConfig, pinger Pinger, bus *Bus, logger zerolog.Logger) (*RedisMonitor, error) {
	if pinger == nil {
		return nil, errors.New("redis pinger cannot be nil")
	}
	if bus == nil {
		return nil, errors.New("bus cannot be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	m := &RedisMonitor{
		cfg:    cfg,
		pinger: pinger,
		bus:    bus,
		logger: logger.With().Str("component", "RedisMonitor").Logger(),
	}
	m.online.Store(true)
	return m, nil
}

// Online reports the result of the last probe.
func (m *RedisMonitor) Online() bool {
	return m.online.Load()
}

// Check runs one probe. It returns the probe error, if any, after updating the online state.
func (m *RedisMonitor) Check(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	err := m.pinger.Ping(pingCtx).Err()
	if err != nil {
		if m.online.Swap(false) {
			m.logger.Warn().Err(err).Msg("Redis went offline.")
		}
		return fmt.Errorf("redis ping: %w", err)
	}

	if !m.online.Swap(true) {
		m.logger.Info().Msg("Redis is reachable again, publishing reconnect.")
		m.bus.Publish(Event{Kind: EventReconnect})
	}
	return nil
}

// Start launches the probe loop. It stops when ctx is cancelled or Stop is called.
func (m *RedisMonitor) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		m.logger.Info().Dur("interval", m.cfg.Interval).Msg("Redis monitor started.")
		for {
			select {
			case <-loopCtx.Done():
				m.logger.Info().Msg("Redis monitor stopped.")
				return
			case <-ticker.C:
				_ = m.Check(loopCtx)
			}
		}
	}()
}

// Stop ends the probe loop and waits for it to exit.
func (m *RedisMonitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
	})
}
