package revalidate_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-swrcache/pkg/revalidate"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	// Arrange
	bus := revalidate.NewBus(zerolog.Nop())
	var focus, reconnect atomic.Int32
	unsubFocus := bus.Subscribe(revalidate.EventFocus, func(ev revalidate.Event) {
		assert.False(t, ev.At.IsZero(), "publish stamps the event time")
		focus.Add(1)
	})
	bus.Subscribe(revalidate.EventReconnect, func(revalidate.Event) { reconnect.Add(1) })

	// Act
	n := bus.Publish(revalidate.Event{Kind: revalidate.EventFocus})

	// Assert
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), focus.Load())
	assert.Equal(t, int32(0), reconnect.Load(), "handlers only see their own kind")

	// Act: unsubscribe twice, then publish again
	unsubFocus()
	unsubFocus()
	n = bus.Publish(revalidate.Event{Kind: revalidate.EventFocus})

	// Assert
	assert.Equal(t, 0, n)
	assert.Equal(t, int32(1), focus.Load())
	assert.Equal(t, 0, bus.Subscribers(revalidate.EventFocus))
	assert.Equal(t, 1, bus.Subscribers(revalidate.EventReconnect))
}

// fakePinger returns the configured error for every ping.
type fakePinger struct {
	err atomic.Value
}

func (p *fakePinger) set(err error) { p.err.Store(&err) }

func (p *fakePinger) Ping(_ context.Context) *redis.StatusCmd {
	var err error
	if v, ok := p.err.Load().(*error); ok {
		err = *v
	}
	return redis.NewStatusResult("PONG", err)
}

func TestRedisMonitor_PublishesReconnectAfterOutage(t *testing.T) {
	// Arrange
	ctx := context.Background()
	bus := revalidate.NewBus(zerolog.Nop())
	var reconnects atomic.Int32
	bus.Subscribe(revalidate.EventReconnect, func(revalidate.Event) { reconnects.Add(1) })

	pinger := &fakePinger{}
	monitor, err := revalidate.NewRedisMonitor(revalidate.RedisMonitorConfig{}, pinger, bus, zerolog.Nop())
	require.NoError(t, err)

	// Act & Assert: healthy probes publish nothing
	require.NoError(t, monitor.Check(ctx))
	assert.True(t, monitor.Online())
	assert.Equal(t, int32(0), reconnects.Load())

	// Act & Assert: outage
	pinger.set(errors.New("connection refused"))
	require.Error(t, monitor.Check(ctx))
	require.Error(t, monitor.Check(ctx))
	assert.False(t, monitor.Online())
	assert.Equal(t, int32(0), reconnects.Load())

	// Act & Assert: recovery publishes exactly once
	pinger.set(nil)
	require.NoError(t, monitor.Check(ctx))
	require.NoError(t, monitor.Check(ctx))
	assert.True(t, monitor.Online())
	assert.Equal(t, int32(1), reconnects.Load())
}

func TestRedisMonitor_Loop(t *testing.T) {
	bus := revalidate.NewBus(zerolog.Nop())
	var reconnects atomic.Int32
	bus.Subscribe(revalidate.EventReconnect, func(revalidate.Event) { reconnects.Add(1) })

	pinger := &fakePinger{}
	pinger.set(errors.New("down"))
	monitor, err := revalidate.NewRedisMonitor(revalidate.RedisMonitorConfig{Interval: 5 * time.Millisecond}, pinger, bus, zerolog.Nop())
	require.NoError(t, err)

	monitor.Start(context.Background())
	t.Cleanup(monitor.Stop)

	require.Eventually(t, func() bool { return !monitor.Online() }, time.Second, 5*time.Millisecond)
	pinger.set(nil)
	require.Eventually(t, func() bool { return reconnects.Load() == 1 }, time.Second, 5*time.Millisecond)

	monitor.Stop()
	monitor.Stop()
}

func TestNewRedisMonitor_Validation(t *testing.T) {
	_, err := revalidate.NewRedisMonitor(revalidate.RedisMonitorConfig{}, nil, revalidate.NewBus(zerolog.Nop()), zerolog.Nop())
	assert.Error(t, err)
	_, err = revalidate.NewRedisMonitor(revalidate.RedisMonitorConfig{}, &fakePinger{}, nil, zerolog.Nop())
	assert.Error(t, err)
}

// fakeMessage is a minimal mqtt.Message.
type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

func TestMQTTWatcher_Handlers(t *testing.T) {
	// Arrange
	bus := revalidate.NewBus(zerolog.Nop())
	var focus, reconnect atomic.Int32
	bus.Subscribe(revalidate.EventFocus, func(revalidate.Event) { focus.Add(1) })
	bus.Subscribe(revalidate.EventReconnect, func(revalidate.Event) { reconnect.Add(1) })

	watcher, err := revalidate.NewMQTTWatcher(&revalidate.MQTTWatcherConfig{BrokerURL: "tcp://localhost:1883"}, bus, zerolog.Nop())
	require.NoError(t, err)

	t.Run("first connect is not a reconnect", func(t *testing.T) {
		watcher.ConnectHandler()(nil)
		assert.Equal(t, 1, watcher.Connects())
		assert.Equal(t, int32(0), reconnect.Load())
	})

	t.Run("later connects publish reconnect", func(t *testing.T) {
		watcher.ConnectionLostHandler()(nil, errors.New("broker restarted"))
		watcher.ConnectHandler()(nil)
		assert.Equal(t, int32(1), reconnect.Load())
	})

	t.Run("focus notices publish focus", func(t *testing.T) {
		handler := watcher.FocusHandler()
		handler(nil, fakeMessage{topic: "app/focus", payload: []byte(`{"kind":"focus"}`)})
		handler(nil, fakeMessage{topic: "app/focus", payload: []byte(`{"kind":"reconnect"}`)})
		handler(nil, fakeMessage{topic: "app/focus", payload: []byte(`not json`)})
		assert.Equal(t, int32(1), focus.Load())
		assert.Equal(t, int32(1), reconnect.Load())
	})
}

func TestNewMQTTWatcher_Validation(t *testing.T) {
	_, err := revalidate.NewMQTTWatcher(&revalidate.MQTTWatcherConfig{}, revalidate.NewBus(zerolog.Nop()), zerolog.Nop())
	assert.Error(t, err)
	_, err = revalidate.NewMQTTWatcher(&revalidate.MQTTWatcherConfig{BrokerURL: "tcp://x:1883"}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestLoadMQTTWatcherConfigFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := revalidate.LoadMQTTWatcherConfigFromEnv()
		assert.Equal(t, 60*time.Second, cfg.KeepAlive)
		assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
		assert.False(t, cfg.InsecureSkipVerify)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv(revalidate.MqttKeepAliveSeconds, "30")
		t.Setenv(revalidate.MqttConnectTimeoutSeconds, "bogus")
		t.Setenv(revalidate.MqttSkipVerify, "true")

		cfg := revalidate.LoadMQTTWatcherConfigFromEnv()
		assert.Equal(t, 30*time.Second, cfg.KeepAlive)
		assert.Equal(t, 10*time.Second, cfg.ConnectTimeout, "invalid values keep the default")
		assert.True(t, cfg.InsecureSkipVerify)
	})
}
