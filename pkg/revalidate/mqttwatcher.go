package revalidate

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTWatcherConfig holds the broker connection settings of an MQTTWatcher.
type MQTTWatcherConfig struct {
	// BrokerURL is the full URL of the broker, e.g. "tls://mqtt.example.com:8883".
	BrokerURL string
	// FocusTopic, when set, is subscribed to; clients publish {"kind":"focus"} there when a
	// window regains focus.
	FocusTopic       string
	ClientIDPrefix   string
	Username         string
	Password         string
	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	ReconnectWaitMax time.Duration
	// CACertFile is an optional CA bundle used to verify the broker.
	CACertFile         string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
}

// Env constants for MQTT settings.
const (
	MqttSkipVerify            = "MQTT_INSECURE_SKIP_VERIFY"
	MqttKeepAliveSeconds      = "MQTT_KEEP_ALIVE_SECONDS"
	MqttConnectTimeoutSeconds = "MQTT_CONNECT_TIMEOUT_SECONDS"
)

// LoadMQTTWatcherConfigFromEnv returns defaults overridden by MQTT_* environment variables.
// BrokerURL and FocusTopic must be set by the caller.
func LoadMQTTWatcherConfigFromEnv() *MQTTWatcherConfig {
	cfg := &MQTTWatcherConfig{
		KeepAlive:        60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		ReconnectWaitMax: 2 * time.Minute,
		ClientIDPrefix:   "swrcache-",
	}
	if os.Getenv(MqttSkipVerify) == "true" {
		cfg.InsecureSkipVerify = true
	}
	if ka := os.Getenv(MqttKeepAliveSeconds); ka != "" {
		if d, err := time.ParseDuration(ka + "s"); err == nil {
			cfg.KeepAlive = d
		}
	}
	if ct := os.Getenv(MqttConnectTimeoutSeconds); ct != "" {
		if d, err := time.ParseDuration(ct + "s"); err == nil {
			cfg.ConnectTimeout = d
		}
	}
	return cfg
}

// MQTTWatcher keeps an auto-reconnecting broker connection and turns it into revalidation
// events: every connect after the first publishes EventReconnect, and focus notices received
// on FocusTopic publish EventFocus.
type MQTTWatcher struct {
	cfg    *MQTTWatcherConfig
	bus    *Bus
	logger zerolog.Logger

	client    mqtt.Client
	connected atomic.Int32
	stopOnce  sync.Once
}

// NewMQTTWatcher creates a watcher. It does not connect until Start is called.
func NewMQTTWatcher(cfg *MQTTWatcherConfig, bus *Bus, logger zerolog.Logger) (*MQTTWatcher, error) {
	if cfg == nil || cfg.BrokerURL == "" {
		return nil, errors.New("MQTT broker URL is required")
	}
	if bus == nil {
		return nil, errors.New("bus cannot be nil")
	}
	return &MQTTWatcher{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With().Str("component", "MQTTWatcher").Logger(),
	}, nil
}

// Start connects to the broker. A failed first attempt is logged; paho keeps retrying.
func (w *MQTTWatcher) Start(ctx context.Context) error {
	w.client = mqtt.NewClient(w.clientOptions())

	w.logger.Info().Str("broker", w.cfg.BrokerURL).Msg("Connecting to MQTT broker...")
	token := w.client.Connect()
	if token.WaitTimeout(w.cfg.ConnectTimeout) && token.Error() != nil {
		w.logger.Error().Err(token.Error()).Msg("Initial MQTT connection failed, paho will keep retrying.")
	}

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

// Stop disconnects from the broker.
func (w *MQTTWatcher) Stop() {
	w.stopOnce.Do(func() {
		if w.client != nil && w.client.IsConnected() {
			w.client.Disconnect(500)
		}
		w.logger.Info().Msg("MQTT watcher stopped.")
	})
}

// Connects returns how many times the broker connection was established.
func (w *MQTTWatcher) Connects() int {
	return int(w.connected.Load())
}

// ConnectHandler is the paho on-connect callback.
func (w *MQTTWatcher) ConnectHandler() mqtt.OnConnectHandler {
	return func(client mqtt.Client) {
		n := w.connected.Add(1)
		w.logger.Info().Int32("connects", n).Msg("Connected to MQTT broker.")
		if client != nil && w.cfg.FocusTopic != "" {
			token := client.Subscribe(w.cfg.FocusTopic, 1, w.FocusHandler())
			go func() {
				if token.WaitTimeout(5*time.Second) && token.Error() != nil {
					w.logger.Error().Err(token.Error()).Str("topic", w.cfg.FocusTopic).Msg("Failed to subscribe to focus topic.")
				}
			}()
		}
		if n > 1 {
			w.bus.Publish(Event{Kind: EventReconnect})
		}
	}
}

// ConnectionLostHandler is the paho connection-lost callback.
func (w *MQTTWatcher) ConnectionLostHandler() mqtt.ConnectionLostHandler {
	return func(_ mqtt.Client, err error) {
		w.logger.Warn().Err(err).Msg("Lost MQTT connection, waiting for reconnect.")
	}
}

// FocusHandler converts focus notices into bus events. Other kinds are ignored.
func (w *MQTTWatcher) FocusHandler() mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		var ev Event
		if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
			w.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Dropping malformed focus notice.")
			return
		}
		if ev.Kind != EventFocus {
			w.logger.Debug().Str("kind", string(ev.Kind)).Msg("Ignoring non-focus notice.")
			return
		}
		w.bus.Publish(Event{Kind: EventFocus})
	}
}

func (w *MQTTWatcher) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(w.cfg.BrokerURL)
	opts.SetClientID(fmt.Sprintf("%s%d", w.cfg.ClientIDPrefix, time.Now().UnixNano()%1000000))
	opts.SetUsername(w.cfg.Username)
	opts.SetPassword(w.cfg.Password)
	opts.SetKeepAlive(w.cfg.KeepAlive)
	opts.SetConnectTimeout(w.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(w.cfg.ReconnectWaitMax)
	opts.SetOnConnectHandler(w.ConnectHandler())
	opts.SetConnectionLostHandler(w.ConnectionLostHandler())

	if strings.HasPrefix(strings.ToLower(w.cfg.BrokerURL), "tls://") {
		tlsConfig, err := newTLSConfig(w.cfg)
		if err != nil {
			w.logger.Error().Err(err).Msg("Failed to create TLS config, proceeding without it.")
		} else {
			opts.SetTLSConfig(tlsConfig)
		}
	}
	return opts
}

func newTLSConfig(cfg *MQTTWatcherConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
