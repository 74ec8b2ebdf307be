package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-swrcache/pkg/cache"
	"github.com/illmade-knight/go-swrcache/pkg/revalidate"
	"github.com/rs/zerolog"
)

// ListenerConfig holds the subscription settings of a Listener.
type ListenerConfig struct {
	SubscriptionID         string
	MaxOutstandingMessages int
	NumGoroutines          int
}

// LoadDefaultListenerConfig returns receive defaults for subID.
func LoadDefaultListenerConfig(subID string) *ListenerConfig {
	return &ListenerConfig{
		SubscriptionID:         subID,
		MaxOutstandingMessages: 100,
		NumGoroutines:          2,
	}
}

// Listener applies notices published by other instances to the local registry and tells bound
// resources to revalidate.
type Listener struct {
	subscription *pubsub.Subscription
	registry     *cache.Registry
	bus          *revalidate.Bus
	origin       string
	logger       zerolog.Logger

	applied  atomic.Uint64
	stopOnce sync.Once
	cancel   context.CancelFunc
	doneChan chan struct{}
}

// NewListener verifies that the subscription exists. Notices carrying origin are ignored.
func NewListener(ctx context.Context, cfg *ListenerConfig, client *pubsub.Client, registry *cache.Registry, bus *revalidate.Bus, origin string, logger zerolog.Logger) (*Listener, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	sub := client.Subscription(cfg.SubscriptionID)

	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("subscription %s does not exist", cfg.SubscriptionID)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines

	return &Listener{
		subscription: sub,
		registry:     registry,
		bus:          bus,
		origin:       origin,
		logger:       logger.With().Str("component", "InvalidationListener").Str("subscription_id", cfg.SubscriptionID).Logger(),
		doneChan:     make(chan struct{}),
	}, nil
}

// Start begins receiving in the background.
func (l *Listener) Start(ctx context.Context) error {
	receiveCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	go func() {
		defer close(l.doneChan)
		l.logger.Info().Msg("Invalidation listener started.")
		err := l.subscription.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			var n Notice
			if err := json.Unmarshal(msg.Data, &n); err != nil {
				l.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Acking malformed invalidation notice.")
				msg.Ack()
				return
			}
			l.Handle(n)
			msg.Ack()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
		}
		l.logger.Info().Msg("Invalidation listener stopped.")
	}()
	return nil
}

// Stop cancels receiving and waits for the receive loop to exit.
func (l *Listener) Stop() error {
	l.stopOnce.Do(func() {
		if l.cancel == nil {
			close(l.doneChan)
			return
		}
		l.cancel()
		select {
		case <-l.doneChan:
		case <-time.After(30 * time.Second):
			l.logger.Error().Msg("Timeout waiting for Pub/Sub Receive goroutine to stop.")
		}
	})
	return nil
}

// Done is closed once the receive loop has exited.
func (l *Listener) Done() <-chan struct{} { return l.doneChan }

// Applied returns how many notices changed local state.
func (l *Listener) Applied() uint64 { return l.applied.Load() }

// Handle applies one notice and reports whether it was applied. Own notices and unknown ops are
// skipped.
func (l *Listener) Handle(n Notice) bool {
	if n.Origin != "" && n.Origin == l.origin {
		return false
	}

	switch n.Op {
	case OpDelete:
		if n.Key == "" {
			l.logger.Warn().Str("store", n.Store).Msg("Skipping delete notice without key.")
			return false
		}
		l.registry.Store(n.Store).Delete(n.Key)
	case OpClear:
		if n.Store == "" {
			l.registry.Reset()
		} else {
			l.registry.Store(n.Store).Clear()
		}
	default:
		l.logger.Warn().Str("op", string(n.Op)).Msg("Skipping notice with unknown op.")
		return false
	}

	l.applied.Add(1)
	l.logger.Debug().Str("store", n.Store).Str("key", n.Key).Str("op", string(n.Op)).Str("origin", n.Origin).Msg("Applied invalidation notice.")
	if l.bus == nil {
		return true
	}
	// A registry-wide clear reaches bindings on every store.
	stores := []string{n.Store}
	if n.Op == OpClear && n.Store == "" {
		stores = stores[:0]
		for _, name := range l.registry.Names() {
			stores = append(stores, string(name))
		}
	}
	for _, store := range stores {
		l.bus.Publish(revalidate.Event{Kind: revalidate.EventInvalidate, Store: store, Key: n.Key})
	}
	return true
}
