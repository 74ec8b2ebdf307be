package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// Publisher broadcasts notices to the invalidation topic.
type Publisher struct {
	topic  *pubsub.Topic
	origin string
	logger zerolog.Logger
}

// NewPublisher verifies that topicID exists and returns a publisher stamping notices with origin.
func NewPublisher(ctx context.Context, client *pubsub.Client, topicID string, origin string, logger zerolog.Logger) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil")
	}
	if origin == "" {
		return nil, errors.New("origin cannot be empty")
	}
	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	return &Publisher{
		topic:  topic,
		origin: origin,
		logger: logger.With().Str("component", "InvalidationPublisher").Str("topic_id", topicID).Logger(),
	}, nil
}

// Origin returns the instance id stamped on every notice.
func (p *Publisher) Origin() string { return p.origin }

// Publish sends n and waits for the server to accept it, returning the message id.
func (p *Publisher) Publish(ctx context.Context, n Notice) (string, error) {
	if n.Op == "" {
		n.Op = OpDelete
	}
	n.Origin = p.origin
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("failed to marshal notice: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"store":  n.Store,
			"op":     string(n.Op),
			"origin": n.Origin,
		},
	})
	msgID, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish notice for %s/%s: %w", n.Store, n.Key, err)
	}
	p.logger.Debug().Str("published_msg_id", msgID).Str("store", n.Store).Str("key", n.Key).Msg("Invalidation notice sent.")
	return msgID, nil
}

// Stop flushes pending messages, respecting the context's timeout.
func (p *Publisher) Stop(ctx context.Context) error {
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
