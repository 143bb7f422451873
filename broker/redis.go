package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisBroker implements MessageBroker on Redis pub/sub. Every subscriber
// receives every message, which is exactly the fan-out the relay needs.
type RedisBroker struct {
	client *redis.Client
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewRedisBroker creates a broker on an existing client; the caller owns the client.
func NewRedisBroker(client *redis.Client, logger *zap.Logger) *RedisBroker {
	return &RedisBroker{client: client, logger: logger.Named("broker.redis")}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, message Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errBrokerClosed
	}
	b.mu.RUnlock()

	return publishWithRetry(ctx, b.Type(), b.logger, message.Topic, func() error {
		return b.client.Publish(ctx, channel, message).Err()
	})
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, errBrokerClosed
	}
	b.mu.RUnlock()

	pubsub := b.client.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so nothing published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	messages := make(chan Message, 100)
	go func() {
		defer close(messages)
		defer pubsub.Close()

		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var message Message
				if err := message.UnmarshalBinary([]byte(msg.Payload)); err != nil {
					b.logger.Warn("Message decode error", zap.Error(err))
					continue
				}
				select {
				case messages <- message:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return messages, nil
}

// Close marks the broker closed. The Redis client is shared and closed by its owner.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *RedisBroker) Type() string { return "redis" }
