// Package broker relays broadcasts between coordinator instances. Every
// instance publishes the broadcasts its router produces to one channel and
// delivers whatever arrives on that channel to its local subscribers.
package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/collab-coordinator/metrics"
)

const (
	publishMaxRetries     = 3
	publishInitialBackoff = 100 * time.Millisecond
	publishMaxBackoff     = 5 * time.Second
)

// Message is a broadcast addressed to a client-facing topic.
type Message struct {
	Topic    string          `json:"topic"`
	ServerID string          `json:"server_id"` // instance that produced the broadcast
	Payload  json.RawMessage `json:"payload"`
}

// MarshalBinary implements the encoding.BinaryMarshaler interface for Redis.
func (m Message) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalBinary implements the encoding.BinaryUnmarshaler interface for Redis.
func (m *Message) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}

// MessageBroker is a publish/subscribe transport shared by all instances.
type MessageBroker interface {
	Publish(ctx context.Context, channel string, message Message) error
	// Subscribe delivers messages until ctx is done, then closes the channel.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Close() error
	Type() string
}

// publishWithRetry retries op with exponential backoff, bounded by ctx.
func publishWithRetry(ctx context.Context, brokerType string, logger *zap.Logger, topic string, op func() error) error {
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(publishInitialBackoff),
				backoff.WithMaxInterval(publishMaxBackoff),
			),
			publishMaxRetries,
		),
		ctx,
	)

	err := backoff.RetryNotify(op, strategy, func(err error, d time.Duration) {
		metrics.BrokerPublishRetries.WithLabelValues(brokerType).Inc()
		logger.Warn("Retrying publish",
			zap.String("broker", brokerType), zap.String("topic", topic),
			zap.Error(err), zap.Duration("next_attempt", d))
	})
	if err == nil {
		metrics.BrokerMessagesPublished.WithLabelValues(brokerType).Inc()
	}
	return err
}
