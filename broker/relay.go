package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/collab-coordinator/config"
)

// Deliverer hands a relayed broadcast to the local subscribers of topic and
// reports how many received it.
type Deliverer interface {
	Deliver(topic string, payload []byte) int
}

// Relay publishes broadcasts to the shared channel and feeds everything read
// back from it to the local transport. A broadcast reaches local subscribers
// only through the channel, so every instance sees the same order.
type Relay struct {
	broker     MessageBroker
	channel    string
	instanceID string
	logger     *zap.Logger
}

func NewRelay(b MessageBroker, channel, instanceID string, logger *zap.Logger) *Relay {
	return &Relay{
		broker:     b,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger.Named("relay"),
	}
}

// Broadcast publishes payload for every subscriber of topic on every instance.
func (r *Relay) Broadcast(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode broadcast for %s: %w", topic, err)
	}
	msg := Message{Topic: topic, ServerID: r.instanceID, Payload: data}
	if err := r.broker.Publish(ctx, r.channel, msg); err != nil {
		return fmt.Errorf("failed to publish broadcast for %s: %w", topic, err)
	}
	return nil
}

// Start subscribes to the shared channel and delivers relayed broadcasts to d
// until ctx is done. Broadcasts published after Start returns are not missed.
// The returned channel is closed when delivery stops.
func (r *Relay) Start(ctx context.Context, d Deliverer) (<-chan struct{}, error) {
	messages, err := r.broker.Subscribe(ctx, r.channel)
	if err != nil {
		return nil, err
	}
	r.logger.Info("Relaying broadcasts", zap.String("broker", r.broker.Type()), zap.String("channel", r.channel))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range messages {
			n := d.Deliver(msg.Topic, msg.Payload)
			r.logger.Debug("Delivered broadcast",
				zap.String("topic", msg.Topic), zap.String("origin", msg.ServerID), zap.Int("subscribers", n))
		}
		if ctx.Err() == nil {
			r.logger.Warn("Broadcast subscription closed", zap.String("channel", r.channel))
		}
	}()
	return done, nil
}

// Open creates the broker named by cfg.Type. The Redis broker reuses client.
func Open(cfg config.BrokerConfig, client *redis.Client, instanceID string, logger *zap.Logger) (MessageBroker, error) {
	switch strings.ToLower(cfg.Type) {
	case "redis":
		return NewRedisBroker(client, logger), nil
	case "kafka":
		b, err := NewKafkaBroker(cfg.Kafka.Brokers, cfg.Kafka.GroupID, instanceID, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "nats":
		b, err := NewNatsBroker(cfg.Nats.URL, cfg.Nats.User, cfg.Nats.Password, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported broker type %q", cfg.Type)
	}
}
