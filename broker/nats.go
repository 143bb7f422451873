package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NatsBroker implements MessageBroker on core NATS subjects (no queue group,
// so every instance sees every broadcast).
type NatsBroker struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewNatsBroker connects to url, retrying until the server is reachable or
// attempts run out.
func NewNatsBroker(url, user, password string, logger *zap.Logger) (*NatsBroker, error) {
	logger = logger.Named("broker.nats")

	opts := []nats.Option{
		nats.Name("collab-coordinator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if user != "" {
		opts = append(opts, nats.UserInfo(user, password))
	}

	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(url, opts...)
		if err == nil {
			break
		}
		logger.Info("Waiting for NATS", zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))

	return &NatsBroker{nc: nc, logger: logger}, nil
}

func (b *NatsBroker) Publish(ctx context.Context, channel string, message Message) error {
	data, err := message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return publishWithRetry(ctx, b.Type(), b.logger, message.Topic, func() error {
		return b.nc.Publish(channel, data)
	})
}

func (b *NatsBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	in := make(chan *nats.Msg, 100)
	sub, err := b.nc.ChanSubscribe(channel, in)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	if err := b.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("failed to flush subscription to %s: %w", channel, err)
	}

	messages := make(chan Message, 100)
	go func() {
		defer close(messages)
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-in:
				var message Message
				if err := message.UnmarshalBinary(msg.Data); err != nil {
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

func (b *NatsBroker) Close() error {
	if err := b.nc.Drain(); err != nil {
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

func (b *NatsBroker) Type() string { return "nats" }
