package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

const (
	kafkaReadyTimeout   = 10 * time.Second
	kafkaServerIDHeader = "server_id"
)

var errBrokerClosed = errors.New("broker is closed")

// KafkaBroker implements MessageBroker on one Kafka topic. Each instance joins
// its own consumer group so that every instance reads every broadcast.
type KafkaBroker struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup
	logger        *zap.Logger
	mu            sync.RWMutex
	closed        bool
}

func kafkaConfig() *sarama.Config {
	config := sarama.NewConfig()

	// Producer configuration
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = publishMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 50 * time.Millisecond

	// Consumer configuration. Broadcasts are live traffic, so a fresh group
	// starts at the newest offset rather than replaying history.
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	config.Version = sarama.V3_6_0_0
	return config
}

// NewKafkaBroker connects to brokers. groupID is suffixed with instanceID to
// give the instance a private consumer group.
func NewKafkaBroker(brokers []string, groupID, instanceID string, logger *zap.Logger) (*KafkaBroker, error) {
	config := kafkaConfig()

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID+"-"+instanceID, config)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}
	return newKafkaBroker(producer, consumerGroup, logger), nil
}

func newKafkaBroker(producer sarama.SyncProducer, group sarama.ConsumerGroup, logger *zap.Logger) *KafkaBroker {
	return &KafkaBroker{
		producer:      producer,
		consumerGroup: group,
		logger:        logger.Named("broker.kafka"),
	}
}

func (b *KafkaBroker) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Publish sends message to the channel topic, keyed by the client topic so
// broadcasts for one client topic stay ordered on one partition.
func (b *KafkaBroker) Publish(ctx context.Context, channel string, message Message) error {
	if b.isClosed() {
		return errBrokerClosed
	}

	data, err := message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	record := &sarama.ProducerMessage{
		Topic:     channel,
		Key:       sarama.StringEncoder(message.Topic),
		Value:     sarama.ByteEncoder(data),
		Headers:   []sarama.RecordHeader{{Key: []byte(kafkaServerIDHeader), Value: []byte(message.ServerID)}},
		Timestamp: time.Now(),
	}
	return publishWithRetry(ctx, b.Type(), b.logger, message.Topic, func() error {
		_, _, err := b.producer.SendMessage(record)
		return err
	})
}

// Subscribe joins the consumer group on channel and returns once the first
// group session is set up, so nothing published afterwards is missed.
func (b *KafkaBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	if b.isClosed() {
		return nil, errBrokerClosed
	}

	messages := make(chan Message, 100)
	handler := &relayHandler{
		messages: messages,
		ready:    make(chan struct{}),
		logger:   b.logger,
	}

	go b.consume(ctx, channel, handler, messages)
	go func() {
		for err := range b.consumerGroup.Errors() {
			b.logger.Warn("Consumer group error", zap.Error(err))
		}
	}()

	select {
	case <-handler.ready:
		return messages, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(kafkaReadyTimeout):
		return nil, fmt.Errorf("timeout waiting for consumer group on %s", channel)
	}
}

func (b *KafkaBroker) consume(ctx context.Context, channel string, handler *relayHandler, messages chan Message) {
	defer close(messages)
	// Consume returns on every rebalance and must be called again.
	for ctx.Err() == nil {
		if err := b.consumerGroup.Consume(ctx, []string{channel}, handler); err != nil {
			if !errors.Is(err, sarama.ErrClosedConsumerGroup) {
				b.logger.Error("Consumer group stopped", zap.String("channel", channel), zap.Error(err))
			}
			return
		}
	}
}

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
	}
	if err := b.consumerGroup.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close consumer group: %w", err))
	}
	return errors.Join(errs...)
}

func (b *KafkaBroker) Type() string { return "kafka" }

// relayHandler feeds claimed records into the subscription channel.
type relayHandler struct {
	messages chan<- Message
	ready    chan struct{}
	once     sync.Once
	logger   *zap.Logger
}

func (h *relayHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() { close(h.ready) })
	return nil
}

func (h *relayHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *relayHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case record, ok := <-claim.Messages():
			if !ok || record == nil {
				return nil
			}

			var message Message
			if err := message.UnmarshalBinary(record.Value); err != nil {
				h.logger.Warn("Message decode error", zap.Int64("offset", record.Offset), zap.Error(err))
				// Undecodable records are marked too, or they are redelivered forever.
				session.MarkMessage(record, "")
				continue
			}

			select {
			case h.messages <- message:
			case <-session.Context().Done():
				return nil
			}
			session.MarkMessage(record, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
