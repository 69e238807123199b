package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/metrics-pooler/metrics"
)

const (
	kafkaPublishAttempts = 3
	kafkaRetryFloor      = 100 * time.Millisecond
	kafkaRetryCeiling    = 5 * time.Second
	kafkaJoinTimeout     = 10 * time.Second
	kafkaSubscribeBuffer = 256
)

// KafkaBroker carries pub/sub channels as Kafka topics. Every subscription
// owns a consumer group named groupID-serverID-topic, so a topic behaves as
// a broadcast across instances and subscriptions never share a session.
type KafkaBroker struct {
	producer sarama.SyncProducer
	newGroup func(topic string) (sarama.ConsumerGroup, error)
	log      *zap.Logger

	mu     sync.Mutex
	closed bool
	groups map[sarama.ConsumerGroup]struct{}
}

func kafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0

	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = kafkaPublishAttempts
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	// Live updates only; a restarted instance has nothing to catch up on.
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Group.Session.Timeout = 10 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	return cfg
}

// NewKafkaBroker connects the producer. Consumer groups are created per
// Subscribe call.
func NewKafkaBroker(brokers []string, groupID, serverID string, log *zap.Logger) (*KafkaBroker, error) {
	cfg := kafkaConfig()

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	newGroup := func(topic string) (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroup(brokers, fmt.Sprintf("%s-%s-%s", groupID, serverID, topic), cfg)
	}
	return newKafkaBroker(producer, newGroup, log), nil
}

func newKafkaBroker(producer sarama.SyncProducer, newGroup func(topic string) (sarama.ConsumerGroup, error), log *zap.Logger) *KafkaBroker {
	return &KafkaBroker{
		producer: producer,
		newGroup: newGroup,
		log:      log.With(zap.String("module", "broker"), zap.String("broker_type", "kafka")),
		groups:   make(map[sarama.ConsumerGroup]struct{}),
	}
}

func (b *KafkaBroker) Type() string { return "kafka" }

func (b *KafkaBroker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// track registers group for Close; it reports false once the broker is
// closed.
func (b *KafkaBroker) track(group sarama.ConsumerGroup) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.groups[group] = struct{}{}
	return true
}

func (b *KafkaBroker) release(group sarama.ConsumerGroup) {
	b.mu.Lock()
	delete(b.groups, group)
	b.mu.Unlock()
	_ = group.Close()
}

// Publish writes message to the topic named by channel. The record key is
// message.Key, which keeps one tenant's updates on one partition.
func (b *KafkaBroker) Publish(ctx context.Context, channel string, message Message) error {
	if b.isClosed() {
		return ErrClosed
	}

	message.Channel = channel
	record, err := toRecord(channel, message)
	if err != nil {
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(kafkaRetryFloor),
			backoff.WithMaxInterval(kafkaRetryCeiling),
		),
		kafkaPublishAttempts,
	), ctx)

	send := func() error {
		_, _, err := b.producer.SendMessage(record)
		return err
	}
	onRetry := func(err error, next time.Duration) {
		metrics.BrokerPublishRetries.WithLabelValues(b.Type()).Inc()
		b.log.Warn("kafka publish failed, retrying",
			zap.String("topic", channel),
			zap.Duration("retry_in", next),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(send, policy, onRetry); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", channel, err)
	}
	metrics.BrokerMessagesPublished.WithLabelValues(b.Type()).Inc()
	return nil
}

func toRecord(topic string, message Message) (*sarama.ProducerMessage, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode message for %s: %w", topic, err)
	}
	record := &sarama.ProducerMessage{
		Topic:     topic,
		Value:     sarama.ByteEncoder(payload),
		Headers:   []sarama.RecordHeader{{Key: []byte("server_id"), Value: []byte(message.ServerID)}},
		Timestamp: time.Now(),
	}
	if message.Key != "" {
		record.Key = sarama.StringEncoder(message.Key)
	}
	return record, nil
}

// Subscribe joins a consumer group of its own for channel and returns once
// the first session is set up. The group is closed when ctx ends.
func (b *KafkaBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	group, err := b.newGroup(channel)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer group for %s: %w", channel, err)
	}
	if !b.track(group) {
		_ = group.Close()
		return nil, ErrClosed
	}

	log := b.log.With(zap.String("topic", channel))
	go func() {
		for err := range group.Errors() {
			log.Warn("consumer group error", zap.Error(err))
		}
	}()

	out := make(chan Message, kafkaSubscribeBuffer)
	consumer := &topicConsumer{
		out:    out,
		joined: make(chan struct{}),
		log:    log,
	}
	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		defer b.release(group)
		b.consume(subCtx, channel, group, consumer)
	}()

	select {
	case <-consumer.joined:
		return out, nil
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	case <-time.After(kafkaJoinTimeout):
		cancel()
		return nil, fmt.Errorf("kafka consumer for %s did not join within %s", channel, kafkaJoinTimeout)
	}
}

// consume re-enters Consume after every rebalance until ctx ends or the
// group is closed.
func (b *KafkaBroker) consume(ctx context.Context, topic string, group sarama.ConsumerGroup, consumer *topicConsumer) {
	defer close(consumer.out)
	for ctx.Err() == nil {
		err := group.Consume(ctx, []string{topic}, consumer)
		switch {
		case errors.Is(err, sarama.ErrClosedConsumerGroup):
			return
		case err != nil:
			consumer.log.Warn("consume session ended", zap.Error(err))
		}
	}
}

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	groups := make([]sarama.ConsumerGroup, 0, len(b.groups))
	for group := range b.groups {
		groups = append(groups, group)
	}
	b.mu.Unlock()

	var errs []error
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close kafka producer: %w", err))
	}
	for _, group := range groups {
		if err := group.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka consumer group: %w", err))
		}
	}
	return errors.Join(errs...)
}

// topicConsumer is the sarama.ConsumerGroupHandler behind one Subscribe call.
type topicConsumer struct {
	out      chan Message
	joined   chan struct{}
	joinOnce sync.Once
	log      *zap.Logger
}

func (c *topicConsumer) Setup(sarama.ConsumerGroupSession) error {
	c.joinOnce.Do(func() { close(c.joined) })
	return nil
}

func (c *topicConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *topicConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	done := session.Context().Done()
	for {
		var record *sarama.ConsumerMessage
		select {
		case <-done:
			return nil
		case r, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			record = r
		}

		message, err := fromRecord(record)
		if err != nil {
			// Poison records are committed and dropped.
			c.log.Warn("dropping undecodable record", zap.Int64("offset", record.Offset), zap.Error(err))
			session.MarkMessage(record, "")
			continue
		}

		select {
		case c.out <- message:
			session.MarkMessage(record, "")
		case <-done:
			return nil
		}
	}
}

func fromRecord(record *sarama.ConsumerMessage) (Message, error) {
	var message Message
	if err := json.Unmarshal(record.Value, &message); err != nil {
		return Message{}, err
	}
	if message.Channel == "" {
		message.Channel = record.Topic
	}
	return message, nil
}
