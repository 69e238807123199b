package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/metrics-pooler/metrics"
)

const (
	redisMaxRetries   = 3
	redisRetryDelay   = 100 * time.Millisecond
	redisSubscribeBuf = 256
)

// RedisBroker implements MessageBroker over Redis PUBLISH/SUBSCRIBE.
type RedisBroker struct {
	client redis.UniversalClient
	log    *zap.Logger
	mu     sync.RWMutex
	closed bool
}

func NewRedisBroker(client redis.UniversalClient, log *zap.Logger) *RedisBroker {
	return &RedisBroker{
		client: client,
		log:    log.With(zap.String("module", "broker"), zap.String("broker_type", "redis")),
	}
}

func (b *RedisBroker) Type() string { return "redis" }

// Publish sends the message with a short constant-backoff retry bounded by ctx.
func (b *RedisBroker) Publish(ctx context.Context, channel string, message Message) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	message.Channel = channel
	operation := func() error {
		return b.client.Publish(ctx, channel, message).Err()
	}

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(redisRetryDelay), redisMaxRetries),
		ctx,
	)

	err := backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		metrics.BrokerPublishRetries.WithLabelValues(b.Type()).Inc()
		b.log.Warn("retrying redis publish", zap.String("channel", channel), zap.Duration("next", d), zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("redis publish to %s: %w", channel, err)
	}
	metrics.BrokerMessagesPublished.WithLabelValues(b.Type()).Inc()
	return nil
}

// Subscribe waits for the subscription to be confirmed so that messages
// published after it returns are not lost.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe to %s: %w", channel, err)
	}

	messages := make(chan Message, redisSubscribeBuf)
	go func() {
		defer close(messages)
		defer pubsub.Close()

		incoming := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-incoming:
				if !ok {
					b.log.Info("redis subscription channel closed", zap.String("channel", channel))
					return
				}
				var message Message
				if err := json.Unmarshal([]byte(raw.Payload), &message); err != nil {
					b.log.Warn("message decode error", zap.String("channel", channel), zap.Error(err))
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

// Close marks the broker closed. The Redis client is shared with the cache
// and is closed by its owner.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
