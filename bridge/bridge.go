// Package bridge is the only component that talks to the shared backing
// store. It offers TTL caching, atomic counters and pub/sub to the rest of the
// service and turns every store failure into a logged miss instead of an
// error the caller has to survive.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/metrics-pooler/broker"
	"github.com/abdelmounim-dev/metrics-pooler/metrics"
)

// incrementScript increments a counter and sets its TTL only when the
// counter was just created, in one atomic step.
var incrementScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Options tune the bridge. Zero values fall back to defaults.
type Options struct {
	ServerID           string
	Namespace          string
	OpTimeout          time.Duration
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

// PartitionKeyer is implemented by messages that want a stable broker
// partition (tenant ordering on Kafka).
type PartitionKeyer interface {
	PartitionKey() string
}

// Handler receives messages of one subscription, one at a time, in order.
type Handler func(message broker.Message)

type Bridge struct {
	client   redis.UniversalClient
	broker   broker.MessageBroker
	keys     *KeyBuilder
	store    *gobreaker.CircuitBreaker
	pubsub   *gobreaker.CircuitBreaker
	timeout  time.Duration
	serverID string
	log      *zap.Logger
}

func New(client redis.UniversalClient, mb broker.MessageBroker, opts Options, log *zap.Logger) *Bridge {
	if opts.Namespace == "" {
		opts.Namespace = "metrics"
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 500 * time.Millisecond
	}
	if opts.BreakerMaxFailures == 0 {
		opts.BreakerMaxFailures = 5
	}
	if opts.BreakerOpenTimeout <= 0 {
		opts.BreakerOpenTimeout = 10 * time.Second
	}

	log = log.With(zap.String("module", "bridge"))
	return &Bridge{
		client:   client,
		broker:   mb,
		keys:     NewKeyBuilder(opts.Namespace, "core"),
		store:    newBreaker("store", opts, log),
		pubsub:   newBreaker("pubsub", opts, log),
		timeout:  opts.OpTimeout,
		serverID: opts.ServerID,
		log:      log,
	}
}

func newBreaker(name string, opts Options, log *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     opts.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerMaxFailures
		},
		// A miss is an answer, not a failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

func (b *Bridge) Keys() *KeyBuilder { return b.keys }

func (b *Bridge) ServerID() string { return b.serverID }

// exec runs fn under the operation timeout and the given breaker.
func (b *Bridge) exec(ctx context.Context, cb *gobreaker.CircuitBreaker, op string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	res, err := cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		metrics.BridgeErrors.WithLabelValues(op).Inc()
	}
	return res, err
}

// Get decodes the value stored at key into dest. It reports false on a miss
// and on any failure; failures are logged.
func (b *Bridge) Get(ctx context.Context, key string, dest interface{}) bool {
	res, err := b.exec(ctx, b.store, "get", func(ctx context.Context) (interface{}, error) {
		return b.client.Get(ctx, key).Bytes()
	})
	if err != nil {
		metrics.CacheMisses.Inc()
		if !errors.Is(err, redis.Nil) {
			b.log.Warn("cache get failed, treating as miss", zap.String("key", key), zap.Error(err))
		}
		return false
	}

	if err := json.Unmarshal(res.([]byte), dest); err != nil {
		metrics.CacheMisses.Inc()
		b.log.Warn("cache value undecodable, treating as miss", zap.String("key", key), zap.Error(err))
		return false
	}
	metrics.CacheHits.Inc()
	return true
}

// Set stores value at key with ttl, overwriting whatever was there.
func (b *Bridge) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	_, err = b.exec(ctx, b.store, "set", func(ctx context.Context) (interface{}, error) {
		return nil, b.client.Set(ctx, key, data, ttl).Err()
	})
	if err != nil {
		b.log.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Used to invalidate snapshots ahead of their TTL.
func (b *Bridge) Delete(ctx context.Context, key string) error {
	_, err := b.exec(ctx, b.store, "delete", func(ctx context.Context) (interface{}, error) {
		return nil, b.client.Del(ctx, key).Err()
	})
	if err != nil {
		b.log.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// Increment atomically increments the counter at key. ttlIfNew is applied
// only when this call created the counter.
func (b *Bridge) Increment(ctx context.Context, key string, ttlIfNew time.Duration) (int64, error) {
	res, err := b.exec(ctx, b.store, "increment", func(ctx context.Context) (interface{}, error) {
		return incrementScript.Run(ctx, b.client, []string{key}, ttlIfNew.Milliseconds()).Int64()
	})
	if err != nil {
		b.log.Warn("counter increment failed", zap.String("key", key), zap.Error(err))
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return res.(int64), nil
}

// Publish broadcasts message on channel. Delivery is best effort; a failure
// is logged and returned so the caller can skip the broadcast.
func (b *Bridge) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	envelope := broker.Message{ServerID: b.serverID, Data: data}
	if pk, ok := message.(PartitionKeyer); ok {
		envelope.Key = pk.PartitionKey()
	}

	_, err = b.exec(ctx, b.pubsub, "publish", func(ctx context.Context) (interface{}, error) {
		return nil, b.broker.Publish(ctx, channel, envelope)
	})
	if err != nil {
		b.log.Warn("publish failed, skipping broadcast", zap.String("channel", channel), zap.Error(err))
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe invokes handler for every message received on channel until ctx
// is cancelled or the subscription is closed. Each subscription has its own
// dispatch goroutine, so a slow handler only delays its own messages.
func (b *Bridge) Subscribe(ctx context.Context, channel string, handler Handler) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	messages, err := b.broker.Subscribe(subCtx, channel)
	if err != nil {
		cancel()
		metrics.BridgeErrors.WithLabelValues("subscribe").Inc()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &Subscription{
		channel: channel,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go sub.dispatch(messages, handler, b.log)

	b.log.Info("subscribed", zap.String("channel", channel), zap.String("broker_type", b.broker.Type()))
	return sub, nil
}

// Ping reports whether the backing store answers.
func (b *Bridge) Ping(ctx context.Context) error {
	_, err := b.exec(ctx, b.store, "ping", func(ctx context.Context) (interface{}, error) {
		return nil, b.client.Ping(ctx).Err()
	})
	return err
}

type Subscription struct {
	channel string
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *Subscription) dispatch(messages <-chan broker.Message, handler Handler, log *zap.Logger) {
	defer close(s.done)
	for message := range messages {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("subscription handler panicked",
						zap.String("channel", s.channel),
						zap.Any("panic", r),
					)
				}
			}()
			handler(message)
		}()
	}
}

func (s *Subscription) Channel() string { return s.channel }

// Done is closed once the dispatch goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close stops the subscription and waits for the in-flight handler call.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}
