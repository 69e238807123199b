// Command backend is a demo producer: it emits random dashboard metrics for a
// few tenants so connected dashboards have something to show.
package main

import (
	"context"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/metrics-pooler/aggregation"
	"github.com/abdelmounim-dev/metrics-pooler/bridge"
	"github.com/abdelmounim-dev/metrics-pooler/broker"
	"github.com/abdelmounim-dev/metrics-pooler/logging"
	"github.com/abdelmounim-dev/metrics-pooler/subscription"
)

// metric is one dashboard card: its name, unit and the range random values
// are drawn from.
type metric struct {
	name     string
	unit     string
	min, max float64
}

var dashboard = []metric{
	{"revenue", "USD", 500, 5000},
	{"total_sales", "", 10, 200},
	{"new_customers", "", 0, 40},
	{"conversion_rate", "%", 0.5, 6},
	{"average_order_value", "USD", 20, 180},
}

var regions = []string{"EU", "US", "APAC"}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// connect waits for Redis with exponential backoff, so the producer can start
// before the store is up.
func connect(ctx context.Context, addr string, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.RetryNotify(func() error {
		return rdb.Ping(ctx).Err()
	}, policy, func(err error, next time.Duration) {
		logger.Warn("redis not ready", zap.String("address", addr), zap.Duration("retry_in", next), zap.Error(err))
	})
	if err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func main() {
	logger, err := logging.New(logging.Config{
		Environment: getEnv("ENVIRONMENT", "dev"),
		Level:       getEnv("LOG_LEVEL", "info"),
		Service:     "metrics-producer",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisAddr := getEnv("REDIS_ADDRESS", "localhost:6379")
	rdb, err := connect(ctx, redisAddr, logger)
	if err != nil {
		logger.Fatal("could not reach redis", zap.Error(err))
	}
	defer rdb.Close()

	cache := bridge.New(rdb, broker.NewRedisBroker(rdb, logger), bridge.Options{
		ServerID:  "producer",
		Namespace: getEnv("CACHE_NAMESPACE", "metrics"),
	}, logger)
	emitter := aggregation.NewEmitter(cache, getEnv("UPDATES_CHANNEL", "metrics.updates"), time.Hour, logger)

	tenants := strings.Split(getEnv("TENANTS", "acme,globex"), ",")
	interval, err := time.ParseDuration(getEnv("EMIT_INTERVAL", "2s"))
	if err != nil {
		logger.Fatal("invalid EMIT_INTERVAL", zap.Error(err))
	}

	logger.Info("producer started",
		zap.String("redis_address", redisAddr),
		zap.Strings("tenants", tenants),
		zap.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("producer stopped")
			return
		case <-ticker.C:
			for _, tenant := range tenants {
				emitRound(ctx, emitter, strings.TrimSpace(tenant), logger)
			}
		}
	}
}

// emitRound emits every dashboard metric once for tenant, tagged with a random
// region.
func emitRound(ctx context.Context, emitter *aggregation.Emitter, tenant string, logger *zap.Logger) {
	for _, m := range dashboard {
		value := math.Round((m.min+rand.Float64()*(m.max-m.min))*100) / 100

		err := emitter.EmitUpdate(ctx, aggregation.Update{
			TenantID: tenant,
			Key: subscription.MetricKey{
				Type:       m.name,
				Dimensions: map[string]string{"region": regions[rand.Intn(len(regions))]},
			},
			Value: value,
			Unit:  m.unit,
		})
		if err != nil {
			logger.Error("emit failed", zap.String("tenant_id", tenant), zap.String("metric", m.name), zap.Error(err))
		}
	}
}
