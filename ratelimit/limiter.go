// Package ratelimit implements fixed-window admission control on top of the
// bridge's shared counters, so limits hold across every instance.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/abdelmounim-dev/metrics-pooler/bridge"
	"github.com/abdelmounim-dev/metrics-pooler/config"
	"github.com/abdelmounim-dev/metrics-pooler/metrics"
)

const (
	ScopeConnection = "connection"
	ScopeSubscribe  = "subscribe"
)

// Counter is the part of the bridge the limiter uses.
type Counter interface {
	Increment(ctx context.Context, key string, ttlIfNew time.Duration) (int64, error)
	Keys() *bridge.KeyBuilder
}

type Limiter struct {
	counter Counter
	cfg     config.RateLimitConfig
	log     *zap.Logger
}

func NewLimiter(counter Counter, cfg config.RateLimitConfig, log *zap.Logger) *Limiter {
	return &Limiter{
		counter: counter,
		cfg:     cfg,
		log:     log.With(zap.String("module", "ratelimit")),
	}
}

// CheckLimit counts one attempt against key and reports whether it stays
// within maxCount for the current window. Rejected attempts are counted
// too. When the counter is unavailable the result follows FailOpen and the
// store error is returned alongside it.
func (l *Limiter) CheckLimit(ctx context.Context, key string, maxCount int, window time.Duration) (bool, error) {
	count, err := l.counter.Increment(ctx, key, window)
	if err != nil {
		l.log.Warn("rate limit counter unavailable",
			zap.String("key", key),
			zap.Bool("fail_open", l.cfg.FailOpen),
			zap.Error(err),
		)
		return l.cfg.FailOpen, err
	}
	return count <= int64(maxCount), nil
}

// AllowConnection admits a new connection for tenantID.
func (l *Limiter) AllowConnection(ctx context.Context, tenantID string) (bool, error) {
	return l.allow(ctx, ScopeConnection, tenantID, l.cfg.ConnectionsPerTenant, l.cfg.ConnectionWindow)
}

// AllowSubscribe admits one subscribe request from connectionID.
func (l *Limiter) AllowSubscribe(ctx context.Context, connectionID string) (bool, error) {
	return l.allow(ctx, ScopeSubscribe, connectionID, l.cfg.SubscribesPerConnection, l.cfg.SubscribeWindow)
}

func (l *Limiter) allow(ctx context.Context, scope, id string, maxCount, windowSeconds int) (bool, error) {
	key := l.counter.Keys().RateLimit(scope, id)
	allowed, err := l.CheckLimit(ctx, key, maxCount, time.Duration(windowSeconds)*time.Second)
	if !allowed {
		metrics.RateLimitRejections.WithLabelValues(scope).Inc()
	}
	return allowed, err
}
