// Package aggregation is the boundary between the distribution core and
// whatever computes business metrics. It caches computed snapshots and
// provides the emission hook producers call after their data changes.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/abdelmounim-dev/metrics-pooler/bridge"
	"github.com/abdelmounim-dev/metrics-pooler/subscription"
)

var ErrInvalidKey = errors.New("invalid metric key")

// Snapshot is the last computed value of a metric for one period bucket.
type Snapshot struct {
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Period     string    `json:"period"`
	ComputedAt time.Time `json:"computedAt"`
}

// Computer derives a metric value from business data. It is supplied by
// the embedding application.
type Computer interface {
	Compute(ctx context.Context, tenantID string, key subscription.MetricKey, period Period) (Snapshot, error)
}

// ComputerFunc adapts a function to Computer.
type ComputerFunc func(ctx context.Context, tenantID string, key subscription.MetricKey, period Period) (Snapshot, error)

func (f ComputerFunc) Compute(ctx context.Context, tenantID string, key subscription.MetricKey, period Period) (Snapshot, error) {
	return f(ctx, tenantID, key, period)
}

// Cache is the part of the bridge the aggregation boundary uses.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) bool
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Publish(ctx context.Context, channel string, message interface{}) error
	Keys() *bridge.KeyBuilder
	ServerID() string
}

type Service struct {
	cache    Cache
	computer Computer
	ttl      time.Duration
	group    singleflight.Group
	log      *zap.Logger
}

func NewService(cache Cache, computer Computer, ttl time.Duration, log *zap.Logger) *Service {
	return &Service{
		cache:    cache,
		computer: computer,
		ttl:      ttl,
		log:      log.With(zap.String("module", "aggregation")),
	}
}

// resolveKey fills an empty key granularity from period. A key naming a
// granularity other than the period's is rejected.
func resolveKey(tenantID string, key subscription.MetricKey, period Period) (subscription.MetricKey, error) {
	if tenantID == "" || key.Type == "" {
		return key, ErrInvalidKey
	}
	if key.Granularity == "" {
		key.Granularity = string(period.Granularity)
	}
	g, err := ParseGranularity(key.Granularity)
	if err != nil {
		return key, err
	}
	if g != period.Granularity {
		return key, fmt.Errorf("%w: granularity %q does not match period %q", ErrInvalidKey, g, period.Granularity)
	}
	key.Granularity = string(g)
	return key, nil
}

func snapshotKey(cache Cache, tenantID string, key subscription.MetricKey, period Period) (subscription.MetricKey, string, error) {
	key, err := resolveKey(tenantID, key, period)
	if err != nil {
		return key, "", err
	}
	return key, cache.Keys().Snapshot(tenantID, key.Canonical(), period.Label()), nil
}

// ComputeOrFetch serves the snapshot from the cache, computing and caching
// it on a miss. Concurrent misses for the same key share one computation.
func (s *Service) ComputeOrFetch(ctx context.Context, tenantID string, key subscription.MetricKey, period Period) (Snapshot, error) {
	key, cacheKey, err := snapshotKey(s.cache, tenantID, key, period)
	if err != nil {
		return Snapshot{}, err
	}

	var snap Snapshot
	if s.cache.Get(ctx, cacheKey, &snap) {
		return snap, nil
	}

	v, err, shared := s.group.Do(cacheKey, func() (interface{}, error) {
		snap, err := s.computer.Compute(ctx, tenantID, key, period)
		if err != nil {
			return Snapshot{}, err
		}
		if snap.Period == "" {
			snap.Period = period.Label()
		}
		if snap.ComputedAt.IsZero() {
			snap.ComputedAt = time.Now().UTC()
		}
		// Set failures are logged by the cache; the value is still served.
		_ = s.cache.Set(ctx, cacheKey, snap, s.ttl)
		return snap, nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("compute %s for tenant %s: %w", key.Type, tenantID, err)
	}
	if shared {
		s.log.Debug("shared snapshot computation", zap.String("key", cacheKey))
	}
	return v.(Snapshot), nil
}

// Invalidate drops a cached snapshot so the next read recomputes it.
func (s *Service) Invalidate(ctx context.Context, tenantID string, key subscription.MetricKey, period Period) error {
	_, cacheKey, err := snapshotKey(s.cache, tenantID, key, period)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}
