package aggregation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/abdelmounim-dev/metrics-pooler/metrics"
	"github.com/abdelmounim-dev/metrics-pooler/subscription"
)

// Update is a new metric value reported by a producer.
type Update struct {
	TenantID string                 `json:"tenantId"`
	Key      subscription.MetricKey `json:"metricKey"`
	Value    float64                `json:"value"`
	Unit     string                 `json:"unit,omitempty"`
	At       time.Time              `json:"at,omitempty"`
}

// Emitter is the single write entry point into the distribution core: it
// refreshes the cached snapshot and then broadcasts the change to every
// instance.
type Emitter struct {
	cache   Cache
	channel string
	ttl     time.Duration
	now     func() time.Time
	log     *zap.Logger
}

func NewEmitter(cache Cache, updatesChannel string, ttl time.Duration, log *zap.Logger) *Emitter {
	return &Emitter{
		cache:   cache,
		channel: updatesChannel,
		ttl:     ttl,
		now:     time.Now,
		log:     log.With(zap.String("module", "emitter")),
	}
}

// Emit reports value as the current value of key for tenantID.
func (e *Emitter) Emit(ctx context.Context, tenantID string, key subscription.MetricKey, value float64) error {
	return e.EmitUpdate(ctx, Update{TenantID: tenantID, Key: key, Value: value})
}

// EmitUpdate validates u, caches the snapshot and publishes the event. Only
// validation errors are returned; cache and broadcast failures are logged
// and the update is dropped, to be picked up by the next cache read.
func (e *Emitter) EmitUpdate(ctx context.Context, u Update) error {
	if u.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidKey)
	}
	if u.Key.Type == "" {
		return fmt.Errorf("%w: metric type is required", ErrInvalidKey)
	}
	g, err := ParseGranularity(u.Key.Granularity)
	if err != nil {
		return err
	}
	u.Key.Granularity = string(g)
	if u.At.IsZero() {
		u.At = e.now()
	}

	period := BucketFor(g, u.At)
	snap := Snapshot{
		Value:      u.Value,
		Unit:       u.Unit,
		Period:     period.Label(),
		ComputedAt: u.At.UTC(),
	}
	log := e.log.With(zap.String("tenant_id", u.TenantID), zap.String("metric", u.Key.Canonical()))

	_, cacheKey, err := snapshotKey(e.cache, u.TenantID, u.Key, period)
	if err != nil {
		return err
	}
	if err := e.cache.Set(ctx, cacheKey, snap, e.ttl); err != nil {
		log.Warn("snapshot not cached", zap.Error(err))
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	event := subscription.Event{
		TenantID:    u.TenantID,
		MetricKey:   u.Key,
		Payload:     payload,
		PublishedAt: e.now().UTC(),
		Origin:      e.cache.ServerID(),
	}
	if err := e.cache.Publish(ctx, e.channel, event); err != nil {
		metrics.EventsDropped.WithLabelValues("publish_failed").Inc()
		log.Warn("update not broadcast", zap.Error(err))
		return nil
	}
	log.Debug("update emitted", zap.String("period", snap.Period))
	return nil
}
