package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/metrics-pooler/bridge"
	"github.com/abdelmounim-dev/metrics-pooler/broker"
	"github.com/abdelmounim-dev/metrics-pooler/metrics"
	"github.com/abdelmounim-dev/metrics-pooler/subscription"
)

// ControlEvict forces matching connections off every instance.
const ControlEvict = "evict"

// PubSub is the part of the bridge the hub uses.
type PubSub interface {
	Subscribe(ctx context.Context, channel string, handler bridge.Handler) (*bridge.Subscription, error)
	Publish(ctx context.Context, channel string, message interface{}) error
}

// ControlMessage is broadcast on the control channel to act on connections
// regardless of which instance holds them.
type ControlMessage struct {
	Kind     string `json:"kind"`
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// PartitionKey keeps one tenant's control messages ordered.
func (m ControlMessage) PartitionKey() string { return m.TenantID }

// Hub fans published metric events out to the local connections whose
// subscriptions match them.
type Hub struct {
	pubsub  PubSub
	engine  *subscription.Engine
	manager *ClientManager
	updates string
	control string
	log     *zap.Logger
	subs    []*bridge.Subscription
}

func NewHub(pubsub PubSub, engine *subscription.Engine, manager *ClientManager, updatesChannel, controlChannel string, log *zap.Logger) *Hub {
	return &Hub{
		pubsub:  pubsub,
		engine:  engine,
		manager: manager,
		updates: updatesChannel,
		control: controlChannel,
		log:     log.With(zap.String("module", "hub")),
	}
}

// Start subscribes to the updates and control channels. Deliveries stop
// when ctx is cancelled or Stop is called.
func (h *Hub) Start(ctx context.Context) error {
	updates, err := h.pubsub.Subscribe(ctx, h.updates, h.deliver)
	if err != nil {
		return fmt.Errorf("hub subscribe updates: %w", err)
	}
	control, err := h.pubsub.Subscribe(ctx, h.control, h.handleControl)
	if err != nil {
		updates.Close()
		return fmt.Errorf("hub subscribe control: %w", err)
	}
	h.subs = []*bridge.Subscription{updates, control}
	return nil
}

func (h *Hub) Stop() {
	for _, sub := range h.subs {
		sub.Close()
	}
	h.subs = nil
}

// Deliver pushes event to every matching local connection. A connection
// whose queue is full is evicted as a slow consumer; one that is already
// closing is skipped.
func (h *Hub) Deliver(event subscription.Event) int {
	delivered := 0
	for _, match := range h.engine.Matches(event) {
		c, ok := h.manager.GetClient(match.ConnectionID)
		if !ok {
			metrics.EventsDropped.WithLabelValues("gone").Inc()
			continue
		}

		err := c.Enqueue(MetricUpdateFrame{
			Type:            FrameMetricUpdate,
			TenantID:        event.TenantID,
			MetricKey:       event.MetricKey,
			Payload:         event.Payload,
			Timestamp:       event.PublishedAt,
			SubscriptionIDs: match.SubscriptionIDs,
		})
		switch {
		case err == nil:
			delivered++
			metrics.EventsDelivered.Inc()
		case errors.Is(err, ErrSendQueueFull):
			metrics.EventsDropped.WithLabelValues("slow_consumer").Inc()
			metrics.Evictions.WithLabelValues("slow_consumer").Inc()
			h.log.Warn("evicting slow consumer", zap.String("connection_id", c.ID), zap.String("tenant_id", event.TenantID))
			go c.Close(websocket.CloseTryAgainLater, "slow consumer")
		case errors.Is(err, ErrConnectionClosed):
			metrics.EventsDropped.WithLabelValues("closed").Inc()
		default:
			metrics.EventsDropped.WithLabelValues("encode").Inc()
			h.log.Error("failed to encode metric update", zap.Error(err))
		}
	}
	return delivered
}

func (h *Hub) deliver(message broker.Message) {
	var event subscription.Event
	if err := json.Unmarshal(message.Data, &event); err != nil {
		h.log.Warn("dropping undecodable event", zap.String("origin", message.ServerID), zap.Error(err))
		return
	}
	if err := event.Validate(); err != nil {
		h.log.Warn("dropping invalid event", zap.String("origin", message.ServerID), zap.Error(err))
		return
	}
	h.Deliver(event)
}

// Evict asks every instance to close the connections of a tenant, or of
// one user of it.
func (h *Hub) Evict(ctx context.Context, tenantID, userID, reason string) error {
	if tenantID == "" {
		return errors.New("tenant id is required")
	}
	return h.pubsub.Publish(ctx, h.control, ControlMessage{
		Kind:     ControlEvict,
		TenantID: tenantID,
		UserID:   userID,
		Reason:   reason,
	})
}

// EvictLocal closes the matching connections held by this instance.
func (h *Hub) EvictLocal(tenantID, userID, reason string) int {
	if reason == "" {
		reason = "evicted"
	}
	var targets []*Connection
	h.manager.Range(func(c *Connection) bool {
		identity := c.Identity()
		if identity.TenantID == tenantID && (userID == "" || identity.UserID == userID) {
			targets = append(targets, c)
		}
		return true
	})

	for _, c := range targets {
		metrics.Evictions.WithLabelValues("forced").Inc()
		go c.Fail(CodeUnauthorized, reason, "")
	}
	if len(targets) > 0 {
		h.log.Info("evicted connections",
			zap.String("tenant_id", tenantID),
			zap.String("user_id", userID),
			zap.Int("count", len(targets)),
		)
	}
	return len(targets)
}

func (h *Hub) handleControl(message broker.Message) {
	var control ControlMessage
	if err := json.Unmarshal(message.Data, &control); err != nil {
		h.log.Warn("dropping undecodable control message", zap.Error(err))
		return
	}
	switch control.Kind {
	case ControlEvict:
		if control.TenantID == "" {
			return
		}
		h.EvictLocal(control.TenantID, control.UserID, control.Reason)
	default:
		h.log.Warn("unknown control message", zap.String("kind", control.Kind))
	}
}
