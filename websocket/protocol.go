package websocket

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/abdelmounim-dev/metrics-pooler/subscription"
)

// Inbound actions.
const (
	ActionJoinTenant  = "join-tenant"
	ActionSubscribe   = "subscribe-metrics"
	ActionUnsubscribe = "unsubscribe-metrics"
	ActionPing        = "ping"
)

// Outbound frame types.
const (
	FrameJoined       = "joined"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FramePong         = "pong"
	FrameMetricUpdate = "metric-update"
	FrameError        = "error"
)

// Error codes carried by error frames.
const (
	CodeBadRequest           = "bad_request"
	CodeUnauthorized         = "unauthorized"
	CodeForbidden            = "forbidden"
	CodeRateLimited          = "rate_limited"
	CodeNotFound             = "not_found"
	CodeInvalidFilter        = "invalid_filter"
	CodeTooManySubscriptions = "too_many_subscriptions"
	CodeInternal             = "internal"
)

// Request is any frame a client sends. Fields not used by the action are
// ignored.
type Request struct {
	Action         string         `json:"action"`
	RequestID      string         `json:"requestId,omitempty"`
	TenantID       string         `json:"tenantId,omitempty"`
	AuthToken      string         `json:"authToken,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	Filters        []FilterParams `json:"filters,omitempty"`
	SubscriptionID string         `json:"subscriptionId,omitempty"`
}

// FilterParams is the wire form of a subscription filter.
type FilterParams struct {
	TenantID    string            `json:"tenantId,omitempty"`
	Metric      string            `json:"metric"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
	Granularity string            `json:"granularity,omitempty"`
}

func (f FilterParams) Filter() subscription.Filter {
	return subscription.NewFilter(f.TenantID, f.Metric, f.Dimensions, f.Granularity)
}

type JoinedFrame struct {
	Type         string `json:"type"`
	RequestID    string `json:"requestId,omitempty"`
	ConnectionID string `json:"connectionId"`
	TenantID     string `json:"tenantId"`
	UserID       string `json:"userId,omitempty"`
}

type SubscribedFrame struct {
	Type            string   `json:"type"`
	RequestID       string   `json:"requestId,omitempty"`
	SubscriptionIDs []string `json:"subscriptionIds"`
}

type UnsubscribedFrame struct {
	Type           string `json:"type"`
	RequestID      string `json:"requestId,omitempty"`
	SubscriptionID string `json:"subscriptionId"`
}

type PongFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
}

// MetricUpdateFrame is pushed once per connection per event, listing every
// subscription of the connection the event satisfied.
type MetricUpdateFrame struct {
	Type            string                 `json:"type"`
	TenantID        string                 `json:"tenantId"`
	MetricKey       subscription.MetricKey `json:"metricKey"`
	Payload         json.RawMessage        `json:"payload"`
	Timestamp       time.Time              `json:"timestamp"`
	SubscriptionIDs []string               `json:"subscriptionIds"`
}

type ErrorFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// codeFor maps subscription errors to wire error codes.
func codeFor(err error) string {
	switch {
	case errors.Is(err, subscription.ErrCrossTenant):
		return CodeForbidden
	case errors.Is(err, subscription.ErrInvalidFilter):
		return CodeInvalidFilter
	case errors.Is(err, subscription.ErrTooManySubscriptions):
		return CodeTooManySubscriptions
	case errors.Is(err, subscription.ErrNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}
