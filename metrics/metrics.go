package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebSocket Metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "The current number of active WebSocket connections on this instance.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "The total number of WebSocket connections accepted.",
	})
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_received_total",
		Help: "The total number of frames received from clients.",
	})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "The total number of frames written to clients.",
	})
	Evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_evictions_total",
		Help: "Connections closed by the server, by reason.",
	}, []string{"reason"})

	// Broker Metrics
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_messages_published_total",
		Help: "The total number of messages published to the message broker.",
	}, []string{"broker_type"})
	BrokerPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_publish_retries_total",
		Help: "The total number of retries when publishing to the message broker.",
	}, []string{"broker_type"})

	// Bridge Metrics
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Snapshot reads served from the shared cache.",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Snapshot reads that missed, including degraded reads.",
	})
	BridgeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_errors_total",
		Help: "Failed or timed out backing store operations, by operation.",
	}, []string{"op"})

	// Distribution Metrics
	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "events_delivered_total",
		Help: "Metric updates queued to local connections.",
	})
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_dropped_total",
		Help: "Metric updates not delivered, by reason.",
	}, []string{"reason"})
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subscriptions_active",
		Help: "Metric subscriptions held by local connections.",
	})
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tenant_rooms_active",
		Help: "Tenant rooms with at least one local member.",
	})
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimit_rejections_total",
		Help: "Requests rejected by admission control, by scope.",
	}, []string{"scope"})

	// Auth Metrics
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_success_total",
		Help: "The total number of successful authentications.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_failures_total",
		Help: "The total number of failed authentications.",
	}, []string{"reason"})
)

// NewServer returns an HTTP server exposing the Prometheus registry on port/path.
// The caller owns ListenAndServe and Shutdown.
func NewServer(port int, path string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
