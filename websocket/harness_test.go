package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/metrics-pooler/aggregation"
	"github.com/abdelmounim-dev/metrics-pooler/bridge"
	"github.com/abdelmounim-dev/metrics-pooler/broker"
	"github.com/abdelmounim-dev/metrics-pooler/config"
	"github.com/abdelmounim-dev/metrics-pooler/ratelimit"
	"github.com/abdelmounim-dev/metrics-pooler/room"
	"github.com/abdelmounim-dev/metrics-pooler/session"
	"github.com/abdelmounim-dev/metrics-pooler/subscription"
)

const (
	updatesChannel = "metrics.updates"
	controlChannel = "metrics.control"
	frameTimeout   = 2 * time.Second
)

func testWebSocketConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		MaxConnections:   100,
		MessageSizeLimit: 4096,
		HandshakeTimeout: 5,
		PingInterval:     25,
		PongTimeout:      30,
		ActivityTimeout:  60,
		WriteTimeout:     5,
		SendBuffer:       64,
		KeepAlive:        true,
	}
}

func testRateLimits() config.RateLimitConfig {
	return config.RateLimitConfig{
		ConnectionsPerTenant:    100,
		ConnectionWindow:        60,
		SubscribesPerConnection: 30,
		SubscribeWindow:         60,
		MaxViolations:           3,
	}
}

type instanceOptions struct {
	ws               config.WebSocketConfig
	limits           config.RateLimitConfig
	maxSubscriptions int
	resolver         IdentityResolver
}

// instance is one pooler wired the way main does it, served by httptest.
type instance struct {
	bridge   *bridge.Bridge
	manager  *ClientManager
	rooms    *room.Registry
	engine   *subscription.Engine
	hub      *Hub
	emitter  *aggregation.Emitter
	presence *session.RedisStore
	server   *httptest.Server
}

func newInstance(t *testing.T, mr *miniredis.Miniredis, serverID string, mutate func(*instanceOptions)) *instance {
	t.Helper()
	opts := instanceOptions{
		ws:               testWebSocketConfig(),
		limits:           testRateLimits(),
		maxSubscriptions: 50,
		resolver:         TrustingResolver{},
	}
	if mutate != nil {
		mutate(&opts)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := zap.NewNop()
	b := bridge.New(client, broker.NewRedisBroker(client, log), bridge.Options{ServerID: serverID}, log)
	presence := session.NewRedisStore(client, "presence", 90*time.Second)

	inst := &instance{
		bridge:   b,
		manager:  NewClientManager(presence, serverID, log),
		rooms:    room.NewRegistry(),
		engine:   subscription.NewEngine(opts.maxSubscriptions),
		emitter:  aggregation.NewEmitter(b, updatesChannel, time.Hour, log),
		presence: presence,
	}
	inst.hub = NewHub(b, inst.engine, inst.manager, updatesChannel, controlChannel, log)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, inst.hub.Start(ctx))

	handler := NewHandler(HandlerOptions{
		WebSocket:     opts.ws,
		MaxViolations: opts.limits.MaxViolations,
		Manager:       inst.manager,
		Rooms:         inst.rooms,
		Engine:        inst.engine,
		Admission:     ratelimit.NewLimiter(b, opts.limits, log),
		Resolver:      opts.resolver,
		Log:           log,
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.HandleWebSocket)
	inst.server = httptest.NewServer(mux)

	t.Cleanup(func() {
		inst.manager.CloseAllConnections("test done")
		inst.server.Close()
		inst.hub.Stop()
		cancel()
	})
	return inst
}

func (inst *instance) url() string {
	return "ws" + strings.TrimPrefix(inst.server.URL, "http") + "/ws"
}

func dial(t *testing.T, inst *instance) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(inst.url(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

type frame struct {
	Type            string                 `json:"type"`
	RequestID       string                 `json:"requestId"`
	Code            string                 `json:"code"`
	Message         string                 `json:"message"`
	ConnectionID    string                 `json:"connectionId"`
	TenantID        string                 `json:"tenantId"`
	UserID          string                 `json:"userId"`
	SubscriptionID  string                 `json:"subscriptionId"`
	SubscriptionIDs []string               `json:"subscriptionIds"`
	MetricKey       subscription.MetricKey `json:"metricKey"`
	Payload         json.RawMessage        `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(frameTimeout)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readClose reads until the server closes the connection and returns the
// close code.
func readClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(frameTimeout)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected close frame, got %v", err)
		return closeErr.Code
	}
}

func join(t *testing.T, conn *websocket.Conn, tenantID, userID string) frame {
	t.Helper()
	send(t, conn, Request{Action: ActionJoinTenant, TenantID: tenantID, UserID: userID})
	f := readFrame(t, conn)
	require.Equal(t, FrameJoined, f.Type, "join failed: %s %s", f.Code, f.Message)
	return f
}

func subscribe(t *testing.T, conn *websocket.Conn, filters ...FilterParams) []string {
	t.Helper()
	send(t, conn, Request{Action: ActionSubscribe, Filters: filters})
	f := readFrame(t, conn)
	require.Equal(t, FrameSubscribed, f.Type, "subscribe failed: %s %s", f.Code, f.Message)
	return f.SubscriptionIDs
}
