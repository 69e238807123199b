package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/metrics-pooler/aggregation"
	"github.com/abdelmounim-dev/metrics-pooler/bridge"
	"github.com/abdelmounim-dev/metrics-pooler/broker"
	"github.com/abdelmounim-dev/metrics-pooler/config"
	"github.com/abdelmounim-dev/metrics-pooler/health"
	"github.com/abdelmounim-dev/metrics-pooler/ratelimit"
	"github.com/abdelmounim-dev/metrics-pooler/room"
	"github.com/abdelmounim-dev/metrics-pooler/session"
	"github.com/abdelmounim-dev/metrics-pooler/subscription"
	"github.com/abdelmounim-dev/metrics-pooler/websocket"
)

const token = "producer-token"

type fixture struct {
	mr      *miniredis.Miniredis
	server  *Server
	http    *httptest.Server
	manager *websocket.ClientManager
}

func newFixture(t *testing.T, emitToken string) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	log := zap.NewNop()
	mb := broker.NewRedisBroker(client, log)
	b := bridge.New(client, mb, bridge.Options{ServerID: "node-1"}, log)
	presence := session.NewRedisStore(client, "presence", time.Minute)
	manager := websocket.NewClientManager(presence, "node-1", log)
	rooms := room.NewRegistry()
	engine := subscription.NewEngine(10)

	hub := websocket.NewHub(b, engine, manager, "metrics.updates", "metrics.control", log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, hub.Start(ctx))

	handler := websocket.NewHandler(websocket.HandlerOptions{
		WebSocket: config.WebSocketConfig{
			MaxConnections:   10,
			MessageSizeLimit: 4096,
			HandshakeTimeout: 5,
			PingInterval:     25,
			PongTimeout:      30,
			ActivityTimeout:  60,
			WriteTimeout:     5,
			SendBuffer:       16,
		},
		MaxViolations: 3,
		Manager:       manager,
		Rooms:         rooms,
		Engine:        engine,
		Admission: ratelimit.NewLimiter(b, config.RateLimitConfig{
			ConnectionsPerTenant:    100,
			ConnectionWindow:        60,
			SubscribesPerConnection: 100,
			SubscribeWindow:         60,
		}, log),
		Resolver: websocket.TrustingResolver{},
		Log:      log,
	})

	checker := health.NewHealthChecker("node-1")
	checker.Register(health.CheckFunc("redis", b.Ping))

	srv := NewServer(Options{
		Config:    config.ServerConfig{Port: 0, EmitToken: emitToken},
		WebSocket: handler.HandleWebSocket,
		Manager:   manager,
		Rooms:     rooms,
		Hub:       hub,
		Emitter:   aggregation.NewEmitter(b, "metrics.updates", time.Hour, log),
		Presence:  presence,
		Health:    checker,
		Broker:    mb,
		Log:       log,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { manager.CloseAllConnections("test done") })

	return &fixture{mr: mr, server: srv, http: ts, manager: manager}
}

func (f *fixture) do(t *testing.T, method, path, bearer string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.http.URL+path, &buf)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) joinedClient(t *testing.T, tenantID, userID string, metric string) *gorilla.Conn {
	t.Helper()
	conn, _, err := gorilla.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.http.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(websocket.Request{Action: websocket.ActionJoinTenant, TenantID: tenantID, UserID: userID}))
	assert.Equal(t, websocket.FrameJoined, readType(t, conn))
	if metric != "" {
		require.NoError(t, conn.WriteJSON(websocket.Request{
			Action:  websocket.ActionSubscribe,
			Filters: []websocket.FilterParams{{Metric: metric}},
		}))
		assert.Equal(t, websocket.FrameSubscribed, readType(t, conn))
	}
	return conn
}

func readType(t *testing.T, conn *gorilla.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame struct {
		Type string `json:"type"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	return frame.Type
}

func closeCode(t *testing.T, conn *gorilla.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var closeErr *gorilla.CloseError
			require.ErrorAs(t, err, &closeErr)
			return closeErr.Code
		}
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "")
	f.joinedClient(t, "acme", "alice", "")

	resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report health.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, health.StatusUp, report.Status)
	assert.Equal(t, "node-1", report.ServerID)
	assert.Equal(t, 1, report.Connections)
	assert.Equal(t, 1, report.Rooms)
	assert.Equal(t, "ok", report.Checks["redis"])

	f.mr.Close()
	resp = f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, health.StatusDegraded, report.Status)
	assert.NotEqual(t, "ok", report.Checks["redis"])
}

func TestEmit(t *testing.T) {
	f := newFixture(t, token)
	conn := f.joinedClient(t, "acme", "alice", "revenue")

	update := aggregation.Update{
		TenantID: "acme",
		Key:      subscription.MetricKey{Type: "revenue", Dimensions: map[string]string{"region": "EU"}},
		Value:    1250.5,
		Unit:     "USD",
	}
	resp := f.do(t, http.MethodPost, "/v1/emit", token, update)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, websocket.FrameMetricUpdate, readType(t, conn))
}

func TestEmit_Rejects(t *testing.T) {
	f := newFixture(t, token)

	tests := []struct {
		name   string
		bearer string
		body   interface{}
		status int
	}{
		{"no token", "", aggregation.Update{TenantID: "acme"}, http.StatusUnauthorized},
		{"wrong token", "guess", aggregation.Update{TenantID: "acme"}, http.StatusUnauthorized},
		{"missing tenant", token, aggregation.Update{Key: subscription.MetricKey{Type: "revenue"}}, http.StatusBadRequest},
		{"missing metric", token, aggregation.Update{TenantID: "acme"}, http.StatusBadRequest},
		{"bad granularity", token, aggregation.Update{TenantID: "acme", Key: subscription.MetricKey{Type: "revenue", Granularity: "decade"}}, http.StatusBadRequest},
		{"unknown field", token, map[string]string{"tenant": "acme"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/v1/emit", tt.bearer, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestEndpointsDisabledWithoutToken(t *testing.T) {
	f := newFixture(t, "")

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/emit", "anything", aggregation.Update{}).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/evict", "anything", EvictRequest{TenantID: "acme"}).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/presence/acme", "anything", nil).StatusCode)
}

func TestEvict(t *testing.T) {
	f := newFixture(t, token)
	alice := f.joinedClient(t, "acme", "alice", "")

	resp := f.do(t, http.MethodPost, "/v1/evict", token, EvictRequest{TenantID: "acme", UserID: "alice", Reason: "logged out"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Equal(t, websocket.FrameError, readType(t, alice))
	assert.Equal(t, gorilla.ClosePolicyViolation, closeCode(t, alice))

	resp = f.do(t, http.MethodPost, "/v1/evict", token, EvictRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPresence(t *testing.T) {
	f := newFixture(t, token)
	f.joinedClient(t, "acme", "alice", "")
	f.joinedClient(t, "acme", "bob", "")
	f.joinedClient(t, "globex", "carol", "")

	resp := f.do(t, http.MethodGet, "/v1/presence/acme", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body PresenceResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "acme", body.TenantID)
	require.Len(t, body.Sessions, 2)
	users := []string{body.Sessions[0].UserID, body.Sessions[1].UserID}
	assert.ElementsMatch(t, []string{"alice", "bob"}, users)

	resp = f.do(t, http.MethodGet, "/v1/presence/initech", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Empty(t, body.Sessions)
	assert.NotNil(t, body.Sessions)
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, token)
	conns := []*gorilla.Conn{
		f.joinedClient(t, "acme", "alice", "revenue"),
		f.joinedClient(t, "globex", "bob", ""),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))

	for _, conn := range conns {
		assert.Equal(t, gorilla.CloseGoingAway, closeCode(t, conn))
	}
	assert.Zero(t, f.manager.Count())
}
