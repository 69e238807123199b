package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/metrics-pooler/session"
)

func TestClientManager_Lifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := session.NewRedisStore(client, "presence", time.Minute)
	manager := NewClientManager(store, "node-1", zap.NewNop())
	ctx := context.Background()

	c, _ := connPair(t, testWebSocketConfig())
	manager.AddClient(c)
	assert.Equal(t, 1, manager.Count())

	got, ok := manager.GetClient(c.ID)
	require.True(t, ok)
	assert.Same(t, c, got)

	require.NoError(t, c.Authenticate(Identity{UserID: "alice", TenantID: "acme"}))
	require.NoError(t, manager.RegisterPresence(ctx, c))

	sess, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "node-1", sess.ServerID)
	assert.Equal(t, "acme", sess.TenantID)

	mr.FastForward(50 * time.Second)
	manager.RefreshSessionTTL(ctx, c)
	mr.FastForward(50 * time.Second)
	sess, err = store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.NotNil(t, sess)

	manager.RemoveClient(c)
	manager.RemoveClient(c)
	assert.Equal(t, 0, manager.Count())
	_, ok = manager.GetClient(c.ID)
	assert.False(t, ok)

	sessions, err := store.ListTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestClientManager_WithoutPresenceStore(t *testing.T) {
	manager := NewClientManager(nil, "node-1", zap.NewNop())
	c, _ := connPair(t, testWebSocketConfig())
	manager.AddClient(c)

	assert.NoError(t, manager.RegisterPresence(context.Background(), c))
	manager.RefreshSessionTTL(context.Background(), c)
	manager.RemoveClient(c)
	assert.Equal(t, 0, manager.Count())
}

func TestClientManager_CloseAllAndWait(t *testing.T) {
	manager := NewClientManager(nil, "node-1", zap.NewNop())
	var clients []*websocket.Conn
	for i := 0; i < 3; i++ {
		c, client := connPair(t, testWebSocketConfig())
		c.OnClose(manager.RemoveClient)
		manager.AddClient(c)
		manager.IncreaseWaitGroup()
		go func() {
			defer manager.DecreaseWaitGroup()
			<-c.Context().Done()
		}()
		clients = append(clients, client)
	}

	manager.CloseAllConnections("shutting down")
	assert.Equal(t, 0, manager.Count())
	for _, client := range clients {
		assert.Equal(t, websocket.CloseGoingAway, readClose(t, client))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, manager.WaitForCompletion(ctx))
}

func TestClientManager_WaitForCompletionTimeout(t *testing.T) {
	manager := NewClientManager(nil, "node-1", zap.NewNop())
	manager.IncreaseWaitGroup()
	defer manager.DecreaseWaitGroup()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, manager.WaitForCompletion(ctx), context.DeadlineExceeded)
}
