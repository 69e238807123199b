package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/metrics-pooler/metrics"
	"github.com/abdelmounim-dev/metrics-pooler/session"
)

const presenceTimeout = 2 * time.Second

// ClientManager manages connected websocket clients for a single server instance.
// It coordinates between the in-memory connection map and the presence store.
type ClientManager struct {
	clients      sync.Map // In-memory map of active connections for this instance
	count        atomic.Int64
	wg           sync.WaitGroup
	sessionStore session.Store
	serverID     string
	log          *zap.Logger
}

// NewClientManager creates a new client manager. store may be nil to run
// without presence records.
func NewClientManager(store session.Store, serverID string, log *zap.Logger) *ClientManager {
	return &ClientManager{
		sessionStore: store,
		serverID:     serverID,
		log:          log.With(zap.String("module", "manager")),
	}
}

func (m *ClientManager) ServerID() string { return m.serverID }

// AddClient tracks a freshly accepted connection.
func (m *ClientManager) AddClient(c *Connection) {
	m.clients.Store(c.ID, c)
	m.count.Add(1)
	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()
}

func (m *ClientManager) presence(c *Connection) *session.Session {
	identity := c.Identity()
	return &session.Session{
		ConnectionID: c.ID,
		UserID:       identity.UserID,
		TenantID:     identity.TenantID,
		ServerID:     m.serverID,
		ConnectedAt:  c.CreatedAt,
	}
}

// RegisterPresence writes the presence record of a joined connection.
func (m *ClientManager) RegisterPresence(ctx context.Context, c *Connection) error {
	if m.sessionStore == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	return m.sessionStore.Create(ctx, m.presence(c))
}

// RemoveClient forgets the connection and deletes its presence record. Only
// the first call for a connection has an effect.
func (m *ClientManager) RemoveClient(c *Connection) {
	if _, loaded := m.clients.LoadAndDelete(c.ID); !loaded {
		return
	}
	m.count.Add(-1)
	metrics.ActiveConnections.Dec()

	if m.sessionStore == nil || c.TenantID() == "" {
		return
	}
	// The connection context is already cancelled here.
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := m.sessionStore.Delete(ctx, m.presence(c)); err != nil {
		m.log.Warn("failed to delete presence record", zap.String("connection_id", c.ID), zap.Error(err))
	}
}

// GetClient retrieves a live client connection by ID from the in-memory map.
func (m *ClientManager) GetClient(connectionID string) (*Connection, bool) {
	if c, ok := m.clients.Load(connectionID); ok {
		return c.(*Connection), true
	}
	return nil, false
}

// Count returns the number of live connections on this instance.
func (m *ClientManager) Count() int {
	return int(m.count.Load())
}

// Range calls fn for every live connection until fn returns false.
func (m *ClientManager) Range(fn func(c *Connection) bool) {
	m.clients.Range(func(_, value interface{}) bool {
		return fn(value.(*Connection))
	})
}

// RefreshSessionTTL extends the presence record of the connection.
func (m *ClientManager) RefreshSessionTTL(ctx context.Context, c *Connection) {
	if m.sessionStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	if err := m.sessionStore.RefreshTTL(ctx, m.presence(c)); err != nil {
		// Transient store errors do not affect the connection.
		m.log.Debug("failed to refresh presence TTL", zap.String("connection_id", c.ID), zap.Error(err))
	}
}

// IncreaseWaitGroup increases the wait group counter
func (m *ClientManager) IncreaseWaitGroup() {
	m.wg.Add(1)
}

// DecreaseWaitGroup decreases the wait group counter
func (m *ClientManager) DecreaseWaitGroup() {
	m.wg.Done()
}

// WaitForCompletion waits for all connection goroutines to finish or for
// ctx to expire.
func (m *ClientManager) WaitForCompletion(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseAllConnections sends close frames to all clients. Cleanup hooks
// remove each one from the manager.
func (m *ClientManager) CloseAllConnections(reason string) {
	var wg sync.WaitGroup
	m.Range(func(c *Connection) bool {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close(websocket.CloseGoingAway, reason)
		}()
		return true
	})
	wg.Wait()
	m.log.Info("closed all connections", zap.String("reason", reason))
}
