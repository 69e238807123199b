// Package session keeps presence records for live connections in the shared
// store, so any instance can tell who is connected to a tenant and where.
package session

import (
	"context"
	"time"
)

// Session describes one live connection.
type Session struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	TenantID     string    `json:"tenant_id"`
	ServerID     string    `json:"server_id"` // ID of the pooler instance holding the connection
	ConnectedAt  time.Time `json:"connected_at"`
}

// Store defines the interface for presence management.
type Store interface {
	// Create stores a new presence record.
	Create(ctx context.Context, session *Session) error
	// Get retrieves a record by connection ID. A missing record is (nil, nil).
	Get(ctx context.Context, connectionID string) (*Session, error)
	// Delete removes a record.
	Delete(ctx context.Context, session *Session) error
	// RefreshTTL extends the record's lifetime in the store.
	RefreshTTL(ctx context.Context, session *Session) error
	// ListTenant returns the live records of a tenant across all instances.
	ListTenant(ctx context.Context, tenantID string) ([]Session, error)
}
