// Package room tracks which local connections belong to which tenant.
package room

import (
	"errors"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/abdelmounim-dev/metrics-pooler/metrics"
)

const shardCount = 32

var (
	ErrTenantMismatch = errors.New("requested tenant does not match authenticated tenant")
	ErrAlreadyJoined  = errors.New("connection already joined a tenant")
	ErrEmptyTenant    = errors.New("tenant id is required")
)

// Member identifies a connection and the tenant it authenticated as.
type Member struct {
	ConnectionID string
	TenantID     string
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
}

type indexShard struct {
	mu      sync.RWMutex
	tenants map[string]string
}

// Registry maps tenants to the set of local connections joined to them.
// Rooms are created on first join and dropped when their last member leaves.
type Registry struct {
	rooms [shardCount]*roomShard
	index [shardCount]*indexShard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := 0; i < shardCount; i++ {
		r.rooms[i] = &roomShard{rooms: make(map[string]map[string]struct{})}
		r.index[i] = &indexShard{tenants: make(map[string]string)}
	}
	return r
}

func shardFor(key string) uint32 {
	return murmur3.Sum32([]byte(key)) % shardCount
}

// Join adds the member to tenantID's room. The requested tenant must equal
// the member's authenticated tenant, and a connection joins at most one
// tenant for its lifetime. Joining the same tenant twice is a no-op.
func (r *Registry) Join(member Member, tenantID string) error {
	if tenantID == "" || member.TenantID == "" {
		return ErrEmptyTenant
	}
	if member.TenantID != tenantID {
		return ErrTenantMismatch
	}

	// Locks are always taken index first, then room.
	idx := r.index[shardFor(member.ConnectionID)]
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if current, ok := idx.tenants[member.ConnectionID]; ok {
		if current == tenantID {
			return nil
		}
		return ErrAlreadyJoined
	}
	idx.tenants[member.ConnectionID] = tenantID

	shard := r.rooms[shardFor(tenantID)]
	shard.mu.Lock()
	members, ok := shard.rooms[tenantID]
	if !ok {
		members = make(map[string]struct{})
		shard.rooms[tenantID] = members
		metrics.ActiveRooms.Inc()
	}
	members[member.ConnectionID] = struct{}{}
	shard.mu.Unlock()
	return nil
}

// Leave removes the connection from its room, if any.
func (r *Registry) Leave(connectionID string) {
	idx := r.index[shardFor(connectionID)]
	idx.mu.Lock()
	defer idx.mu.Unlock()
	tenantID, ok := idx.tenants[connectionID]
	if !ok {
		return
	}
	delete(idx.tenants, connectionID)

	shard := r.rooms[shardFor(tenantID)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	members, ok := shard.rooms[tenantID]
	if !ok {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(shard.rooms, tenantID)
		metrics.ActiveRooms.Dec()
	}
}

// MembersOf returns a copy of the local members of tenantID's room.
func (r *Registry) MembersOf(tenantID string) []string {
	shard := r.rooms[shardFor(tenantID)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	members := shard.rooms[tenantID]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

func (r *Registry) TenantOf(connectionID string) (string, bool) {
	idx := r.index[shardFor(connectionID)]
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	tenantID, ok := idx.tenants[connectionID]
	return tenantID, ok
}

// Rooms returns the number of non-empty rooms.
func (r *Registry) Rooms() int {
	n := 0
	for _, shard := range r.rooms {
		shard.mu.RLock()
		n += len(shard.rooms)
		shard.mu.RUnlock()
	}
	return n
}

// Count returns the number of joined connections.
func (r *Registry) Count() int {
	n := 0
	for _, idx := range r.index {
		idx.mu.RLock()
		n += len(idx.tenants)
		idx.mu.RUnlock()
	}
	return n
}
