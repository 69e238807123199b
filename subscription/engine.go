// Package subscription holds the metric subscriptions of local connections
// and resolves which of them a published event must reach.
package subscription

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"

	"github.com/abdelmounim-dev/metrics-pooler/metrics"
)

const shardCount = 32

var (
	ErrCrossTenant          = errors.New("filter targets another tenant")
	ErrInvalidFilter        = errors.New("invalid filter")
	ErrTooManySubscriptions = errors.New("too many subscriptions for connection")
	ErrNotFound             = errors.New("subscription not found")
)

// Owner is the connection a subscription belongs to.
type Owner struct {
	ConnectionID string
	TenantID     string
}

// Handle addresses one subscription of one connection.
type Handle struct {
	ConnectionID string
	ID           string
}

type Subscription struct {
	ID           string
	ConnectionID string
	TenantID     string
	Filter       Filter
	CreatedAt    time.Time
}

// Match lists the subscriptions of one connection satisfied by an event.
type Match struct {
	ConnectionID    string
	SubscriptionIDs []string
}

// tenantShard indexes tenant -> metric type -> subscription id.
type tenantShard struct {
	mu     sync.RWMutex
	byType map[string]map[string]map[string]*Subscription
}

type connShard struct {
	mu     sync.Mutex
	byConn map[string]map[string]*Subscription
}

// Engine is safe for concurrent use. Locks are always taken connection shard
// first, then tenant shard.
type Engine struct {
	maxPerConnection int
	tenants          [shardCount]*tenantShard
	conns            [shardCount]*connShard
}

// NewEngine creates an engine. maxPerConnection <= 0 means no cap.
func NewEngine(maxPerConnection int) *Engine {
	e := &Engine{maxPerConnection: maxPerConnection}
	for i := 0; i < shardCount; i++ {
		e.tenants[i] = &tenantShard{byType: make(map[string]map[string]map[string]*Subscription)}
		e.conns[i] = &connShard{byConn: make(map[string]map[string]*Subscription)}
	}
	return e
}

func shardFor(key string) uint32 {
	return murmur3.Sum32([]byte(key)) % shardCount
}

// Subscribe registers filter for owner. An empty filter tenant means the
// owner's tenant; any other tenant is rejected.
func (e *Engine) Subscribe(owner Owner, filter Filter) (Handle, error) {
	if owner.ConnectionID == "" || owner.TenantID == "" {
		return Handle{}, fmt.Errorf("%w: owner is not joined to a tenant", ErrInvalidFilter)
	}
	if filter.TenantID == "" {
		filter.TenantID = owner.TenantID
	}
	if filter.TenantID != owner.TenantID {
		return Handle{}, ErrCrossTenant
	}
	filter.Dimensions = append([]Constraint(nil), filter.Dimensions...)
	if err := filter.Normalize(); err != nil {
		return Handle{}, err
	}

	sub := &Subscription{
		ID:           uuid.NewString(),
		ConnectionID: owner.ConnectionID,
		TenantID:     owner.TenantID,
		Filter:       filter,
		CreatedAt:    time.Now().UTC(),
	}

	cs := e.conns[shardFor(owner.ConnectionID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()

	owned := cs.byConn[owner.ConnectionID]
	if e.maxPerConnection > 0 && len(owned) >= e.maxPerConnection {
		return Handle{}, ErrTooManySubscriptions
	}
	if owned == nil {
		owned = make(map[string]*Subscription)
		cs.byConn[owner.ConnectionID] = owned
	}
	owned[sub.ID] = sub

	ts := e.tenants[shardFor(sub.TenantID)]
	ts.mu.Lock()
	types, ok := ts.byType[sub.TenantID]
	if !ok {
		types = make(map[string]map[string]*Subscription)
		ts.byType[sub.TenantID] = types
	}
	subs, ok := types[filter.MetricType]
	if !ok {
		subs = make(map[string]*Subscription)
		types[filter.MetricType] = subs
	}
	subs[sub.ID] = sub
	ts.mu.Unlock()

	metrics.ActiveSubscriptions.Inc()
	return Handle{ConnectionID: owner.ConnectionID, ID: sub.ID}, nil
}

// Unsubscribe removes the subscription if it belongs to the handle's
// connection.
func (e *Engine) Unsubscribe(handle Handle) error {
	cs := e.conns[shardFor(handle.ConnectionID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()

	owned := cs.byConn[handle.ConnectionID]
	sub, ok := owned[handle.ID]
	if !ok {
		return ErrNotFound
	}
	delete(owned, handle.ID)
	if len(owned) == 0 {
		delete(cs.byConn, handle.ConnectionID)
	}
	e.unindex(sub)
	return nil
}

// RemoveConnection drops every subscription of the connection and reports
// how many were removed.
func (e *Engine) RemoveConnection(connectionID string) int {
	cs := e.conns[shardFor(connectionID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()

	owned := cs.byConn[connectionID]
	delete(cs.byConn, connectionID)
	for _, sub := range owned {
		e.unindex(sub)
	}
	return len(owned)
}

func (e *Engine) unindex(sub *Subscription) {
	ts := e.tenants[shardFor(sub.TenantID)]
	ts.mu.Lock()
	defer ts.mu.Unlock()

	types := ts.byType[sub.TenantID]
	subs := types[sub.Filter.MetricType]
	if _, ok := subs[sub.ID]; !ok {
		return
	}
	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(types, sub.Filter.MetricType)
	}
	if len(types) == 0 {
		delete(ts.byType, sub.TenantID)
	}
	metrics.ActiveSubscriptions.Dec()
}

// Matches returns, per connection, the subscriptions the event satisfies.
// Connections are ordered by ID and subscription IDs are sorted.
func (e *Engine) Matches(event Event) []Match {
	ts := e.tenants[shardFor(event.TenantID)]
	ts.mu.RLock()
	grouped := make(map[string][]string)
	for id, sub := range ts.byType[event.TenantID][event.MetricKey.Type] {
		if sub.Filter.Matches(event.TenantID, event.MetricKey) {
			grouped[sub.ConnectionID] = append(grouped[sub.ConnectionID], id)
		}
	}
	ts.mu.RUnlock()

	matches := make([]Match, 0, len(grouped))
	for connID, ids := range grouped {
		sort.Strings(ids)
		matches = append(matches, Match{ConnectionID: connID, SubscriptionIDs: ids})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ConnectionID < matches[j].ConnectionID })
	return matches
}

// Get returns the subscription behind handle if the connection owns it.
func (e *Engine) Get(handle Handle) (Subscription, bool) {
	cs := e.conns[shardFor(handle.ConnectionID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	sub, ok := cs.byConn[handle.ConnectionID][handle.ID]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

// CountFor returns how many subscriptions the connection holds.
func (e *Engine) CountFor(connectionID string) int {
	cs := e.conns[shardFor(connectionID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.byConn[connectionID])
}

func (e *Engine) Count() int {
	n := 0
	for _, cs := range e.conns {
		cs.mu.Lock()
		for _, owned := range cs.byConn {
			n += len(owned)
		}
		cs.mu.Unlock()
	}
	return n
}
