package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements the Store interface using Redis. Each record lives
// under prefix:conn:<id> and is indexed in the set prefix:tenant:<tenant>.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new RedisStore.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisStore) recordKey(connectionID string) string {
	return fmt.Sprintf("%s:conn:%s", s.prefix, connectionID)
}

func (s *RedisStore) tenantKey(tenantID string) string {
	return fmt.Sprintf("%s:tenant:%s", s.prefix, tenantID)
}

// Create stores a new record in Redis with a TTL.
func (s *RedisStore) Create(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(session.ConnectionID), data, s.ttl)
		pipe.SAdd(ctx, s.tenantKey(session.TenantID), session.ConnectionID)
		pipe.Expire(ctx, s.tenantKey(session.TenantID), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Get retrieves a record from Redis.
func (s *RedisStore) Get(ctx context.Context, connectionID string) (*Session, error) {
	data, err := s.client.Get(ctx, s.recordKey(connectionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// Delete removes a record and its tenant index entry.
func (s *RedisStore) Delete(ctx context.Context, session *Session) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(session.ConnectionID))
		pipe.SRem(ctx, s.tenantKey(session.TenantID), session.ConnectionID)
		return nil
	})
	return err
}

// RefreshTTL updates the expiration of the record and the tenant index.
// Refreshing a record that already expired is a no-op.
func (s *RedisStore) RefreshTTL(ctx context.Context, session *Session) error {
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, s.recordKey(session.ConnectionID), s.ttl)
		pipe.Expire(ctx, s.tenantKey(session.TenantID), s.ttl)
		return nil
	})
	return err
}

// ListTenant returns the tenant's records. Index entries whose record has
// expired are pruned.
func (s *RedisStore) ListTenant(ctx context.Context, tenantID string) ([]Session, error) {
	ids, err := s.client.SMembers(ctx, s.tenantKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant sessions: %w", err)
	}

	sessions := make([]Session, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var session Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		sessions = append(sessions, session)
	}
	if len(stale) > 0 {
		s.client.SRem(ctx, s.tenantKey(tenantID), stale...)
	}
	return sessions, nil
}
