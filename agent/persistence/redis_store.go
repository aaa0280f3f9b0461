package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/agentcore/agent"
)

// RedisStore is a Redis-based implementation of Store.
// Suitable for distributed production deployments.
// Checkpoints are JSON strings; a sorted set per session indexes them by creation time.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	ownClient bool
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithTTL expires checkpoints and session indexes after ttl; 0 keeps them forever
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// WithOwnedClient makes Close also close the Redis client
func WithOwnedClient() RedisOption {
	return func(s *RedisStore) { s.ownClient = true }
}

// NewRedisStore creates a Redis-based checkpoint store on an existing client
func NewRedisStore(client *redis.Client, keyPrefix string, opts ...RedisOption) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "agentcore:checkpoint:"
	}
	s := &RedisStore{client: client, keyPrefix: keyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the store
func (s *RedisStore) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

// Ping checks if the store is healthy
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// dataKey returns the Redis key for a checkpoint
func (s *RedisStore) dataKey(id string) string {
	return s.keyPrefix + "data:" + id
}

// sessionKey returns the Redis key for a session's checkpoint index
func (s *RedisStore) sessionKey(sessionID string) string {
	return s.keyPrefix + "session:" + sessionID
}

// Save persists a checkpoint
func (s *RedisStore) Save(ctx context.Context, cp *agent.Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	data, err := encode(cp)
	if err != nil {
		return err
	}

	created := cp.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(cp.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.sessionKey(cp.SessionID), redis.Z{
		Score:  float64(created.UnixNano()),
		Member: cp.ID,
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.sessionKey(cp.SessionID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load retrieves a checkpoint by ID
func (s *RedisStore) Load(ctx context.Context, id string) (*agent.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return decode(data)
}

// Delete removes a checkpoint and its index entry
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	cp, err := s.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.dataKey(id))
	pipe.ZRem(ctx, s.sessionKey(cp.SessionID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// List returns the checkpoints of a session, oldest first.
// Index entries whose data has expired are skipped.
func (s *RedisStore) List(ctx context.Context, sessionID string) ([]*agent.Checkpoint, error) {
	ids, err := s.client.ZRange(ctx, s.sessionKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.dataKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := make([]*agent.Checkpoint, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		cp, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sortByCreated(out)
	return out, nil
}
