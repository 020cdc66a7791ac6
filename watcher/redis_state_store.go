package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStateStore persists health records as JSON values with a TTL, shared
// by all workers. Locks are plain SET NX keys.
type RedisStateStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisStateStoreOptions configures a RedisStateStore.
type RedisStateStoreOptions struct {
	Client    redis.UniversalClient
	KeyPrefix string
	TTL       time.Duration
}

// NewRedisStateStore creates a Redis-backed state store.
func NewRedisStateStore(opts RedisStateStoreOptions) (*RedisStateStore, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "hogpipe:watcher:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	return &RedisStateStore{
		client: opts.Client,
		prefix: opts.KeyPrefix,
		ttl:    opts.TTL,
	}, nil
}

func (s *RedisStateStore) stateKey(id string) string {
	return s.prefix + "state:" + id
}

func (s *RedisStateStore) lockKey(key string) string {
	return s.prefix + "lock:" + key
}

func (s *RedisStateStore) GetStates(ctx context.Context, ids []string) (map[string]PersistedState, error) {
	if len(ids) == 0 {
		return map[string]PersistedState{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.stateKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read watcher states: %w", err)
	}
	states := map[string]PersistedState{}
	for i, value := range values {
		text, ok := value.(string)
		if !ok {
			continue
		}
		var state PersistedState
		if err := json.Unmarshal([]byte(text), &state); err != nil {
			return nil, fmt.Errorf("corrupt watcher state for %s: %w", ids[i], err)
		}
		states[ids[i]] = state
	}
	return states, nil
}

func (s *RedisStateStore) SetState(ctx context.Context, id string, state PersistedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode watcher state: %w", err)
	}
	if err := s.client.Set(ctx, s.stateKey(id), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write watcher state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) DeleteState(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.stateKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete watcher state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) ListStates(ctx context.Context) (map[string]PersistedState, error) {
	states := map[string]PersistedState{}
	pattern := s.prefix + "state:*"
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan watcher states: %w", err)
	}
	if len(keys) == 0 {
		return states, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read watcher states: %w", err)
	}
	for i, value := range values {
		text, ok := value.(string)
		if !ok {
			continue
		}
		var state PersistedState
		if err := json.Unmarshal([]byte(text), &state); err != nil {
			continue
		}
		id := strings.TrimPrefix(keys[i], s.prefix+"state:")
		states[id] = state
	}
	return states, nil
}

func (s *RedisStateStore) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	acquired, err := s.client.SetNX(ctx, s.lockKey(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire watcher lock: %w", err)
	}
	return acquired, nil
}

func (s *RedisStateStore) Unlock(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.lockKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to release watcher lock: %w", err)
	}
	return nil
}
