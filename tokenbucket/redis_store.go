package tokenbucket

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// debitScript applies refill-then-debit in one server-side operation. The
// bucket is a hash of token level and last-touch timestamp; a missing hash
// is a first touch and starts full.
var debitScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local size = tonumber(ARGV[3])
local refill_per_sec = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil or ts == nil then
  tokens = size
  ts = now_ms
end

local elapsed_ms = now_ms - ts
if elapsed_ms > 0 then
  tokens = tokens + (elapsed_ms / 1000.0) * refill_per_sec
end
if tokens > size then
  tokens = size
end
tokens = tokens - cost

local stored = tokens
if stored < 0 then
  stored = 0
end
redis.call('HSET', key, 'tokens', stored, 'ts', now_ms)
redis.call('PEXPIRE', key, ttl_ms)

-- The unclamped level, so callers can tell an overdraw apart from a debit
-- that landed exactly on zero.
return tostring(tokens)
`)

// RedisStore is the Redis-backed Store shared by all workers.
type RedisStore struct {
	client redis.UniversalClient
	config Config
	now    func() time.Time
}

// RedisStoreOptions configures a RedisStore.
type RedisStoreOptions struct {
	Client redis.UniversalClient
	Config Config

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewRedisStore creates a Redis-backed token bucket store.
func NewRedisStore(opts RedisStoreOptions) (*RedisStore, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if opts.Config.Size <= 0 {
		return nil, fmt.Errorf("bucket size must be positive")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RedisStore{
		client: opts.Client,
		config: opts.Config,
		now:    opts.Now,
	}, nil
}

// Debit runs the debit script for every entry in a single pipeline
// round-trip. Each key's mutation is atomic on the server side. When the
// server has not cached the script (a fresh server, or one that flushed its
// script cache), the script is loaded and the batch retried once.
func (s *RedisStore) Debit(ctx context.Context, entries []Entry) ([]Balance, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	nowMs := s.now().UnixMilli()
	ttlMs := s.config.TTL.Milliseconds()

	cmds, err := s.debitBatch(ctx, entries, nowMs, ttlMs)
	if noScript(cmds, err) {
		if err := debitScript.Load(ctx, s.client).Err(); err != nil {
			return nil, fmt.Errorf("failed to load token bucket script: %w", err)
		}
		cmds, err = s.debitBatch(ctx, entries, nowMs, ttlMs)
	}
	if err != nil {
		return nil, fmt.Errorf("token bucket debit failed: %w", err)
	}

	balances := make([]Balance, len(entries))
	for i, cmd := range cmds {
		text, err := cmd.Text()
		if err != nil {
			return nil, fmt.Errorf("token bucket debit failed: %w", err)
		}
		raw, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("unexpected token level %q: %w", text, err)
		}
		tokens := raw
		if tokens < 0 {
			tokens = 0
		}
		balances[i] = Balance{Key: entries[i].Key, Tokens: tokens, Limited: raw < 0}
	}
	return balances, nil
}

func (s *RedisStore) debitBatch(ctx context.Context, entries []Entry, nowMs, ttlMs int64) ([]*redis.Cmd, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.Cmd, len(entries))
	for i, entry := range entries {
		cmds[i] = debitScript.Run(ctx, pipe,
			[]string{s.key(entry.Key)},
			nowMs, entry.Cost, s.config.Size, s.config.RefillRate, ttlMs)
	}
	_, err := pipe.Exec(ctx)
	return cmds, err
}

// noScript reports whether a pipelined batch failed because the server does
// not have the debit script cached. EVALSHA errors inside a pipeline only
// surface after Exec, so the usual Script.Run fallback never fires and the
// caller has to detect and reload itself.
func noScript(cmds []*redis.Cmd, err error) bool {
	if redis.HasErrorPrefix(err, "NOSCRIPT") {
		return true
	}
	for _, cmd := range cmds {
		if redis.HasErrorPrefix(cmd.Err(), "NOSCRIPT") {
			return true
		}
	}
	return false
}

// Refill resets a bucket to full capacity.
func (s *RedisStore) Refill(ctx context.Context, key string) error {
	nowMs := s.now().UnixMilli()
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.key(key), "tokens", s.config.Size, "ts", nowMs)
	pipe.PExpire(ctx, s.key(key), s.config.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("token bucket refill failed: %w", err)
	}
	return nil
}

func (s *RedisStore) key(key string) string {
	return s.config.KeyPrefix + key
}
