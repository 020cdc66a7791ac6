package tokenbucket

import (
	"context"
	"sync"
	"time"
)

type memoryBucket struct {
	tokens    float64
	touchedAt time.Time
}

// MemoryStore is an in-process Store with the same refill and debit math as
// the Redis implementation. It serves tests and single-node deployments.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	config  Config
	now     func() time.Time
}

// MemoryStoreOptions configures a MemoryStore.
type MemoryStoreOptions struct {
	Config Config

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewMemoryStore creates an in-memory token bucket store.
func NewMemoryStore(opts MemoryStoreOptions) *MemoryStore {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemoryStore{
		buckets: map[string]*memoryBucket{},
		config:  opts.Config,
		now:     opts.Now,
	}
}

// Debit applies each entry under a single lock.
func (s *MemoryStore) Debit(ctx context.Context, entries []Entry) ([]Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expire(now)

	balances := make([]Balance, len(entries))
	for i, entry := range entries {
		bucket, ok := s.buckets[entry.Key]
		if !ok {
			bucket = &memoryBucket{tokens: s.config.Size, touchedAt: now}
			s.buckets[entry.Key] = bucket
		}
		elapsed := now.Sub(bucket.touchedAt)
		if elapsed > 0 {
			bucket.tokens += elapsed.Seconds() * s.config.RefillRate
		}
		if bucket.tokens > s.config.Size {
			bucket.tokens = s.config.Size
		}
		bucket.tokens -= entry.Cost
		limited := bucket.tokens < 0
		if bucket.tokens < 0 {
			bucket.tokens = 0
		}
		bucket.touchedAt = now
		balances[i] = Balance{Key: entry.Key, Tokens: bucket.tokens, Limited: limited}
	}
	return balances, nil
}

// Refill resets a bucket to full capacity.
func (s *MemoryStore) Refill(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[key] = &memoryBucket{tokens: s.config.Size, touchedAt: s.now()}
	return nil
}

func (s *MemoryStore) expire(now time.Time) {
	if s.config.TTL <= 0 {
		return
	}
	for key, bucket := range s.buckets {
		if now.Sub(bucket.touchedAt) > s.config.TTL {
			delete(s.buckets, key)
		}
	}
}
