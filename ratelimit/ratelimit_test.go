package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deepnoodle-ai/hogpipe/tokenbucket"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T) *RateLimiter {
	t.Helper()
	store := tokenbucket.NewMemoryStore(tokenbucket.MemoryStoreOptions{
		Config: tokenbucket.Config{
			KeyPrefix:  "ratelimit:",
			Size:       10,
			RefillRate: 0.5,
			TTL:        time.Minute,
		},
	})
	limiter, err := NewRateLimiter(RateLimiterOptions{Store: store, BucketSize: 10})
	require.NoError(t, err)
	return limiter
}

func TestFirstSeenIdentityIsNotLimited(t *testing.T) {
	limiter := newLimiter(t)
	results := limiter.RateLimitMany(context.Background(), []Request{
		{Identity: "destination-1", Cost: 1},
	})
	require.Len(t, results, 1)
	require.False(t, results[0].IsRateLimited)
	require.Equal(t, 9.0, results[0].Tokens)
}

func TestSustainedDebitEventuallyLimits(t *testing.T) {
	limiter := newLimiter(t)
	ctx := context.Background()

	var limited bool
	for i := 0; i < 20; i++ {
		results := limiter.RateLimitMany(ctx, []Request{{Identity: "destination-1", Cost: 2}})
		require.GreaterOrEqual(t, results[0].Tokens, 0.0)
		if results[0].IsRateLimited {
			limited = true
			break
		}
	}
	require.True(t, limited)
}

func TestIndependentIdentities(t *testing.T) {
	limiter := newLimiter(t)
	results := limiter.RateLimitMany(context.Background(), []Request{
		{Identity: "a", Cost: 11},
		{Identity: "b", Cost: 1},
	})
	require.True(t, results[0].IsRateLimited)
	require.False(t, results[1].IsRateLimited)
}

func TestFirstCallAtFullBucketCostIsNotLimited(t *testing.T) {
	limiter := newLimiter(t)
	ctx := context.Background()

	// A first call costing exactly the bucket size drains the bucket but is
	// itself allowed through.
	results := limiter.RateLimitMany(ctx, []Request{{Identity: "destination-1", Cost: 10}})
	require.False(t, results[0].IsRateLimited)
	require.Equal(t, 0.0, results[0].Tokens)

	// The call after it is not.
	results = limiter.RateLimitMany(ctx, []Request{{Identity: "destination-1", Cost: 1}})
	require.True(t, results[0].IsRateLimited)
}

type brokenStore struct{}

func (s *brokenStore) Debit(ctx context.Context, entries []tokenbucket.Entry) ([]tokenbucket.Balance, error) {
	return nil, errors.New("connection refused")
}

func (s *brokenStore) Refill(ctx context.Context, key string) error {
	return errors.New("connection refused")
}

func TestStoreUnavailableFailsOpen(t *testing.T) {
	limiter, err := NewRateLimiter(RateLimiterOptions{Store: &brokenStore{}, BucketSize: 10})
	require.NoError(t, err)

	results := limiter.RateLimitMany(context.Background(), []Request{
		{Identity: "destination-1", Cost: 5},
		{Identity: "destination-2", Cost: 5},
	})
	require.Len(t, results, 2)
	for _, result := range results {
		require.False(t, result.IsRateLimited)
		require.Equal(t, 10.0, result.Tokens)
	}
}

func TestEmptyBatch(t *testing.T) {
	limiter := newLimiter(t)
	require.Empty(t, limiter.RateLimitMany(context.Background(), nil))
}
