package tokenbucket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, now *time.Time) *MemoryStore {
	t.Helper()
	return NewMemoryStore(MemoryStoreOptions{
		Config: Config{
			KeyPrefix:  "test:",
			Size:       10,
			RefillRate: 1, // one token per second
			TTL:        time.Minute,
		},
		Now: func() time.Time { return *now },
	})
}

func TestFirstTouchStartsFull(t *testing.T) {
	now := time.Now()
	store := testStore(t, &now)

	balances, err := store.Debit(context.Background(), []Entry{{Key: "fn-1", Cost: 3}})
	require.NoError(t, err)
	require.Len(t, balances, 1)
	require.Equal(t, 7.0, balances[0].Tokens)
	require.False(t, balances[0].Exhausted())
}

func TestSustainedDebitExhausts(t *testing.T) {
	now := time.Now()
	store := testStore(t, &now)
	ctx := context.Background()

	var last Balance
	for i := 0; i < 5; i++ {
		balances, err := store.Debit(ctx, []Entry{{Key: "fn-1", Cost: 4}})
		require.NoError(t, err)
		last = balances[0]
	}
	require.True(t, last.Exhausted())
	// Tokens never go negative in the returned value.
	require.Equal(t, 0.0, last.Tokens)
}

func TestDrainingToZeroIsNotExhaustion(t *testing.T) {
	now := time.Now()
	store := testStore(t, &now)
	ctx := context.Background()

	// Spending exactly the full capacity consumes the last token without
	// overdrawing.
	balances, err := store.Debit(ctx, []Entry{{Key: "fn-1", Cost: 10}})
	require.NoError(t, err)
	require.Equal(t, 0.0, balances[0].Tokens)
	require.False(t, balances[0].Exhausted())

	// The next debit demands more than the bucket holds.
	balances, err = store.Debit(ctx, []Entry{{Key: "fn-1", Cost: 1}})
	require.NoError(t, err)
	require.Equal(t, 0.0, balances[0].Tokens)
	require.True(t, balances[0].Exhausted())
}

func TestZeroCostReadNeverLimits(t *testing.T) {
	now := time.Now()
	store := testStore(t, &now)
	ctx := context.Background()

	_, err := store.Debit(ctx, []Entry{{Key: "fn-1", Cost: 10}})
	require.NoError(t, err)

	balances, err := store.Debit(ctx, []Entry{{Key: "fn-1", Cost: 0}})
	require.NoError(t, err)
	require.False(t, balances[0].Exhausted())
}

func TestRefillOverTime(t *testing.T) {
	now := time.Now()
	store := testStore(t, &now)
	ctx := context.Background()

	_, err := store.Debit(ctx, []Entry{{Key: "fn-1", Cost: 10}})
	require.NoError(t, err)

	now = now.Add(4 * time.Second)
	balances, err := store.Debit(ctx, []Entry{{Key: "fn-1", Cost: 0}})
	require.NoError(t, err)
	require.InDelta(t, 4.0, balances[0].Tokens, 0.001)
}

func TestRefillCapsAtSize(t *testing.T) {
	now := time.Now()
	store := testStore(t, &now)
	ctx := context.Background()

	_, err := store.Debit(ctx, []Entry{{Key: "fn-1", Cost: 1}})
	require.NoError(t, err)

	now = now.Add(time.Hour)
	balances, err := store.Debit(ctx, []Entry{{Key: "fn-1", Cost: 0}})
	require.NoError(t, err)
	require.Equal(t, 10.0, balances[0].Tokens)
}

func TestIdleBucketForgotten(t *testing.T) {
	now := time.Now()
	store := testStore(t, &now)
	ctx := context.Background()

	_, err := store.Debit(ctx, []Entry{{Key: "fn-1", Cost: 10}})
	require.NoError(t, err)

	// Past the idle TTL the bucket is forgotten and starts full again.
	now = now.Add(2 * time.Minute)
	balances, err := store.Debit(ctx, []Entry{{Key: "fn-1", Cost: 0}})
	require.NoError(t, err)
	require.Equal(t, 10.0, balances[0].Tokens)
}

func TestExplicitRefill(t *testing.T) {
	now := time.Now()
	store := testStore(t, &now)
	ctx := context.Background()

	_, err := store.Debit(ctx, []Entry{{Key: "fn-1", Cost: 10}})
	require.NoError(t, err)
	require.NoError(t, store.Refill(ctx, "fn-1"))

	balances, err := store.Debit(ctx, []Entry{{Key: "fn-1", Cost: 0}})
	require.NoError(t, err)
	require.Equal(t, 10.0, balances[0].Tokens)
}

func TestBatchDebitPreservesOrder(t *testing.T) {
	now := time.Now()
	store := testStore(t, &now)

	balances, err := store.Debit(context.Background(), []Entry{
		{Key: "a", Cost: 1},
		{Key: "b", Cost: 2},
		{Key: "a", Cost: 3},
	})
	require.NoError(t, err)
	require.Equal(t, []Balance{
		{Key: "a", Tokens: 9},
		{Key: "b", Tokens: 8},
		{Key: "a", Tokens: 6},
	}, balances)
}
