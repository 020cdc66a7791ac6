// Package tokenbucket implements the shared token-bucket store used by the
// health watcher and the rate limiter. Every mutation of a bucket is a
// single atomic operation so that concurrent workers never lose updates.
// Untouched buckets are forgotten after an idle TTL; an identity seen for
// the first time starts with a full bucket.
package tokenbucket

import (
	"context"
	"time"
)

// Config holds the tunable parameters of a bucket family.
type Config struct {
	// KeyPrefix namespaces this bucket family in the shared store.
	KeyPrefix string

	// Size is the bucket capacity; new buckets start at this level.
	Size float64

	// RefillRate is how many tokens are restored per second.
	RefillRate float64

	// TTL is the idle time after which an untouched bucket is forgotten.
	TTL time.Duration
}

// Entry is one debit request.
type Entry struct {
	Key  string
	Cost float64
}

// Balance is the token level of a bucket after a debit. Tokens are clamped
// at zero: an exhausted bucket reads as zero rather than going negative.
type Balance struct {
	Key    string
	Tokens float64

	// Limited records whether the debit demanded more than the bucket held,
	// before clamping. A debit that lands exactly on zero consumes the last
	// of the capacity without being limited.
	Limited bool
}

// Exhausted reports whether the debit overdrew the bucket.
func (b Balance) Exhausted() bool {
	return b.Limited
}

// Store debits token buckets atomically. Implementations must apply refill,
// debit, and expiry in a single operation per key.
type Store interface {
	// Debit atomically applies each entry's cost to its bucket, refilling
	// by elapsed time first, and returns the resulting balances in entry
	// order. A cost of zero reads the current level without consuming.
	Debit(ctx context.Context, entries []Entry) ([]Balance, error)

	// Refill resets a bucket to full capacity.
	Refill(ctx context.Context, key string) error
}
