// Package ratelimit throttles per-identity invocation volume with a shared
// token bucket. It is used ahead of cost-bounded resources such as outbound
// webhooks. The limiter fails open: if the shared store is unreachable the
// check reports available capacity rather than blocking delivery pipelines.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/hogpipe/slogger"
	"github.com/deepnoodle-ai/hogpipe/tokenbucket"
)

// Request is one (identity, cost) pair to debit.
type Request struct {
	Identity string
	Cost     float64
}

// Result is the outcome of one debit.
type Result struct {
	Identity string
	Tokens   float64

	// IsRateLimited is true when the bucket had no tokens left after the
	// debit was applied.
	IsRateLimited bool
}

// RateLimiterOptions configures a RateLimiter.
type RateLimiterOptions struct {
	Store  tokenbucket.Store
	Logger slogger.Logger

	// BucketSize is used to report fail-open results when the store is
	// unavailable; it should match the store's configured capacity.
	BucketSize float64
}

// RateLimiter debits identity token buckets in batches.
type RateLimiter struct {
	store      tokenbucket.Store
	logger     slogger.Logger
	bucketSize float64
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(opts RateLimiterOptions) (*RateLimiter, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("token bucket store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	return &RateLimiter{
		store:      opts.Store,
		logger:     opts.Logger,
		bucketSize: opts.BucketSize,
	}, nil
}

// RateLimitMany atomically debits each identity's bucket and returns the
// resulting token count and limit decision per identity, in request order.
// An identity seen for the first time starts with a full bucket. Store
// errors never propagate: the batch is reported as unlimited capacity.
func (l *RateLimiter) RateLimitMany(ctx context.Context, requests []Request) []Result {
	results := make([]Result, len(requests))
	if len(requests) == 0 {
		return results
	}

	entries := make([]tokenbucket.Entry, len(requests))
	for i, req := range requests {
		entries[i] = tokenbucket.Entry{Key: req.Identity, Cost: req.Cost}
	}

	balances, err := l.store.Debit(ctx, entries)
	if err != nil {
		// Fail open: assume capacity is available.
		l.logger.Warn("rate limit store unavailable, failing open", "error", err)
		for i, req := range requests {
			results[i] = Result{Identity: req.Identity, Tokens: l.bucketSize}
		}
		return results
	}

	for i, balance := range balances {
		results[i] = Result{
			Identity:      requests[i].Identity,
			Tokens:        balance.Tokens,
			IsRateLimited: balance.Exhausted(),
		}
	}
	return results
}
