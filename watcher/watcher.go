// Package watcher tracks per-function execution health with token-bucket
// cost accounting in the shared store, and automatically disables functions
// that stay degraded. A disable decision is always derived from observed
// cost within the bucket's trailing window, never from a single sample.
package watcher

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepnoodle-ai/hogpipe/slogger"
	"github.com/deepnoodle-ai/hogpipe/tokenbucket"
)

// CostConfig controls how observed execution timings become token costs.
// Sync and async durations are clipped independently, weighted, and summed.
// The shape of the degradation curve is deployment-specific, so all four
// knobs are tunable rather than hard-coded.
type CostConfig struct {
	MinMs       float64 `json:"min_ms" yaml:"min_ms"`
	MaxMs       float64 `json:"max_ms" yaml:"max_ms"`
	SyncWeight  float64 `json:"sync_weight" yaml:"sync_weight"`
	AsyncWeight float64 `json:"async_weight" yaml:"async_weight"`
}

// Cost converts one observation's timings into a token cost.
func (c CostConfig) Cost(syncDuration, asyncDuration time.Duration) float64 {
	return c.clip(float64(syncDuration.Milliseconds()))*c.SyncWeight +
		c.clip(float64(asyncDuration.Milliseconds()))*c.AsyncWeight
}

func (c CostConfig) clip(ms float64) float64 {
	if ms < c.MinMs {
		return c.MinMs
	}
	if ms > c.MaxMs {
		return c.MaxMs
	}
	return ms
}

// Config holds the watcher's tunable parameters.
type Config struct {
	// BucketSize must match the token bucket store's capacity.
	BucketSize float64 `json:"bucket_size" yaml:"bucket_size"`

	// DegradedRatio is the token level, as a fraction of BucketSize, at or
	// below which a function is considered degraded.
	DegradedRatio float64 `json:"degraded_ratio" yaml:"degraded_ratio"`

	Cost CostConfig `json:"cost" yaml:"cost"`

	// SampleRate in [0,1] bounds the cost-accounting overhead at high
	// volume. Sampling gates health bookkeeping only, never pass/fail
	// determination.
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate"`

	// DisablePeriod is how long a disabled_for_period state lasts.
	DisablePeriod time.Duration `json:"disable_period" yaml:"disable_period"`

	// MaxDisabledCount is how many time-boxed disablements a function gets
	// before escalating to disabled_permanently.
	MaxDisabledCount int `json:"max_disabled_count" yaml:"max_disabled_count"`

	// CacheTTL bounds the staleness of the hot-path state cache.
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`

	// LockTTL bounds how long an observation lock is held.
	LockTTL time.Duration `json:"lock_ttl" yaml:"lock_ttl"`
}

// DefaultConfig returns the watcher defaults.
func DefaultConfig() Config {
	return Config{
		BucketSize:    10000,
		DegradedRatio: 0.8,
		Cost: CostConfig{
			MinMs:       10,
			MaxMs:       5000,
			SyncWeight:  1.0,
			AsyncWeight: 0.5,
		},
		SampleRate:       1.0,
		DisablePeriod:    10 * time.Minute,
		MaxDisabledCount: 3,
		CacheTTL:         30 * time.Second,
		LockTTL:          5 * time.Second,
	}
}

// Observation is one executed invocation's contribution to a function's
// health accounting.
type Observation struct {
	FunctionID    string
	SyncDuration  time.Duration
	AsyncDuration time.Duration

	// AutoDisable is the function's opt-in to automatic disabling.
	AutoDisable bool
}

type cachedState struct {
	state     HealthState
	fetchedAt time.Time
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Buckets tokenbucket.Store
	States  StateStore
	Logger  slogger.Logger
	Config  Config

	// Now and Rand override the clock and sampler, for tests.
	Now  func() time.Time
	Rand func() float64
}

// Watcher observes execution cost and derives per-function health states.
// Hot-path reads are served from a short-lived local cache refreshed in
// batches; the cache is invalidated explicitly on function reload.
type Watcher struct {
	buckets tokenbucket.Store
	states  StateStore
	logger  slogger.Logger
	config  Config
	now     func() time.Time
	rand    func() float64

	observed atomic.Int64
	sampled  atomic.Int64

	mu    sync.RWMutex
	cache map[string]cachedState
}

// NewWatcher creates a Watcher.
func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	if opts.Buckets == nil {
		return nil, fmt.Errorf("token bucket store is required")
	}
	if opts.States == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.Config.BucketSize <= 0 {
		return nil, fmt.Errorf("bucket size must be positive")
	}
	if opts.Config.MaxDisabledCount < 1 {
		return nil, fmt.Errorf("max disabled count must be at least 1")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &Watcher{
		buckets: opts.Buckets,
		states:  opts.States,
		logger:  opts.Logger,
		config:  opts.Config,
		now:     opts.Now,
		rand:    opts.Rand,
		cache:   map[string]cachedState{},
	}, nil
}

// Observe accounts the cost of a batch of executed invocations. Sampling
// and store failures reduce observability, not execution correctness: any
// problem here is logged and the batch is skipped.
func (w *Watcher) Observe(ctx context.Context, observations []Observation) {
	sampled := make([]Observation, 0, len(observations))
	for _, obs := range observations {
		if w.config.SampleRate >= 1.0 || w.rand() < w.config.SampleRate {
			sampled = append(sampled, obs)
		}
	}
	w.observed.Add(int64(len(observations)))
	w.sampled.Add(int64(len(sampled)))
	if len(sampled) == 0 {
		return
	}

	entries := make([]tokenbucket.Entry, len(sampled))
	for i, obs := range sampled {
		entries[i] = tokenbucket.Entry{
			Key:  obs.FunctionID,
			Cost: w.config.Cost.Cost(obs.SyncDuration, obs.AsyncDuration),
		}
	}
	balances, err := w.buckets.Debit(ctx, entries)
	if err != nil {
		w.logger.Warn("watcher store unavailable, skipping observation batch",
			"error", err, "observations", len(sampled))
		return
	}

	for i, balance := range balances {
		obs := sampled[i]
		if balance.Exhausted() && obs.AutoDisable {
			w.disable(ctx, obs.FunctionID)
		}
	}
}

// disable transitions an exhausted function to a disabled state. The
// read-modify-write of the persisted record runs under a short-lived lock;
// losing the race to another worker just means skipping this observation.
func (w *Watcher) disable(ctx context.Context, functionID string) {
	acquired, err := w.states.TryLock(ctx, functionID, w.config.LockTTL)
	if err != nil {
		w.logger.Warn("watcher lock unavailable, skipping disable", "function_id", functionID, "error", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := w.states.Unlock(ctx, functionID); err != nil {
			w.logger.Warn("failed to release watcher lock", "function_id", functionID, "error", err)
		}
	}()

	states, err := w.states.GetStates(ctx, []string{functionID})
	if err != nil {
		w.logger.Warn("failed to read watcher state, skipping disable", "function_id", functionID, "error", err)
		return
	}

	now := w.now()
	current, exists := states[functionID]
	if exists {
		if current.Forced || current.State == StateDisabledPermanently {
			return
		}
		if current.State == StateDisabledForPeriod && now.Before(current.DisabledUntil) {
			return
		}
	}

	next := PersistedState{
		State:         StateDisabledForPeriod,
		DisabledUntil: now.Add(w.config.DisablePeriod),
		DisabledCount: current.DisabledCount + 1,
	}
	// Escalation happens only after repeated time-boxed disablements, so a
	// function can never jump straight to disabled_permanently.
	if next.DisabledCount > w.config.MaxDisabledCount {
		next = PersistedState{
			State:         StateDisabledPermanently,
			DisabledCount: next.DisabledCount,
		}
	}
	if err := w.states.SetState(ctx, functionID, next); err != nil {
		w.logger.Warn("failed to write watcher state", "function_id", functionID, "error", err)
		return
	}
	// Start the next window with a full bucket so the post-disable period
	// begins from a clean slate.
	if err := w.buckets.Refill(ctx, functionID); err != nil {
		w.logger.Warn("failed to refill bucket after disable", "function_id", functionID, "error", err)
	}

	w.mu.Lock()
	w.cache[functionID] = cachedState{state: next.State, fetchedAt: now}
	w.mu.Unlock()

	w.logger.Info("function disabled by watcher",
		"function_id", functionID,
		"state", string(next.State),
		"disabled_count", next.DisabledCount)
}

// SampleStats reports how many observations have been seen and how many
// were sampled into cost accounting, so operators can verify the effective
// sampling rate.
func (w *Watcher) SampleStats() (observed, sampled int64) {
	return w.observed.Load(), w.sampled.Load()
}

// RefreshStates loads current health for the given function ids in one
// batch and fills the local cache. Callers on the hot execution path should
// refresh per batch of invocations, not per invocation.
func (w *Watcher) RefreshStates(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	states, err := w.fetchStates(ctx, ids)
	if err != nil {
		return err
	}
	now := w.now()
	w.mu.Lock()
	for id, state := range states {
		w.cache[id] = cachedState{state: state.State, fetchedAt: now}
	}
	w.mu.Unlock()
	return nil
}

// CachedState returns the locally cached health state for a function.
// Unknown or expired entries read as healthy: prior cached health is
// assumed when the store cannot be consulted.
func (w *Watcher) CachedState(functionID string) HealthState {
	w.mu.RLock()
	entry, ok := w.cache[functionID]
	w.mu.RUnlock()
	if !ok {
		return StateHealthy
	}
	if w.config.CacheTTL > 0 && w.now().Sub(entry.fetchedAt) > w.config.CacheTTL {
		return StateHealthy
	}
	return entry.state
}

// InvalidateCache drops cached states. With no ids the whole cache is
// cleared; this is triggered by the manager's function-changed signal.
func (w *Watcher) InvalidateCache(ids ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(ids) == 0 {
		w.cache = map[string]cachedState{}
		return
	}
	for _, id := range ids {
		delete(w.cache, id)
	}
}

// GetState returns the persisted health record for a function, reading
// through to the shared store. This is the operational query surface, not
// the hot path.
func (w *Watcher) GetState(ctx context.Context, functionID string) (*FunctionState, error) {
	states, err := w.fetchStates(ctx, []string{functionID})
	if err != nil {
		return nil, err
	}
	state := states[functionID]
	return &state, nil
}

// ForceState administratively forces a function into the given state.
// Forcing healthy is a full reset: the record is cleared and the bucket
// refilled.
func (w *Watcher) ForceState(ctx context.Context, functionID string, state HealthState) error {
	if state == StateHealthy {
		return w.ClearState(ctx, functionID)
	}
	persisted := PersistedState{State: state, Forced: true}
	if state == StateDisabledForPeriod {
		persisted.DisabledUntil = w.now().Add(w.config.DisablePeriod)
	}
	if err := w.states.SetState(ctx, functionID, persisted); err != nil {
		return fmt.Errorf("failed to force state: %w", err)
	}
	w.mu.Lock()
	w.cache[functionID] = cachedState{state: state, fetchedAt: w.now()}
	w.mu.Unlock()
	return nil
}

// ClearState resets a function to healthy: the persisted record is removed
// and its bucket refilled.
func (w *Watcher) ClearState(ctx context.Context, functionID string) error {
	if err := w.states.DeleteState(ctx, functionID); err != nil {
		return fmt.Errorf("failed to clear state: %w", err)
	}
	if err := w.buckets.Refill(ctx, functionID); err != nil {
		return fmt.Errorf("failed to refill bucket: %w", err)
	}
	w.InvalidateCache(functionID)
	return nil
}

// ListStates returns all tracked function states sorted by severity, worst
// first.
func (w *Watcher) ListStates(ctx context.Context) ([]*FunctionState, error) {
	persisted, err := w.states.ListStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list watcher states: %w", err)
	}
	now := w.now()
	var results []*FunctionState
	for id, record := range persisted {
		results = append(results, &FunctionState{
			FunctionID:    id,
			State:         w.effectiveState(record, now),
			DisabledUntil: record.DisabledUntil,
			DisabledCount: record.DisabledCount,
			Forced:        record.Forced,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].State.Severity() != results[j].State.Severity() {
			return results[i].State.Severity() > results[j].State.Severity()
		}
		return results[i].FunctionID < results[j].FunctionID
	})
	return results, nil
}

// fetchStates combines persisted records with live token levels to compute
// the effective state per function.
func (w *Watcher) fetchStates(ctx context.Context, ids []string) (map[string]FunctionState, error) {
	persisted, err := w.states.GetStates(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to read watcher states: %w", err)
	}

	// Zero-cost debit reads token levels without consuming capacity.
	entries := make([]tokenbucket.Entry, len(ids))
	for i, id := range ids {
		entries[i] = tokenbucket.Entry{Key: id}
	}
	balances, err := w.buckets.Debit(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("failed to read token levels: %w", err)
	}

	now := w.now()
	states := map[string]FunctionState{}
	for i, id := range ids {
		tokens := balances[i].Tokens
		state := FunctionState{FunctionID: id, Tokens: tokens}
		if record, ok := persisted[id]; ok {
			state.State = w.effectiveState(record, now)
			state.DisabledUntil = record.DisabledUntil
			state.DisabledCount = record.DisabledCount
			state.Forced = record.Forced
		} else {
			state.State = w.healthFromTokens(tokens)
		}
		states[id] = state
	}
	return states, nil
}

// effectiveState resolves a persisted record at read time: an expired
// time-boxed disablement reads as degraded until the bucket recovers.
func (w *Watcher) effectiveState(record PersistedState, now time.Time) HealthState {
	if record.State == StateDisabledForPeriod && !record.Forced && now.After(record.DisabledUntil) {
		return StateDegraded
	}
	return record.State
}

func (w *Watcher) healthFromTokens(tokens float64) HealthState {
	if tokens > w.config.DegradedRatio*w.config.BucketSize {
		return StateHealthy
	}
	return StateDegraded
}
