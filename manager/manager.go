// Package manager provides cached, read-only access to function and flow
// definitions. Definitions live in an external service; each worker keeps a
// short-lived read-through cache that a broadcast "function changed" signal
// invalidates, so a definition edit propagates without restarting workers.
package manager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/hogpipe"
	"github.com/deepnoodle-ai/hogpipe/slogger"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel definition changes are broadcast on.
// Messages carry the changed function id, or "*" to flush everything.
const DefaultChannel = "hogpipe:function-changed"

// DefaultCacheTTL bounds how stale a cached definition may be even without
// an invalidation signal.
const DefaultCacheTTL = 5 * time.Minute

// CachingManagerOptions configures a CachingManager.
type CachingManagerOptions struct {
	// Source is the authoritative definition service.
	Source hogpipe.Manager

	// Redis carries the invalidation channel. Optional: without it the
	// cache relies on TTL expiry alone.
	Redis   redis.UniversalClient
	Channel string

	Logger   slogger.Logger
	CacheTTL time.Duration

	// OnInvalidate is called with each invalidated function id, letting
	// collaborators such as the health watcher drop their own caches.
	OnInvalidate func(functionID string)

	Now func() time.Time
}

type cachedFunction struct {
	fn        *hogpipe.HogFunction
	expiresAt time.Time
}

type cachedTeam struct {
	functions []*hogpipe.HogFunction
	expiresAt time.Time
}

type cachedFlow struct {
	flow      *hogpipe.HogFlow
	expiresAt time.Time
}

// CachingManager wraps a Manager with a per-worker read-through cache.
type CachingManager struct {
	source       hogpipe.Manager
	redis        redis.UniversalClient
	channel      string
	logger       slogger.Logger
	ttl          time.Duration
	onInvalidate func(string)
	now          func() time.Time

	mu        sync.Mutex
	functions map[string]cachedFunction
	teams     map[string]cachedTeam
	flows     map[string]cachedFlow
}

// NewCachingManager creates a CachingManager.
func NewCachingManager(opts CachingManagerOptions) (*CachingManager, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("source manager is required")
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &CachingManager{
		source:       opts.Source,
		redis:        opts.Redis,
		channel:      opts.Channel,
		logger:       opts.Logger,
		ttl:          opts.CacheTTL,
		onInvalidate: opts.OnInvalidate,
		now:          opts.Now,
		functions:    map[string]cachedFunction{},
		teams:        map[string]cachedTeam{},
		flows:        map[string]cachedFlow{},
	}, nil
}

// FetchFunction returns the function with the given id, from cache when
// fresh.
func (m *CachingManager) FetchFunction(ctx context.Context, id string) (*hogpipe.HogFunction, error) {
	m.mu.Lock()
	cached, ok := m.functions[id]
	m.mu.Unlock()
	if ok && m.now().Before(cached.expiresAt) {
		return cached.fn, nil
	}

	fn, err := m.source.FetchFunction(ctx, id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.functions[id] = cachedFunction{fn: fn, expiresAt: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return fn, nil
}

// GetFunctionsForTeam returns a team's functions of the given kinds, in
// their declared order.
func (m *CachingManager) GetFunctionsForTeam(ctx context.Context, teamID int, kinds []hogpipe.FunctionKind) ([]*hogpipe.HogFunction, error) {
	key := teamKey(teamID, kinds)
	m.mu.Lock()
	cached, ok := m.teams[key]
	m.mu.Unlock()
	if ok && m.now().Before(cached.expiresAt) {
		return cached.functions, nil
	}

	functions, err := m.source.GetFunctionsForTeam(ctx, teamID, kinds)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.teams[key] = cachedTeam{functions: functions, expiresAt: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return functions, nil
}

// GetHogFlow returns the flow with the given id, from cache when fresh.
func (m *CachingManager) GetHogFlow(ctx context.Context, id string) (*hogpipe.HogFlow, error) {
	m.mu.Lock()
	cached, ok := m.flows[id]
	m.mu.Unlock()
	if ok && m.now().Before(cached.expiresAt) {
		return cached.flow, nil
	}

	flow, err := m.source.GetHogFlow(ctx, id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.flows[id] = cachedFlow{flow: flow, expiresAt: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return flow, nil
}

// Invalidate drops the cached definition for the given id. Team lists are
// flushed wholesale since membership may have changed. "*" flushes
// everything.
func (m *CachingManager) Invalidate(id string) {
	m.mu.Lock()
	if id == "*" {
		m.functions = map[string]cachedFunction{}
		m.flows = map[string]cachedFlow{}
	} else {
		delete(m.functions, id)
		delete(m.flows, id)
	}
	m.teams = map[string]cachedTeam{}
	m.mu.Unlock()

	if m.onInvalidate != nil {
		m.onInvalidate(id)
	}
}

// NotifyChange broadcasts a definition change to all workers.
func (m *CachingManager) NotifyChange(ctx context.Context, id string) error {
	if m.redis == nil {
		m.Invalidate(id)
		return nil
	}
	if err := m.redis.Publish(ctx, m.channel, id).Err(); err != nil {
		return fmt.Errorf("failed to publish change for %s: %w", id, err)
	}
	return nil
}

// Listen subscribes to the invalidation channel and applies incoming
// signals until the context is canceled. Callers run it in a goroutine.
func (m *CachingManager) Listen(ctx context.Context) error {
	if m.redis == nil {
		return fmt.Errorf("no redis client configured for invalidation")
	}
	pubsub := m.redis.Subscribe(ctx, m.channel)
	defer pubsub.Close()

	channel := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-channel:
			if !ok {
				return nil
			}
			m.logger.Debug("definition change received", "function_id", msg.Payload)
			m.Invalidate(msg.Payload)
		}
	}
}

func teamKey(teamID int, kinds []hogpipe.FunctionKind) string {
	names := make([]string, len(kinds))
	for i, kind := range kinds {
		names[i] = string(kind)
	}
	sort.Strings(names)
	return fmt.Sprintf("%d:%s", teamID, strings.Join(names, ","))
}
