package watcher

import (
	"context"
	"sync"
	"time"
)

// StateStore persists function health records in the shared store.
// Implementations must expire records after their TTL and must make lock
// acquisition cheap: lock failure is an expected outcome under concurrent
// workers, not an error.
type StateStore interface {
	// GetStates returns the persisted records for the given function ids.
	// Missing ids are simply absent from the result.
	GetStates(ctx context.Context, ids []string) (map[string]PersistedState, error)

	// SetState writes a function's record.
	SetState(ctx context.Context, id string, state PersistedState) error

	// DeleteState removes a function's record.
	DeleteState(ctx context.Context, id string) error

	// ListStates returns all persisted records.
	ListStates(ctx context.Context) (map[string]PersistedState, error)

	// TryLock attempts to acquire a short-lived lock for the given key.
	// It returns false, without error, when another worker holds it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock releases a lock. Releasing an expired lock is a no-op.
	Unlock(ctx context.Context, key string) error
}

type memoryRecord struct {
	state     PersistedState
	expiresAt time.Time
}

// MemoryStateStore is an in-process StateStore for tests and single-node
// deployments.
type MemoryStateStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	locks   map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// MemoryStateStoreOptions configures a MemoryStateStore.
type MemoryStateStoreOptions struct {
	TTL time.Duration
	Now func() time.Time
}

// NewMemoryStateStore creates an in-memory state store.
func NewMemoryStateStore(opts MemoryStateStoreOptions) *MemoryStateStore {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	return &MemoryStateStore{
		records: map[string]memoryRecord{},
		locks:   map[string]time.Time{},
		ttl:     opts.TTL,
		now:     opts.Now,
	}
}

func (s *MemoryStateStore) GetStates(ctx context.Context, ids []string) (map[string]PersistedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	states := map[string]PersistedState{}
	for _, id := range ids {
		if record, ok := s.records[id]; ok && record.expiresAt.After(now) {
			states[id] = record.state
		}
	}
	return states, nil
}

func (s *MemoryStateStore) SetState(ctx context.Context, id string, state PersistedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = memoryRecord{state: state, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStateStore) DeleteState(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStateStore) ListStates(ctx context.Context) (map[string]PersistedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	states := map[string]PersistedState{}
	for id, record := range s.records {
		if record.expiresAt.After(now) {
			states[id] = record.state
		}
	}
	return states, nil
}

func (s *MemoryStateStore) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if expiry, held := s.locks[key]; held && expiry.After(now) {
		return false, nil
	}
	s.locks[key] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStateStore) Unlock(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
	return nil
}
