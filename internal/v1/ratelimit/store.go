package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/tokenboard/server/internal/v1/redisx"
)

// counterStore abstracts the scoped-counter and liveness-set operations a
// Limiter needs, so the same acquisition logic runs against Redis in
// production and an in-memory store in tests.
type counterStore interface {
	incrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	decrFloor(ctx context.Context, key string) error
	setAdd(ctx context.Context, key, member string) error
	setRem(ctx context.Context, key, member string) error
	setMembers(ctx context.Context, key string) ([]string, error)
	expire(ctx context.Context, key string, ttl time.Duration) error
}

// redisCounterStore delegates to the shared circuit-breaker-wrapped Redis
// client (C10), so a Redis outage surfaces as a typed error that callers
// fail open on rather than blocking the connect path.
type redisCounterStore struct {
	client *redisx.Client
}

func (s *redisCounterStore) incrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.client.IncrWithExpiry(ctx, key, ttl)
}

func (s *redisCounterStore) decrFloor(ctx context.Context, key string) error {
	return s.client.DecrFloor(ctx, key)
}

func (s *redisCounterStore) setAdd(ctx context.Context, key, member string) error {
	return s.client.SetAdd(ctx, key, member)
}

func (s *redisCounterStore) setRem(ctx context.Context, key, member string) error {
	return s.client.SetRem(ctx, key, member)
}

func (s *redisCounterStore) setMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SetMembers(ctx, key)
}

func (s *redisCounterStore) expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl)
}

// memoryCounterStore is a process-local counterStore used in tests and
// single-node deployments without Redis.
type memoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]int64
	sets     map[string]map[string]struct{}
	expiry   map[string]time.Time
}

func newMemoryCounterStore() *memoryCounterStore {
	return &memoryCounterStore{
		counters: make(map[string]int64),
		sets:     make(map[string]map[string]struct{}),
		expiry:   make(map[string]time.Time),
	}
}

func (s *memoryCounterStore) expired(key string) bool {
	exp, ok := s.expiry[key]
	return ok && time.Now().After(exp)
}

func (s *memoryCounterStore) incrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expired(key) {
		delete(s.counters, key)
		delete(s.expiry, key)
	}

	_, existed := s.counters[key]
	s.counters[key]++
	if !existed {
		s.expiry[key] = time.Now().Add(ttl)
	}
	return s.counters[key], nil
}

func (s *memoryCounterStore) decrFloor(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counters[key] > 0 {
		s.counters[key]--
	}
	return nil
}

func (s *memoryCounterStore) setAdd(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sets[key] == nil {
		s.sets[key] = make(map[string]struct{})
	}
	s.sets[key][member] = struct{}{}
	return nil
}

func (s *memoryCounterStore) setRem(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sets[key], member)
	return nil
}

func (s *memoryCounterStore) setMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expired(key) {
		delete(s.sets, key)
		delete(s.expiry, key)
	}

	members := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		members = append(members, m)
	}
	return members, nil
}

func (s *memoryCounterStore) expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expiry[key] = time.Now().Add(ttl)
	return nil
}
