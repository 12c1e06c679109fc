package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryStore is the in-process Storage backend: each distinct key gets its
// own golang.org/x/time/rate.Limiter, created lazily on first use and
// reused thereafter. Mirrors Registry's double-checked-locking pattern
// rather than routing through a loading cache, so a key's limiter identity
// is stable for the lifetime of the process.
type MemoryStore struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
	}
}

// CheckAndConsume implements Storage. The bucket for key is created lazily
// on first use, sized by the given (limit, interval) quota; subsequent
// calls for the same key reuse the same limiter regardless of the
// (limit, interval) passed, since a key's quota shape is expected to be
// stable for the lifetime of the process.
func (s *MemoryStore) CheckAndConsume(_ context.Context, key string, limit uint32, interval time.Duration) (bool, error) {
	s.mu.RLock()
	l, ok := s.limiters[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if l, ok = s.limiters[key]; !ok {
			l = newRateLimiter(Quota{Limit: limit, Interval: interval})
			s.limiters[key] = l
		}
		s.lastSeen[key] = time.Now()
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		s.lastSeen[key] = time.Now()
		s.mu.Unlock()
	}
	return l.Allow(), nil
}

// EvictStale removes limiters not used since cutoff, bounding memory for
// deployments with many short-lived keys (e.g. per-IP buckets).
func (s *MemoryStore) EvictStale(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, seen := range s.lastSeen {
		if seen.Before(cutoff) {
			delete(s.limiters, key)
			delete(s.lastSeen, key)
			removed++
		}
	}
	return removed
}

func newRateLimiter(q Quota) *rate.Limiter {
	if q.Limit == 0 || q.Interval <= 0 {
		return rate.NewLimiter(rate.Inf, int(q.Burst()))
	}
	perSecond := float64(q.Limit) / q.Interval.Seconds()
	return rate.NewLimiter(rate.Limit(perSecond), int(q.Burst()))
}
