// Package ratelimit implements the gateway's sliding-window admission
// control. It is in-memory and process-local, with no distributed
// coordination — admission for a given key is linearizable because each
// key owns its own mutex, mirroring the per-entity locking discipline the
// rest of the gateway's registries use.
package ratelimit

import (
	"sync"
	"time"

	"github.com/wisbric/agentgate/internal/clockwork"
	"github.com/wisbric/agentgate/internal/telemetry"
)

// Result is the outcome of an admission check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration // only meaningful when !Allowed
}

// bucket holds the recent event timestamps for a single key.
type bucket struct {
	mu     sync.Mutex
	events []time.Time
}

// Limiter is a sliding-window counter keyed by arbitrary strings (the
// gateway uses agent_id and agent_id+"\x00"+service_id as keys).
type Limiter struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	buckets map[string]*bucket
}

// New creates a Limiter backed by clock.
func New(clock clockwork.Clock) *Limiter {
	return &Limiter{
		clock:   clock,
		buckets: make(map[string]*bucket),
	}
}

// Check admits one event for key against limit requests per window. Events
// older than now-window are dropped before counting, so the check and the
// recording of an admitted event are atomic with respect to other callers
// using the same key. scope labels a denial for telemetry (e.g. "agent" or
// "service") and otherwise plays no role in admission.
func (l *Limiter) Check(key, scope string, limit int, window time.Duration) Result {
	b := l.bucketFor(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.clock.Now()
	cutoff := now.Add(-window)

	kept := b.events[:0]
	for _, t := range b.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.events = kept

	if len(b.events) < limit {
		b.events = append(b.events, now)
		return Result{Allowed: true}
	}

	oldest := b.events[0]
	retryAfter := oldest.Add(window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	telemetry.RateLimitDeniedTotal.WithLabelValues(scope).Inc()
	return Result{Allowed: false, RetryAfter: retryAfter}
}

// bucketFor returns the bucket for key, creating it under the write lock if
// absent. Once created, buckets are never removed while in use; Evict
// reclaims idle ones so the map doesn't grow unbounded under agent churn.
func (l *Limiter) bucketFor(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b = &bucket{}
	l.buckets[key] = b
	return b
}

// Evict removes buckets that have recorded no event within the last
// window+grace. Safe to call concurrently with Check; call it periodically
// (e.g. from a background ticker) to bound memory under agent churn.
func (l *Limiter) Evict(window, grace time.Duration) {
	now := l.clock.Now()
	cutoff := now.Add(-(window + grace))

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		b.mu.Lock()
		idle := len(b.events) == 0 || b.events[len(b.events)-1].Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, key)
		}
	}
}
