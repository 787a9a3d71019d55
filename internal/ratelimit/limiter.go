// Package ratelimit provides the two sliding windows on the request path: a
// per-(tenant, key-hash, tool) tool limiter bucketed by tier, and a per-IP
// window that only charges failed authentications.
//
// Both are in-memory implementations behind small interfaces so a
// distributed backend can replace them without touching callers.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of a limiter check, carrying the header values the
// transport advertises (limit/remaining/reset) and RetryAfter when denied.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// ToolLimiter is the per-(tenant, key-hash, tool) rate limiter interface.
type ToolLimiter interface {
	// Allow records one call for the bucket when within the tier's ceiling
	// and returns the decision either way.
	Allow(tenantID, keyHash, tool, tier string) Decision
}

// Tier ceilings per minute. Unknown tiers fall back to standard.
var tierLimits = map[string]int{
	"low":       20,
	"standard":  60,
	"high":      240,
	"unlimited": 0, // 0 = no ceiling
}

// SlidingWindow is the single-process ToolLimiter. Buckets are guarded by a
// per-bucket mutex held only around the timestamp filter/append, never across
// store or KDF suspension points.
type SlidingWindow struct {
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	mu    sync.Mutex
	calls []time.Time
}

// NewSlidingWindow creates a limiter with the given window (defaults to one
// minute when zero).
func NewSlidingWindow(window time.Duration) *SlidingWindow {
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindow{
		window:  window,
		buckets: make(map[string]*bucket),
	}
}

func (l *SlidingWindow) bucketFor(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	return b
}

// Allow implements ToolLimiter.
func (l *SlidingWindow) Allow(tenantID, keyHash, tool, tier string) Decision {
	limit, ok := tierLimits[tier]
	if !ok {
		limit = tierLimits["standard"]
	}
	if limit == 0 {
		return Decision{Allowed: true, Limit: 0, Remaining: -1}
	}

	b := l.bucketFor(tenantID + "\x00" + keyHash + "\x00" + tool)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	valid := b.calls[:0] // reuse backing array
	for _, t := range b.calls {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	b.calls = valid

	d := Decision{Limit: limit}
	if len(valid) >= limit {
		oldest := valid[0]
		d.ResetAt = oldest.Add(l.window)
		d.RetryAfter = time.Until(d.ResetAt)
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
		return d
	}

	b.calls = append(valid, now)
	d.Allowed = true
	d.Remaining = limit - len(b.calls)
	d.ResetAt = now.Add(l.window)
	return d
}
