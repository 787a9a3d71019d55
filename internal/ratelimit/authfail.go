package ratelimit

import (
	"sync"
	"time"
)

// DefaultAuthFailLimit is the failed-authentication ceiling per IP per window.
const DefaultAuthFailLimit = 10

// AuthFailWindow tracks failed authentications per client IP. Successful
// auth does not charge, so the window throttles brute force without letting
// an offline attacker distinguish unknown credentials from
// valid-but-throttled ones.
type AuthFailWindow struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	failures map[string][]time.Time
}

// NewAuthFailWindow creates a window allowing at most limit failures per IP
// within window. Zero values take the defaults (10 per minute).
func NewAuthFailWindow(limit int, window time.Duration) *AuthFailWindow {
	if limit <= 0 {
		limit = DefaultAuthFailLimit
	}
	if window <= 0 {
		window = time.Minute
	}
	return &AuthFailWindow{
		limit:    limit,
		window:   window,
		failures: make(map[string][]time.Time),
	}
}

// Blocked reports whether the IP has exhausted its failure budget. Call
// before attempting validation.
func (w *AuthFailWindow) Blocked(ip string) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	valid := w.prune(ip)
	if len(valid) >= w.limit {
		retry := time.Until(valid[0].Add(w.window))
		if retry < time.Second {
			retry = time.Second
		}
		return true, retry
	}
	return false, 0
}

// RecordFailure charges one failed authentication against the IP.
func (w *AuthFailWindow) RecordFailure(ip string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures[ip] = append(w.prune(ip), time.Now())
}

// prune drops timestamps outside the window. Caller holds the lock.
func (w *AuthFailWindow) prune(ip string) []time.Time {
	cutoff := time.Now().Add(-w.window)
	existing := w.failures[ip]
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	w.failures[ip] = valid
	return valid
}
