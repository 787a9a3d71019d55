package ratelimit

import (
	"sync"
	"time"
)

// EventWindow is a simple sliding-window counter keyed by an arbitrary
// string (client IP, tenant). Allow charges one event and reports whether
// the key is still under its limit. Unlike AuthFailWindow, every call
// counts.
type EventWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events map[string][]time.Time
}

// NewEventWindow creates a window allowing at most limit events per key
// within window.
func NewEventWindow(limit int, window time.Duration) *EventWindow {
	return &EventWindow{
		limit:  limit,
		window: window,
		events: make(map[string][]time.Time),
	}
}

// Allow charges one event against key. When the key is over its limit the
// event is not recorded and the time until the window frees up is returned.
func (w *EventWindow) Allow(key string) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := time.Now().Add(-w.window)
	existing := w.events[key]
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= w.limit {
		w.events[key] = valid
		retry := time.Until(valid[0].Add(w.window))
		if retry < time.Second {
			retry = time.Second
		}
		return false, retry
	}

	w.events[key] = append(valid, time.Now())
	return true, 0
}
