// Package ratelimit implements the per-principal request budget applied to
// bulk, destructive, and snapshot operations. The limiter is an explicit
// keyed store with expiry timestamps and an injected clock; it is
// per-process on purpose - its job is abuse damping, not correctness.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks a fixed request budget per key within a rolling window.
// Counters reset on window rollover.
type Limiter struct {
	mu      sync.Mutex
	budget  int
	window  time.Duration
	now     func() time.Time
	entries map[string]*windowEntry
}

type windowEntry struct {
	count    int
	resetsAt time.Time
}

// New creates a limiter allowing budget calls per window for each key.
// now is injected so tests can control time; pass time.Now in production.
func New(budget int, window time.Duration, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		budget:  budget,
		window:  window,
		now:     now,
		entries: make(map[string]*windowEntry),
	}
}

// Allow consumes one unit of the key's budget. Returns false when the budget
// for the current window is exhausted.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.entries[key]
	if !ok || !now.Before(entry.resetsAt) {
		l.entries[key] = &windowEntry{count: 1, resetsAt: now.Add(l.window)}
		return true
	}

	if entry.count >= l.budget {
		return false
	}
	entry.count++
	return true
}

// Remaining reports the unused budget for the key in the current window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || !l.now().Before(entry.resetsAt) {
		return l.budget
	}
	return l.budget - entry.count
}

// Prune drops expired windows. Called opportunistically by the health
// monitor so the map does not grow with one-off keys.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, entry := range l.entries {
		if !now.Before(entry.resetsAt) {
			delete(l.entries, key)
		}
	}
}
