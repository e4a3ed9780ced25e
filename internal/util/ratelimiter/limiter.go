package ratelimiter

import (
	"sync"
	"time"
)

// Limiter allows one action per interval for each key.
// It is safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	now      func() time.Time
}

// New creates a limiter allowing at most one action per key per interval
func New(interval time.Duration) *Limiter {
	return NewWithClock(interval, time.Now)
}

// NewWithClock creates a limiter reading time from now
func NewWithClock(interval time.Duration, now func() time.Time) *Limiter {
	return &Limiter{
		interval: interval,
		last:     make(map[string]time.Time),
		now:      now,
	}
}

// Allow reports whether an action for key may run now. When it may, the
// call is recorded as the key's last action; otherwise the remaining wait
// is returned.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	last, seen := l.last[key]
	if !seen || now.Sub(last) >= l.interval {
		l.last[key] = now
		return true, 0
	}
	return false, l.interval - now.Sub(last)
}

// Forget drops key, so its next action is allowed immediately
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.last, key)
	l.mu.Unlock()
}

// Len returns the number of keys being tracked
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.last)
}

// Interval returns the configured rate limit interval.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}
