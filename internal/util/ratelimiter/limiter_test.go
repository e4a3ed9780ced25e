package ratelimiter

import (
	"sync"
	"testing"
	"time"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiter_Allow(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		delays   []time.Duration // clock advance before each Allow() call
		want     []bool          // expected Allow() results
	}{
		{
			name:     "first call always allowed",
			interval: 100 * time.Millisecond,
			delays:   []time.Duration{0},
			want:     []bool{true},
		},
		{
			name:     "second call immediately after is blocked",
			interval: 100 * time.Millisecond,
			delays:   []time.Duration{0, 0},
			want:     []bool{true, false},
		},
		{
			name:     "call after interval is allowed",
			interval: 50 * time.Millisecond,
			delays:   []time.Duration{0, 60 * time.Millisecond},
			want:     []bool{true, true},
		},
		{
			name:     "blocked calls do not push the window",
			interval: 100 * time.Millisecond,
			delays:   []time.Duration{0, 60 * time.Millisecond, 60 * time.Millisecond},
			want:     []bool{true, false, true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &stepClock{now: time.Unix(1700000000, 0)}
			limiter := NewWithClock(tt.interval, clock.Now)

			for i, delay := range tt.delays {
				clock.advance(delay)

				allowed, waitTime := limiter.Allow("dl-1")
				if allowed != tt.want[i] {
					t.Errorf("call %d: Allow() = %v, want %v", i, allowed, tt.want[i])
				}
				if !allowed && waitTime <= 0 {
					t.Errorf("call %d: blocked but waitTime = %v, want > 0", i, waitTime)
				}
				if allowed && waitTime != 0 {
					t.Errorf("call %d: allowed but waitTime = %v, want 0", i, waitTime)
				}
			}
		})
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	limiter := New(time.Hour)

	if ok, _ := limiter.Allow("a"); !ok {
		t.Fatal("first call for a should be allowed")
	}
	if ok, _ := limiter.Allow("b"); !ok {
		t.Fatal("first call for b should be allowed")
	}
	if ok, _ := limiter.Allow("a"); ok {
		t.Fatal("second call for a should be blocked")
	}
	if got := limiter.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestLimiter_Forget(t *testing.T) {
	limiter := New(time.Hour)

	limiter.Allow("a")
	if ok, _ := limiter.Allow("a"); ok {
		t.Fatal("second call should be blocked")
	}

	limiter.Forget("a")
	if ok, _ := limiter.Allow("a"); !ok {
		t.Fatal("call after Forget should be allowed")
	}
	limiter.Forget("missing")
}

func TestLimiter_WaitTime(t *testing.T) {
	clock := &stepClock{now: time.Unix(1700000000, 0)}
	limiter := NewWithClock(100*time.Millisecond, clock.Now)

	limiter.Allow("a")
	clock.advance(30 * time.Millisecond)

	_, wait := limiter.Allow("a")
	if wait != 70*time.Millisecond {
		t.Errorf("waitTime = %v, want 70ms", wait)
	}
	if got := limiter.Interval(); got != 100*time.Millisecond {
		t.Errorf("Interval() = %v", got)
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	limiter := New(time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowedCount := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if allowed, _ := limiter.Allow("shared"); allowed {
				mu.Lock()
				allowedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowedCount != 1 {
		t.Errorf("concurrent calls: %d allowed, want exactly 1", allowedCount)
	}
}
