package transport

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// maxShift caps the exponent so large attempt counts cannot overflow
const maxShift = 30

// Backoff returns base * 2^attempt, attempt counted from 0
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	return base * time.Duration(1<<uint(attempt))
}

// RateLimitBackoff is Backoff doubled, used for 429 responses
func RateLimitBackoff(base time.Duration, attempt int) time.Duration {
	return Backoff(base, attempt+1)
}

// retryAfter parses a Retry-After header given either in seconds or as an
// HTTP date. Returns 0 when absent or unparseable.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
