package server

import (
	"sync"
	"time"
)

// RateLimiter tracks attempts per key within a sliding window.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
	swept    time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow records an attempt for key and reports whether it is under the limit.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)
	if now.Sub(r.swept) >= r.window {
		r.sweep(cutoff)
		r.swept = now
	}

	var recent []time.Time
	for _, t := range r.attempts[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	// Check if already at limit BEFORE recording this attempt
	if len(recent) >= r.limit {
		r.attempts[key] = recent
		return false
	}

	r.attempts[key] = append(recent, now)
	return true
}

// sweep drops keys whose last attempt is older than cutoff.
func (r *RateLimiter) sweep(cutoff time.Time) {
	for key, ts := range r.attempts {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(r.attempts, key)
		}
	}
}

// Reset clears attempts for key.
func (r *RateLimiter) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, key)
}
