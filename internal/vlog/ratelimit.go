package vlog

import (
	"sync"
	"time"
)

// RateLimiter emits at most one log line per Interval, dropping (but
// still counting, via Skipped) whatever arrives in between. Spec §4.3
// requires UDP queue-overflow warnings to be rate limited to once per
// 10s; ingest also rate limits its parse-error warnings with one at the
// same interval.
type RateLimiter struct {
	Interval time.Duration

	mu      sync.Mutex
	last    time.Time
	skipped uint64
}

// NewRateLimiter returns a limiter that allows one call through per
// interval.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{Interval: interval}
}

// Allow reports whether the caller should log now. If it returns
// false the caller should stay silent; the suppressed count is
// available via Skipped.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last.IsZero() || now.Sub(r.last) >= r.Interval {
		r.last = now
		return true
	}
	r.skipped++
	return false
}

// Skipped returns the number of suppressed calls since the limiter
// was created.
func (r *RateLimiter) Skipped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}
