package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window attempt counter keyed by an arbitrary
// string (player id or connection id). At most limit attempts are allowed in
// any window; expired attempts are pruned on every check.
// All methods are safe for concurrent use.
type RateLimiter struct {
	limit    int
	window   time.Duration
	mu       sync.Mutex
	attempts map[string][]time.Time
	now      func() time.Time
}

// WindowInfo describes the current state of one key's window.
type WindowInfo struct {
	Count     int           `json:"count"`
	Limit     int           `json:"limit"`
	Window    time.Duration `json:"window"`
	Remaining int           `json:"remaining"`
	ResetsIn  time.Duration `json:"resets_in"`
}

// NewRateLimiter creates a limiter allowing limit attempts per window.
//
// Precondition: limit must be > 0; window must be > 0.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		panic("realtime.NewRateLimiter: limit must be > 0")
	}
	if window <= 0 {
		panic("realtime.NewRateLimiter: window must be > 0")
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		attempts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow records an attempt for key if the window has capacity.
//
// Postcondition: Returns true and records the attempt when fewer than limit
// attempts exist in the window; returns false and records nothing otherwise.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	kept := rl.pruneLocked(key, now)

	if len(kept) < rl.limit {
		rl.attempts[key] = append(kept, now)
		return true
	}
	return false
}

// pruneLocked drops attempts older than the window and returns what remains.
// Caller must hold mu.
func (rl *RateLimiter) pruneLocked(key string, now time.Time) []time.Time {
	windowStart := now.Add(-rl.window)
	recorded := rl.attempts[key]

	valid := 0
	for valid < len(recorded) && !recorded[valid].After(windowStart) {
		valid++
	}
	if valid > 0 {
		recorded = recorded[valid:]
		if len(recorded) == 0 {
			delete(rl.attempts, key)
			return nil
		}
		rl.attempts[key] = recorded
	}
	return recorded
}

// Count returns the number of attempts currently inside key's window.
func (rl *RateLimiter) Count(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.pruneLocked(key, rl.now()))
}

// Info returns the window state for key.
func (rl *RateLimiter) Info(key string) WindowInfo {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	kept := rl.pruneLocked(key, now)

	info := WindowInfo{
		Count:     len(kept),
		Limit:     rl.limit,
		Window:    rl.window,
		Remaining: rl.limit - len(kept),
	}
	if len(kept) > 0 {
		info.ResetsIn = kept[0].Add(rl.window).Sub(now)
	}
	return info
}

// Remove deletes all recorded attempts for key.
func (rl *RateLimiter) Remove(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// PruneIdle drops every key whose attempts have all expired and returns the
// number of keys removed. Called by periodic cleanup to bound memory.
func (rl *RateLimiter) PruneIdle() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.window)
	removed := 0
	for key, recorded := range rl.attempts {
		if len(recorded) == 0 || !recorded[len(recorded)-1].After(windowStart) {
			delete(rl.attempts, key)
			removed++
		}
	}
	return removed
}

// Keys returns the number of keys with recorded attempts, expired or not.
func (rl *RateLimiter) Keys() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.attempts)
}
