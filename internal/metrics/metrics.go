package metrics

import (
	"sync"
	"sync/atomic"
)

// runStats holds counters for automation run outcomes.
// Kept simple/thread-safe for use from the engine and exposition.
type runStats struct {
	total    uint64
	mu       sync.Mutex
	byStatus map[string]uint64
}

var runs runStats

// IncRunOutcome increments run counters for the given final status
// (success, failed, blocked, skipped).
func IncRunOutcome(status string) {
	if status == "" {
		status = "unknown"
	}
	atomic.AddUint64(&runs.total, 1)
	runs.mu.Lock()
	if runs.byStatus == nil {
		runs.byStatus = make(map[string]uint64)
	}
	runs.byStatus[status]++
	runs.mu.Unlock()
}

// RunSnapshot returns a copy of the current run counters.
func RunSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&runs.total)
	runs.mu.Lock()
	defer runs.mu.Unlock()
	by = make(map[string]uint64, len(runs.byStatus))
	for k, v := range runs.byStatus {
		by[k] = v
	}
	return total, by
}

// rateLimitStats holds counters for rate limit drops (HTTP 429).
type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}
