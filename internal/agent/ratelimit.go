package agent

import (
	"sync"
	"time"
)

// RateLimiter admits at most max events per sender within a trailing window.
// Each sender keeps a log of admission times which is pruned on access.
type RateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	log    map[string][]time.Time
	now    func() time.Time
}

func NewRateLimiter(maxMessages int, window time.Duration) *RateLimiter {
	if maxMessages <= 0 {
		maxMessages = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		max:    maxMessages,
		window: window,
		log:    make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records an admission for sender and reports whether it fits the quota.
// Denied attempts are not recorded.
func (rl *RateLimiter) Allow(sender string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	times := rl.prune(sender, now)
	if len(times) >= rl.max {
		return false
	}
	rl.log[sender] = append(times, now)
	return true
}

// Remaining returns how many more admissions sender has in the current window.
func (rl *RateLimiter) Remaining(sender string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	n := rl.max - len(rl.prune(sender, rl.now()))
	if n < 0 {
		return 0
	}
	return n
}

// Reset forgets all admissions for sender.
func (rl *RateLimiter) Reset(sender string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.log, sender)
}

// prune drops timestamps at or before now-window. Caller holds mu.
func (rl *RateLimiter) prune(sender string, now time.Time) []time.Time {
	times := rl.log[sender]
	cutoff := now.Add(-rl.window)
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == len(times) {
		delete(rl.log, sender)
		return nil
	}
	if i > 0 {
		times = append(times[:0], times[i:]...)
		rl.log[sender] = times
	}
	return times
}
