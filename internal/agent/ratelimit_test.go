package agent

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestRateLimiter_QuotaWithinWindow(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(10, 60*time.Second)
	rl.now = clock.Now

	for i := 0; i < 10; i++ {
		if !rl.Allow("+905551112233") {
			t.Fatalf("message %d should be admitted", i+1)
		}
		clock.Advance(time.Second)
	}
	if rl.Allow("+905551112233") {
		t.Fatal("11th message within the window must be denied")
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(2, 60*time.Second)
	rl.now = clock.Now

	rl.Allow("a") // t=0
	clock.Advance(30 * time.Second)
	rl.Allow("a") // t=30
	if rl.Allow("a") {
		t.Fatal("quota exhausted")
	}

	// At exactly t=60 the first admission falls out of the window.
	clock.Advance(30 * time.Second)
	if !rl.Allow("a") {
		t.Fatal("expected admission once the oldest entry expired")
	}
	if rl.Allow("a") {
		t.Fatal("t=30 entry is still inside the window")
	}
}

func TestRateLimiter_DeniedNotRecorded(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(1, 10*time.Second)
	rl.now = clock.Now

	rl.Allow("a")
	for i := 0; i < 5; i++ {
		rl.Allow("a")
	}
	clock.Advance(10 * time.Second)
	if !rl.Allow("a") {
		t.Fatal("denied attempts must not extend the window")
	}
}

func TestRateLimiter_SendersIndependent(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	if !rl.Allow("a") || !rl.Allow("b") {
		t.Fatal("each sender has its own quota")
	}
	if rl.Allow("a") {
		t.Fatal("sender a is exhausted")
	}
}

func TestRateLimiter_RemainingAndReset(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	if got := rl.Remaining("a"); got != 3 {
		t.Fatalf("expected 3 remaining, got %d", got)
	}
	rl.Allow("a")
	rl.Allow("a")
	if got := rl.Remaining("a"); got != 1 {
		t.Fatalf("expected 1 remaining, got %d", got)
	}
	rl.Reset("a")
	if got := rl.Remaining("a"); got != 3 {
		t.Fatalf("expected full quota after reset, got %d", got)
	}
}

func TestRateLimiter_DefaultValues(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.max != 10 {
		t.Fatalf("expected default max=10, got %d", rl.max)
	}
	if rl.window != time.Minute {
		t.Fatalf("expected default window=1m, got %v", rl.window)
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := NewRateLimiter(50, time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Fatalf("expected exactly 50 admissions, got %d", allowed)
	}
}
