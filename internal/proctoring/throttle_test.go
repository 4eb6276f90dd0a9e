package proctoring

import (
	"fmt"
	"testing"
	"time"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestThrottle(window time.Duration) (*Throttle, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	th := NewThrottle(window)
	th.now = clock.Now
	return th, clock
}

func TestThrottleSuppressesWithinWindow(t *testing.T) {
	th, clock := newTestThrottle(2 * time.Second)

	if !th.Allow("a1", "tab_switch") {
		t.Fatal("first signal must be allowed")
	}
	if th.Allow("a1", "tab_switch") {
		t.Fatal("duplicate within window must be suppressed")
	}

	clock.Advance(1999 * time.Millisecond)
	if th.Allow("a1", "tab_switch") {
		t.Fatal("signal just inside the window must be suppressed")
	}

	clock.Advance(1 * time.Millisecond)
	if !th.Allow("a1", "tab_switch") {
		t.Fatal("signal at window boundary must be allowed")
	}
}

func TestThrottleKeysAreIndependent(t *testing.T) {
	th, _ := newTestThrottle(2 * time.Second)

	if !th.Allow("a1", "tab_switch") {
		t.Fatal("first tab_switch must be allowed")
	}
	if !th.Allow("a1", "no_face") {
		t.Fatal("different event type must not be throttled")
	}
	if !th.Allow("a2", "tab_switch") {
		t.Fatal("different attempt must not be throttled")
	}
}

func TestThrottleForget(t *testing.T) {
	th, _ := newTestThrottle(time.Minute)

	th.Allow("a1", "tab_switch")
	th.Allow("a1", "no_face")
	th.Allow("a2", "tab_switch")

	th.Forget("a1")

	if !th.Allow("a1", "tab_switch") {
		t.Fatal("Forget must clear state for the attempt")
	}
	if th.Allow("a2", "tab_switch") {
		t.Fatal("Forget must not clear other attempts")
	}
}

func TestThrottleRelease(t *testing.T) {
	th, _ := newTestThrottle(time.Minute)

	th.Allow("a1", "tab_switch")
	th.Allow("a1", "no_face")

	th.Release("a1", "tab_switch")

	if !th.Allow("a1", "tab_switch") {
		t.Fatal("Release must reopen the window for the pair")
	}
	if th.Allow("a1", "no_face") {
		t.Fatal("Release must not clear other event types")
	}
}

func TestThrottleDefaultWindow(t *testing.T) {
	th := NewThrottle(0)
	if th.window != DefaultThrottleWindow {
		t.Fatalf("window = %v, want %v", th.window, DefaultThrottleWindow)
	}
	th = NewThrottle(-time.Second)
	if th.window != DefaultThrottleWindow {
		t.Fatalf("window = %v, want %v", th.window, DefaultThrottleWindow)
	}
}

func TestThrottleSweepEvictsStale(t *testing.T) {
	th, clock := newTestThrottle(time.Second)

	// Fill past the sweep threshold with distinct attempts.
	for i := 0; i < 1100; i++ {
		th.Allow(fmt.Sprintf("attempt-%d", i), "tab_switch")
	}

	// All entries are now far older than 4x the window; the next Allow
	// triggers a sweep that drops them.
	clock.Advance(10 * time.Second)
	th.Allow("fresh", "tab_switch")

	th.mu.Lock()
	size := len(th.lastSeen)
	th.mu.Unlock()

	if size != 1 {
		t.Fatalf("expected sweep to leave 1 entry, got %d", size)
	}
}
