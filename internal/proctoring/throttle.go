package proctoring

import (
	"sync"
	"time"
)

// DefaultThrottleWindow suppresses duplicate emissions of the same
// (attempt, event type) pair for this long.
const DefaultThrottleWindow = 2 * time.Second

// Throttle drops duplicate signals of the same type for the same attempt
// within a configurable window, so noisy sensors cannot flood the ledger.
// Suppressed signals are dropped, not queued.
type Throttle struct {
	mu       sync.Mutex
	window   time.Duration
	lastSeen map[throttleKey]time.Time
	now      func() time.Time
}

type throttleKey struct {
	attemptID string
	eventType string
}

// NewThrottle creates a throttle with the given suppression window.
// window <= 0 uses DefaultThrottleWindow.
func NewThrottle(window time.Duration) *Throttle {
	if window <= 0 {
		window = DefaultThrottleWindow
	}
	return &Throttle{
		window:   window,
		lastSeen: make(map[throttleKey]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether a signal of eventType for attemptID may be emitted
// now. The first signal in a window is allowed and starts the window.
func (t *Throttle) Allow(attemptID, eventType string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	key := throttleKey{attemptID, eventType}

	if last, ok := t.lastSeen[key]; ok && now.Sub(last) < t.window {
		return false
	}

	t.lastSeen[key] = now
	t.sweep(now)
	return true
}

// Release reopens the window for one (attempt, event type) pair. Called when
// a signal that won its window failed to persist, so the retry is not
// suppressed as a duplicate.
func (t *Throttle) Release(attemptID, eventType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeen, throttleKey{attemptID, eventType})
}

// Forget drops all throttle state for an attempt. Called when the attempt
// reaches a terminal state.
func (t *Throttle) Forget(attemptID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.lastSeen {
		if key.attemptID == attemptID {
			delete(t.lastSeen, key)
		}
	}
}

// sweep evicts entries whose window expired long ago. Amortized over Allow
// calls so no background goroutine is needed.
func (t *Throttle) sweep(now time.Time) {
	if len(t.lastSeen) < 1024 {
		return
	}
	cutoff := now.Add(-4 * t.window)
	for key, last := range t.lastSeen {
		if last.Before(cutoff) {
			delete(t.lastSeen, key)
		}
	}
}
