package limits

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// FixedWindow is a fixed-window request counter: capacity N over window W,
// keyed by an arbitrary string (connection id, "conn:evt" pair, ...).
//
// This is intentionally a coarse fixed window, not a sliding window or
// token bucket: checks are O(1) and need no background refill, at the cost
// of admitting up to ~2N events straddling a window boundary. That burst
// is an accepted property of the design, not a bug to fix.
type FixedWindow struct {
	mu       sync.Mutex
	windows  map[string]*window
	capacity int
	span     time.Duration

	// now is swappable so tests can drive the clock.
	now func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// Result of a single admission check.
type Result struct {
	Allowed bool
	// RetryAfter is the whole seconds until the window resets, rounded up.
	// Only meaningful when Allowed is false; always in (0, ceil(W)].
	RetryAfter int
}

// NewFixedWindow builds a limiter admitting capacity events per span.
func NewFixedWindow(capacity int, span time.Duration) *FixedWindow {
	return &FixedWindow{
		windows:  make(map[string]*window),
		capacity: capacity,
		span:     span,
		now:      time.Now,
	}
}

// Check performs one admission decision for key. On an expired window the
// counter resets before counting; on a full window the event is rejected
// with the seconds left until reset.
func (f *FixedWindow) Check(key string) Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()

	// Opportunistic purge: roughly 1% of checks walk the table and drop
	// expired windows, so idle keys do not accumulate between scheduled
	// sweeps.
	if rand.Intn(100) == 0 {
		f.purgeLocked(now)
	}

	w, ok := f.windows[key]
	if !ok {
		w = &window{}
		f.windows[key] = w
	}

	if now.After(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(f.span)
	}

	if w.count >= f.capacity {
		retry := int(math.Ceil(w.resetAt.Sub(now).Seconds()))
		if retry < 1 {
			retry = 1
		}
		return Result{Allowed: false, RetryAfter: retry}
	}

	w.count++
	return Result{Allowed: true}
}

// Forget drops the key's window, used when its connection goes away.
func (f *FixedWindow) Forget(key string) {
	f.mu.Lock()
	delete(f.windows, key)
	f.mu.Unlock()
}

// Purge removes every expired window and returns how many were dropped.
// Called by the cleanup scheduler.
func (f *FixedWindow) Purge() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.purgeLocked(f.now())
}

func (f *FixedWindow) purgeLocked(now time.Time) int {
	removed := 0
	for key, w := range f.windows {
		if now.After(w.resetAt) {
			delete(f.windows, key)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of keys currently holding a window.
func (f *FixedWindow) Tracked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows)
}
