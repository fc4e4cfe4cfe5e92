package limits

import (
	"testing"
	"time"
)

func TestFixedWindowAdmitsCapacity(t *testing.T) {
	f := NewFixedWindow(5, time.Minute)

	for i := 0; i < 5; i++ {
		if res := f.Check("conn-1"); !res.Allowed {
			t.Fatalf("event %d should be allowed", i+1)
		}
	}
	res := f.Check("conn-1")
	if res.Allowed {
		t.Fatal("event over capacity should be rejected")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > 60 {
		t.Fatalf("retryAfter = %d, want in (0, 60]", res.RetryAfter)
	}
}

func TestFixedWindowKeysAreIndependent(t *testing.T) {
	f := NewFixedWindow(1, time.Minute)

	if res := f.Check("a"); !res.Allowed {
		t.Fatal("first event for a should be allowed")
	}
	if res := f.Check("a"); res.Allowed {
		t.Fatal("second event for a should be rejected")
	}
	if res := f.Check("b"); !res.Allowed {
		t.Fatal("b has its own window and should be allowed")
	}
}

func TestFixedWindowResetsAfterExpiry(t *testing.T) {
	now := time.Now()
	f := NewFixedWindow(2, time.Minute)
	f.now = func() time.Time { return now }

	f.Check("conn-1")
	f.Check("conn-1")
	if res := f.Check("conn-1"); res.Allowed {
		t.Fatal("window full, should reject")
	}

	now = now.Add(61 * time.Second)
	if res := f.Check("conn-1"); !res.Allowed {
		t.Fatal("expired window should reset and admit")
	}
}

func TestFixedWindowRetryAfterRoundsUp(t *testing.T) {
	now := time.Now()
	f := NewFixedWindow(1, time.Minute)
	f.now = func() time.Time { return now }

	f.Check("conn-1")

	// 30.5s into the window: 29.5s remain, reported as 30.
	now = now.Add(30*time.Second + 500*time.Millisecond)
	res := f.Check("conn-1")
	if res.Allowed {
		t.Fatal("window full, should reject")
	}
	if res.RetryAfter != 30 {
		t.Fatalf("retryAfter = %d, want 30", res.RetryAfter)
	}
}

func TestForget(t *testing.T) {
	f := NewFixedWindow(1, time.Minute)
	f.Check("conn-1")
	if res := f.Check("conn-1"); res.Allowed {
		t.Fatal("window full, should reject")
	}

	f.Forget("conn-1")
	if res := f.Check("conn-1"); !res.Allowed {
		t.Fatal("forgotten key should start a fresh window")
	}
}

func TestPurgeDropsExpiredWindows(t *testing.T) {
	now := time.Now()
	f := NewFixedWindow(10, time.Minute)
	f.now = func() time.Time { return now }

	f.Check("a")
	f.Check("b")
	if got := f.Tracked(); got != 2 {
		t.Fatalf("tracked = %d, want 2", got)
	}

	now = now.Add(2 * time.Minute)
	if removed := f.Purge(); removed != 2 {
		t.Fatalf("purged = %d, want 2", removed)
	}
	if got := f.Tracked(); got != 0 {
		t.Fatalf("tracked after purge = %d, want 0", got)
	}
}
