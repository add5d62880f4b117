package ratelimit

import "testing"

func TestSlidingWindowAcceptsUpToMax(t *testing.T) {
	t.Parallel()

	w := New(2, 1000)
	if !w.TryAcquire(0) {
		t.Fatal("first acquire should succeed")
	}
	if !w.TryAcquire(10) {
		t.Fatal("second acquire should succeed")
	}
	if w.TryAcquire(20) {
		t.Fatal("third acquire within window should be rejected")
	}
}

func TestSlidingWindowExpiresOldEvents(t *testing.T) {
	t.Parallel()

	w := New(1, 1000)
	if !w.TryAcquire(0) {
		t.Fatal("first acquire should succeed")
	}
	if w.TryAcquire(500) {
		t.Fatal("second acquire inside the window should be rejected")
	}
	if !w.TryAcquire(1001) {
		t.Fatal("acquire after the window has fully elapsed should succeed")
	}
}

// For any 1s window, the count of acquires that returned true is <= N.
func TestSlidingWindowNeverExceedsMaxInAnyWindow(t *testing.T) {
	t.Parallel()

	w := New(3, 1000)
	accepted := 0
	for ms := int64(0); ms < 1000; ms += 10 {
		if w.TryAcquire(ms) {
			accepted++
		}
	}
	if accepted > 3 {
		t.Fatalf("accepted %d events within a single 1s window, want <= 3", accepted)
	}
}
