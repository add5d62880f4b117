// Package ratelimit implements the account-level sliding-window gate for
// order placement and cancellation: accept at most N events in the trailing
// window, measured by trimming a deque of timestamps rather than refilling
// tokens.
package ratelimit

import (
	"sync"
)

// SlidingWindow accepts at most Max events in any trailing WindowMs window.
// TryAcquire is non-blocking: callers that are denied get a synthetic
// rejection immediately rather than waiting for a slot to free up.
type SlidingWindow struct {
	mu        sync.Mutex
	max       int
	windowMs  int64
	timestamps []int64
}

// New creates a sliding-window limiter allowing at most max events per
// windowMs milliseconds.
func New(max int, windowMs int64) *SlidingWindow {
	return &SlidingWindow{
		max:      max,
		windowMs: windowMs,
	}
}

// TryAcquire trims timestamps older than the trailing window, then accepts
// the event (pushing nowMs) if the trimmed queue length is below max.
func (w *SlidingWindow) TryAcquire(nowMs int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := nowMs - w.windowMs
	i := 0
	for i < len(w.timestamps) && w.timestamps[i] < cutoff {
		i++
	}
	if i > 0 {
		w.timestamps = w.timestamps[i:]
	}

	if len(w.timestamps) >= w.max {
		return false
	}
	w.timestamps = append(w.timestamps, nowMs)
	return true
}

// Len reports the number of acquires currently counted within the window,
// as of the last TryAcquire call (used by tests and diagnostics only).
func (w *SlidingWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timestamps)
}
