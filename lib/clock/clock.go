// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts time operations for testability. Production code
// injects Real(); tests inject Fake() with deterministic time control.
//
// Any function that would call time.Now, time.After, time.NewTicker,
// time.AfterFunc, or time.Sleep directly should instead accept a Clock
// (or be a method on a struct carrying one).
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for d, then calls f. The returned Timer cancels
	// the pending call with Stop; its C field is nil, matching
	// time.AfterFunc. If d <= 0, f runs immediately.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Timer is a scheduled one-shot event. For timers created by
// AfterFunc, C is nil.
type Timer struct {
	// C delivers the fire time. Nil for AfterFunc timers.
	C <-chan time.Time

	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the Timer from firing. Returns true if the call
// stopped the timer, false if it already fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset re-arms the timer to fire after d. Returns true if the timer
// was active before the reset.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }

// Ticker delivers periodic ticks on C. The channel has capacity 1,
// matching time.Ticker: if the consumer falls behind, ticks are
// dropped rather than queued.
type Ticker struct {
	// C delivers ticks. Buffered with capacity 1.
	C <-chan time.Time

	stopFunc  func()
	resetFunc func(time.Duration)
}

// Stop turns the ticker off. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

// Reset adjusts the ticker to a new interval and restarts the cycle.
func (t *Ticker) Reset(d time.Duration) { t.resetFunc(d) }
