// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock pinned to the given time. Time stands still
// until Advance is called; every timer, ticker, and sleep registers a
// pending entry that fires when the clock moves past its deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.pendingChanged = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. AfterFunc callbacks run
// synchronously inside Advance, in deadline order. Do not call Sleep or
// Advance from within a callback — that deadlocks.
type FakeClock struct {
	mu             sync.Mutex
	current        time.Time
	pending        []*pendingTimer
	pendingChanged *sync.Cond
}

// pendingTimer is one registered timer, ticker, or sleep.
type pendingTimer struct {
	deadline time.Time

	// channel receives the fire time for After, Sleep, and Ticker
	// entries. Nil for AfterFunc entries.
	channel chan time.Time

	// callback runs synchronously during Advance for AfterFunc
	// entries. Nil otherwise.
	callback func()

	// interval is non-zero for tickers; after firing, the entry is
	// rescheduled at deadline + interval.
	interval time.Duration

	// stopped entries are skipped during Advance and dropped.
	stopped bool

	// fired marks a one-shot entry that already delivered, so
	// overlapping Advance calls cannot double-fire it.
	fired bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once d elapses. If d <= 0 the
// channel receives immediately without registering a pending entry.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}

	c.pending = append(c.pending, &pendingTimer{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	c.pendingChanged.Broadcast()
	return channel
}

// AfterFunc schedules f after d. The returned Timer's C is nil. If
// d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d <= 0 {
		c.mu.Unlock()
		f()
		c.mu.Lock()
		return &Timer{
			stopFunc:  func() bool { return false },
			resetFunc: func(time.Duration) bool { return false },
		}
	}

	entry := &pendingTimer{
		deadline: c.current.Add(d),
		callback: f,
	}
	c.pending = append(c.pending, entry)
	c.pendingChanged.Broadcast()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if entry.stopped || entry.fired {
				return false
			}
			entry.stopped = true
			return true
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := !entry.stopped && !entry.fired
			entry.stopped = false
			entry.fired = false
			entry.deadline = c.current.Add(d)
			// Re-register if the entry was removed after firing; a
			// stopped entry that Advance has not dropped yet is
			// still registered and is not added twice.
			if !wasActive {
				registered := false
				for _, p := range c.pending {
					registered = registered || p == entry
				}
				if !registered {
					c.pending = append(c.pending, entry)
				}
				c.pendingChanged.Broadcast()
			}
			return wasActive
		},
	}
}

// NewTicker returns a Ticker firing every d. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	entry := &pendingTimer{
		deadline: c.current.Add(d),
		channel:  channel,
		interval: d,
	}
	c.pending = append(c.pending, entry)
	c.pendingChanged.Broadcast()

	return &Ticker{
		C: channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.stopped = true
		},
		resetFunc: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.interval = d
			entry.deadline = c.current.Add(d)
			entry.stopped = false
			// Advance drops stopped tickers; re-register one it dropped.
			registered := false
			for _, p := range c.pending {
				registered = registered || p == entry
			}
			if !registered {
				c.pending = append(c.pending, entry)
			}
			c.pendingChanged.Broadcast()
		},
	}
}

// Sleep blocks the calling goroutine until the clock advances past the
// deadline. If d <= 0, returns immediately.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every pending entry
// whose deadline falls within the new time, in deadline order.
//
// AfterFunc callbacks run synchronously in the calling goroutine.
// Channel sends are non-blocking, matching time.Ticker's
// drop-if-full behavior. A ticker whose interval is spanned several
// times fires once per interval.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		expired := c.collectExpired(target)
		if len(expired) == 0 {
			return
		}

		sort.Slice(expired, func(i, j int) bool {
			return expired[i].deadline.Before(expired[j].deadline)
		})

		for _, entry := range expired {
			if entry.callback != nil {
				entry.callback()
			} else if entry.channel != nil {
				select {
				case entry.channel <- target:
				default:
				}
			}
		}
	}
}

// collectExpired removes expired entries from the pending list,
// reschedules tickers, and returns the entries to fire.
func (c *FakeClock) collectExpired(target time.Time) []*pendingTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*pendingTimer
	var remaining []*pendingTimer

	for _, entry := range c.pending {
		if entry.stopped {
			continue
		}
		if !entry.deadline.After(target) {
			expired = append(expired, entry)
		} else {
			remaining = append(remaining, entry)
		}
	}

	for _, entry := range expired {
		if entry.interval > 0 {
			entry.deadline = entry.deadline.Add(entry.interval)
			remaining = append(remaining, entry)
		} else {
			entry.fired = true
		}
	}

	c.pending = remaining
	return expired
}

// WaitForTimers blocks until at least n entries are pending. Use this
// before Advance to eliminate the race between a goroutine registering
// a timer and the test moving time forward.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingCountLocked() < n {
		c.pendingChanged.Wait()
	}
}

// PendingCount returns the number of active pending entries.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingCountLocked()
}

func (c *FakeClock) pendingCountLocked() int {
	count := 0
	for _, entry := range c.pending {
		if !entry.stopped {
			count++
		}
	}
	return count
}
