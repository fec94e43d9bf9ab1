// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction so that every
// timer in the session engine can be tested deterministically.
//
// A session controller owns five logically distinct timers (initial
// delay, update interval, quiet window, exit countdown, hard timeout),
// and the registry arms exit-poll timers and cleanup timers for
// background sessions. None of that is testable against the real time
// package. Production code injects Real(); tests inject Fake() and
// drive it with Advance.
//
// Wiring pattern:
//
//	type Controller struct {
//	    clock clock.Clock
//	    // ...
//	}
//
// In tests:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	controller := New(Options{Clock: c})
//	c.WaitForTimers(2)            // initial delay + interval armed
//	c.Advance(5 * time.Second)    // fire the quiet window deterministically
//
// When a goroutine calls Sleep, After, NewTicker, or AfterFunc on a
// FakeClock it registers a pending timer; WaitForTimers blocks until a
// given number of timers are registered, which removes the race between
// timer registration and time advancement.
package clock
