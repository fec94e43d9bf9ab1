// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessiontest provides an in-memory Terminal implementation
// for tests of the policy layer, the driver façade, and the overlay.
// It mirrors the real PTY session's observable behavior: raw-log
// append before the data callback, immediate exit callback on
// late registration, and strip-ANSI projections over the log.
package sessiontest

import (
	"sync"

	"github.com/nicobailon/pi-interactive-shell/lib/process"
	"github.com/nicobailon/pi-interactive-shell/lib/rawlog"
)

// FakeTerminal is an in-memory stand-in for *ptysession.Session.
type FakeTerminal struct {
	mu       sync.Mutex
	log      *rawlog.Log
	cursor   *rawlog.Cursor
	onData   func()
	onExit   func()
	exited   bool
	status   process.ExitStatus
	killed   int
	disposed int
	written  [][]byte
	scroll   int
}

// New creates an empty fake terminal.
func New() *FakeTerminal {
	log := rawlog.New(64 * 1024)
	return &FakeTerminal{log: log, cursor: log.NewCursor()}
}

// Emit simulates child output: append to the log, then signal the
// data callback (the same ordering the real session guarantees).
func (f *FakeTerminal) Emit(s string) {
	f.mu.Lock()
	f.log.AppendString(s)
	cb := f.onData
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Exit simulates child exit with the given code.
func (f *FakeTerminal) Exit(code int) {
	f.mu.Lock()
	f.exited = true
	f.status = process.ExitStatus{Code: &code}
	cb := f.onExit
	f.onExit = nil
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Killed returns how many times Kill was called.
func (f *FakeTerminal) Killed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

// Disposed returns how many times Dispose was called.
func (f *FakeTerminal) Disposed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

// WrittenBytes returns everything written toward the child.
func (f *FakeTerminal) WrittenBytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, w := range f.written {
		out = append(out, w...)
	}
	return out
}

// ---- session.Terminal ----

func (f *FakeTerminal) PID() int { return 4242 }

func (f *FakeTerminal) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(p))
	copy(buf, p)
	f.written = append(f.written, buf)
	return nil
}

func (f *FakeTerminal) Resize(cols, rows int) error { return nil }

func (f *FakeTerminal) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed++
	return nil
}

func (f *FakeTerminal) Dispose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed++
}

func (f *FakeTerminal) Exited() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exited
}

func (f *FakeTerminal) ExitStatus() process.ExitStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *FakeTerminal) OnData(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onData = cb
}

func (f *FakeTerminal) OnExit(cb func()) {
	f.mu.Lock()
	if f.exited {
		f.mu.Unlock()
		if cb != nil {
			cb()
		}
		return
	}
	f.onExit = cb
	f.mu.Unlock()
}

func (f *FakeTerminal) ViewportLines(bool) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return rawlog.SplitLines(rawlog.Strip(f.log.Snapshot()))
}

func (f *FakeTerminal) TailLines(n int, _ bool, maxChars int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return rawlog.TailLines(rawlog.Strip(f.log.Snapshot()), n, maxChars)
}

func (f *FakeTerminal) RawStream(sinceLast, strip bool) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var data []byte
	if sinceLast {
		data = f.cursor.Next()
	} else {
		data = f.log.Snapshot()
	}
	if strip {
		return rawlog.Strip(data)
	}
	return string(data)
}

func (f *FakeTerminal) RawEndOffset() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.log.EndOffset()
}

func (f *FakeTerminal) StrippedSince(offset uint64) (string, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return rawlog.Strip(f.log.ReadFrom(offset)), f.log.EndOffset()
}

func (f *FakeTerminal) StrippedLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return rawlog.SplitLines(rawlog.Strip(f.log.Snapshot()))
}

func (f *FakeTerminal) ScrollUp(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scroll += n
}

func (f *FakeTerminal) ScrollDown(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scroll -= n
	if f.scroll < 0 {
		f.scroll = 0
	}
}

func (f *FakeTerminal) ScrollToBottom() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scroll = 0
}

func (f *FakeTerminal) IsScrolledUp() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scroll > 0
}
