// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

// Package rawlog stores the raw bytes a child process writes to its
// PTY. The log is the session's system of record: the terminal
// emulator is a derived view, and every driver-facing read (tail
// preview, incremental drain, hands-free update) is a projection over
// these bytes. TUI children that run on the alternate screen leave the
// emulator's primary buffer empty, so projecting from the raw log is
// the only rendering that is always correct.
//
// The log is a fixed-capacity ring with a monotonically increasing
// byte offset. Consumers hold their own cursors; a cursor that has
// fallen behind the ring's retained window resumes at the oldest
// retained byte.
package rawlog

import (
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// DefaultCapacity is the default ring capacity in bytes. 4 MB holds
// hours of typical interactive output while bounding memory per
// session.
const DefaultCapacity = 4 * 1024 * 1024

// Log is a fixed-size circular byte log with sequence-offset tracking.
// Escape sequences are preserved byte-for-byte; stripping happens only
// in projections. All methods are safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	data     []byte
	capacity int

	// writePosition is the next write index within the ring.
	writePosition int

	// totalWritten is the total bytes ever appended. The retained
	// window spans [totalWritten-stored, totalWritten) where
	// stored = min(totalWritten, capacity).
	totalWritten uint64
}

// New creates a ring log with the given capacity in bytes. A
// non-positive capacity uses DefaultCapacity.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Append adds bytes to the log, advancing the sequence offset and
// overwriting the oldest data when full.
func (l *Log) Append(p []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for offset := 0; offset < len(p); {
		available := l.capacity - l.writePosition
		count := len(p) - offset
		if count > available {
			count = available
		}
		copy(l.data[l.writePosition:l.writePosition+count], p[offset:offset+count])
		l.writePosition = (l.writePosition + count) % l.capacity
		offset += count
	}
	l.totalWritten += uint64(len(p))
}

// AppendString is Append for string data (status lines).
func (l *Log) AppendString(s string) { l.Append([]byte(s)) }

// ReadFrom returns all bytes appended since the given offset. A
// cursor older than the retained window resumes at the oldest byte;
// an offset at or past the end returns nil.
func (l *Log) ReadFrom(offset uint64) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	if offset >= l.totalWritten {
		return nil
	}

	stored := l.totalWritten
	if stored > uint64(l.capacity) {
		stored = uint64(l.capacity)
	}
	oldest := l.totalWritten - stored

	readOffset := offset
	if readOffset < oldest {
		readOffset = oldest
	}

	count := l.totalWritten - readOffset
	if count == 0 {
		return nil
	}

	result := make([]byte, count)

	// writePosition points at the next write slot; retained data runs
	// backwards from there, wrapping.
	position := (l.writePosition - int(stored) + int(readOffset-oldest)) % l.capacity
	if position < 0 {
		position += l.capacity
	}

	for copied := 0; copied < int(count); {
		available := l.capacity - position
		chunk := int(count) - copied
		if chunk > available {
			chunk = available
		}
		copy(result[copied:copied+chunk], l.data[position:position+chunk])
		position = (position + chunk) % l.capacity
		copied += chunk
	}

	return result
}

// EndOffset returns the total number of bytes ever appended — the
// offset a new cursor should start from to read only future data.
func (l *Log) EndOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalWritten
}

// Snapshot returns every retained byte.
func (l *Log) Snapshot() []byte { return l.ReadFrom(0) }

// Cursor is a monotone read position over one Log. Each consumer owns
// its cursor and only that consumer advances it.
type Cursor struct {
	log    *Log
	offset uint64
}

// NewCursor creates a cursor positioned at the start of the retained
// window (it will read everything currently held).
func (l *Log) NewCursor() *Cursor {
	return &Cursor{log: l}
}

// Next returns the bytes appended since the previous call and
// advances the cursor. Successive calls return disjoint, contiguous
// ranges.
func (c *Cursor) Next() []byte {
	data := c.log.ReadFrom(c.offset)
	c.offset = c.log.EndOffset()
	return data
}

// HasUnread reports whether bytes have been appended past the cursor.
func (c *Cursor) HasUnread() bool {
	return c.offset < c.log.EndOffset()
}

// Offset returns the cursor's current byte offset.
func (c *Cursor) Offset() uint64 { return c.offset }

// Strip removes CSI, OSC, and other escape sequences and lossily
// decodes the remainder as UTF-8. Carriage returns are dropped so the
// result splits cleanly on "\n". Invalid byte sequences become the
// Unicode replacement character; the underlying log is untouched.
func Strip(raw []byte) string {
	text := ansi.Strip(strings.ToValidUTF8(string(raw), "�"))
	return strings.ReplaceAll(text, "\r", "")
}

// SplitLines splits stripped text on newlines. A trailing newline
// does not produce a trailing empty element.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// TailLines returns the last n lines of stripped text, bounded by
// maxChars total (the tail is kept when trimming). n <= 0 returns
// nil; maxChars <= 0 means unbounded.
func TailLines(text string, n, maxChars int) []string {
	if n <= 0 {
		return nil
	}
	lines := SplitLines(text)
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	if maxChars <= 0 {
		return lines
	}

	// Trim from the front until the character budget holds, then
	// truncate the first surviving line if it alone overflows.
	total := 0
	for _, line := range lines {
		total += len(line)
	}
	for len(lines) > 1 && total > maxChars {
		total -= len(lines[0])
		lines = lines[1:]
	}
	if len(lines) == 1 && len(lines[0]) > maxChars {
		lines[0] = TailString(lines[0], maxChars)
	}
	return lines
}

// TailString keeps the last maxChars bytes of s, aligned to a rune
// boundary.
func TailString(s string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	if len(s) <= maxChars {
		return s
	}
	trimmed := s[len(s)-maxChars:]
	// Drop leading continuation bytes of a rune cut in half.
	for len(trimmed) > 0 && trimmed[0]&0xC0 == 0x80 {
		trimmed = trimmed[1:]
	}
	return trimmed
}
