// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

// Package ptysession owns one child process attached to a
// pseudo-terminal. It is the byte layer of the session engine: child
// output fans out to a headless terminal emulator (screen plus
// scrollback) and to the append-only raw log, and everything above —
// controller policy, driver reads, the overlay — consumes one of those
// two projections.
//
// Ordering guarantees, which the policy layer depends on:
//
//   - The raw log is appended before the data callback fires.
//   - Writes and resizes drain through one queue in FIFO order; a
//     resize never reorders with surrounding writes.
//   - On exit the terminal status line is appended and the write
//     queue is drained before the exit callback fires, exactly once.
//
// Device-status queries (ESC[6n) from the child are answered directly
// by the emulator through the PTY master, so a child probing the
// cursor never hangs. The query bytes are kept in the raw log and
// removed by the strip-ANSI projections.
package ptysession
