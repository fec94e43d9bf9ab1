// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds small helpers shared by binaries and the PTY
// layer: the standard entrypoint error handler and exit-status
// extraction from a reaped child.
package process
