// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

// Package driver is the stateless façade the automated controller
// calls. Every request is a single message resolved against the
// session registry: start a session, query its output, send input,
// adjust settings, or kill it. The façade owns the one piece of
// suspension in the system — a rate-limited query sleeps until the
// limit expires, racing the session's completion so a child that
// exits mid-wait resolves the query immediately.
package driver
