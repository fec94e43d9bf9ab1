// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

// Package session is the policy layer of the interactive-shell
// engine. A Controller wraps one PTY session with the driver/user
// protocol: the lifecycle state machine, hands-free update emission
// (quiet window or fixed interval), the total output budget, query
// rate limiting, takeover detection, the double-escape detach dialog,
// hard timeouts, and the handoff artifacts computed at termination.
// The Registry is the process-wide directory: active controllers,
// background and minimized sessions, the session-ID pool, exit
// watchers, and global shutdown.
//
// Everything here is driven by callbacks from the PTY layer and by
// timers on an injected clock; state is serialized behind each
// component's mutex, so ordering follows from serial dispatch.
package session
