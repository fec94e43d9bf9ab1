// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"github.com/nicobailon/pi-interactive-shell/lib/process"
)

// State is the controller's lifecycle state.
type State int

const (
	// StateRunning is a user-supervised live session.
	StateRunning State = iota

	// StateHandsFree is a driver-supervised live session emitting
	// asynchronous updates.
	StateHandsFree

	// StateDetachDialog is a live session showing the detach dialog.
	StateDetachDialog

	// StateExited is terminal and entered exactly once.
	StateExited
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateHandsFree:
		return "hands-free"
	case StateDetachDialog:
		return "detach-dialog"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Mode selects who supervises the session at start.
type Mode int

const (
	// ModeInteractive blocks the driver's start call until the
	// session finishes; the user watches the overlay.
	ModeInteractive Mode = iota

	// ModeHandsFree returns immediately; the driver consumes
	// asynchronous updates.
	ModeHandsFree
)

// EndReason tags how a session terminated.
type EndReason string

const (
	EndExit    EndReason = "exit"
	EndDetach  EndReason = "detach"
	EndKill    EndReason = "kill"
	EndTimeout EndReason = "timeout"
)

// UpdateKind discriminates hands-free driver notifications.
type UpdateKind string

const (
	// UpdateRunning carries new output from a live session.
	UpdateRunning UpdateKind = "running"

	// UpdateUserTakeover announces that the user took the session
	// over; no further updates follow.
	UpdateUserTakeover UpdateKind = "user_takeover"

	// UpdateExited is the final notification.
	UpdateExited UpdateKind = "exited"
)

// Update is one hands-free driver notification.
type Update struct {
	Kind            UpdateKind `json:"kind"`
	SessionID       string     `json:"session_id"`
	Tail            []string   `json:"tail,omitempty"`
	Truncated       bool       `json:"truncated,omitempty"`
	RuntimeMS       int64      `json:"runtime_ms"`
	TotalCharsSent  int        `json:"total_chars_sent"`
	BudgetExhausted bool       `json:"budget_exhausted"`
}

// HandoffPreview is the in-memory tail returned in the final result.
type HandoffPreview struct {
	When      EndReason `json:"when"`
	Lines     []string  `json:"lines"`
	Truncated bool      `json:"truncated"`
}

// Result is the final outcome of a session
// (InteractiveShellResult on the driver surface).
type Result struct {
	SessionID       string             `json:"session_id"`
	Command         string             `json:"command"`
	ExitStatus      process.ExitStatus `json:"exit_status"`
	TimedOut        bool               `json:"timed_out,omitempty"`
	Cancelled       bool               `json:"cancelled,omitempty"`
	UserTookOver    bool               `json:"user_took_over,omitempty"`
	Backgrounded    bool               `json:"backgrounded,omitempty"`
	BackgroundID    string             `json:"background_id,omitempty"`
	Minimized       bool               `json:"minimized,omitempty"`
	RuntimeMS       int64              `json:"runtime_ms"`
	TotalCharsSent  int                `json:"total_chars_sent"`
	BudgetExhausted bool               `json:"budget_exhausted,omitempty"`
	HandoffPreview  *HandoffPreview    `json:"handoff_preview,omitempty"`
	SnapshotPath    string             `json:"snapshot_path,omitempty"`
}

// OutputResult is the payload of one driver query.
type OutputResult struct {
	Output      string
	Truncated   bool
	TotalBytes  uint64
	TotalLines  *uint64
	HasMore     *bool
	RateLimited bool
	WaitSeconds *uint32
}

// Terminal is what the controller requires from the PTY layer.
// *ptysession.Session satisfies it; tests substitute a fake.
type Terminal interface {
	PID() int
	Write(p []byte) error
	Resize(cols, rows int) error
	Kill() error
	Dispose()
	Exited() bool
	ExitStatus() process.ExitStatus
	OnData(func())
	OnExit(func())
	ViewportLines(withANSI bool) []string
	TailLines(n int, withANSI bool, maxChars int) []string
	RawStream(sinceLast, stripANSI bool) string
	RawEndOffset() uint64
	StrippedSince(offset uint64) (string, uint64)
	StrippedLines() []string
	ScrollUp(n int)
	ScrollDown(n int)
	ScrollToBottom()
	IsScrolledUp() bool
}
