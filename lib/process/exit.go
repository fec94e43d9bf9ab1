// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it in
// main() for errors from run() where the structured logger may not be
// initialized yet.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// ExitStatus describes how a reaped child finished. Exactly one of
// Code and Signal is set for a normally reaped child; both are nil
// when the status is synthetic (PTY runtime error with no wait status).
type ExitStatus struct {
	// Code is the exit code, nil if the child was killed by a signal
	// or the status is synthetic.
	Code *int `json:"exit_code"`

	// Signal is the terminating signal number, nil if the child
	// exited normally or the status is synthetic.
	Signal *int `json:"signal"`
}

// Describe renders the status as a human-readable fragment:
// "exited with code 0", "killed by signal 15 (SIGTERM)", or
// "ended without status".
func (s ExitStatus) Describe() string {
	switch {
	case s.Code != nil:
		return fmt.Sprintf("exited with code %d", *s.Code)
	case s.Signal != nil:
		return fmt.Sprintf("killed by signal %d (%s)", *s.Signal, unix.SignalName(unix.Signal(*s.Signal)))
	default:
		return "ended without status"
	}
}

// FromWaitError extracts the exit status from the error returned by
// exec.Cmd.Wait. A nil error means a clean exit with code 0. An error
// that is not an *exec.ExitError (a PTY runtime failure, a wait on an
// already-released process) yields a synthetic status with both fields
// nil.
func FromWaitError(err error) ExitStatus {
	if err == nil {
		code := 0
		return ExitStatus{Code: &code}
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitStatus{}
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			sig := int(ws.Signal())
			return ExitStatus{Signal: &sig}
		}
		code := ws.ExitStatus()
		return ExitStatus{Code: &code}
	}

	code := exitErr.ExitCode()
	return ExitStatus{Code: &code}
}
