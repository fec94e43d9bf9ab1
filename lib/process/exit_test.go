// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"testing"
)

func TestFromWaitErrorNil(t *testing.T) {
	t.Parallel()
	status := FromWaitError(nil)
	if status.Code == nil || *status.Code != 0 {
		t.Errorf("nil wait error: got %+v, want code 0", status)
	}
	if status.Signal != nil {
		t.Errorf("nil wait error: unexpected signal %d", *status.Signal)
	}
}

func TestFromWaitErrorSynthetic(t *testing.T) {
	t.Parallel()
	status := FromWaitError(errors.New("read /dev/ptmx: input/output error"))
	if status.Code != nil || status.Signal != nil {
		t.Errorf("synthetic status: got %+v, want both nil", status)
	}
	if got := status.Describe(); got != "ended without status" {
		t.Errorf("Describe: got %q", got)
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	code := 2
	sig := 15

	cases := []struct {
		name   string
		status ExitStatus
		want   string
	}{
		{"code", ExitStatus{Code: &code}, "exited with code 2"},
		{"signal", ExitStatus{Signal: &sig}, "killed by signal 15 (SIGTERM)"},
		{"synthetic", ExitStatus{}, "ended without status"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.status.Describe(); got != tc.want {
				t.Errorf("Describe: got %q, want %q", got, tc.want)
			}
		})
	}
}
