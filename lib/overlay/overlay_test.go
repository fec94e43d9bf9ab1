// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"bytes"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nicobailon/pi-interactive-shell/lib/clock"
	"github.com/nicobailon/pi-interactive-shell/lib/session"
	"github.com/nicobailon/pi-interactive-shell/lib/session/sessiontest"
	"github.com/nicobailon/pi-interactive-shell/lib/shellconfig"
)

func overlayHarness(t *testing.T) (*Model, *sessiontest.FakeTerminal, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	term := sessiontest.New()
	cfg := shellconfig.Default()
	cfg.HandoffPreview.Enabled = false
	cfg.HandoffSnapshot.Enabled = false

	ctl := session.New(session.ControllerOptions{
		ID:       "sunny-reef",
		Command:  "bash",
		Mode:     session.ModeHandsFree,
		Config:   cfg,
		Terminal: term,
		Clock:    clk,
		Notify:   func(session.Update) {},
		Done:     func(session.Result) {},
	})

	model := NewModel(ctl, cfg)
	model.termWidth, model.termHeight = 120, 40
	return model, term, clk
}

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestKeystrokeForwardsAndTakesOver(t *testing.T) {
	t.Parallel()
	model, term, _ := overlayHarness(t)

	model.Update(keyRunes("a"))

	if !bytes.Equal(term.WrittenBytes(), []byte("a")) {
		t.Errorf("forwarded bytes: got %q", term.WrittenBytes())
	}
	if !model.ctl.UserTookOver() {
		t.Error("keystroke did not take over a hands-free session")
	}
}

func TestWheelScrollDoesNotTakeOver(t *testing.T) {
	t.Parallel()
	model, _, _ := overlayHarness(t)

	model.Update(tea.MouseMsg{Button: tea.MouseButtonWheelUp, Action: tea.MouseActionPress})

	if !model.ctl.IsScrolledUp() {
		t.Error("wheel scroll did not enter scrollback")
	}
	if model.ctl.UserTookOver() {
		t.Error("wheel scroll took the session over")
	}
	if model.ctl.State() != session.StateHandsFree {
		t.Errorf("state after wheel scroll: got %v", model.ctl.State())
	}
}

func TestShiftScrollKeys(t *testing.T) {
	t.Parallel()
	model, _, _ := overlayHarness(t)

	model.Update(tea.KeyMsg{Type: tea.KeyShiftUp})
	if !model.ctl.IsScrolledUp() {
		t.Error("shift+up did not scroll")
	}
	if model.ctl.UserTookOver() {
		t.Error("shift+up took the session over")
	}

	model.Update(tea.KeyMsg{Type: tea.KeyShiftDown})
	if model.ctl.IsScrolledUp() {
		t.Error("shift+down did not scroll back")
	}
}

func TestDoubleEscapeOpensDialogAndSelection(t *testing.T) {
	t.Parallel()
	model, term, clk := overlayHarness(t)

	model.Update(tea.KeyMsg{Type: tea.KeyEscape})
	if model.dialog != nil {
		t.Fatal("single escape opened the dialog")
	}
	clk.Advance(100 * time.Millisecond)
	model.Update(tea.KeyMsg{Type: tea.KeyEscape})
	if model.dialog == nil {
		t.Fatal("double escape did not open the dialog")
	}

	// Navigate to "Move to background" and select it.
	transferred := false
	model.transferBackground = func() string {
		transferred = true
		return model.ctl.ID()
	}
	model.Update(tea.KeyMsg{Type: tea.KeyDown})
	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyEnter})

	if !transferred {
		t.Error("background selection did not run the transfer")
	}
	if cmd == nil {
		t.Error("background selection did not quit the overlay")
	}
	if term.Disposed() != 0 {
		t.Error("background selection disposed the PTY")
	}
}

func TestDialogCancelKeepsSessionRunning(t *testing.T) {
	t.Parallel()
	model, _, clk := overlayHarness(t)

	model.Update(tea.KeyMsg{Type: tea.KeyEscape})
	clk.Advance(50 * time.Millisecond)
	model.Update(tea.KeyMsg{Type: tea.KeyEscape})
	if model.dialog == nil {
		t.Fatal("dialog did not open")
	}

	model.Update(tea.KeyMsg{Type: tea.KeyEscape}) // dialog cancel
	if model.dialog != nil {
		t.Error("cancel did not close the dialog")
	}
	if model.ctl.Finished() {
		t.Error("cancel finished the session")
	}
}

func TestViewRendersViewportAndFooter(t *testing.T) {
	t.Parallel()
	model, term, _ := overlayHarness(t)

	term.Emit("some child output\n")
	view := model.View()

	if !strings.Contains(view, "sunny-reef") {
		t.Error("view missing session id")
	}
	if !strings.Contains(view, "some child output") {
		t.Error("view missing child output")
	}
	if !strings.Contains(view, "esc esc") {
		t.Error("view missing detach hint")
	}
}

func TestKeyBytes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		msg  tea.KeyMsg
		want string
	}{
		{"runes", keyRunes("hi"), "hi"},
		{"alt runes", tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x"), Alt: true}, "\x1bx"},
		{"enter", tea.KeyMsg{Type: tea.KeyEnter}, "\r"},
		{"tab", tea.KeyMsg{Type: tea.KeyTab}, "\t"},
		{"shift+tab", tea.KeyMsg{Type: tea.KeyShiftTab}, "\x1b[Z"},
		{"backspace", tea.KeyMsg{Type: tea.KeyBackspace}, "\x7f"},
		{"up", tea.KeyMsg{Type: tea.KeyUp}, "\x1b[A"},
		{"pgdown", tea.KeyMsg{Type: tea.KeyPgDown}, "\x1b[6~"},
		{"delete", tea.KeyMsg{Type: tea.KeyDelete}, "\x1b[3~"},
		{"ctrl+c", tea.KeyMsg{Type: tea.KeyCtrlC}, "\x03"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := keyBytes(tc.msg); !bytes.Equal(got, []byte(tc.want)) {
				t.Errorf("keyBytes: got %q, want %q", got, tc.want)
			}
		})
	}
}
