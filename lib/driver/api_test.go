// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"strings"
	"testing"
	"time"

	"github.com/nicobailon/pi-interactive-shell/lib/clock"
	"github.com/nicobailon/pi-interactive-shell/lib/session"
	"github.com/nicobailon/pi-interactive-shell/lib/session/sessiontest"
	"github.com/nicobailon/pi-interactive-shell/lib/shellconfig"
)

// testHandler wires a handler over a fake clock and registry, with
// one registered hands-free controller.
func testHandler(t *testing.T, cfg shellconfig.Config) (*Handler, *sessiontest.FakeTerminal, *session.Controller, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	registry := session.NewRegistry(clk, nil)
	h := &Handler{
		Registry: registry,
		Config:   cfg,
		Clock:    clk,
		Notify:   func(session.Update) {},
	}

	term := sessiontest.New()
	id := registry.GenerateID()
	ctl := session.New(session.ControllerOptions{
		ID:         id,
		Command:    "make watch",
		Mode:       session.ModeHandsFree,
		Config:     cfg,
		Terminal:   term,
		Clock:      clk,
		Notify:     h.Notify,
		Done:       func(session.Result) {},
		Unregister: registry.UnregisterActive,
	})
	if err := registry.RegisterActive(ctl); err != nil {
		t.Fatal(err)
	}
	return h, term, ctl, clk
}

func testConfig() shellconfig.Config {
	cfg := shellconfig.Default()
	cfg.HandoffPreview.Enabled = false
	cfg.HandoffSnapshot.Enabled = false
	cfg.MinQueryIntervalSeconds = 60
	return cfg
}

func TestHandleRequiresCommandOrSession(t *testing.T) {
	t.Parallel()
	h, _, _, _ := testHandler(t, testConfig())

	res := h.Handle(Request{})
	if !res.IsError || res.Error != ErrInvalidArguments {
		t.Errorf("empty request: got %+v", res)
	}
}

func TestQuerySessionNotFound(t *testing.T) {
	t.Parallel()
	h, _, _, _ := testHandler(t, testConfig())

	res := h.Handle(Request{SessionID: "missing-one"})
	if !res.IsError || res.Error != ErrSessionNotFound {
		t.Errorf("missing session: got %+v", res)
	}
}

func TestQueryReturnsOutput(t *testing.T) {
	t.Parallel()
	h, term, ctl, _ := testHandler(t, testConfig())

	term.Emit("build ok\n")
	res := h.Handle(Request{SessionID: ctl.ID(), OutputLines: 5})
	if res.IsError {
		t.Fatalf("query error: %+v", res)
	}
	details, ok := res.Details.(QueryDetails)
	if !ok {
		t.Fatalf("details type: %T", res.Details)
	}
	if details.Status != "running" {
		t.Errorf("status: got %q", details.Status)
	}
	if !strings.Contains(details.Output, "build ok") {
		t.Errorf("output: got %q", details.Output)
	}
}

func TestRateLimitedQueryRacesCompletion(t *testing.T) {
	t.Parallel()
	h, term, ctl, clk := testHandler(t, testConfig())

	// First query consumes the rate-limit slot.
	if res := h.Handle(Request{SessionID: ctl.ID()}); res.IsError {
		t.Fatalf("first query: %+v", res)
	}
	clk.Advance(time.Second)

	// The second query suspends. The child exits mid-wait; the query
	// must resolve with the final result rather than sleeping out
	// the full window.
	resCh := make(chan Response, 1)
	go func() { resCh <- h.Handle(Request{SessionID: ctl.ID()}) }()

	// Let the façade reach its wait state, then exit the child.
	// Two controller timers (initial delay, interval) are already
	// pending; the third is the façade's rate-limit wait.
	clk.WaitForTimers(3)
	term.Exit(0)

	select {
	case res := <-resCh:
		result, ok := res.Details.(session.Result)
		if !ok {
			t.Fatalf("details type: %T", res.Details)
		}
		if result.ExitStatus.Code == nil || *result.ExitStatus.Code != 0 {
			t.Errorf("result status: %+v", result.ExitStatus)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("rate-limited query did not resolve on completion")
	}
}

func TestRateLimitedQueryRetriesAfterWait(t *testing.T) {
	t.Parallel()
	h, term, ctl, clk := testHandler(t, testConfig())

	if res := h.Handle(Request{SessionID: ctl.ID()}); res.IsError {
		t.Fatalf("first query: %+v", res)
	}
	term.Emit("later output\n")
	clk.Advance(time.Second)

	resCh := make(chan Response, 1)
	go func() { resCh <- h.Handle(Request{SessionID: ctl.ID()}) }()

	// Sleep out the remaining window; the retry then succeeds.
	// Three controller timers (initial delay, interval, and the quiet
	// window armed by the output) are already pending; the fourth is
	// the façade's rate-limit wait.
	clk.WaitForTimers(4)
	clk.Advance(60 * time.Second)

	select {
	case res := <-resCh:
		details, ok := res.Details.(QueryDetails)
		if !ok {
			t.Fatalf("details type: %T", res.Details)
		}
		if !strings.Contains(details.Output, "later output") {
			t.Errorf("retried output: %q", details.Output)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("rate-limited query did not retry")
	}
}

func TestKillTakesPrecedence(t *testing.T) {
	t.Parallel()
	h, term, ctl, _ := testHandler(t, testConfig())

	res := h.Handle(Request{SessionID: ctl.ID(), Kill: true, Input: "ignored"})
	result, ok := res.Details.(session.Result)
	if !ok {
		t.Fatalf("details type: %T", res.Details)
	}
	if result.SessionID != ctl.ID() {
		t.Errorf("result session: got %q", result.SessionID)
	}
	if term.Killed() == 0 {
		t.Error("kill request did not kill the child")
	}
}

func TestSettingsOnlyReturnsNoStatus(t *testing.T) {
	t.Parallel()
	h, _, ctl, _ := testHandler(t, testConfig())

	interval := 10000
	res := h.Handle(Request{
		SessionID: ctl.ID(),
		Settings:  &Settings{UpdateIntervalMs: &interval},
	})
	if res.IsError {
		t.Fatalf("settings query: %+v", res)
	}
	if res.Details != nil {
		t.Errorf("settings-only response carries details: %+v", res.Details)
	}
}

func TestInputWithStatusSkipsRateLimit(t *testing.T) {
	t.Parallel()
	h, _, ctl, clk := testHandler(t, testConfig())

	if res := h.Handle(Request{SessionID: ctl.ID()}); res.IsError {
		t.Fatal("first query failed")
	}
	clk.Advance(time.Second)

	// Input accompanies the read: not a bare status poll, so no
	// rate limiting.
	res := h.Handle(Request{SessionID: ctl.ID(), Input: "ls\r", OutputLines: 5})
	if res.IsError {
		t.Fatalf("input query: %+v", res)
	}
	if _, ok := res.Details.(QueryDetails); !ok {
		t.Fatalf("details type: %T", res.Details)
	}
}

func TestIncrementalDrainRejected(t *testing.T) {
	t.Parallel()
	h, _, ctl, _ := testHandler(t, testConfig())

	res := h.Handle(Request{SessionID: ctl.ID(), Incremental: true, Drain: true})
	if !res.IsError || res.Error != ErrInvalidArguments {
		t.Errorf("incremental+drain: got %+v", res)
	}
}

func TestStartInteractiveWithoutTUI(t *testing.T) {
	t.Parallel()
	h, _, _, _ := testHandler(t, testConfig())

	res := h.Handle(Request{Command: "vim"})
	if !res.IsError || res.Error != ErrInvalidArguments {
		t.Errorf("interactive start without TUI: got %+v", res)
	}
}

func TestStartRefusedWhileOverlayOpen(t *testing.T) {
	t.Parallel()
	h, _, _, _ := testHandler(t, testConfig())

	if !h.Registry.TryOpenOverlay() {
		t.Fatal("overlay claim failed")
	}
	res := h.Handle(Request{Command: "true", HandsFree: true})
	if !res.IsError || res.Error != ErrOverlayOpen {
		t.Errorf("start during overlay: got %+v", res)
	}
}

func TestAttachEmptyList(t *testing.T) {
	t.Parallel()
	h, _, _, _ := testHandler(t, testConfig())

	res := h.Attach(nil)
	if res.Content[0].Text != "No background sessions" {
		t.Errorf("empty attach: got %q", res.Content[0].Text)
	}
}

func TestAttachNotFound(t *testing.T) {
	t.Parallel()
	h, _, _, _ := testHandler(t, testConfig())

	res := h.Attach([]string{"quiet-harbor"})
	if !res.IsError {
		t.Error("attach to missing session not an error")
	}
	if !strings.Contains(res.Content[0].Text, "Session not found: quiet-harbor") {
		t.Errorf("attach message: got %q", res.Content[0].Text)
	}
}

func TestAttachListsBackground(t *testing.T) {
	t.Parallel()
	h, _, _, _ := testHandler(t, testConfig())

	id := h.Registry.AddBackground("tail -f app.log", sessiontest.New(), "logs", "")
	res := h.Attach(nil)
	if !strings.Contains(res.Content[0].Text, id) {
		t.Errorf("attach list missing %q: %q", id, res.Content[0].Text)
	}
	if !strings.Contains(res.Content[0].Text, "logs") {
		t.Errorf("attach list missing name: %q", res.Content[0].Text)
	}
}
