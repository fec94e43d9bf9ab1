// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/nicobailon/pi-interactive-shell/lib/clock"
	"github.com/nicobailon/pi-interactive-shell/lib/session/sessiontest"
	"github.com/nicobailon/pi-interactive-shell/lib/shellconfig"
)

// updateSink collects notify callbacks.
type updateSink struct {
	mu      sync.Mutex
	updates []Update
}

func (s *updateSink) notify(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
}

func (s *updateSink) all() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Update, len(s.updates))
	copy(out, s.updates)
	return out
}

// harness bundles a controller with its collaborators.
type harness struct {
	clk     *clock.FakeClock
	term    *sessiontest.FakeTerminal
	sink    *updateSink
	results chan Result
	unreg   chan bool // release flag per unregister call
	ctl     *Controller
}

func newHarness(t *testing.T, cfg shellconfig.Config, mutate func(*ControllerOptions)) *harness {
	t.Helper()
	h := &harness{
		clk:     clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		term:    sessiontest.New(),
		sink:    &updateSink{},
		results: make(chan Result, 1),
		unreg:   make(chan bool, 4),
	}
	opts := ControllerOptions{
		ID:       "brave-otter",
		Command:  "echo hi",
		Mode:     ModeHandsFree,
		Config:   cfg,
		Terminal: h.term,
		Clock:    h.clk,
		Notify:   h.sink.notify,
		Done:     func(r Result) { h.results <- r },
		Unregister: func(id string, release bool) {
			h.unreg <- release
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.ctl = New(opts)
	return h
}

func (h *harness) waitResult(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no final result")
		return Result{}
	}
}

func quietConfig() shellconfig.Config {
	cfg := shellconfig.Default()
	cfg.HandsFreeUpdateMode = shellconfig.UpdateOnQuiet
	cfg.QuietThresholdMs = 3000
	cfg.HandsFreeUpdateIntervalMs = 30000
	cfg.HandoffPreview.Enabled = false
	cfg.HandoffSnapshot.Enabled = false
	return cfg
}

func runningTails(updates []Update) [][]string {
	var out [][]string
	for _, u := range updates {
		if u.Kind == UpdateRunning {
			out = append(out, u.Tail)
		}
	}
	return out
}

func kinds(updates []Update) []UpdateKind {
	var out []UpdateKind
	for _, u := range updates {
		out = append(out, u.Kind)
	}
	return out
}

func TestQuietWindowEmission(t *testing.T) {
	t.Parallel()
	h := newHarness(t, quietConfig(), nil)

	h.term.Emit("hello\n")
	// The initial delay elapses first, then the quiet window; the
	// pending bytes flush exactly once.
	h.clk.Advance(4 * time.Second)

	h.term.Emit("world\n")
	h.clk.Advance(4 * time.Second)

	h.term.Exit(0)
	result := h.waitResult(t)

	tails := runningTails(h.sink.all())
	want := [][]string{{"hello"}, {"world"}}
	if !reflect.DeepEqual(tails, want) {
		t.Errorf("running tails: got %v, want %v", tails, want)
	}

	all := h.sink.all()
	if all[len(all)-1].Kind != UpdateExited {
		t.Errorf("final update: got %v, want exited", all[len(all)-1].Kind)
	}
	if result.ExitStatus.Code == nil || *result.ExitStatus.Code != 0 {
		t.Errorf("result exit status: got %+v", result.ExitStatus)
	}
}

func TestQuietEmissionsAreDisjoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t, quietConfig(), nil)

	h.term.Emit("alpha\n")
	h.clk.Advance(4 * time.Second)
	h.term.Emit("beta\n")
	h.term.Emit("gamma\n")
	h.clk.Advance(4 * time.Second)

	tails := runningTails(h.sink.all())
	want := [][]string{{"alpha"}, {"beta", "gamma"}}
	if !reflect.DeepEqual(tails, want) {
		t.Errorf("emissions not disjoint/contiguous: got %v, want %v", tails, want)
	}
}

func TestIntervalModeEmitsUnconditionally(t *testing.T) {
	t.Parallel()
	cfg := quietConfig()
	cfg.HandsFreeUpdateMode = shellconfig.UpdateInterval
	cfg.HandsFreeUpdateIntervalMs = 5000
	h := newHarness(t, cfg, nil)

	h.term.Emit("x\n")
	h.clk.Advance(5 * time.Second)
	// No new data; interval mode still emits.
	h.clk.Advance(5 * time.Second)

	tails := runningTails(h.sink.all())
	if len(tails) != 2 {
		t.Fatalf("interval emissions: got %d, want 2 (%v)", len(tails), tails)
	}
	if !reflect.DeepEqual(tails[0], []string{"x"}) {
		t.Errorf("first interval tail: got %v", tails[0])
	}
	if len(tails[1]) != 0 {
		t.Errorf("empty-window interval tail: got %v, want empty", tails[1])
	}
}

func TestIntervalFallbackInQuietMode(t *testing.T) {
	t.Parallel()
	cfg := quietConfig()
	cfg.HandsFreeUpdateIntervalMs = 10000
	h := newHarness(t, cfg, nil)

	// Continuous output re-arms the quiet timer forever. The initial
	// delay flushes once at 1.5 s; after that only the interval
	// fallback (10 s) flushes.
	for i := 0; i < 10; i++ {
		h.term.Emit("tick\n")
		h.clk.Advance(time.Second)
	}

	tails := runningTails(h.sink.all())
	if len(tails) < 2 {
		t.Fatalf("interval fallback never emitted under continuous output: %d emissions", len(tails))
	}
}

func TestUpdateMaxCharsKeepsTail(t *testing.T) {
	t.Parallel()
	cfg := quietConfig()
	cfg.UpdateMaxChars = 10
	h := newHarness(t, cfg, nil)

	h.term.Emit("abcdefghijklmnopqrst\n")
	h.clk.Advance(4 * time.Second)

	updates := h.sink.all()
	if len(updates) != 1 {
		t.Fatalf("updates: got %d, want 1", len(updates))
	}
	if !updates[0].Truncated {
		t.Error("oversized update not marked truncated")
	}
	joined := ""
	for _, line := range updates[0].Tail {
		joined += line
	}
	if len(joined) > 10 {
		t.Errorf("tail exceeds update cap: %q", joined)
	}
}

func TestBudgetExhaustion(t *testing.T) {
	t.Parallel()
	cfg := quietConfig()
	cfg.MaxTotalChars = 10
	cfg.UpdateMaxChars = 100
	h := newHarness(t, cfg, nil)

	h.term.Emit("abcdefghijklmno")
	h.clk.Advance(4 * time.Second)

	updates := h.sink.all()
	if len(updates) != 1 {
		t.Fatalf("updates: got %d, want 1", len(updates))
	}
	first := updates[0]
	joined := ""
	for _, line := range first.Tail {
		joined += line
	}
	if len(joined) != 10 {
		t.Errorf("saturating tail length: got %d, want 10", len(joined))
	}
	if !first.BudgetExhausted {
		t.Error("saturating update not marked budget exhausted")
	}

	// Later output yields empty tails but status keeps flowing.
	h.term.Emit("more output\n")
	h.clk.Advance(4 * time.Second)
	h.term.Exit(0)
	h.waitResult(t)

	all := h.sink.all()
	for _, u := range all[1:] {
		if len(u.Tail) != 0 {
			t.Errorf("post-exhaustion update carries tail: %v", u.Tail)
		}
		if !u.BudgetExhausted {
			t.Errorf("post-exhaustion update not flagged: %+v", u)
		}
	}
	if all[len(all)-1].Kind != UpdateExited {
		t.Error("driver left without a terminal notification")
	}
}

func TestTakeover(t *testing.T) {
	t.Parallel()
	h := newHarness(t, quietConfig(), nil)

	h.term.Emit("pending\n")
	h.ctl.UserKeystroke([]byte("a"))

	// Pending output flushes, then the takeover notification.
	got := kinds(h.sink.all())
	want := []UpdateKind{UpdateRunning, UpdateUserTakeover}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("takeover updates: got %v, want %v", got, want)
	}

	if h.ctl.State() != StateRunning {
		t.Errorf("state after takeover: got %v", h.ctl.State())
	}
	if !h.ctl.UserTookOver() {
		t.Error("userTookOver not set")
	}

	// Unregister without releasing the ID.
	select {
	case release := <-h.unreg:
		if release {
			t.Error("takeover released the session ID")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("takeover did not unregister")
	}

	// The keystroke reached the child.
	if string(h.term.WrittenBytes()) != "a" {
		t.Errorf("keystroke bytes: got %q", h.term.WrittenBytes())
	}

	// No further hands-free updates, even at quiet/interval fire.
	h.term.Emit("after-takeover\n")
	h.clk.Advance(60 * time.Second)
	for _, u := range h.sink.all()[2:] {
		t.Errorf("update after takeover: %+v", u)
	}

	// Exit produces the result but no Exited driver notification.
	h.term.Exit(0)
	result := h.waitResult(t)
	if !result.UserTookOver {
		t.Error("result missing userTookOver")
	}
	if got := kinds(h.sink.all()); len(got) != 2 {
		t.Errorf("driver updates after takeover exit: %v", got)
	}
}

func TestProgrammaticInputIsNotTakeover(t *testing.T) {
	t.Parallel()
	h := newHarness(t, quietConfig(), nil)

	if err := h.ctl.SendInput([]byte("driver text")); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	if h.ctl.State() != StateHandsFree {
		t.Errorf("state after driver input: got %v, want hands-free", h.ctl.State())
	}
	if h.ctl.UserTookOver() {
		t.Error("driver input triggered takeover")
	}
}

func TestQueryRateLimit(t *testing.T) {
	t.Parallel()
	cfg := quietConfig()
	cfg.MinQueryIntervalSeconds = 60
	h := newHarness(t, cfg, nil)

	if _, err := h.ctl.Query(QueryOptions{}); err != nil {
		t.Fatalf("first query: %v", err)
	}

	h.clk.Advance(time.Second)
	res, err := h.ctl.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("second query: %v", err)
	}
	if !res.RateLimited {
		t.Fatal("second query within the window was not rate limited")
	}
	if res.WaitSeconds == nil || *res.WaitSeconds == 0 {
		t.Errorf("wait seconds: got %v", res.WaitSeconds)
	}

	// The boundary counts as on-time (>=).
	h.clk.Advance(59 * time.Second)
	res, err = h.ctl.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("boundary query: %v", err)
	}
	if res.RateLimited {
		t.Error("query at exactly the interval boundary was rate limited")
	}
}

func TestQueryRateLimitBypassedAfterExit(t *testing.T) {
	t.Parallel()
	cfg := quietConfig()
	cfg.MinQueryIntervalSeconds = 60
	h := newHarness(t, cfg, nil)

	if _, err := h.ctl.Query(QueryOptions{}); err != nil {
		t.Fatal(err)
	}
	h.term.Exit(0)
	h.waitResult(t)

	res, err := h.ctl.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("post-exit query: %v", err)
	}
	if res.RateLimited {
		t.Error("query after exit was rate limited")
	}
}

func TestQueryExclusiveModes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, quietConfig(), nil)

	if _, err := h.ctl.Query(QueryOptions{Incremental: true, Drain: true, SkipRateLimit: true}); err == nil {
		t.Error("incremental+drain accepted")
	}
}

func TestQueryIncrementalAdvancesCursor(t *testing.T) {
	t.Parallel()
	h := newHarness(t, quietConfig(), nil)

	h.term.Emit("one\ntwo\nthree\nfour\n")

	res, err := h.ctl.Query(QueryOptions{Incremental: true, Lines: 2, SkipRateLimit: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "one\ntwo" {
		t.Errorf("first incremental read: got %q", res.Output)
	}
	if res.HasMore == nil || !*res.HasMore {
		t.Error("hasMore not set with lines remaining")
	}

	res, err = h.ctl.Query(QueryOptions{Incremental: true, Lines: 10, SkipRateLimit: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "three\nfour" {
		t.Errorf("second incremental read: got %q", res.Output)
	}
	if res.HasMore != nil {
		t.Error("hasMore set when caught up")
	}
}

func TestQueryDrain(t *testing.T) {
	t.Parallel()
	h := newHarness(t, quietConfig(), nil)

	h.term.Emit("first")
	res, err := h.ctl.Query(QueryOptions{Drain: true, SkipRateLimit: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "first" {
		t.Errorf("first drain: got %q", res.Output)
	}

	h.term.Emit("second")
	res, err = h.ctl.Query(QueryOptions{Drain: true, SkipRateLimit: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "second" {
		t.Errorf("second drain: got %q", res.Output)
	}
}

func TestTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, quietConfig(), func(o *ControllerOptions) {
		o.TimeoutMs = 10000
	})

	h.clk.Advance(10 * time.Second)
	result := h.waitResult(t)

	if !result.TimedOut {
		t.Error("result not marked timed out")
	}
	if h.term.Killed() == 0 {
		t.Error("timeout did not kill the child")
	}
	if h.term.Disposed() == 0 {
		t.Error("timeout did not dispose the terminal")
	}

	select {
	case release := <-h.unreg:
		if !release {
			t.Error("timeout did not release the ID")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout did not unregister")
	}
}

func TestKillIsIdempotentAndExclusive(t *testing.T) {
	t.Parallel()
	h := newHarness(t, quietConfig(), nil)

	h.ctl.Kill()
	h.ctl.Kill()
	h.waitResult(t)

	// The child exit callback after a kill is a no-op.
	h.term.Exit(137)

	select {
	case r := <-h.results:
		t.Fatalf("second result delivered: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}

	if h.term.Killed() != 1 {
		t.Errorf("kill count: got %d, want 1", h.term.Killed())
	}
}

func TestDoubleEscapeOpensDialog(t *testing.T) {
	t.Parallel()
	h := newHarness(t, quietConfig(), nil)

	if h.ctl.HandleEscape() {
		t.Fatal("first escape opened the dialog")
	}
	// A lone escape is forwarded to the child.
	if string(h.term.WrittenBytes()) != "\x1b" {
		t.Errorf("first escape not forwarded: %q", h.term.WrittenBytes())
	}

	h.clk.Advance(100 * time.Millisecond)
	if !h.ctl.HandleEscape() {
		t.Fatal("second escape within threshold did not open the dialog")
	}
	if h.ctl.State() != StateDetachDialog {
		t.Errorf("state: got %v, want detach dialog", h.ctl.State())
	}
	// Opening the dialog from hands-free is a takeover first.
	if !h.ctl.UserTookOver() {
		t.Error("dialog from hands-free did not take over")
	}
}

func TestSlowDoubleEscapeDoesNotOpenDialog(t *testing.T) {
	t.Parallel()
	h := newHarness(t, quietConfig(), nil)

	h.ctl.HandleEscape()
	h.clk.Advance(time.Second) // past the 350 ms default threshold
	if h.ctl.HandleEscape() {
		t.Error("slow second escape opened the dialog")
	}
}

func TestDialogCancelRestoresState(t *testing.T) {
	t.Parallel()
	h := newHarness(t, quietConfig(), func(o *ControllerOptions) {
		o.Mode = ModeInteractive
		o.Notify = nil
	})

	h.ctl.HandleEscape()
	h.clk.Advance(50 * time.Millisecond)
	h.ctl.HandleEscape()
	if h.ctl.State() != StateDetachDialog {
		t.Fatal("dialog did not open")
	}

	h.ctl.DialogCancel()
	if h.ctl.State() != StateRunning {
		t.Errorf("state after cancel: got %v, want running", h.ctl.State())
	}
}

func TestDialogBackground(t *testing.T) {
	t.Parallel()
	h := newHarness(t, quietConfig(), nil)

	transferred := false
	h.ctl.DialogBackground(func() string {
		transferred = true
		return h.ctl.ID()
	})
	result := h.waitResult(t)

	if !transferred {
		t.Error("background transfer hook not called")
	}
	if !result.Backgrounded || result.BackgroundID != "brave-otter" {
		t.Errorf("result: got %+v, want backgrounded with id", result)
	}
	if result.Cancelled {
		t.Error("backgrounded result marked cancelled")
	}
	if h.term.Disposed() != 0 {
		t.Error("background path disposed the PTY")
	}

	select {
	case release := <-h.unreg:
		if release {
			t.Error("background released the ID")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("background did not unregister")
	}
}

func TestDialogMinimize(t *testing.T) {
	t.Parallel()
	h := newHarness(t, quietConfig(), nil)

	h.ctl.DialogMinimize(func() {})
	result := h.waitResult(t)

	if !result.Minimized {
		t.Error("result not marked minimized")
	}
	if h.term.Disposed() != 0 {
		t.Error("minimize disposed the PTY")
	}
}

func TestFinishedLatchBlocksCallbacks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, quietConfig(), nil)

	h.term.Emit("before\n")
	h.term.Exit(0)
	h.waitResult(t)

	before := len(h.sink.all())
	// Timers and data after finish are observed as no-ops.
	h.term.Emit("after\n")
	h.clk.Advance(time.Hour)
	if got := len(h.sink.all()); got != before {
		t.Errorf("updates after finish: got %d, want %d", got, before)
	}
}

func TestAutoExitOnQuiet(t *testing.T) {
	t.Parallel()
	h := newHarness(t, quietConfig(), func(o *ControllerOptions) {
		o.AutoExitOnQuiet = true
	})

	h.term.Emit("burst\n")
	h.clk.Advance(4 * time.Second)
	result := h.waitResult(t)

	if h.term.Killed() == 0 {
		t.Error("auto-exit did not kill the child")
	}
	if result.TimedOut {
		t.Error("auto-exit marked as timeout")
	}
}

func TestSettingsReArmTimers(t *testing.T) {
	t.Parallel()
	cfg := quietConfig()
	cfg.HandsFreeUpdateMode = shellconfig.UpdateInterval
	cfg.HandsFreeUpdateIntervalMs = 300000
	h := newHarness(t, cfg, nil)

	h.ctl.SetUpdateInterval(5000)
	h.term.Emit("data\n")
	h.clk.Advance(5 * time.Second)

	if len(runningTails(h.sink.all())) == 0 {
		t.Error("shortened interval did not emit")
	}
}

func TestHandoffPreviewOnExit(t *testing.T) {
	t.Parallel()
	cfg := quietConfig()
	cfg.HandoffPreview = shellconfig.HandoffConfig{Enabled: true, Lines: 2, MaxChars: 1000}
	h := newHarness(t, cfg, nil)

	h.term.Emit("one\ntwo\nthree\n")
	h.term.Exit(0)
	result := h.waitResult(t)

	if result.HandoffPreview == nil {
		t.Fatal("no handoff preview")
	}
	if result.HandoffPreview.When != EndExit {
		t.Errorf("preview when: got %v", result.HandoffPreview.When)
	}
	if !reflect.DeepEqual(result.HandoffPreview.Lines, []string{"two", "three"}) {
		t.Errorf("preview lines: got %v", result.HandoffPreview.Lines)
	}
}
