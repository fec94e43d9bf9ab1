// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nicobailon/pi-interactive-shell/lib/clock"
	"github.com/nicobailon/pi-interactive-shell/lib/rawlog"
	"github.com/nicobailon/pi-interactive-shell/lib/shellconfig"
)

// initialUpdateDelay is how long a hands-free session waits before
// its first opportunistic emission, so short-lived commands produce
// one coherent update instead of a burst of fragments.
const initialUpdateDelay = 1500 * time.Millisecond

// Query read-shape bounds.
const (
	defaultQueryLines    = 20
	maxQueryLines        = 200
	defaultQueryMaxChars = 5 * 1024
	maxQueryMaxChars     = 50 * 1024
)

// ErrInvalidQuery is returned when a query combines exclusive read
// modes (incremental with drain, or either of them with an offset).
var ErrInvalidQuery = errors.New("incremental and drain are mutually exclusive")

// ControllerOptions configures New.
type ControllerOptions struct {
	ID      string
	Command string
	Dir     string
	Name    string
	Reason  string
	Mode    Mode

	Config   shellconfig.Config
	Terminal Terminal
	Clock    clock.Clock
	Logger   *slog.Logger

	// TimeoutMs is a hard deadline; zero disables it.
	TimeoutMs int

	// AutoExitOnQuiet kills the session once the output has been
	// quiet for the quiet threshold. Hands-free only.
	AutoExitOnQuiet bool

	// Notify delivers hands-free updates to the driver. Required in
	// hands-free mode.
	Notify func(Update)

	// Done receives the final result, exactly once.
	Done func(Result)

	// Unregister removes the session from the active map; release
	// controls whether the ID returns to the pool.
	Unregister func(id string, release bool)
}

// Controller enforces the driver/user protocol on one PTY session.
type Controller struct {
	mu sync.Mutex

	opts   ControllerOptions
	clk    clock.Clock
	logger *slog.Logger
	term   Terminal

	state        State
	stateBefore  State // state to restore on dialog cancel
	finished     bool
	userTookOver bool
	endReason    EndReason

	totalCharsSent  int
	budgetExhausted bool

	startedAt     time.Time
	lastDataTime  time.Time
	lastQueryTime time.Time
	lastEscapeAt  time.Time

	// emitCursor is the hands-free emission cursor over the raw log;
	// lineCursor is the incremental line cursor for paginated reads.
	// Each is advanced only by its owner and only forward.
	emitCursor uint64
	lineCursor int

	quietThresholdMs int
	updateIntervalMs int

	// initialDelayDone gates the first hands-free emission so a
	// fast-starting child produces one coherent update.
	initialDelayDone bool

	initialDelayTimer *clock.Timer
	quietTimer        *clock.Timer
	intervalTimer     *clock.Timer
	timeoutTimer      *clock.Timer
	exitCloseTimer    *clock.Timer

	// renderRequest and closeRequest are the overlay's hooks,
	// attached after construction (the overlay binds to a live, or
	// even already-finished, controller).
	renderRequest func()
	closeRequest  func()
	closePending  bool

	unregistered bool
	result       Result
	complete     chan struct{}
}

// New constructs a controller around a started Terminal and arms the
// mode-appropriate timers. The caller (the registry) has already
// reserved opts.ID.
func New(opts ControllerOptions) *Controller {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		opts:             opts,
		clk:              clk,
		logger:           logger.With("session", opts.ID),
		term:             opts.Terminal,
		startedAt:        clk.Now(),
		quietThresholdMs: opts.Config.QuietThresholdMs,
		updateIntervalMs: opts.Config.HandsFreeUpdateIntervalMs,
		complete:         make(chan struct{}),
	}

	if opts.Mode == ModeHandsFree {
		c.state = StateHandsFree
	} else {
		c.state = StateRunning
	}

	c.term.OnData(c.handleData)
	c.term.OnExit(c.handleChildExit)

	c.mu.Lock()
	// OnExit fires synchronously for an already-exited terminal
	// (reattach inside the cleanup window); don't arm timers for a
	// session that finished during wiring.
	if !c.finished {
		if opts.Mode == ModeHandsFree {
			c.initialDelayTimer = clk.AfterFunc(initialUpdateDelay, c.handleInitialDelay)
			c.armIntervalLocked()
		}
		if opts.TimeoutMs > 0 {
			c.timeoutTimer = clk.AfterFunc(time.Duration(opts.TimeoutMs)*time.Millisecond, c.handleTimeout)
		}
	}
	c.mu.Unlock()

	return c
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.opts.ID }

// Command returns the child command string.
func (c *Controller) Command() string { return c.opts.Command }

// Name returns the optional human-readable session name.
func (c *Controller) Name() string { return c.opts.Name }

// Terminal exposes the underlying PTY session (for the overlay and
// for background transfer).
func (c *Controller) Terminal() Terminal { return c.term }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Finished reports whether the terminal state has been reached.
func (c *Controller) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// UserTookOver reports whether the user has taken the session over.
func (c *Controller) UserTookOver() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userTookOver
}

// RuntimeMS returns elapsed time since the session started.
func (c *Controller) RuntimeMS() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runtimeMSLocked()
}

func (c *Controller) runtimeMSLocked() int64 {
	return c.clk.Now().Sub(c.startedAt).Milliseconds()
}

// OnComplete returns a channel closed when the session reaches its
// terminal state. The façade races rate-limit waits against it.
func (c *Controller) OnComplete() <-chan struct{} { return c.complete }

// Result returns the final result. Valid only after OnComplete.
func (c *Controller) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// ---- timer management ----

func (c *Controller) armQuietLocked() {
	d := time.Duration(c.quietThresholdMs) * time.Millisecond
	if c.quietTimer != nil {
		c.quietTimer.Reset(d)
		return
	}
	c.quietTimer = c.clk.AfterFunc(d, c.handleQuiet)
}

func (c *Controller) armIntervalLocked() {
	d := time.Duration(c.updateIntervalMs) * time.Millisecond
	if c.intervalTimer != nil {
		c.intervalTimer.Reset(d)
		return
	}
	c.intervalTimer = c.clk.AfterFunc(d, c.handleInterval)
}

func (c *Controller) stopTimersLocked() {
	for _, t := range []*clock.Timer{c.initialDelayTimer, c.quietTimer, c.intervalTimer, c.timeoutTimer} {
		if t != nil {
			t.Stop()
		}
	}
	c.initialDelayTimer, c.quietTimer, c.intervalTimer, c.timeoutTimer = nil, nil, nil, nil
}

// SetUpdateInterval changes the hands-free interval and re-arms the
// timer; the next fire is measured from now.
func (c *Controller) SetUpdateInterval(ms int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	cfg := shellconfig.Config{HandsFreeUpdateIntervalMs: ms}
	cfg.Clamp()
	c.updateIntervalMs = cfg.HandsFreeUpdateIntervalMs
	if c.state == StateHandsFree {
		c.armIntervalLocked()
	}
}

// SetQuietThreshold changes the quiet window; an armed quiet timer is
// re-measured from now.
func (c *Controller) SetQuietThreshold(ms int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	cfg := shellconfig.Config{QuietThresholdMs: ms}
	cfg.Clamp()
	c.quietThresholdMs = cfg.QuietThresholdMs
	if c.quietTimer != nil {
		c.quietTimer.Reset(time.Duration(c.quietThresholdMs) * time.Millisecond)
	}
}

// ---- PTY callbacks ----

func (c *Controller) handleData() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.lastDataTime = c.clk.Now()
	if c.state == StateHandsFree && c.opts.Config.HandsFreeUpdateMode == shellconfig.UpdateOnQuiet {
		c.armQuietLocked()
	}
	if c.opts.AutoExitOnQuiet && c.state == StateHandsFree && c.opts.Config.HandsFreeUpdateMode != shellconfig.UpdateOnQuiet {
		// Quiet detection still needs the quiet timer in interval
		// mode when auto-exit is requested.
		c.armQuietLocked()
	}
	render := c.renderRequest
	c.mu.Unlock()

	if render != nil {
		render()
	}
}

// SetRenderRequest installs the overlay's re-render hook, invoked on
// every data arrival.
func (c *Controller) SetRenderRequest(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renderRequest = fn
}

// SetCloseRequest installs the overlay's close hook. If the session
// already finished, the exit countdown (or immediate close) is
// scheduled now.
func (c *Controller) SetCloseRequest(fn func()) {
	c.mu.Lock()
	pending := c.closePending
	reason := c.endReason
	c.closeRequest = fn
	c.closePending = false
	c.mu.Unlock()

	if !pending || fn == nil {
		return
	}
	delay := time.Duration(c.opts.Config.ExitAutoCloseDelaySeconds) * time.Second
	if reason == EndExit && delay > 0 {
		c.mu.Lock()
		c.exitCloseTimer = c.clk.AfterFunc(delay, fn)
		c.mu.Unlock()
		return
	}
	fn()
}

func (c *Controller) handleChildExit() {
	c.mu.Lock()
	updates, result, hooks := c.finishLocked(EndExit, finishEffects{})
	c.mu.Unlock()
	c.deliver(updates, result, hooks)
}

// ---- timer handlers ----

func (c *Controller) handleInitialDelay() {
	c.mu.Lock()
	c.initialDelayDone = true
	if c.finished || c.state != StateHandsFree {
		c.mu.Unlock()
		return
	}
	var updates []Update
	if c.opts.Config.HandsFreeUpdateMode == shellconfig.UpdateOnQuiet && c.hasUnsentLocked() {
		updates = append(updates, c.emitRunningLocked())
	}
	c.mu.Unlock()
	c.deliver(updates, nil, nil)
}

func (c *Controller) handleQuiet() {
	c.mu.Lock()
	if c.finished || c.state != StateHandsFree {
		c.mu.Unlock()
		return
	}

	if c.opts.AutoExitOnQuiet {
		updates, result, hooks := c.finishLocked(EndKill, finishEffects{kill: true, dispose: true})
		c.mu.Unlock()
		c.deliver(updates, result, hooks)
		return
	}

	var updates []Update
	if c.initialDelayDone && c.opts.Config.HandsFreeUpdateMode == shellconfig.UpdateOnQuiet && c.hasUnsentLocked() {
		updates = append(updates, c.emitRunningLocked())
	}
	c.mu.Unlock()
	c.deliver(updates, nil, nil)
}

func (c *Controller) handleInterval() {
	c.mu.Lock()
	if c.finished || c.state != StateHandsFree {
		c.mu.Unlock()
		return
	}

	var updates []Update
	switch c.opts.Config.HandsFreeUpdateMode {
	case shellconfig.UpdateInterval:
		updates = append(updates, c.emitRunningLocked())
	default:
		// OnQuiet: the interval is only a fallback for data that the
		// quiet window never flushed.
		if c.hasUnsentLocked() {
			updates = append(updates, c.emitRunningLocked())
		}
	}
	c.armIntervalLocked()
	c.mu.Unlock()
	c.deliver(updates, nil, nil)
}

func (c *Controller) handleTimeout() {
	c.mu.Lock()
	updates, result, hooks := c.finishLocked(EndTimeout, finishEffects{kill: true, dispose: true})
	c.mu.Unlock()
	c.deliver(updates, result, hooks)
}

// ---- emission ----

func (c *Controller) hasUnsentLocked() bool {
	return c.emitCursor < c.term.RawEndOffset()
}

// emitRunningLocked consumes the raw bytes appended since the last
// emission and shapes them into one Running update, honoring the
// per-update cap and the session budget.
func (c *Controller) emitRunningLocked() Update {
	text, next := c.term.StrippedSince(c.emitCursor)
	c.emitCursor = next

	tail, truncated := c.capEmissionLocked(text)
	return Update{
		Kind:            UpdateRunning,
		SessionID:       c.opts.ID,
		Tail:            tail,
		Truncated:       truncated,
		RuntimeMS:       c.runtimeMSLocked(),
		TotalCharsSent:  c.totalCharsSent,
		BudgetExhausted: c.budgetExhausted,
	}
}

// capEmissionLocked applies the per-update character cap (keeping the
// tail) and the remaining session budget, and charges the budget.
func (c *Controller) capEmissionLocked(text string) (tail []string, truncated bool) {
	if c.budgetExhausted {
		return nil, len(text) > 0
	}

	capped := text
	if len(capped) > c.opts.Config.UpdateMaxChars {
		capped = rawlog.TailString(capped, c.opts.Config.UpdateMaxChars)
		truncated = true
	}

	remaining := c.opts.Config.MaxTotalChars - c.totalCharsSent
	if remaining <= 0 {
		c.budgetExhausted = true
		return nil, truncated || len(text) > 0
	}
	if len(capped) > remaining {
		capped = rawlog.TailString(capped, remaining)
		truncated = true
	}

	c.totalCharsSent += len(capped)
	if c.totalCharsSent >= c.opts.Config.MaxTotalChars {
		c.budgetExhausted = true
	}
	return rawlog.SplitLines(capped), truncated
}

// deliver runs callbacks outside the controller lock, in order:
// driver updates, the overlay close request, then the final result.
func (c *Controller) deliver(updates []Update, result *Result, after []func()) {
	if c.opts.Notify != nil {
		for _, u := range updates {
			c.opts.Notify(u)
		}
	}
	for _, fn := range after {
		fn()
	}
	if result != nil && c.opts.Done != nil {
		c.opts.Done(*result)
	}
}

// ---- user input ----

// Scroll keys are handled by the overlay and routed to the Scroll*
// methods; they never reach UserKeystroke and never take over.

// UserKeystroke forwards one user keystroke (already encoded) to the
// child. In hands-free mode this is a takeover: pending output is
// flushed and the takeover notification emitted before the bytes
// reach the child.
func (c *Controller) UserKeystroke(data []byte) {
	c.mu.Lock()
	if c.finished || c.state == StateDetachDialog {
		c.mu.Unlock()
		return
	}
	var updates []Update
	if c.state == StateHandsFree {
		updates = c.takeoverLocked()
	}
	c.mu.Unlock()

	c.deliver(updates, nil, nil)
	if err := c.term.Write(data); err != nil {
		c.logger.Debug("keystroke write failed", "error", err)
	}
}

// takeoverLocked flushes pending output, announces the takeover, and
// leaves hands-free mode for good. The ID stays reserved.
func (c *Controller) takeoverLocked() []Update {
	var updates []Update
	if c.hasUnsentLocked() {
		updates = append(updates, c.emitRunningLocked())
	}
	updates = append(updates, Update{
		Kind:            UpdateUserTakeover,
		SessionID:       c.opts.ID,
		RuntimeMS:       c.runtimeMSLocked(),
		TotalCharsSent:  c.totalCharsSent,
		BudgetExhausted: c.budgetExhausted,
	})

	c.userTookOver = true
	c.state = StateRunning
	for _, t := range []*clock.Timer{c.initialDelayTimer, c.quietTimer, c.intervalTimer} {
		if t != nil {
			t.Stop()
		}
	}
	c.initialDelayTimer, c.quietTimer, c.intervalTimer = nil, nil, nil

	if c.opts.Unregister != nil && !c.unregistered {
		c.unregistered = true
		// Leave the active map but keep the ID reserved: the session
		// is still alive under user control.
		c.opts.Unregister(c.opts.ID, false)
	}
	return updates
}

// SendInput writes driver-supplied input. Programmatic input never
// counts as user input: no takeover.
func (c *Controller) SendInput(data []byte) error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return fmt.Errorf("session %s already exited", c.opts.ID)
	}
	c.mu.Unlock()
	return c.term.Write(data)
}

// HandleEscape processes one escape keypress. Two escapes within the
// configured threshold open the detach dialog (taking over first if
// hands-free). A lone escape is forwarded to the child and does not
// take over. Returns true when the dialog opened.
func (c *Controller) HandleEscape() bool {
	c.mu.Lock()
	if c.finished || c.state == StateDetachDialog {
		c.mu.Unlock()
		return false
	}

	now := c.clk.Now()
	threshold := time.Duration(c.opts.Config.DoubleEscapeThresholdMs) * time.Millisecond
	double := !c.lastEscapeAt.IsZero() && now.Sub(c.lastEscapeAt) <= threshold
	c.lastEscapeAt = now

	if !double {
		c.mu.Unlock()
		if err := c.term.Write([]byte{0x1b}); err != nil {
			c.logger.Debug("escape write failed", "error", err)
		}
		return false
	}

	var updates []Update
	if c.state == StateHandsFree {
		updates = c.takeoverLocked()
	}
	c.stateBefore = c.state
	c.state = StateDetachDialog
	c.lastEscapeAt = time.Time{}
	c.mu.Unlock()

	c.deliver(updates, nil, nil)
	return true
}

// ---- detach dialog selections ----

// DialogCancel closes the dialog and restores the previous state.
func (c *Controller) DialogCancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished || c.state != StateDetachDialog {
		return
	}
	c.state = c.stateBefore
}

// DialogKill terminates the child and finishes the session.
func (c *Controller) DialogKill() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	updates, result, hooks := c.finishLocked(EndKill, finishEffects{kill: true, dispose: true})
	c.mu.Unlock()
	c.deliver(updates, result, hooks)
}

// DialogBackground detaches the session into the background map. The
// PTY session is not disposed and the ID is not released; transfer
// is the registry's job, performed through the hook.
func (c *Controller) DialogBackground(transfer func() string) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	backgroundID := transfer()
	updates, result, hooks := c.finishLocked(EndDetach, finishEffects{
		backgrounded: true,
		backgroundID: backgroundID,
	})
	c.mu.Unlock()
	c.deliver(updates, result, hooks)
}

// DialogMinimize detaches the session into the minimized map,
// preserving the PTY.
func (c *Controller) DialogMinimize(transfer func()) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	transfer()
	updates, result, hooks := c.finishLocked(EndDetach, finishEffects{minimized: true})
	c.mu.Unlock()
	c.deliver(updates, result, hooks)
}

// Kill terminates the session on driver request. Idempotent; the
// final update and result are synthesized immediately rather than
// waiting for the child's exit callback.
func (c *Controller) Kill() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	updates, result, hooks := c.finishLocked(EndKill, finishEffects{kill: true, dispose: true})
	c.mu.Unlock()
	c.deliver(updates, result, hooks)
}

// finishEffects selects the side effects of a terminal transition.
type finishEffects struct {
	kill         bool
	dispose      bool
	backgrounded bool
	backgroundID string
	minimized    bool
}

// finishLocked performs the single transition into StateExited: stop
// timers, flush the pending hands-free update, emit the final
// notification, compute handoff artifacts, unregister, and resolve
// the result. The finished latch makes re-entry a no-op.
func (c *Controller) finishLocked(reason EndReason, effects finishEffects) ([]Update, *Result, []func()) {
	if c.finished {
		return nil, nil, nil
	}
	c.finished = true
	c.endReason = reason
	wasHandsFree := c.state == StateHandsFree
	c.state = StateExited
	c.stopTimersLocked()

	var updates []Update
	if wasHandsFree && c.hasUnsentLocked() {
		updates = append(updates, c.emitRunningLocked())
	}

	var after []func()
	if effects.kill {
		term := c.term
		after = append(after, func() { _ = term.Kill() })
	}

	// After a takeover the UserTakeover notification was the driver's
	// terminal update; only driver-owned sessions get the Exited one.
	if c.opts.Mode == ModeHandsFree && !c.userTookOver {
		updates = append(updates, Update{
			Kind:            UpdateExited,
			SessionID:       c.opts.ID,
			RuntimeMS:       c.runtimeMSLocked(),
			TotalCharsSent:  c.totalCharsSent,
			BudgetExhausted: c.budgetExhausted,
		})
	}

	result := Result{
		SessionID:       c.opts.ID,
		Command:         c.opts.Command,
		ExitStatus:      c.term.ExitStatus(),
		TimedOut:        reason == EndTimeout,
		Cancelled:       reason == EndKill && !c.opts.AutoExitOnQuiet,
		UserTookOver:    c.userTookOver,
		Backgrounded:    effects.backgrounded,
		BackgroundID:    effects.backgroundID,
		Minimized:       effects.minimized,
		RuntimeMS:       c.runtimeMSLocked(),
		TotalCharsSent:  c.totalCharsSent,
		BudgetExhausted: c.budgetExhausted,
	}

	if c.opts.Config.HandoffPreview.Enabled {
		result.HandoffPreview = c.computePreviewLocked(reason)
	}
	if c.opts.Config.HandoffSnapshot.Enabled {
		if path, err := c.writeSnapshotLocked(reason); err != nil {
			c.logger.Warn("handoff snapshot failed", "error", err)
		} else {
			result.SnapshotPath = path
		}
	}
	c.result = result

	// Unregister from the active map and settle the ID. A takeover
	// already left the active map without releasing; termination is
	// when the ID finally returns to the pool, unless the session
	// transferred to the background/minimized maps.
	if c.opts.Unregister != nil {
		c.unregistered = true
		release := !effects.backgrounded && !effects.minimized
		unregister := c.opts.Unregister
		id := c.opts.ID
		after = append(after, func() { unregister(id, release) })
	}

	if effects.dispose {
		term := c.term
		after = append(after, term.Dispose)
	}

	// Overlay shutdown: immediate on detach/kill, countdown on exit.
	// When no overlay is attached yet, remember the pending close so
	// a late-binding overlay (reattach to an exited session) still
	// gets its countdown.
	if c.closeRequest != nil {
		requestClose := c.closeRequest
		delay := time.Duration(c.opts.Config.ExitAutoCloseDelaySeconds) * time.Second
		if reason == EndExit && delay > 0 {
			c.exitCloseTimer = c.clk.AfterFunc(delay, requestClose)
		} else {
			after = append(after, requestClose)
		}
	} else {
		c.closePending = true
	}

	close(c.complete)
	return updates, &result, after
}

// ---- driver reads ----

// QueryOptions shapes one driver read.
type QueryOptions struct {
	// Lines is the number of rendered lines to return (default 20,
	// max 200).
	Lines int

	// MaxChars bounds the returned text (default 5 KiB, max 50 KiB).
	MaxChars int

	// Offset, when non-nil, reads from an absolute line index.
	Offset *int

	// Incremental advances the server-side line cursor.
	Incremental bool

	// Drain returns only new raw-stream bytes.
	Drain bool

	// SkipRateLimit bypasses the rate limiter (internal callers).
	SkipRateLimit bool
}

// Query returns session output per the requested read mode, applying
// the driver rate limit. Rate limiting never applies after the
// session has exited.
func (c *Controller) Query(opts QueryOptions) (OutputResult, error) {
	if opts.Incremental && opts.Drain {
		return OutputResult{}, ErrInvalidQuery
	}
	if opts.Incremental && opts.Offset != nil || opts.Drain && opts.Offset != nil {
		return OutputResult{}, ErrInvalidQuery
	}

	lines := opts.Lines
	if lines <= 0 {
		lines = defaultQueryLines
	}
	if lines > maxQueryLines {
		lines = maxQueryLines
	}
	maxChars := opts.MaxChars
	if maxChars <= 0 {
		maxChars = defaultQueryMaxChars
	}
	if maxChars > maxQueryMaxChars {
		maxChars = maxQueryMaxChars
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.finished && !opts.SkipRateLimit {
		minInterval := time.Duration(c.opts.Config.MinQueryIntervalSeconds) * time.Second
		if !c.lastQueryTime.IsZero() {
			elapsed := c.clk.Now().Sub(c.lastQueryTime)
			// The boundary counts as on-time: exactly minInterval is
			// not rate-limited.
			if elapsed < minInterval {
				wait := uint32((minInterval - elapsed + time.Second - 1) / time.Second)
				return OutputResult{RateLimited: true, WaitSeconds: &wait}, nil
			}
		}
		c.lastQueryTime = c.clk.Now()
	}

	switch {
	case opts.Drain:
		return c.drainLocked(maxChars), nil
	case opts.Incremental:
		return c.incrementalLocked(lines, maxChars), nil
	case opts.Offset != nil:
		return c.offsetLocked(*opts.Offset, lines, maxChars), nil
	default:
		return c.tailLocked(lines, maxChars), nil
	}
}

func (c *Controller) drainLocked(maxChars int) OutputResult {
	output := c.term.RawStream(true, true)
	truncated := false
	if len(output) > maxChars {
		output = rawlog.TailString(output, maxChars)
		truncated = true
	}
	return OutputResult{
		Output:     output,
		Truncated:  truncated,
		TotalBytes: c.term.RawEndOffset(),
	}
}

func (c *Controller) incrementalLocked(lines, maxChars int) OutputResult {
	all := c.term.StrippedLines()
	total := uint64(len(all))
	if c.lineCursor > len(all) {
		c.lineCursor = len(all)
	}

	end := c.lineCursor + lines
	if end > len(all) {
		end = len(all)
	}
	chunk := all[c.lineCursor:end]
	c.lineCursor = end

	output, truncated := joinBounded(chunk, maxChars)
	hasMore := c.lineCursor < len(all)
	result := OutputResult{
		Output:     output,
		Truncated:  truncated,
		TotalBytes: c.term.RawEndOffset(),
		TotalLines: &total,
	}
	if hasMore {
		result.HasMore = &hasMore
	}
	return result
}

func (c *Controller) offsetLocked(offset, lines, maxChars int) OutputResult {
	all := c.term.StrippedLines()
	total := uint64(len(all))
	if offset < 0 {
		offset = 0
	}
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + lines
	if end > len(all) {
		end = len(all)
	}
	output, truncated := joinBounded(all[offset:end], maxChars)
	hasMore := end < len(all)
	result := OutputResult{
		Output:     output,
		Truncated:  truncated,
		TotalBytes: c.term.RawEndOffset(),
		TotalLines: &total,
	}
	if hasMore {
		result.HasMore = &hasMore
	}
	return result
}

func (c *Controller) tailLocked(lines, maxChars int) OutputResult {
	tail := c.term.TailLines(lines, c.opts.Config.ANSIReemit, maxChars)
	output, truncated := joinBounded(tail, maxChars)
	total := uint64(len(c.term.StrippedLines()))
	return OutputResult{
		Output:     output,
		Truncated:  truncated,
		TotalBytes: c.term.RawEndOffset(),
		TotalLines: &total,
	}
}

// joinBounded joins lines with newlines, bounded by maxChars keeping
// the tail.
func joinBounded(lines []string, maxChars int) (string, bool) {
	joined := ""
	for i, line := range lines {
		if i > 0 {
			joined += "\n"
		}
		joined += line
	}
	if maxChars > 0 && len(joined) > maxChars {
		return rawlog.TailString(joined, maxChars), true
	}
	return joined, false
}

// ---- scroll passthrough (never a takeover) ----

// ScrollUp, ScrollDown, and ScrollToBottom navigate scrollback
// without affecting the lifecycle state.
func (c *Controller) ScrollUp(n int)     { c.term.ScrollUp(n) }
func (c *Controller) ScrollDown(n int)   { c.term.ScrollDown(n) }
func (c *Controller) ScrollToBottom()    { c.term.ScrollToBottom() }
func (c *Controller) IsScrolledUp() bool { return c.term.IsScrolledUp() }
func (c *Controller) ViewportLines() []string {
	return c.term.ViewportLines(c.opts.Config.ANSIReemit)
}
