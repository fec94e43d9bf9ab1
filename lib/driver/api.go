// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nicobailon/pi-interactive-shell/lib/clock"
	"github.com/nicobailon/pi-interactive-shell/lib/keymap"
	"github.com/nicobailon/pi-interactive-shell/lib/ptysession"
	"github.com/nicobailon/pi-interactive-shell/lib/session"
	"github.com/nicobailon/pi-interactive-shell/lib/shellconfig"
)

// Error strings surfaced on the tool boundary.
const (
	ErrSessionNotFound   = "session_not_found"
	ErrOverlayOpen       = "overlay_already_open"
	ErrInvalidArguments  = "invalid_arguments"
	ErrWriteFailed       = "write_failed"
	ErrSpawnFailed       = "spawn_failed"
	errIncrementalDrain  = "incremental and drain cannot be combined"
	errStartNeedsCommand = "start requires a command, query requires a session_id"
)

// Settings carries live setting changes within a query.
type Settings struct {
	UpdateIntervalMs *int `json:"update_interval,omitempty"`
	QuietThresholdMs *int `json:"quiet_threshold,omitempty"`
}

// Request is the union request shape of the interactive_shell tool.
// A command without a session ID is a start; a session ID addresses a
// running session.
type Request struct {
	// Start fields.
	Command         string `json:"command,omitempty"`
	Cwd             string `json:"cwd,omitempty"`
	Name            string `json:"name,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Mode            string `json:"mode,omitempty"`
	HandsFree       bool   `json:"hands_free,omitempty"`
	TimeoutMs       int    `json:"timeout_ms,omitempty"`
	HandoffPreview  *bool  `json:"handoff_preview,omitempty"`
	HandoffSnapshot *bool  `json:"handoff_snapshot,omitempty"`

	// Query fields.
	SessionID      string    `json:"session_id,omitempty"`
	OutputLines    int       `json:"output_lines,omitempty"`
	OutputMaxChars int       `json:"output_max_chars,omitempty"`
	OutputOffset   *int      `json:"output_offset,omitempty"`
	Incremental    bool      `json:"incremental,omitempty"`
	Drain          bool      `json:"drain,omitempty"`
	Input          string    `json:"input,omitempty"`
	InputKeys      []string  `json:"input_keys,omitempty"`
	InputHex       []string  `json:"input_hex,omitempty"`
	InputPaste     string    `json:"input_paste,omitempty"`
	Settings       *Settings `json:"settings,omitempty"`
	Kill           bool      `json:"kill,omitempty"`
}

// ContentBlock is one element of the tool response content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Response is the tool response envelope: human-readable content plus
// typed details (a final result or a query result).
type Response struct {
	Content []ContentBlock `json:"content"`
	Details any            `json:"details,omitempty"`
	IsError bool           `json:"isError,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// StartDetails is the immediate response to a hands-free start.
type StartDetails struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// QueryDetails is the response to a query on a live session.
type QueryDetails struct {
	SessionID       string   `json:"session_id"`
	Status          string   `json:"status"`
	RuntimeMS       int64    `json:"runtime_ms"`
	Output          string   `json:"output"`
	Truncated       bool     `json:"truncated"`
	TotalBytes      uint64   `json:"total_bytes"`
	TotalLines      *uint64  `json:"total_lines,omitempty"`
	HasMore         *bool    `json:"has_more,omitempty"`
	TotalCharsSent  int      `json:"total_chars_sent"`
	BudgetExhausted bool     `json:"budget_exhausted"`
}

// Handler resolves driver requests against the registry. It is
// stateless between calls.
type Handler struct {
	Registry *session.Registry
	Config   shellconfig.Config
	Clock    clock.Clock
	Logger   *slog.Logger

	// Notify is the host's send-message-with-wake primitive for
	// hands-free updates.
	Notify func(session.Update)

	// OpenOverlay runs the user-visible overlay for a controller and
	// blocks until it closes. Nil means no TUI capability: an
	// interactive start is an invalid-arguments error.
	OpenOverlay func(*session.Controller) error

	// Cols and Rows are the PTY dimensions for new sessions.
	Cols, Rows int
}

func (h *Handler) clk() clock.Clock {
	if h.Clock != nil {
		return h.Clock
	}
	return clock.Real()
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// Handle dispatches one request.
func (h *Handler) Handle(req Request) Response {
	switch {
	case req.SessionID != "":
		return h.Query(req)
	case req.Command != "":
		return h.Start(req)
	default:
		return errorResponse(ErrInvalidArguments, errStartNeedsCommand)
	}
}

// Start launches a new session. Hands-free starts return immediately;
// interactive starts block until the overlay completes.
func (h *Handler) Start(req Request) Response {
	logger := h.logger().With("request", uuid.NewString()[:8])

	handsFree := req.HandsFree || req.Mode == "hands-free"
	if !handsFree && h.OpenOverlay == nil {
		return errorResponse(ErrInvalidArguments, "interactive mode requires a TUI")
	}
	if h.Registry.OverlayOpen() {
		return errorResponse(ErrOverlayOpen, "an overlay is already open")
	}

	cfg := h.Config
	if req.HandoffPreview != nil {
		cfg.HandoffPreview.Enabled = *req.HandoffPreview
	}
	if req.HandoffSnapshot != nil {
		cfg.HandoffSnapshot.Enabled = *req.HandoffSnapshot
	}

	cols, rows := h.Cols, h.Rows
	if cols <= 0 {
		cols = 120
	}
	if rows <= 0 {
		rows = 30
	}

	term, err := ptysession.Start(ptysession.Options{
		Command:         req.Command,
		Dir:             req.Cwd,
		Cols:            cols,
		Rows:            rows,
		ScrollbackLines: cfg.ScrollbackLines,
		Logger:          logger,
		Clock:           h.clk(),
	})
	if err != nil {
		return errorResponse(ErrSpawnFailed, err.Error())
	}

	id := h.Registry.GenerateID()
	mode := session.ModeInteractive
	if handsFree {
		mode = session.ModeHandsFree
	}

	done := make(chan session.Result, 1)
	ctl := session.New(session.ControllerOptions{
		ID:         id,
		Command:    req.Command,
		Dir:        req.Cwd,
		Name:       req.Name,
		Reason:     req.Reason,
		Mode:       mode,
		Config:     cfg,
		Terminal:   term,
		Clock:      h.clk(),
		Logger:     logger,
		TimeoutMs:  req.TimeoutMs,
		Notify:     h.Notify,
		Done:       func(r session.Result) { done <- r },
		Unregister: h.Registry.UnregisterActive,
	})
	if err := h.Registry.RegisterActive(ctl); err != nil {
		ctl.Kill()
		return errorResponse(ErrInvalidArguments, err.Error())
	}
	logger.Info("session started", "session", id, "hands_free", handsFree)

	if handsFree {
		return Response{
			Content: textContent(fmt.Sprintf("Started session %s (hands-free): %s", id, req.Command)),
			Details: StartDetails{SessionID: id, Status: "running"},
		}
	}

	// Interactive supervision: run the overlay to completion, then
	// return the final result.
	if !h.Registry.TryOpenOverlay() {
		ctl.Kill()
		<-done
		return errorResponse(ErrOverlayOpen, "an overlay is already open")
	}
	overlayErr := h.OpenOverlay(ctl)
	h.Registry.CloseOverlay()
	if overlayErr != nil {
		logger.Warn("overlay ended with error", "error", overlayErr)
	}
	if !ctl.Finished() {
		// The user closed the overlay without detaching or killing:
		// treat as kill.
		ctl.Kill()
	}
	result := <-done
	return resultResponse(result)
}

// Query resolves an ID-addressed request. Kill takes precedence;
// otherwise settings apply first, then input, then the output read.
func (h *Handler) Query(req Request) Response {
	ctl, ok := h.Registry.GetActive(req.SessionID)
	if !ok {
		return errorResponse(ErrSessionNotFound, fmt.Sprintf("session not found: %s", req.SessionID))
	}

	// Kill takes precedence over everything else.
	if req.Kill {
		ctl.Kill()
		<-ctl.OnComplete()
		return resultResponse(ctl.Result())
	}

	settingsChanged := false
	if req.Settings != nil {
		if req.Settings.UpdateIntervalMs != nil {
			ctl.SetUpdateInterval(*req.Settings.UpdateIntervalMs)
			settingsChanged = true
		}
		if req.Settings.QuietThresholdMs != nil {
			ctl.SetQuietThreshold(*req.Settings.QuietThresholdMs)
			settingsChanged = true
		}
	}

	inputSent := false
	if req.Input != "" || len(req.InputKeys) > 0 || len(req.InputHex) > 0 || req.InputPaste != "" {
		data, err := keymap.Translate(keymap.Input{
			Text:  req.Input,
			Keys:  req.InputKeys,
			Hex:   req.InputHex,
			Paste: req.InputPaste,
		})
		if err != nil {
			return errorResponse(ErrInvalidArguments, err.Error())
		}
		if err := ctl.SendInput(data); err != nil {
			return errorResponse(ErrWriteFailed, err.Error())
		}
		inputSent = true
	}

	explicitOutput := req.OutputLines > 0 || req.OutputMaxChars > 0 ||
		req.OutputOffset != nil || req.Incremental || req.Drain
	if !explicitOutput && settingsChanged && !inputSent {
		// Settings-only message: acknowledge without a status read.
		return Response{Content: textContent("ok")}
	}

	opts := session.QueryOptions{
		Lines:       req.OutputLines,
		MaxChars:    req.OutputMaxChars,
		Offset:      req.OutputOffset,
		Incremental: req.Incremental,
		Drain:       req.Drain,
		// A message that also carried input or settings is not a
		// bare status poll; the rate limit targets polling.
		SkipRateLimit: inputSent || settingsChanged,
	}

	for {
		res, err := ctl.Query(opts)
		if err != nil {
			return errorResponse(ErrInvalidArguments, errIncrementalDrain)
		}
		if !res.RateLimited {
			return queryResponse(ctl, res)
		}

		// Rate limited: sleep out the window, racing completion. A
		// child that exits mid-wait resolves immediately.
		wait := time.Duration(*res.WaitSeconds) * time.Second
		select {
		case <-ctl.OnComplete():
			return resultResponse(ctl.Result())
		case <-h.clk().After(wait):
		}
	}
}

// Attach implements the user-facing attach command: no arguments
// lists background sessions for selection, one argument reattaches by
// ID.
func (h *Handler) Attach(args []string) Response {
	if len(args) == 0 {
		list := h.Registry.ListBackground()
		if len(list) == 0 {
			return Response{Content: textContent("No background sessions")}
		}
		var b strings.Builder
		b.WriteString("Background sessions:\n")
		for i, s := range list {
			name := s.Name
			if name == "" {
				name = s.Command
			}
			fmt.Fprintf(&b, "  %d. %s — %s\n", i+1, s.ID, name)
		}
		b.WriteString("Attach with: attach <id>")
		return Response{Content: textContent(b.String())}
	}

	id := args[0]
	bg, ok := h.Registry.GetBackground(id)
	if !ok {
		return Response{
			Content: textContent(fmt.Sprintf("Session not found: %s", id)),
			IsError: true,
			Error:   ErrSessionNotFound,
		}
	}
	if h.OpenOverlay == nil {
		return errorResponse(ErrInvalidArguments, "attach requires a TUI")
	}
	if h.Registry.OverlayOpen() {
		return errorResponse(ErrOverlayOpen, "an overlay is already open")
	}

	// Reattach: the session leaves the background map (cancelling any
	// pending cleanup) and becomes an interactive controller under
	// its original ID.
	h.Registry.RemoveBackground(id)

	done := make(chan session.Result, 1)
	ctl := session.New(session.ControllerOptions{
		ID:         bg.ID,
		Command:    bg.Command,
		Name:       bg.Name,
		Reason:     bg.Reason,
		Mode:       session.ModeInteractive,
		Config:     h.Config,
		Terminal:   bg.Terminal,
		Clock:      h.clk(),
		Logger:     h.logger(),
		Done:       func(r session.Result) { done <- r },
		Unregister: h.Registry.UnregisterActive,
	})
	if err := h.Registry.RegisterActive(ctl); err != nil && !ctl.Finished() {
		return errorResponse(ErrInvalidArguments, err.Error())
	}

	if !h.Registry.TryOpenOverlay() {
		return errorResponse(ErrOverlayOpen, "an overlay is already open")
	}
	overlayErr := h.OpenOverlay(ctl)
	h.Registry.CloseOverlay()
	if overlayErr != nil {
		h.logger().Warn("overlay ended with error", "error", overlayErr)
	}
	if !ctl.Finished() {
		ctl.Kill()
	}
	return resultResponse(<-done)
}

// ---- response rendering ----

func textContent(text string) []ContentBlock {
	return []ContentBlock{{Type: "text", Text: text}}
}

func errorResponse(code, detail string) Response {
	return Response{
		Content: textContent(fmt.Sprintf("Error: %s (%s)", code, detail)),
		IsError: true,
		Error:   code,
	}
}

func queryResponse(ctl *session.Controller, res session.OutputResult) Response {
	status := "running"
	if ctl.Finished() {
		status = "exited"
	}
	details := QueryDetails{
		SessionID:  ctl.ID(),
		Status:     status,
		RuntimeMS:  ctl.RuntimeMS(),
		Output:     res.Output,
		Truncated:  res.Truncated,
		TotalBytes: res.TotalBytes,
		TotalLines: res.TotalLines,
		HasMore:    res.HasMore,
	}
	text := res.Output
	if text == "" {
		text = "(no output)"
	}
	return Response{
		Content: textContent(text),
		Details: details,
	}
}

func resultResponse(r session.Result) Response {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s finished (%s", r.SessionID, r.ExitStatus.Describe())
	switch {
	case r.TimedOut:
		b.WriteString(", timed out")
	case r.Backgrounded:
		fmt.Fprintf(&b, ", backgrounded as %s", r.BackgroundID)
	case r.Minimized:
		b.WriteString(", minimized")
	case r.UserTookOver:
		b.WriteString(", user took over")
	}
	fmt.Fprintf(&b, ") after %s", formatRuntime(r.RuntimeMS))
	if r.HandoffPreview != nil && len(r.HandoffPreview.Lines) > 0 {
		b.WriteString("\n\nLast output:\n")
		b.WriteString(strings.Join(r.HandoffPreview.Lines, "\n"))
	}
	return Response{
		Content: textContent(b.String()),
		Details: r,
	}
}

// formatRuntime renders milliseconds as a compact human duration.
func formatRuntime(ms int64) string {
	return time.Duration(ms * int64(time.Millisecond)).Round(time.Second).String()
}
