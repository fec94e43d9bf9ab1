// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

// Package overlay is the user-visible surface of a session: a bounded
// viewport over the child's terminal, scrollback navigation, the
// double-escape detach dialog, and the exit countdown. The overlay
// renders and forwards; the controller owns lifecycle truth.
package overlay

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nicobailon/pi-interactive-shell/lib/session"
	"github.com/nicobailon/pi-interactive-shell/lib/shellconfig"
)

// refreshMsg asks for a re-render after new child output.
type refreshMsg struct{}

// closeMsg ends the overlay (exit countdown elapsed, detach, kill).
type closeMsg struct{}

// tickMsg drives the countdown footer.
type tickMsg time.Time

// Model is the bubbletea model for one session overlay.
type Model struct {
	ctl *session.Controller
	cfg shellconfig.Config

	termWidth  int
	termHeight int

	dialog   *dialogModel
	closeAt  time.Time
	finished bool

	// Registry-backed detach transfers, installed by the binder.
	transferBackground func() string
	transferMinimize   func()

	borderStyle lipgloss.Style
	titleStyle  lipgloss.Style
	footerStyle lipgloss.Style
}

// NewModel builds the overlay model for a controller.
func NewModel(ctl *session.Controller, cfg shellconfig.Config) *Model {
	return &Model{
		ctl:         ctl,
		cfg:         cfg,
		borderStyle: lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")),
		titleStyle:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")),
		footerStyle: lipgloss.NewStyle().Faint(true),
	}
}

// Hooks are the registry-backed detach transfers: Background moves
// the session into the background map and returns its ID, Minimize
// moves it into the minimized map.
type Hooks struct {
	Background func() string
	Minimize   func()
}

// Run opens the overlay program bound to the controller and blocks
// until it closes.
func Run(ctl *session.Controller, cfg shellconfig.Config, hooks Hooks) error {
	model := NewModel(ctl, cfg)
	model.transferBackground = hooks.Background
	model.transferMinimize = hooks.Minimize
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())

	ctl.SetRenderRequest(func() { program.Send(refreshMsg{}) })
	ctl.SetCloseRequest(func() { program.Send(closeMsg{}) })
	defer ctl.SetRenderRequest(nil)

	_, err := program.Run()
	return err
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// overlaySize computes the inner viewport dimensions from the
// configured percentages.
func (m *Model) overlaySize() (cols, rows int) {
	cols = m.termWidth * m.cfg.OverlayWidthPercent / 100
	rows = m.termHeight * m.cfg.OverlayHeightPercent / 100
	// Border and title/footer chrome.
	cols -= 2
	rows -= 4
	if cols < 20 {
		cols = 20
	}
	if rows < 5 {
		rows = 5
	}
	return cols, rows
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.termWidth, m.termHeight = msg.Width, msg.Height
		cols, rows := m.overlaySize()
		// An exited session keeps its final screen size.
		_ = m.ctl.Terminal().Resize(cols, rows)
		return m, nil

	case refreshMsg:
		return m, nil

	case closeMsg:
		return m, tea.Quit

	case tickMsg:
		if m.ctl.Finished() && !m.finished {
			m.finished = true
			delay := time.Duration(m.cfg.ExitAutoCloseDelaySeconds) * time.Second
			m.closeAt = time.Now().Add(delay)
		}
		return m, tickCmd()

	case tea.MouseMsg:
		switch msg.Button {
		case tea.MouseButtonWheelUp:
			m.ctl.ScrollUp(3)
		case tea.MouseButtonWheelDown:
			m.ctl.ScrollDown(3)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

// handleKey routes a keystroke: dialog navigation when the dialog is
// open, scroll keys, escape handling, and plain forwarding (which is
// a takeover in hands-free mode).
func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.ctl.Finished() {
		// Any key dismisses the exit countdown.
		return m, tea.Quit
	}

	if m.dialog != nil {
		return m.updateDialog(msg)
	}

	switch msg.String() {
	case "shift+up":
		m.ctl.ScrollUp(1)
		return m, nil
	case "shift+down":
		m.ctl.ScrollDown(1)
		return m, nil
	case "shift+pgup":
		m.ctl.ScrollUp(10)
		return m, nil
	case "shift+pgdown":
		m.ctl.ScrollDown(10)
		return m, nil
	case "esc":
		if m.ctl.HandleEscape() {
			m.dialog = newDialogModel()
		}
		return m, nil
	}

	// A real keystroke snaps the viewport back to the live screen.
	if m.ctl.IsScrolledUp() {
		m.ctl.ScrollToBottom()
	}
	m.ctl.UserKeystroke(keyBytes(msg))
	return m, nil
}

// keyBytes encodes a bubbletea key event as the bytes a terminal
// would send.
func keyBytes(msg tea.KeyMsg) []byte {
	switch msg.Type {
	case tea.KeyRunes:
		if msg.Alt {
			return append([]byte{0x1b}, []byte(string(msg.Runes))...)
		}
		return []byte(string(msg.Runes))
	case tea.KeyEnter:
		return []byte{'\r'}
	case tea.KeyTab:
		return []byte{'\t'}
	case tea.KeyShiftTab:
		return []byte("\x1b[Z")
	case tea.KeyBackspace:
		return []byte{0x7f}
	case tea.KeySpace:
		return []byte{' '}
	case tea.KeyUp:
		return []byte("\x1b[A")
	case tea.KeyDown:
		return []byte("\x1b[B")
	case tea.KeyRight:
		return []byte("\x1b[C")
	case tea.KeyLeft:
		return []byte("\x1b[D")
	case tea.KeyHome:
		return []byte("\x1b[H")
	case tea.KeyEnd:
		return []byte("\x1b[F")
	case tea.KeyPgUp:
		return []byte("\x1b[5~")
	case tea.KeyPgDown:
		return []byte("\x1b[6~")
	case tea.KeyDelete:
		return []byte("\x1b[3~")
	case tea.KeyInsert:
		return []byte("\x1b[2~")
	case tea.KeyCtrlA, tea.KeyCtrlB, tea.KeyCtrlC, tea.KeyCtrlD, tea.KeyCtrlE,
		tea.KeyCtrlF, tea.KeyCtrlG, tea.KeyCtrlH, tea.KeyCtrlJ, tea.KeyCtrlK,
		tea.KeyCtrlL, tea.KeyCtrlN, tea.KeyCtrlO, tea.KeyCtrlP, tea.KeyCtrlQ,
		tea.KeyCtrlR, tea.KeyCtrlS, tea.KeyCtrlT, tea.KeyCtrlU, tea.KeyCtrlV,
		tea.KeyCtrlW, tea.KeyCtrlX, tea.KeyCtrlY, tea.KeyCtrlZ:
		return []byte{byte(msg.Type)}
	default:
		return []byte(msg.String())
	}
}

// View implements tea.Model.
func (m *Model) View() string {
	if m.termWidth == 0 {
		return ""
	}
	cols, rows := m.overlaySize()

	title := m.titleStyle.Render(fmt.Sprintf(" %s — %s ", m.ctl.ID(), truncateCommand(m.ctl.Command(), cols-len(m.ctl.ID())-8)))

	lines := m.ctl.ViewportLines()
	if len(lines) > rows {
		lines = lines[len(lines)-rows:]
	}
	for len(lines) < rows {
		lines = append(lines, "")
	}
	for i, line := range lines {
		if len(line) > cols {
			lines[i] = line[:cols]
		}
	}
	body := strings.Join(lines, "\n")

	if m.dialog != nil {
		body = m.dialog.splice(body, cols)
	}

	frame := m.borderStyle.Width(cols).Render(title + "\n" + body + "\n" + m.footer(cols))
	return lipgloss.Place(m.termWidth, m.termHeight, lipgloss.Center, lipgloss.Center, frame)
}

// footer renders the status line: mode, scroll indicator, hints, and
// the exit countdown.
func (m *Model) footer(cols int) string {
	var parts []string

	if m.ctl.Finished() {
		remaining := int(time.Until(m.closeAt).Seconds())
		if remaining < 0 {
			remaining = 0
		}
		result := m.ctl.Result()
		parts = append(parts, fmt.Sprintf("%s — closing in %ds (any key)", result.ExitStatus.Describe(), remaining))
	} else {
		parts = append(parts, m.ctl.State().String())
		if m.ctl.IsScrolledUp() {
			parts = append(parts, "[scroll]")
		}
		parts = append(parts, "esc esc: detach")
	}

	footer := strings.Join(parts, "  ")
	if len(footer) > cols {
		footer = footer[:cols]
	}
	return m.footerStyle.Render(footer)
}

func truncateCommand(command string, max int) string {
	if max < 4 {
		max = 4
	}
	if len(command) <= max {
		return command
	}
	return command[:max-1] + "…"
}
