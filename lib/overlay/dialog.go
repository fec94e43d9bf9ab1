// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// dialogChoice is one detach-dialog option.
type dialogChoice int

const (
	choiceKill dialogChoice = iota
	choiceBackground
	choiceMinimize
	choiceCancel
)

var choiceLabels = []string{"Kill session", "Move to background", "Minimize", "Cancel"}

// dialogKeys are the detach dialog bindings.
type dialogKeyMap struct {
	Up     key.Binding
	Down   key.Binding
	Select key.Binding
	Cancel key.Binding
}

var dialogKeys = dialogKeyMap{
	Up:     key.NewBinding(key.WithKeys("up", "k")),
	Down:   key.NewBinding(key.WithKeys("down", "j")),
	Select: key.NewBinding(key.WithKeys("enter")),
	Cancel: key.NewBinding(key.WithKeys("esc", "q")),
}

// dialogModel is the detach dialog state.
type dialogModel struct {
	selected dialogChoice

	boxStyle      lipgloss.Style
	selectedStyle lipgloss.Style
	normalStyle   lipgloss.Style
}

func newDialogModel() *dialogModel {
	return &dialogModel{
		boxStyle:      lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(0, 1),
		selectedStyle: lipgloss.NewStyle().Bold(true).Reverse(true),
		normalStyle:   lipgloss.NewStyle(),
	}
}

// updateDialog routes dialog keystrokes and applies the selection
// through the controller.
func (m *Model) updateDialog(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	d := m.dialog
	switch {
	case key.Matches(msg, dialogKeys.Up):
		if d.selected > 0 {
			d.selected--
		}
	case key.Matches(msg, dialogKeys.Down):
		if d.selected < choiceCancel {
			d.selected++
		}
	case key.Matches(msg, dialogKeys.Cancel):
		m.dialog = nil
		m.ctl.DialogCancel()
	case key.Matches(msg, dialogKeys.Select):
		m.dialog = nil
		switch d.selected {
		case choiceKill:
			m.ctl.DialogKill()
			return m, tea.Quit
		case choiceBackground:
			m.ctl.DialogBackground(m.backgroundTransfer)
			return m, tea.Quit
		case choiceMinimize:
			m.ctl.DialogMinimize(m.minimizeTransfer)
			return m, tea.Quit
		case choiceCancel:
			m.ctl.DialogCancel()
		}
	}
	return m, nil
}

// backgroundTransfer and minimizeTransfer call the transfers that Run
// installs from its Hooks; they move the PTY into the registry's
// detached maps.
func (m *Model) backgroundTransfer() string {
	if m.transferBackground != nil {
		return m.transferBackground()
	}
	return m.ctl.ID()
}

func (m *Model) minimizeTransfer() {
	if m.transferMinimize != nil {
		m.transferMinimize()
	}
}

// render produces the dialog box lines.
func (d *dialogModel) render() []string {
	var rows []string
	rows = append(rows, "Detach session?")
	for i, label := range choiceLabels {
		prefix := "  "
		style := d.normalStyle
		if dialogChoice(i) == d.selected {
			prefix = "> "
			style = d.selectedStyle
		}
		rows = append(rows, style.Render(prefix+label))
	}
	return strings.Split(d.boxStyle.Render(strings.Join(rows, "\n")), "\n")
}

// splice centers the dialog box over the viewport body.
func (d *dialogModel) splice(body string, cols int) string {
	bodyLines := strings.Split(body, "\n")
	boxLines := d.render()

	top := (len(bodyLines) - len(boxLines)) / 2
	if top < 0 {
		top = 0
	}
	left := (cols - lipgloss.Width(boxLines[0])) / 2
	if left < 0 {
		left = 0
	}
	pad := strings.Repeat(" ", left)

	for i, boxLine := range boxLines {
		if top+i >= len(bodyLines) {
			break
		}
		bodyLines[top+i] = pad + boxLine
	}
	return strings.Join(bodyLines, "\n")
}
