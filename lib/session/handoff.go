// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// computePreviewLocked builds the in-result tail preview from the
// strip-ANSI projection of the raw log.
func (c *Controller) computePreviewLocked(when EndReason) *HandoffPreview {
	cfg := c.opts.Config.HandoffPreview
	lines := c.term.TailLines(cfg.Lines, false, cfg.MaxChars)
	truncated := len(c.term.StrippedLines()) > len(lines)
	return &HandoffPreview{
		When:      when,
		Lines:     lines,
		Truncated: truncated,
	}
}

// snapshotDir is the cache directory for handoff snapshot files,
// relative to the home directory.
var snapshotDir = filepath.Join(".pi", "agent", "cache", "interactive-shell")

// writeSnapshotLocked writes the on-disk handoff snapshot and returns
// its path.
func (c *Controller) writeSnapshotLocked(when EndReason) (string, error) {
	cfg := c.opts.Config.HandoffSnapshot

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(home, snapshotDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating snapshot directory: %w", err)
	}

	now := c.clk.Now()
	stamp := now.Format("2006-01-02T15:04:05.000Z07:00")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	path := filepath.Join(dir, fmt.Sprintf("snapshot-%s-pid%d.log", stamp, c.term.PID()))

	lines := c.term.TailLines(cfg.Lines, false, cfg.MaxChars)
	status := c.term.ExitStatus()

	var b strings.Builder
	fmt.Fprintf(&b, "# interactive-shell snapshot (%s)\n", when)
	fmt.Fprintf(&b, "time: %s\n", now.Format("2006-01-02T15:04:05.000Z07:00"))
	fmt.Fprintf(&b, "command: %s\n", c.opts.Command)
	fmt.Fprintf(&b, "cwd: %s\n", c.opts.Dir)
	fmt.Fprintf(&b, "pid: %d\n", c.term.PID())
	fmt.Fprintf(&b, "exitCode: %s\n", formatOptionalInt(status.Code))
	fmt.Fprintf(&b, "signal: %s\n", formatOptionalInt(status.Signal))
	fmt.Fprintf(&b, "lines: %d (requested %d, maxChars %d)\n", len(lines), cfg.Lines, cfg.MaxChars)
	b.WriteString("\n")
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("writing snapshot %s: %w", path, err)
	}
	return path, nil
}

func formatOptionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%d", *v)
}
