// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

// Package shellconfig loads the interactive-shell configuration file.
//
// Discovery order is project first, then global:
//
//	<cwd>/.pi/interactive-shell.json
//	<home>/.pi/agent/interactive-shell.json
//
// The file is JSON; comments are tolerated (stripped before parsing).
// Unknown keys are ignored, absent keys take their defaults, and every
// numeric field is silently clamped to its documented range. A file
// that fails to parse is reported as a warning and treated as absent —
// configuration problems never prevent a session from starting.
package shellconfig

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
)

// UpdateMode selects how hands-free updates are emitted.
type UpdateMode string

const (
	// UpdateOnQuiet emits after the output has been quiet for the
	// quiet threshold; the interval timer is only a fallback.
	UpdateOnQuiet UpdateMode = "onQuiet"

	// UpdateInterval emits unconditionally on every interval tick.
	UpdateInterval UpdateMode = "interval"
)

// HandoffConfig bounds one handoff artifact (in-result preview or
// on-disk snapshot).
type HandoffConfig struct {
	Enabled  bool `json:"enabled"`
	Lines    int  `json:"lines"`
	MaxChars int  `json:"maxChars"`
}

// Config is the validated, clamped session configuration. The engine
// treats it as immutable per session.
type Config struct {
	// OverlayWidthPercent and OverlayHeightPercent size the overlay
	// as a fraction of the host terminal. 10..100 and 20..90.
	OverlayWidthPercent  int `json:"overlayWidthPercent"`
	OverlayHeightPercent int `json:"overlayHeightPercent"`

	// ScrollbackLines sizes each session's raw output log, in lines.
	// 200..50000. The scrollback emulator is not trimmed to it.
	ScrollbackLines int `json:"scrollbackLines"`

	// ExitAutoCloseDelaySeconds is how long the overlay lingers after
	// the child exits. Values below zero clamp to zero (close
	// immediately).
	ExitAutoCloseDelaySeconds int `json:"exitAutoCloseDelaySeconds"`

	// DoubleEscapeThresholdMs is the window within which two escape
	// presses open the detach dialog.
	DoubleEscapeThresholdMs int `json:"doubleEscapeThresholdMs"`

	// ANSIReemit re-emits color codes in viewport and tail reads.
	ANSIReemit bool `json:"ansiReemit"`

	// HandoffPreview bounds the in-result tail preview; HandoffSnapshot
	// bounds the on-disk snapshot file.
	HandoffPreview  HandoffConfig `json:"handoffPreview"`
	HandoffSnapshot HandoffConfig `json:"handoffSnapshot"`

	// HandsFreeUpdateMode is "onQuiet" or "interval".
	HandsFreeUpdateMode UpdateMode `json:"handsFreeUpdateMode"`

	// HandsFreeUpdateIntervalMs is the interval-timer period.
	// 5000..300000.
	HandsFreeUpdateIntervalMs int `json:"handsFreeUpdateIntervalMs"`

	// QuietThresholdMs is the quiet window. 1000..30000.
	QuietThresholdMs int `json:"quietThresholdMs"`

	// UpdateMaxChars caps one hands-free update's tail.
	UpdateMaxChars int `json:"updateMaxChars"`

	// MaxTotalChars is the session's total hands-free output budget.
	// 10000..1000000.
	MaxTotalChars int `json:"maxTotalChars"`

	// MinQueryIntervalSeconds is the minimum spacing between driver
	// status queries. 5..300.
	MinQueryIntervalSeconds int `json:"minQueryIntervalSeconds"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		OverlayWidthPercent:       80,
		OverlayHeightPercent:      70,
		ScrollbackLines:           5000,
		ExitAutoCloseDelaySeconds: 5,
		DoubleEscapeThresholdMs:   350,
		ANSIReemit:                false,
		HandoffPreview:            HandoffConfig{Enabled: true, Lines: 40, MaxChars: 4000},
		HandoffSnapshot:           HandoffConfig{Enabled: false, Lines: 200, MaxChars: 100000},
		HandsFreeUpdateMode:       UpdateOnQuiet,
		HandsFreeUpdateIntervalMs: 30000,
		QuietThresholdMs:          3000,
		UpdateMaxChars:            2000,
		MaxTotalChars:             50000,
		MinQueryIntervalSeconds:   30,
	}
}

// Load discovers and loads the configuration: the project file wins
// over the global file, and both fall back to defaults. The logger
// receives warnings for unreadable or unparsable files.
func Load(cwd string, logger *slog.Logger) Config {
	if logger == nil {
		logger = slog.Default()
	}

	paths := []string{}
	if cwd != "" {
		paths = append(paths, filepath.Join(cwd, ".pi", "interactive-shell.json"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".pi", "agent", "interactive-shell.json"))
	}

	for _, path := range paths {
		cfg, found, err := loadFile(path)
		if err != nil {
			logger.Warn("ignoring unparsable config file", "path", path, "error", err)
			continue
		}
		if found {
			return cfg
		}
	}
	return Default()
}

// LoadFile parses a single config file over the defaults, clamping
// every field. The second result is false when the file does not
// exist.
func LoadFile(path string) (Config, bool, error) {
	return loadFile(path)
}

func loadFile(path string) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), false, nil
	}
	if err != nil {
		return Default(), false, err
	}

	cfg := Default()
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return Default(), false, err
	}
	cfg.Clamp()
	return cfg, true, nil
}

// Clamp forces every numeric field into its documented range.
func (c *Config) Clamp() {
	c.OverlayWidthPercent = clampInt(c.OverlayWidthPercent, 10, 100)
	c.OverlayHeightPercent = clampInt(c.OverlayHeightPercent, 20, 90)
	c.ScrollbackLines = clampInt(c.ScrollbackLines, 200, 50000)
	if c.ExitAutoCloseDelaySeconds < 0 {
		c.ExitAutoCloseDelaySeconds = 0
	}
	if c.DoubleEscapeThresholdMs <= 0 {
		c.DoubleEscapeThresholdMs = Default().DoubleEscapeThresholdMs
	}
	if c.HandsFreeUpdateMode != UpdateOnQuiet && c.HandsFreeUpdateMode != UpdateInterval {
		c.HandsFreeUpdateMode = UpdateOnQuiet
	}
	c.HandsFreeUpdateIntervalMs = clampInt(c.HandsFreeUpdateIntervalMs, 5000, 300000)
	c.QuietThresholdMs = clampInt(c.QuietThresholdMs, 1000, 30000)
	if c.UpdateMaxChars <= 0 {
		c.UpdateMaxChars = Default().UpdateMaxChars
	}
	c.MaxTotalChars = clampInt(c.MaxTotalChars, 10000, 1000000)
	c.MinQueryIntervalSeconds = clampInt(c.MinQueryIntervalSeconds, 5, 300)

	clampHandoff := func(h *HandoffConfig, fallback HandoffConfig) {
		if h.Lines <= 0 {
			h.Lines = fallback.Lines
		}
		if h.MaxChars <= 0 {
			h.MaxChars = fallback.MaxChars
		}
	}
	defaults := Default()
	clampHandoff(&c.HandoffPreview, defaults.HandoffPreview)
	clampHandoff(&c.HandoffSnapshot, defaults.HandoffSnapshot)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
